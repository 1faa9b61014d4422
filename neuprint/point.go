package neuprint

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Point3d is a synapse location in voxel coordinates.
type Point3d [3]int32

func (p Point3d) String() string {
	return fmt.Sprintf("(%d,%d,%d)", p[0], p[1], p[2])
}

// Bytes returns a big endian encoding of the point, with the sign bit flipped so
// that lexicographic ordering of the bytes matches ordering by z, then y, then x.
func (p Point3d) Bytes() []byte {
	b := make([]byte, 12)
	binary.BigEndian.PutUint32(b[0:4], uint32(p[2])^0x80000000)
	binary.BigEndian.PutUint32(b[4:8], uint32(p[1])^0x80000000)
	binary.BigEndian.PutUint32(b[8:12], uint32(p[0])^0x80000000)
	return b
}

// PointFromBytes decodes a point encoded with Bytes().
func PointFromBytes(b []byte) (p Point3d, err error) {
	if len(b) < 12 {
		err = fmt.Errorf("can't decode point from %d bytes", len(b))
		return
	}
	p[2] = int32(binary.BigEndian.Uint32(b[0:4]) ^ 0x80000000)
	p[1] = int32(binary.BigEndian.Uint32(b[4:8]) ^ 0x80000000)
	p[0] = int32(binary.BigEndian.Uint32(b[8:12]) ^ 0x80000000)
	return
}

// StringToPoint3d parses a string of format "%d<sep>%d<sep>%d" into a Point3d.
func StringToPoint3d(str, separator string) (p Point3d, err error) {
	elems := strings.Split(strings.Trim(str, "()[] "), separator)
	if len(elems) != 3 {
		err = fmt.Errorf("can't convert %q into a 3d point", str)
		return
	}
	for i, elem := range elems {
		var v int64
		if v, err = strconv.ParseInt(strings.TrimSpace(elem), 10, 32); err != nil {
			return
		}
		p[i] = int32(v)
	}
	return
}

// PointFromInterface converts a decoded JSON or store value into a Point3d.  It accepts
// [x,y,z] arrays of numbers and neo4j-style maps with "x", "y", "z" keys.
func PointFromInterface(v interface{}) (p Point3d, err error) {
	switch t := v.(type) {
	case Point3d:
		return t, nil
	case []int32:
		if len(t) == 3 {
			return Point3d{t[0], t[1], t[2]}, nil
		}
	case []int64:
		if len(t) == 3 {
			return Point3d{int32(t[0]), int32(t[1]), int32(t[2])}, nil
		}
	case []float64:
		if len(t) == 3 {
			return Point3d{int32(t[0]), int32(t[1]), int32(t[2])}, nil
		}
	case []interface{}:
		if len(t) == 3 {
			for i, e := range t {
				var n int64
				if n, err = toInt64(e); err != nil {
					return
				}
				p[i] = int32(n)
			}
			return
		}
	case map[string]interface{}:
		for i, key := range []string{"x", "y", "z"} {
			var n int64
			if n, err = toInt64(t[key]); err != nil {
				return
			}
			p[i] = int32(n)
		}
		return
	case string:
		return StringToPoint3d(t, ",")
	}
	err = fmt.Errorf("can't convert %v (%T) into a 3d point", v, v)
	return
}
