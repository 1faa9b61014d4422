package neuprint

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// toInt64 converts numbers as they come back from JSON decoding or a store driver.
func toInt64(v interface{}) (int64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case int64:
		return t, nil
	case uint32:
		return int64(t), nil
	case uint64:
		if t > math.MaxInt64 {
			return 0, fmt.Errorf("%d overflows int64", t)
		}
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("%g is not an integer", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	case string:
		return strconv.ParseInt(t, 10, 64)
	default:
		return 0, fmt.Errorf("can't convert %v (%T) into an integer", v, v)
	}
}

// toUint64 is toInt64 for body ids, which must be positive.
func toUint64(v interface{}) (uint64, error) {
	switch t := v.(type) {
	case uint64:
		return t, nil
	case json.Number:
		return strconv.ParseUint(string(t), 10, 64)
	case string:
		return strconv.ParseUint(t, 10, 64)
	}
	i, err := toInt64(v)
	if err != nil {
		return 0, err
	}
	if i < 0 {
		return 0, fmt.Errorf("negative value %d", i)
	}
	return uint64(i), nil
}

func toFloat64(v interface{}) (float64, error) {
	switch t := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return t, nil
	case float32:
		return float64(t), nil
	case int:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case json.Number:
		return t.Float64()
	case string:
		return strconv.ParseFloat(t, 64)
	default:
		return 0, fmt.Errorf("can't convert %v (%T) into a float", v, v)
	}
}

// ParseBodyID converts a JSON or store value into a body id.
func ParseBodyID(v interface{}) (uint64, error) {
	bodyID, err := toUint64(v)
	if err != nil {
		return 0, fmt.Errorf("bad bodyId %v: %v", v, err)
	}
	return bodyID, nil
}
