package badger

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/janelia-flyem/npmutate/neuprint"
)

// Key layout within a dataset.  Every key starts with the dataset name followed by a
// zero byte and one of the key type bytes below.
//
//	n <node id>                              node record
//	r <rel id>                               relation record
//	o <start id> <rel type> <rel id>         -> end id
//	i <end id> <rel type> <rel id>           -> start id
//	b <body id>                              -> segment node id
//	l <location> <synapse id>                -> empty
//	m                                        meta record
const (
	keyNode byte = 'n'
	keyRel  byte = 'r'
	keyOut  byte = 'o'
	keyIn   byte = 'i'
	keyBody byte = 'b'
	keyLoc  byte = 'l'
	keyMeta byte = 'm'
)

// relType identifies the kind of relation.
type relType byte

const (
	relContains   relType = 'c'
	relConnectsTo relType = 't'
	relSynapsesTo relType = 's'
)

func (r relType) String() string {
	switch r {
	case relContains:
		return "Contains"
	case relConnectsTo:
		return "ConnectsTo"
	case relSynapsesTo:
		return "SynapsesTo"
	default:
		return fmt.Sprintf("relType(%d)", byte(r))
	}
}

// sequenceKey is outside any dataset's key space since dataset names are non-empty.
var sequenceKey = []byte{0, 's', 'e', 'q'}

type keyspace []byte

func newKeyspace(dataset string) (keyspace, error) {
	if dataset == "" || strings.IndexByte(dataset, 0) >= 0 {
		return nil, fmt.Errorf("bad dataset name %q", dataset)
	}
	return append([]byte(dataset), 0), nil
}

func (ks keyspace) key(typ byte, size int) []byte {
	k := make([]byte, len(ks), len(ks)+1+size)
	copy(k, ks)
	return append(k, typ)
}

func appendID(b []byte, id uint64) []byte {
	return binary.BigEndian.AppendUint64(b, id)
}

func (ks keyspace) nodeKey(id neuprint.NodeID) []byte {
	return appendID(ks.key(keyNode, 8), uint64(id))
}

func (ks keyspace) nodePrefix() []byte {
	return ks.key(keyNode, 0)
}

func (ks keyspace) relKey(relID int64) []byte {
	return appendID(ks.key(keyRel, 8), uint64(relID))
}

func (ks keyspace) relPrefix() []byte {
	return ks.key(keyRel, 0)
}

// edgePrefix returns the prefix for the out or in index of a node, optionally limited
// to one relation type.
func (ks keyspace) edgePrefix(dir byte, id neuprint.NodeID, typ relType) []byte {
	k := appendID(ks.key(dir, 17), uint64(id))
	if typ != 0 {
		k = append(k, byte(typ))
	}
	return k
}

func (ks keyspace) edgeKey(dir byte, id neuprint.NodeID, typ relType, relID int64) []byte {
	return appendID(ks.edgePrefix(dir, id, typ), uint64(relID))
}

// decodeEdgeKey returns the relation type and id from an out or in index key.
func (ks keyspace) decodeEdgeKey(k []byte) (relType, int64, error) {
	n := len(ks) + 1 + 8
	if len(k) != n+9 {
		return 0, 0, fmt.Errorf("bad edge key %x", k)
	}
	return relType(k[n]), int64(binary.BigEndian.Uint64(k[n+1:])), nil
}

func (ks keyspace) bodyKey(bodyID uint64) []byte {
	return appendID(ks.key(keyBody, 8), bodyID)
}

func (ks keyspace) locPrefix(pt neuprint.Point3d) []byte {
	return append(ks.key(keyLoc, 20), pt.Bytes()...)
}

func (ks keyspace) locKey(pt neuprint.Point3d, id neuprint.NodeID) []byte {
	return appendID(ks.locPrefix(pt), uint64(id))
}

func (ks keyspace) decodeLocKey(k []byte) (neuprint.NodeID, error) {
	if len(k) != len(ks)+1+12+8 {
		return 0, fmt.Errorf("bad location key %x", k)
	}
	return neuprint.NodeID(binary.BigEndian.Uint64(k[len(k)-8:])), nil
}

func (ks keyspace) metaKey() []byte {
	return ks.key(keyMeta, 0)
}

func encodeID(id neuprint.NodeID) []byte {
	return appendID(nil, uint64(id))
}

func decodeID(b []byte) (neuprint.NodeID, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("bad node id encoding %x", b)
	}
	return neuprint.NodeID(binary.BigEndian.Uint64(b)), nil
}
