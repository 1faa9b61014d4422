package badger

import (
	"sort"

	"github.com/janelia-flyem/npmutate/neuprint"

	"github.com/dgraph-io/badger/v3"
)

// Direction bytes double as the index key types.
const (
	dirOut = keyOut
	dirIn  = keyIn
)

// edge is one entry of a node's out or in index.
type edge struct {
	RelID int64
	Type  relType
	Other neuprint.NodeID
}

// scan calls fn with copies of every key and value under the prefix.  A read-write
// badger transaction allows only one open iterator, so fn must not touch the store.
func (t *txn) scan(prefix []byte, keysOnly bool, fn func(k, v []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	opts.PrefetchValues = !keysOnly
	it := t.bt.NewIterator(opts)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		item := it.Item()
		k := item.KeyCopy(nil)
		var v []byte
		if !keysOnly {
			var err error
			if v, err = item.ValueCopy(nil); err != nil {
				return err
			}
		}
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) getValue(k []byte) ([]byte, bool, error) {
	item, err := t.bt.Get(k)
	if err == badger.ErrKeyNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := item.ValueCopy(nil)
	return v, true, err
}

func (t *txn) getNode(id neuprint.NodeID) (*nodeRecord, error) {
	v, found, err := t.getValue(t.ks.nodeKey(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, neuprint.NewError(neuprint.InvariantViolation, "node %d does not exist in dataset %q", id, t.dataset)
	}
	var rec nodeRecord
	if err := deserialize(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *txn) getNodeKind(id neuprint.NodeID, kind nodeKind) (*nodeRecord, error) {
	rec, err := t.getNode(id)
	if err != nil {
		return nil, err
	}
	if rec.Kind != kind {
		return nil, neuprint.NewError(neuprint.InvariantViolation, "node %d is a %s, not a %s", id, rec.Kind, kind)
	}
	return rec, nil
}

func (t *txn) putNode(id neuprint.NodeID, rec *nodeRecord) error {
	v, err := serialize(rec)
	if err != nil {
		return err
	}
	return t.bt.Set(t.ks.nodeKey(id), v)
}

func (t *txn) newNode(rec *nodeRecord) (neuprint.NodeID, error) {
	id, err := t.store.nextID()
	if err != nil {
		return 0, err
	}
	nodeID := neuprint.NodeID(id)
	if err := t.putNode(nodeID, rec); err != nil {
		return 0, err
	}
	if rec.Kind == synapseNode && rec.Synapse != nil {
		if err := t.bt.Set(t.ks.locKey(rec.Synapse.Location, nodeID), nil); err != nil {
			return 0, err
		}
	}
	return nodeID, nil
}

// deleteNode removes a node record and its indexes.  Relations must already be gone.
func (t *txn) deleteNode(id neuprint.NodeID) error {
	rec, err := t.getNode(id)
	if err != nil {
		return err
	}
	switch rec.Kind {
	case segmentNode:
		props, err := rec.segment()
		if err != nil {
			return err
		}
		if err := t.bt.Delete(t.ks.bodyKey(props.BodyID)); err != nil {
			return err
		}
	case synapseNode:
		if rec.Synapse != nil {
			if err := t.bt.Delete(t.ks.locKey(rec.Synapse.Location, id)); err != nil {
				return err
			}
		}
	}
	return t.bt.Delete(t.ks.nodeKey(id))
}

// edges returns the relations leaving (dirOut) or entering (dirIn) a node, limited to
// one type unless typ is zero.
func (t *txn) edges(dir byte, id neuprint.NodeID, typ relType) ([]edge, error) {
	var out []edge
	err := t.scan(t.ks.edgePrefix(dir, id, typ), false, func(k, v []byte) error {
		rt, relID, err := t.ks.decodeEdgeKey(k)
		if err != nil {
			return err
		}
		other, err := decodeID(v)
		if err != nil {
			return err
		}
		out = append(out, edge{RelID: relID, Type: rt, Other: other})
		return nil
	})
	return out, err
}

// neighbors returns the distinct nodes reached through relations of one type.
func (t *txn) neighbors(dir byte, id neuprint.NodeID, typ relType) ([]neuprint.NodeID, error) {
	edges, err := t.edges(dir, id, typ)
	if err != nil {
		return nil, err
	}
	seen := make(map[neuprint.NodeID]struct{}, len(edges))
	var out []neuprint.NodeID
	for _, e := range edges {
		if _, found := seen[e.Other]; !found {
			seen[e.Other] = struct{}{}
			out = append(out, e.Other)
		}
	}
	return out, nil
}

func (t *txn) getRel(relID int64) (*relRecord, error) {
	v, found, err := t.getValue(t.ks.relKey(relID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, neuprint.NewError(neuprint.InvariantViolation, "relation %d does not exist in dataset %q", relID, t.dataset)
	}
	var rec relRecord
	if err := deserialize(v, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (t *txn) putRel(relID int64, rec *relRecord) error {
	v, err := serialize(rec)
	if err != nil {
		return err
	}
	return t.bt.Set(t.ks.relKey(relID), v)
}

func (t *txn) createRel(rec *relRecord) (int64, error) {
	relID, err := t.store.nextID()
	if err != nil {
		return 0, err
	}
	if err := t.putRel(relID, rec); err != nil {
		return 0, err
	}
	if err := t.bt.Set(t.ks.edgeKey(dirOut, rec.Start, rec.Type, relID), encodeID(rec.End)); err != nil {
		return 0, err
	}
	if err := t.bt.Set(t.ks.edgeKey(dirIn, rec.End, rec.Type, relID), encodeID(rec.Start)); err != nil {
		return 0, err
	}
	return relID, nil
}

func (t *txn) deleteRel(relID int64, rec *relRecord) error {
	if err := t.bt.Delete(t.ks.edgeKey(dirOut, rec.Start, rec.Type, relID)); err != nil {
		return err
	}
	if err := t.bt.Delete(t.ks.edgeKey(dirIn, rec.End, rec.Type, relID)); err != nil {
		return err
	}
	return t.bt.Delete(t.ks.relKey(relID))
}

// findRel returns the first relation of a type from start to end.
func (t *txn) findRel(start neuprint.NodeID, typ relType, end neuprint.NodeID) (relID int64, found bool, err error) {
	edges, err := t.edges(dirOut, start, typ)
	if err != nil {
		return 0, false, err
	}
	for _, e := range edges {
		if e.Other == end {
			return e.RelID, true, nil
		}
	}
	return 0, false, nil
}

// deleteAllRels removes every relation touching a node.
func (t *txn) deleteAllRels(id neuprint.NodeID) error {
	relIDs := make(map[int64]struct{})
	for _, dir := range []byte{dirOut, dirIn} {
		edges, err := t.edges(dir, id, 0)
		if err != nil {
			return err
		}
		for _, e := range edges {
			relIDs[e.RelID] = struct{}{}
		}
	}
	for relID := range relIDs {
		rec, err := t.getRel(relID)
		if err != nil {
			return err
		}
		if err := t.deleteRel(relID, rec); err != nil {
			return err
		}
	}
	return nil
}

// mergeNodes collapses nodes into the first one.  Relations of the other nodes are
// re-pointed to the survivor; a re-pointed relation that would parallel an existing one
// of the same type is dropped.  The survivor's record is kept as is.
func (t *txn) mergeNodes(ids []neuprint.NodeID) (neuprint.NodeID, error) {
	if len(ids) == 0 {
		return 0, neuprint.NewError(neuprint.InvalidArgument, "no nodes to merge")
	}
	survivor := ids[0]
	if _, err := t.getNode(survivor); err != nil {
		return 0, err
	}
	merged := make(map[neuprint.NodeID]struct{}, len(ids))
	for _, id := range ids[1:] {
		if id != survivor {
			merged[id] = struct{}{}
		}
	}
	if len(merged) == 0 {
		return survivor, nil
	}
	repoint := func(id neuprint.NodeID) neuprint.NodeID {
		if _, found := merged[id]; found {
			return survivor
		}
		return id
	}

	// Collect every relation of the merged nodes once.
	relIDs := make(map[int64]struct{})
	for id := range merged {
		for _, dir := range []byte{dirOut, dirIn} {
			edges, err := t.edges(dir, id, 0)
			if err != nil {
				return 0, err
			}
			for _, e := range edges {
				relIDs[e.RelID] = struct{}{}
			}
		}
	}
	sorted := make([]int64, 0, len(relIDs))
	for relID := range relIDs {
		sorted = append(sorted, relID)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	recs := make([]*relRecord, len(sorted))
	for i, relID := range sorted {
		rec, err := t.getRel(relID)
		if err != nil {
			return 0, err
		}
		if err := t.deleteRel(relID, rec); err != nil {
			return 0, err
		}
		recs[i] = rec
	}
	for _, rec := range recs {
		rec.Start = repoint(rec.Start)
		rec.End = repoint(rec.End)
		_, found, err := t.findRel(rec.Start, rec.Type, rec.End)
		if err != nil {
			return 0, err
		}
		if found {
			continue
		}
		if _, err := t.createRel(rec); err != nil {
			return 0, err
		}
	}
	for id := range merged {
		if err := t.deleteNode(id); err != nil {
			return 0, err
		}
	}
	return survivor, nil
}
