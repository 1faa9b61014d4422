package badger

import (
	"fmt"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
)

func (t *txn) exec(cmd storage.Command) (*storage.Result, error) {
	switch c := cmd.(type) {
	case storage.GetMeta:
		meta, err := t.getMeta()
		if err != nil {
			return nil, err
		}
		return &storage.Result{Meta: meta}, nil
	case storage.FindSegments:
		return t.findSegments(c.BodyIDs)
	case storage.GetConnections:
		return t.getConnections(c.NodeIDs)
	case storage.GetSynapseSetPairs:
		return t.getSetPairs(c.NodeIDs)
	case storage.FindSynapsePairs:
		return t.findSynapsePairs(c.SegmentID, c.Locations)
	case storage.GetSetMembers:
		return t.setMembers(c.SetIDs)
	case storage.MergeNodes:
		id, err := t.mergeNodes(c.NodeIDs)
		if err != nil {
			return nil, err
		}
		return &storage.Result{NodeID: id}, nil
	case storage.MergeNodeGroups:
		for _, group := range c.Groups {
			if len(group) < 2 {
				continue
			}
			if _, err := t.mergeNodes(group); err != nil {
				return nil, err
			}
		}
		return &storage.Result{}, nil
	case storage.SetConnection:
		return &storage.Result{}, t.setConnection(c.From, c.To, c.Props)
	case storage.DeleteConnection:
		return &storage.Result{}, t.deleteConnection(c.From, c.To)
	case storage.CreateSegment:
		id, err := t.createSegment(c.Props, c.Neuron)
		if err != nil {
			return nil, err
		}
		return &storage.Result{NodeID: id}, nil
	case storage.SetSegment:
		return &storage.Result{NodeID: c.NodeID}, t.setSegment(c.NodeID, c.Props, c.Neuron)
	case storage.EnsureSynapseSetPair:
		pair, err := t.ensureSetPair(c.Pre, c.Post)
		if err != nil {
			return nil, err
		}
		return &storage.Result{SetPair: pair}, nil
	case storage.DeleteSynapseSetPair:
		return &storage.Result{}, t.deleteSetPair(c.Pre, c.Post)
	case storage.LinkSynapses:
		return &storage.Result{}, t.linkSynapses(c.Links)
	case storage.UnlinkSynapses:
		return &storage.Result{}, t.unlinkSynapses(c.Links)
	case storage.TouchMeta:
		meta, err := t.getMeta()
		if err != nil {
			return nil, err
		}
		meta.LastDatabaseEdit = c.Time
		if c.UUID != "" {
			meta.UUID = c.UUID
		}
		return &storage.Result{Meta: meta}, t.putMeta(meta)
	default:
		return nil, neuprint.NewError(neuprint.InvalidArgument, "badger store can't execute %T", cmd)
	}
}

func (t *txn) getMeta() (*neuprint.Meta, error) {
	v, found, err := t.getValue(t.ks.metaKey())
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, neuprint.NewError(neuprint.NotFound, "no Meta node for dataset %q", t.dataset)
	}
	var meta neuprint.Meta
	if err := deserialize(v, &meta); err != nil {
		return nil, err
	}
	if meta.RoiInfo == nil {
		meta.RoiInfo = make(neuprint.RoiInfo)
	}
	return &meta, nil
}

func (t *txn) putMeta(meta *neuprint.Meta) error {
	v, err := serialize(meta)
	if err != nil {
		return err
	}
	return t.bt.Set(t.ks.metaKey(), v)
}

func (t *txn) segmentByBody(bodyID uint64) (neuprint.NodeID, bool, error) {
	v, found, err := t.getValue(t.ks.bodyKey(bodyID))
	if err != nil || !found {
		return 0, false, err
	}
	id, err := decodeID(v)
	return id, err == nil, err
}

func (t *txn) findSegments(bodyIDs []uint64) (*storage.Result, error) {
	res := new(storage.Result)
	seen := make(map[uint64]struct{}, len(bodyIDs))
	for _, bodyID := range bodyIDs {
		if _, dup := seen[bodyID]; dup {
			continue
		}
		seen[bodyID] = struct{}{}
		id, found, err := t.segmentByBody(bodyID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		rec, err := t.getNode(id)
		if err != nil {
			return nil, err
		}
		props, err := rec.segment()
		if err != nil {
			return nil, err
		}
		res.Segments = append(res.Segments, storage.SegmentRow{NodeID: id, Props: props, Neuron: rec.Neuron})
	}
	return res, nil
}

func (t *txn) getConnections(ids []neuprint.NodeID) (*storage.Result, error) {
	res := new(storage.Result)
	seen := make(map[int64]struct{})
	for _, id := range ids {
		for _, dir := range []byte{dirOut, dirIn} {
			edges, err := t.edges(dir, id, relConnectsTo)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				if _, dup := seen[e.RelID]; dup {
					continue
				}
				seen[e.RelID] = struct{}{}
				rec, err := t.getRel(e.RelID)
				if err != nil {
					return nil, err
				}
				if rec.Conn == nil {
					continue
				}
				res.Connections = append(res.Connections, storage.ConnectionRow{
					RelID: e.RelID,
					From:  rec.Start,
					To:    rec.End,
					Props: rec.Conn.Copy(),
				})
			}
		}
	}
	return res, nil
}

// owner returns the segment holding a SynapseSet.
func (t *txn) owner(set neuprint.NodeID) (neuprint.NodeID, error) {
	owners, err := t.neighbors(dirIn, set, relContains)
	if err != nil {
		return 0, err
	}
	if len(owners) != 1 {
		return 0, neuprint.NewError(neuprint.InvariantViolation, "SynapseSet %d has %d owners", set, len(owners))
	}
	return owners[0], nil
}

// setPartner returns the SynapseSet connected to the given one and whether the given
// set is the presynaptic side.
func (t *txn) setPartner(set neuprint.NodeID) (partner neuprint.NodeID, isPre bool, err error) {
	outs, err := t.neighbors(dirOut, set, relConnectsTo)
	if err != nil {
		return 0, false, err
	}
	ins, err := t.neighbors(dirIn, set, relConnectsTo)
	if err != nil {
		return 0, false, err
	}
	switch {
	case len(outs) == 1 && len(ins) == 0:
		return outs[0], true, nil
	case len(outs) == 0 && len(ins) == 1:
		return ins[0], false, nil
	default:
		return 0, false, neuprint.NewError(neuprint.InvariantViolation,
			"SynapseSet %d is linked to %d sets downstream and %d upstream", set, len(outs), len(ins))
	}
}

// ownedSets returns the SynapseSets held by a segment.
func (t *txn) ownedSets(segment neuprint.NodeID) ([]neuprint.NodeID, error) {
	return t.neighbors(dirOut, segment, relContains)
}

func (t *txn) getSetPairs(ids []neuprint.NodeID) (*storage.Result, error) {
	res := new(storage.Result)
	seen := make(map[[2]neuprint.NodeID]struct{})
	for _, id := range ids {
		sets, err := t.ownedSets(id)
		if err != nil {
			return nil, err
		}
		for _, set := range sets {
			partner, isPre, err := t.setPartner(set)
			if err != nil {
				return nil, err
			}
			partnerOwner, err := t.owner(partner)
			if err != nil {
				return nil, err
			}
			row := storage.SetPairRow{PreSet: set, PostSet: partner, PreOwner: id, PostOwner: partnerOwner}
			if !isPre {
				row = storage.SetPairRow{PreSet: partner, PostSet: set, PreOwner: partnerOwner, PostOwner: id}
			}
			key := [2]neuprint.NodeID{row.PreSet, row.PostSet}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			res.SetPairs = append(res.SetPairs, row)
		}
	}
	return res, nil
}

// synapsesAt returns the synapse nodes at a location.
func (t *txn) synapsesAt(pt neuprint.Point3d) ([]neuprint.NodeID, error) {
	var ids []neuprint.NodeID
	err := t.scan(t.ks.locPrefix(pt), true, func(k, v []byte) error {
		id, err := t.ks.decodeLocKey(k)
		if err != nil {
			return err
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// siteOwner returns the segment owning a synapse through its SynapseSets.
func (t *txn) siteOwner(site neuprint.NodeID) (neuprint.NodeID, error) {
	sets, err := t.neighbors(dirIn, site, relContains)
	if err != nil {
		return 0, err
	}
	if len(sets) == 0 {
		return 0, neuprint.NewError(neuprint.InvariantViolation, "synapse %d is not in any SynapseSet", site)
	}
	owner, err := t.owner(sets[0])
	if err != nil {
		return 0, err
	}
	for _, set := range sets[1:] {
		other, err := t.owner(set)
		if err != nil {
			return 0, err
		}
		if other != owner {
			return 0, neuprint.NewError(neuprint.InvariantViolation, "synapse %d is in sets of segments %d and %d", site, owner, other)
		}
	}
	return owner, nil
}

func (t *txn) getSynapse(id neuprint.NodeID) (neuprint.Synapse, error) {
	rec, err := t.getNodeKind(id, synapseNode)
	if err != nil {
		return neuprint.Synapse{}, err
	}
	if rec.Synapse == nil {
		return neuprint.Synapse{}, neuprint.NewError(neuprint.InvariantViolation, "synapse node %d has no properties", id)
	}
	return *rec.Synapse, nil
}

func (t *txn) setMembers(sets []neuprint.NodeID) (*storage.Result, error) {
	res := new(storage.Result)
	for _, set := range sets {
		if _, err := t.getNodeKind(set, setNode); err != nil {
			return nil, err
		}
		members, err := t.neighbors(dirOut, set, relContains)
		if err != nil {
			return nil, err
		}
		for _, id := range members {
			syn, err := t.getSynapse(id)
			if err != nil {
				return nil, err
			}
			res.Sites = append(res.Sites, storage.SiteRow{ID: id, Set: set, Synapse: syn})
		}
	}
	return res, nil
}

func (t *txn) findSynapsePairs(segment neuprint.NodeID, locations []neuprint.Point3d) (*storage.Result, error) {
	res := new(storage.Result)
	seenLoc := make(map[neuprint.Point3d]struct{}, len(locations))
	for _, pt := range locations {
		if _, dup := seenLoc[pt]; dup {
			continue
		}
		seenLoc[pt] = struct{}{}
		candidates, err := t.synapsesAt(pt)
		if err != nil {
			return nil, err
		}
		var resolved bool
		for _, site := range candidates {
			rows, owned, err := t.sitePairs(segment, site)
			if err != nil {
				return nil, err
			}
			if owned {
				resolved = true
				res.SynapsePairs = append(res.SynapsePairs, rows...)
			}
		}
		if !resolved {
			res.Unresolved = append(res.Unresolved, pt)
		}
	}
	return res, nil
}

// sitePairs returns the pairs of a synapse if it is owned by the segment.
func (t *txn) sitePairs(segment, site neuprint.NodeID) (rows []storage.SynapsePairRow, owned bool, err error) {
	syn, err := t.getSynapse(site)
	if err != nil {
		return nil, false, err
	}
	sets, err := t.neighbors(dirIn, site, relContains)
	if err != nil {
		return nil, false, err
	}
	partnerDir := dirOut
	if syn.Type == neuprint.PostSynapse {
		partnerDir = dirIn
	}
	partners, err := t.neighbors(partnerDir, site, relSynapsesTo)
	if err != nil {
		return nil, false, err
	}
	for _, set := range sets {
		setOwner, err := t.owner(set)
		if err != nil {
			return nil, false, err
		}
		if setOwner != segment {
			continue
		}
		owned = true
		partnerSet, isPre, err := t.setPartner(set)
		if err != nil {
			return nil, false, err
		}
		if isPre != (syn.Type == neuprint.PreSynapse) {
			return nil, false, neuprint.NewError(neuprint.InvariantViolation,
				"%s synapse %d is in SynapseSet %d of the wrong direction", syn.Type, site, set)
		}
		partnerSegment, err := t.owner(partnerSet)
		if err != nil {
			return nil, false, err
		}
		for _, partner := range partners {
			partnerSets, err := t.neighbors(dirIn, partner, relContains)
			if err != nil {
				return nil, false, err
			}
			if !containsID(partnerSets, partnerSet) {
				continue
			}
			psyn, err := t.getSynapse(partner)
			if err != nil {
				return nil, false, err
			}
			row := storage.SynapsePairRow{
				Site:           storage.SiteRow{ID: site, Set: set, Synapse: syn},
				Partner:        storage.SiteRow{ID: partner, Set: partnerSet, Synapse: psyn},
				PartnerSegment: partnerSegment,
			}
			if psyn.Type == neuprint.PreSynapse {
				if row.PartnerPostsInSegment, err = t.postsOwnedBy(partner, segment); err != nil {
					return nil, false, err
				}
			}
			rows = append(rows, row)
		}
	}
	return rows, owned, nil
}

// postsOwnedBy counts the postsynaptic partners of a tbar owned by a segment.
func (t *txn) postsOwnedBy(tbar, segment neuprint.NodeID) (int, error) {
	posts, err := t.neighbors(dirOut, tbar, relSynapsesTo)
	if err != nil {
		return 0, err
	}
	var n int
	for _, post := range posts {
		owner, err := t.siteOwner(post)
		if err != nil {
			return 0, err
		}
		if owner == segment {
			n++
		}
	}
	return n, nil
}

func containsID(ids []neuprint.NodeID, id neuprint.NodeID) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func (t *txn) setConnection(from, to neuprint.NodeID, props neuprint.ConnectionProps) error {
	for _, id := range []neuprint.NodeID{from, to} {
		if _, err := t.getNodeKind(id, segmentNode); err != nil {
			return err
		}
	}
	conn := props.Copy()
	rec := &relRecord{Type: relConnectsTo, Start: from, End: to, Conn: &conn}
	relID, found, err := t.findRel(from, relConnectsTo, to)
	if err != nil {
		return err
	}
	if found {
		return t.putRel(relID, rec)
	}
	_, err = t.createRel(rec)
	return err
}

func (t *txn) deleteConnection(from, to neuprint.NodeID) error {
	relID, found, err := t.findRel(from, relConnectsTo, to)
	if err != nil || !found {
		return err
	}
	rec, err := t.getRel(relID)
	if err != nil {
		return err
	}
	return t.deleteRel(relID, rec)
}

func (t *txn) createSegment(props neuprint.SegmentProps, neuron bool) (neuprint.NodeID, error) {
	_, exists, err := t.segmentByBody(props.BodyID)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, neuprint.NewError(neuprint.InvalidArgument, "body %d already exists in dataset %q", props.BodyID, t.dataset)
	}
	rec, err := segmentRecord(props, neuron)
	if err != nil {
		return 0, err
	}
	id, err := t.newNode(rec)
	if err != nil {
		return 0, err
	}
	return id, t.bt.Set(t.ks.bodyKey(props.BodyID), encodeID(id))
}

func (t *txn) setSegment(id neuprint.NodeID, props neuprint.SegmentProps, neuron bool) error {
	old, err := t.getNodeKind(id, segmentNode)
	if err != nil {
		return err
	}
	oldProps, err := old.segment()
	if err != nil {
		return err
	}
	if oldProps.BodyID != props.BodyID {
		other, exists, err := t.segmentByBody(props.BodyID)
		if err != nil {
			return err
		}
		if exists && other != id {
			return neuprint.NewError(neuprint.InvalidArgument, "body %d already exists in dataset %q", props.BodyID, t.dataset)
		}
		if err := t.bt.Delete(t.ks.bodyKey(oldProps.BodyID)); err != nil {
			return err
		}
		if err := t.bt.Set(t.ks.bodyKey(props.BodyID), encodeID(id)); err != nil {
			return err
		}
	}
	rec, err := segmentRecord(props, neuron)
	if err != nil {
		return err
	}
	return t.putNode(id, rec)
}

// findSetPair returns the SynapseSets for synapses from segment pre onto segment post.
func (t *txn) findSetPair(pre, post neuprint.NodeID) (pair storage.SetPairRow, found bool, err error) {
	sets, err := t.ownedSets(pre)
	if err != nil {
		return
	}
	for _, set := range sets {
		var downstream []neuprint.NodeID
		if downstream, err = t.neighbors(dirOut, set, relConnectsTo); err != nil {
			return
		}
		for _, partner := range downstream {
			var owner neuprint.NodeID
			if owner, err = t.owner(partner); err != nil {
				return
			}
			if owner == post {
				pair = storage.SetPairRow{PreSet: set, PostSet: partner, PreOwner: pre, PostOwner: post}
				return pair, true, nil
			}
		}
	}
	return
}

func (t *txn) ensureSetPair(pre, post neuprint.NodeID) (storage.SetPairRow, error) {
	for _, id := range []neuprint.NodeID{pre, post} {
		if _, err := t.getNodeKind(id, segmentNode); err != nil {
			return storage.SetPairRow{}, err
		}
	}
	pair, found, err := t.findSetPair(pre, post)
	if err != nil || found {
		return pair, err
	}
	pair = storage.SetPairRow{PreOwner: pre, PostOwner: post}
	if pair.PreSet, err = t.newNode(&nodeRecord{Kind: setNode}); err != nil {
		return pair, err
	}
	if pair.PostSet, err = t.newNode(&nodeRecord{Kind: setNode}); err != nil {
		return pair, err
	}
	rels := []*relRecord{
		{Type: relContains, Start: pre, End: pair.PreSet},
		{Type: relContains, Start: post, End: pair.PostSet},
		{Type: relConnectsTo, Start: pair.PreSet, End: pair.PostSet},
	}
	for _, rec := range rels {
		if _, err := t.createRel(rec); err != nil {
			return pair, err
		}
	}
	return pair, nil
}

func (t *txn) deleteSetPair(pre, post neuprint.NodeID) error {
	pair, found, err := t.findSetPair(pre, post)
	if err != nil || !found {
		return err
	}
	for _, set := range []neuprint.NodeID{pair.PreSet, pair.PostSet} {
		members, err := t.edges(dirOut, set, relContains)
		if err != nil {
			return err
		}
		if len(members) != 0 {
			return neuprint.NewError(neuprint.InvariantViolation,
				"can't delete SynapseSet %d of segments %d -> %d: still holds %d synapses", set, pre, post, len(members))
		}
		if err := t.deleteAllRels(set); err != nil {
			return err
		}
		if err := t.deleteNode(set); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) checkMembership(link storage.SetMembership) error {
	if _, err := t.getNodeKind(link.Set, setNode); err != nil {
		return err
	}
	if _, err := t.getNodeKind(link.Synapse, synapseNode); err != nil {
		return err
	}
	return nil
}

func (t *txn) linkSynapses(links []storage.SetMembership) error {
	for _, link := range links {
		if err := t.checkMembership(link); err != nil {
			return err
		}
		sets, err := t.neighbors(dirIn, link.Synapse, relContains)
		if err != nil {
			return err
		}
		if containsID(sets, link.Set) {
			continue
		}
		if _, err := t.createRel(&relRecord{Type: relContains, Start: link.Set, End: link.Synapse}); err != nil {
			return err
		}
	}
	return nil
}

func (t *txn) unlinkSynapses(links []storage.SetMembership) error {
	for _, link := range links {
		// Synapses have few containing sets, so search from the synapse side.
		edges, err := t.edges(dirIn, link.Synapse, relContains)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if e.Other != link.Set {
				continue
			}
			rec, err := t.getRel(e.RelID)
			if err != nil {
				return err
			}
			if err := t.deleteRel(e.RelID, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *txn) String() string {
	return fmt.Sprintf("badger txn on dataset %q", t.dataset)
}
