package badger

import (
	"context"
	"fmt"
	"sort"

	"github.com/janelia-flyem/npmutate/neuprint"

	"github.com/dustin/go-humanize"
)

// Report lists every inconsistency found by Check.
type Report struct {
	Dataset     string
	Segments    int
	SynapseSets int
	Synapses    int
	Connections int
	Problems    []string
}

// OK returns true if no problems were found.
func (r *Report) OK() bool {
	return len(r.Problems) == 0
}

func (r *Report) String() string {
	return fmt.Sprintf("dataset %q: %s segments, %s synapse sets, %s synapses, %s connections, %d problems",
		r.Dataset, humanize.Comma(int64(r.Segments)), humanize.Comma(int64(r.SynapseSets)),
		humanize.Comma(int64(r.Synapses)), humanize.Comma(int64(r.Connections)), len(r.Problems))
}

func (r *Report) addf(format string, args ...interface{}) {
	r.Problems = append(r.Problems, fmt.Sprintf(format, args...))
}

// graphSnapshot is every node and relation of a dataset held in memory.
type graphSnapshot struct {
	nodes map[neuprint.NodeID]*nodeRecord
	rels  map[int64]*relRecord
}

func (t *txn) snapshot() (*graphSnapshot, error) {
	g := &graphSnapshot{
		nodes: make(map[neuprint.NodeID]*nodeRecord),
		rels:  make(map[int64]*relRecord),
	}
	n := len(t.ks) + 1
	err := t.scan(t.ks.nodePrefix(), false, func(k, v []byte) error {
		id, err := decodeID(k[n:])
		if err != nil {
			return err
		}
		var rec nodeRecord
		if err := deserialize(v, &rec); err != nil {
			return err
		}
		g.nodes[id] = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	err = t.scan(t.ks.relPrefix(), false, func(k, v []byte) error {
		id, err := decodeID(k[n:])
		if err != nil {
			return err
		}
		var rec relRecord
		if err := deserialize(v, &rec); err != nil {
			return err
		}
		g.rels[int64(id)] = &rec
		return nil
	})
	return g, err
}

type setKey struct {
	owner, partner neuprint.NodeID
	pre            bool
}

type segPair struct {
	from, to neuprint.NodeID
}

// Check recomputes every aggregate of a dataset from its synapses and compares it with
// what is stored: segment counts and roiInfo, connection weights and roiInfo, the
// Neuron label, SynapseSet topology, orphaned nodes and the Meta totals.
func Check(ctx context.Context, s *Store, dataset string, thresholds neuprint.NeuronThresholds) (*Report, error) {
	t, err := s.begin(ctx, dataset)
	if err != nil {
		return nil, err
	}
	defer t.Rollback(ctx)

	meta, err := t.getMeta()
	if err != nil {
		return nil, err
	}
	g, err := t.snapshot()
	if err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	r := &Report{Dataset: dataset}

	setOwners := make(map[neuprint.NodeID][]neuprint.NodeID)
	setMembers := make(map[neuprint.NodeID][]neuprint.NodeID)
	siteSets := make(map[neuprint.NodeID][]neuprint.NodeID)
	setDown := make(map[neuprint.NodeID][]neuprint.NodeID)
	setUp := make(map[neuprint.NodeID][]neuprint.NodeID)
	postsOf := make(map[neuprint.NodeID][]neuprint.NodeID)
	presOf := make(map[neuprint.NodeID][]neuprint.NodeID)
	storedConns := make(map[segPair][]*relRecord)

	kindOf := func(id neuprint.NodeID) nodeKind {
		if rec, found := g.nodes[id]; found {
			return rec.Kind
		}
		return 0
	}
	relIDs := make([]int64, 0, len(g.rels))
	for relID := range g.rels {
		relIDs = append(relIDs, relID)
	}
	sort.Slice(relIDs, func(i, j int) bool { return relIDs[i] < relIDs[j] })
	for _, relID := range relIDs {
		rel := g.rels[relID]
		sk, ek := kindOf(rel.Start), kindOf(rel.End)
		switch {
		case rel.Type == relContains && sk == segmentNode && ek == setNode:
			setOwners[rel.End] = append(setOwners[rel.End], rel.Start)
		case rel.Type == relContains && sk == setNode && ek == synapseNode:
			setMembers[rel.Start] = append(setMembers[rel.Start], rel.End)
			siteSets[rel.End] = append(siteSets[rel.End], rel.Start)
		case rel.Type == relConnectsTo && sk == setNode && ek == setNode:
			setDown[rel.Start] = append(setDown[rel.Start], rel.End)
			setUp[rel.End] = append(setUp[rel.End], rel.Start)
		case rel.Type == relConnectsTo && sk == segmentNode && ek == segmentNode:
			if rel.Conn == nil {
				r.addf("ConnectsTo %d between segments %d and %d has no properties", relID, rel.Start, rel.End)
				continue
			}
			key := segPair{rel.Start, rel.End}
			storedConns[key] = append(storedConns[key], rel)
		case rel.Type == relSynapsesTo && sk == synapseNode && ek == synapseNode:
			postsOf[rel.Start] = append(postsOf[rel.Start], rel.End)
			presOf[rel.End] = append(presOf[rel.End], rel.Start)
		default:
			r.addf("unexpected %s relation %d from %s %d to %s %d", rel.Type, relID, sk, rel.Start, ek, rel.End)
		}
	}

	// SynapseSet topology.
	setOwner := make(map[neuprint.NodeID]neuprint.NodeID)
	setPartner := make(map[neuprint.NodeID]neuprint.NodeID)
	setIsPre := make(map[neuprint.NodeID]bool)
	for id, rec := range g.nodes {
		if rec.Kind != setNode {
			continue
		}
		r.SynapseSets++
		owners := setOwners[id]
		if len(owners) != 1 {
			r.addf("SynapseSet %d has %d owners", id, len(owners))
			continue
		}
		setOwner[id] = owners[0]
		down, up := setDown[id], setUp[id]
		switch {
		case len(down) == 1 && len(up) == 0:
			setPartner[id] = down[0]
			setIsPre[id] = true
		case len(down) == 0 && len(up) == 1:
			setPartner[id] = up[0]
		default:
			r.addf("SynapseSet %d is linked to %d sets downstream and %d upstream", id, len(down), len(up))
		}
		if len(setMembers[id]) == 0 {
			r.addf("SynapseSet %d of segment %d is empty", id, owners[0])
		}
	}
	setsByKey := make(map[setKey][]neuprint.NodeID)
	for set, partner := range setPartner {
		partnerOwner, found := setOwner[partner]
		if !found {
			continue
		}
		key := setKey{owner: setOwner[set], partner: partnerOwner, pre: setIsPre[set]}
		setsByKey[key] = append(setsByKey[key], set)
	}
	for key, sets := range setsByKey {
		if len(sets) > 1 {
			dir := "post"
			if key.pre {
				dir = "pre"
			}
			r.addf("segment %d has %d %s SynapseSets toward segment %d", key.owner, len(sets), dir, key.partner)
		}
	}

	// Synapse ownership.
	siteOwner := make(map[neuprint.NodeID]neuprint.NodeID)
	for id, rec := range g.nodes {
		if rec.Kind != synapseNode {
			continue
		}
		r.Synapses++
		if rec.Synapse == nil {
			r.addf("synapse %d has no properties", id)
			continue
		}
		sets := siteSets[id]
		if len(sets) == 0 {
			r.addf("synapse %d at %s is not in any SynapseSet", id, rec.Synapse.Location)
			continue
		}
		owner, ok := setOwner[sets[0]]
		for _, set := range sets {
			if o, found := setOwner[set]; !found || o != owner {
				ok = false
			}
			if setIsPre[set] != (rec.Synapse.Type == neuprint.PreSynapse) {
				r.addf("%s synapse %d is in SynapseSet %d of the wrong direction", rec.Synapse.Type, id, set)
			}
		}
		if !ok {
			r.addf("synapse %d at %s is in SynapseSets of different segments", id, rec.Synapse.Location)
			continue
		}
		siteOwner[id] = owner
		switch rec.Synapse.Type {
		case neuprint.PreSynapse:
			if len(postsOf[id]) == 0 {
				r.addf("presynaptic site %d at %s has no partners", id, rec.Synapse.Location)
			}
		case neuprint.PostSynapse:
			if len(presOf[id]) != 1 {
				r.addf("postsynaptic site %d at %s has %d presynaptic partners", id, rec.Synapse.Location, len(presOf[id]))
			}
		}
	}

	// Recompute aggregates from synapse pairs.
	hp := meta.HPThresholds()
	expSegs := make(map[neuprint.NodeID]*neuprint.SegmentProps)
	expConns := make(map[segPair]*neuprint.ConnectionProps)
	justified := make(map[[2]neuprint.NodeID]struct{})
	segFor := func(id neuprint.NodeID) *neuprint.SegmentProps {
		s, found := expSegs[id]
		if !found {
			s = &neuprint.SegmentProps{RoiInfo: make(neuprint.RoiInfo)}
			expSegs[id] = s
		}
		return s
	}
	for id, owner := range siteOwner {
		syn := g.nodes[id].Synapse
		seg := segFor(owner)
		if syn.Type == neuprint.PreSynapse {
			seg.Pre++
		} else {
			seg.Post++
		}
		for _, roi := range syn.Rois {
			if syn.Type == neuprint.PreSynapse {
				seg.RoiInfo.Increment(roi, 1, 0)
			} else {
				seg.RoiInfo.Increment(roi, 0, 1)
			}
		}
	}
	tbars := make([]neuprint.NodeID, 0, len(postsOf))
	for tbar := range postsOf {
		tbars = append(tbars, tbar)
	}
	sort.Slice(tbars, func(i, j int) bool { return tbars[i] < tbars[j] })
	for _, tbar := range tbars {
		preOwner, found := siteOwner[tbar]
		if !found {
			continue
		}
		pre := g.nodes[tbar].Synapse
		counted := make(map[neuprint.NodeID]struct{})
		for _, psd := range postsOf[tbar] {
			postOwner, found := siteOwner[psd]
			if !found {
				continue
			}
			post := g.nodes[psd].Synapse
			key := segPair{preOwner, postOwner}
			conn, found := expConns[key]
			if !found {
				conn = &neuprint.ConnectionProps{RoiInfo: make(neuprint.RoiInfo)}
				expConns[key] = conn
			}
			_, done := counted[postOwner]
			counted[postOwner] = struct{}{}
			conn.AddPair(pre.Rois, post.Rois, hp.IsHighPrecision(pre.Confidence, post.Confidence), !done)

			preSets := setsByKey[setKey{owner: preOwner, partner: postOwner, pre: true}]
			if len(preSets) != 1 {
				r.addf("pair %s -> %s: segment %d has %d pre SynapseSets toward segment %d",
					pre.Location, post.Location, preOwner, len(preSets), postOwner)
				continue
			}
			preSet := preSets[0]
			postSet := setPartner[preSet]
			if !containsID(siteSets[tbar], preSet) || !containsID(siteSets[psd], postSet) {
				r.addf("pair %s -> %s is not held by SynapseSets %d -> %d", pre.Location, post.Location, preSet, postSet)
				continue
			}
			justified[[2]neuprint.NodeID{preSet, tbar}] = struct{}{}
			justified[[2]neuprint.NodeID{postSet, psd}] = struct{}{}
		}
	}
	for site, sets := range siteSets {
		for _, set := range sets {
			if _, found := justified[[2]neuprint.NodeID{set, site}]; !found {
				r.addf("synapse %d is in SynapseSet %d without a partner in the linked set", site, set)
			}
		}
	}

	// Segments.
	var totalPre, totalPost int64
	segRois := make(neuprint.RoiInfo)
	for id, rec := range g.nodes {
		if rec.Kind != segmentNode {
			continue
		}
		r.Segments++
		props, err := rec.segment()
		if err != nil {
			r.addf("segment %d: %v", id, err)
			continue
		}
		if nodeID, found, err := t.segmentByBody(props.BodyID); err != nil {
			return nil, neuprint.WrapError(neuprint.TransactionFailure, err)
		} else if !found || nodeID != id {
			r.addf("body %d of segment %d is not indexed", props.BodyID, id)
		}
		exp := segFor(id)
		if props.Pre != exp.Pre || props.Post != exp.Post {
			r.addf("body %d has pre %d, post %d but owns %d pre and %d post sites",
				props.BodyID, props.Pre, props.Post, exp.Pre, exp.Post)
		}
		if !props.RoiInfo.Equal(exp.RoiInfo) {
			r.addf("body %d has roiInfo %s, expected %s", props.BodyID, props.RoiInfo, exp.RoiInfo)
		}
		for roi, c := range props.RoiInfo {
			if c.IsZero() {
				r.addf("body %d has zero roiInfo entry %q", props.BodyID, roi)
			}
		}
		if rec.Neuron != props.IsNeuron(thresholds) {
			r.addf("body %d (pre %d, post %d) has Neuron label %t", props.BodyID, props.Pre, props.Post, rec.Neuron)
		}
		totalPre += props.Pre
		totalPost += props.Post
		segRois.Add(props.RoiInfo)
	}
	for id := range expSegs {
		if kindOf(id) != segmentNode {
			r.addf("synapses are owned by node %d which is not a segment", id)
		}
	}

	// Connections.
	for key, rels := range storedConns {
		r.Connections++
		if len(rels) > 1 {
			r.addf("%d parallel connections from segment %d to %d", len(rels), key.from, key.to)
		}
		exp, found := expConns[key]
		if !found {
			r.addf("connection from segment %d to %d (%s) has no synapse pairs", key.from, key.to, rels[0].Conn)
			continue
		}
		got := rels[0].Conn
		if got.Weight != exp.Weight || got.WeightHP != exp.WeightHP || !got.RoiInfo.Equal(exp.RoiInfo) {
			r.addf("connection from segment %d to %d is (%s), expected (%s)", key.from, key.to, got, exp)
		}
	}
	for key, exp := range expConns {
		if _, found := storedConns[key]; !found {
			r.addf("missing connection from segment %d to %d (%s)", key.from, key.to, exp)
		}
	}

	// Meta totals don't change with merges and splits.
	if meta.TotalPreCount != totalPre || meta.TotalPostCount != totalPost {
		r.addf("meta totals pre %d, post %d but segments sum to pre %d, post %d",
			meta.TotalPreCount, meta.TotalPostCount, totalPre, totalPost)
	}
	if !meta.RoiInfo.Equal(segRois) {
		r.addf("meta roiInfo %s but segments sum to %s", meta.RoiInfo, segRois)
	}
	sort.Strings(r.Problems)
	return r, nil
}
