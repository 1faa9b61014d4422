package mutate

import (
	"context"
	"sort"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
)

// SplitRequest moves synapses of a body into a new body.
type SplitRequest struct {
	BodyID uint64 `json:"bodyId"`

	// Synapses are the locations of the synapses to move.
	Synapses []neuprint.Point3d `json:"synapses"`

	// NewBody are the properties of the new segment and must include its bodyId.
	NewBody map[string]interface{} `json:"newBody"`

	// Remainder are properties set on the source segment after the split.
	Remainder map[string]interface{} `json:"remainder,omitempty"`

	UUID      string `json:"uuid,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

// SplitSegment moves the synapses at the requested locations out of a body into a new
// body.  Counts, roiInfo and connections of both bodies and their partners are
// adjusted; connections left without synapse pairs are deleted along with their
// SynapseSets.  The remainder is listed first in the result.
func (e *Engine) SplitSegment(ctx context.Context, dataset string, req SplitRequest) (*Result, error) {
	if len(req.Synapses) == 0 {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "split of body %d has no synapses", req.BodyID)
	}
	v, found := req.NewBody[neuprint.BodyIDKey]
	if !found || v == nil {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "split of body %d doesn't give a new bodyId", req.BodyID)
	}
	newBody, err := neuprint.ParseBodyID(v)
	if err != nil {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "split of body %d: new %v", req.BodyID, err)
	}
	if newBody == 0 || newBody == req.BodyID {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "split of body %d can't create body %d", req.BodyID, newBody)
	}
	if err := badBodyOverride("split remainder", req.BodyID, req.Remainder); err != nil {
		return nil, err
	}
	return e.run(ctx, SplitAction, dataset, req.Debug, func(m *mutation) error {
		m.logMsg["Target"] = req.BodyID
		m.logMsg["NewLabel"] = newBody
		m.logMsg["Synapses"] = len(req.Synapses)
		m.logMsg["UUID"] = req.UUID
		return m.split(req, newBody)
	})
}

type connKey struct {
	from, to neuprint.NodeID
}

// splitPair is one synapse pair touching the moved synapses.
type splitPair struct {
	tbar, psd storage.SiteRow

	// owners before the split
	tbarOwner, psdOwner neuprint.NodeID

	// posts of the tbar owned by the source before the split
	tbarPostsInSource int
}

// splitState accumulates the effect of moving synapses from source to target.
type splitState struct {
	source, target neuprint.NodeID
	hp             neuprint.HPThresholds

	moved map[neuprint.NodeID]neuprint.Synapse
	pairs []splitPair

	removed map[connKey]*neuprint.ConnectionProps
	added   map[connKey]*neuprint.ConnectionProps

	// tbars already counted in a connection's pre roiInfo
	preRemoved map[connKey]map[neuprint.NodeID]struct{}
	preAdded   map[connKey]map[neuprint.NodeID]struct{}

	unlink map[storage.SetMembership]struct{}
	link   map[connKey][]neuprint.NodeID // new connection -> {tbar, psd, tbar, psd, ...}
}

func (m *mutation) split(req SplitRequest, newBody uint64) error {
	metaRes, err := m.exec(storage.GetMeta{})
	if err != nil {
		return err
	}
	meta := metaRes.Meta

	rows, err := m.findSegments(req.BodyID)
	if err != nil {
		return err
	}
	source := rows[0]
	res, err := m.exec(storage.FindSegments{BodyIDs: []uint64{newBody}})
	if err != nil {
		return err
	}
	if len(res.Segments) != 0 {
		return neuprint.NewError(neuprint.InvalidArgument, "new body %d already exists in dataset %q", newBody, m.dataset)
	}

	res, err = m.exec(storage.FindSynapsePairs{SegmentID: source.NodeID, Locations: req.Synapses})
	if err != nil {
		return err
	}
	if len(res.Unresolved) != 0 {
		return neuprint.NewError(neuprint.NotFound, "body %d has no synapses at %d of the requested locations: %v",
			req.BodyID, len(res.Unresolved), res.Unresolved)
	}

	// New segment starts as a copy of the source without synapse-derived properties.
	newProps := source.Props.Copy()
	newProps.BodyID = newBody
	newProps.Pre, newProps.Post, newProps.Size = 0, 0, 0
	newProps.RoiInfo = make(neuprint.RoiInfo)
	newProps.Cropped = nil
	if err := newProps.Overlay(req.NewBody); err != nil {
		return err
	}
	created, err := m.exec(storage.CreateSegment{Props: newProps})
	if err != nil {
		return err
	}

	s := newSplitState(source.NodeID, created.NodeID, meta.HPThresholds(), res.SynapsePairs)
	s.account()

	if err := m.applySplit(s); err != nil {
		return err
	}

	moved := s.movedProps()
	remainder, err := neuprint.SubtractSegment(source.Props, moved)
	if err != nil {
		return err
	}
	if err := remainder.Overlay(req.Remainder); err != nil {
		return err
	}
	newProps.Pre, newProps.Post = moved.Pre, moved.Post
	newProps.RoiInfo = moved.RoiInfo
	for roi := range moved.RoiInfo {
		newProps.Extra[roi] = true
	}
	if err := newProps.Overlay(req.NewBody); err != nil {
		return err
	}
	roiNames := meta.RoiNames()
	neuprint.PruneRois(&remainder, roiNames)
	neuprint.PruneRois(&newProps, roiNames)

	if err := m.setSegment(source.NodeID, remainder); err != nil {
		return err
	}
	if err := m.setSegment(created.NodeID, newProps); err != nil {
		return err
	}
	return m.touchMeta(req.UUID, req.Timestamp)
}

func newSplitState(source, target neuprint.NodeID, hp neuprint.HPThresholds, rows []storage.SynapsePairRow) *splitState {
	s := &splitState{
		source:     source,
		target:     target,
		hp:         hp,
		moved:      make(map[neuprint.NodeID]neuprint.Synapse),
		removed:    make(map[connKey]*neuprint.ConnectionProps),
		added:      make(map[connKey]*neuprint.ConnectionProps),
		preRemoved: make(map[connKey]map[neuprint.NodeID]struct{}),
		preAdded:   make(map[connKey]map[neuprint.NodeID]struct{}),
		unlink:     make(map[storage.SetMembership]struct{}),
		link:       make(map[connKey][]neuprint.NodeID),
	}
	for _, row := range rows {
		s.moved[row.Site.ID] = row.Site.Synapse
	}

	// A pair is reached from both ends when both of its synapses move.
	type pairKey struct{ tbar, psd neuprint.NodeID }
	seen := make(map[pairKey]int)
	for _, row := range rows {
		p := splitPair{tbar: row.Pre(), psd: row.Post()}
		if row.Site.Synapse.Type == neuprint.PreSynapse {
			p.tbarOwner, p.psdOwner = source, row.PartnerSegment
		} else {
			p.tbarOwner, p.psdOwner = row.PartnerSegment, source
			p.tbarPostsInSource = row.PartnerPostsInSegment
		}
		key := pairKey{p.tbar.ID, p.psd.ID}
		if i, dup := seen[key]; dup {
			if p.tbarPostsInSource > 0 {
				s.pairs[i].tbarPostsInSource = p.tbarPostsInSource
			}
			continue
		}
		seen[key] = len(s.pairs)
		s.pairs = append(s.pairs, p)
	}
	sort.Slice(s.pairs, func(i, j int) bool {
		if s.pairs[i].tbar.ID != s.pairs[j].tbar.ID {
			return s.pairs[i].tbar.ID < s.pairs[j].tbar.ID
		}
		return s.pairs[i].psd.ID < s.pairs[j].psd.ID
	})
	return s
}

func (s *splitState) ownerAfter(site, owner neuprint.NodeID) neuprint.NodeID {
	if _, found := s.moved[site]; found {
		return s.target
	}
	return owner
}

func conn(m map[connKey]*neuprint.ConnectionProps, key connKey) *neuprint.ConnectionProps {
	c := m[key]
	if c == nil {
		c = &neuprint.ConnectionProps{RoiInfo: make(neuprint.RoiInfo)}
		m[key] = c
	}
	return c
}

// firstTbar records a tbar in a connection and returns true the first time.
func firstTbar(m map[connKey]map[neuprint.NodeID]struct{}, key connKey, tbar neuprint.NodeID) bool {
	tbars := m[key]
	if tbars == nil {
		tbars = make(map[neuprint.NodeID]struct{})
		m[key] = tbars
	}
	if _, found := tbars[tbar]; found {
		return false
	}
	tbars[tbar] = struct{}{}
	return true
}

// account computes the connection deltas and SynapseSet membership changes.  A pair
// always leaves its old connection for a new one that involves the target.  The tbar
// keeps counting toward the old connection only if it stays behind and still has a
// partner there.
func (s *splitState) account() {
	movedPosts := make(map[neuprint.NodeID]int) // tbar -> moved posts owned by source
	for _, p := range s.pairs {
		if _, found := s.moved[p.psd.ID]; found && p.psdOwner == s.source {
			movedPosts[p.tbar.ID]++
		}
	}
	for _, p := range s.pairs {
		oldKey := connKey{p.tbarOwner, p.psdOwner}
		newKey := connKey{s.ownerAfter(p.tbar.ID, p.tbarOwner), s.ownerAfter(p.psd.ID, p.psdOwner)}
		hp := s.hp.IsHighPrecision(p.tbar.Synapse.Confidence, p.psd.Synapse.Confidence)

		_, tbarMoved := s.moved[p.tbar.ID]
		leaves := tbarMoved || p.tbarPostsInSource-movedPosts[p.tbar.ID] <= 0
		countPre := leaves && firstTbar(s.preRemoved, oldKey, p.tbar.ID)
		conn(s.removed, oldKey).AddPair(p.tbar.Synapse.Rois, p.psd.Synapse.Rois, hp, countPre)
		conn(s.added, newKey).AddPair(p.tbar.Synapse.Rois, p.psd.Synapse.Rois, hp, firstTbar(s.preAdded, newKey, p.tbar.ID))

		if leaves {
			s.unlink[storage.SetMembership{Set: p.tbar.Set, Synapse: p.tbar.ID}] = struct{}{}
		}
		s.unlink[storage.SetMembership{Set: p.psd.Set, Synapse: p.psd.ID}] = struct{}{}
		s.link[newKey] = append(s.link[newKey], p.tbar.ID, p.psd.ID)
	}
}

// movedProps returns the counts and roiInfo of the moved synapses.  Each synapse counts
// once, once per ROI it lies in.
func (s *splitState) movedProps() neuprint.SegmentProps {
	props := neuprint.SegmentProps{RoiInfo: make(neuprint.RoiInfo)}
	for _, syn := range s.moved {
		if syn.Type == neuprint.PreSynapse {
			props.Pre++
			for _, roi := range syn.Rois {
				props.RoiInfo.Increment(roi, 1, 0)
			}
		} else {
			props.Post++
			for _, roi := range syn.Rois {
				props.RoiInfo.Increment(roi, 0, 1)
			}
		}
	}
	return props
}

func sortedConnKeys(m map[connKey]*neuprint.ConnectionProps) []connKey {
	keys := make([]connKey, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].from != keys[j].from {
			return keys[i].from < keys[j].from
		}
		return keys[i].to < keys[j].to
	})
	return keys
}

// applySplit rewires the moved synapses into SynapseSets of the target and writes the
// adjusted connections.
func (m *mutation) applySplit(s *splitState) error {
	var links []storage.SetMembership
	for _, key := range sortedConnKeys(s.added) {
		res, err := m.exec(storage.EnsureSynapseSetPair{Pre: key.from, Post: key.to})
		if err != nil {
			return err
		}
		sites := s.link[key]
		for i := 0; i < len(sites); i += 2 {
			links = append(links,
				storage.SetMembership{Set: res.SetPair.PreSet, Synapse: sites[i]},
				storage.SetMembership{Set: res.SetPair.PostSet, Synapse: sites[i+1]})
		}
	}
	unlinks := make([]storage.SetMembership, 0, len(s.unlink))
	for link := range s.unlink {
		unlinks = append(unlinks, link)
	}
	sort.Slice(unlinks, func(i, j int) bool {
		if unlinks[i].Set != unlinks[j].Set {
			return unlinks[i].Set < unlinks[j].Set
		}
		return unlinks[i].Synapse < unlinks[j].Synapse
	})
	if _, err := m.exec(storage.UnlinkSynapses{Links: unlinks}); err != nil {
		return err
	}
	if _, err := m.exec(storage.LinkSynapses{Links: links}); err != nil {
		return err
	}

	current, err := m.sourceConnections(s.source)
	if err != nil {
		return err
	}
	for _, key := range sortedConnKeys(s.removed) {
		before, found := current[key]
		if !found {
			return neuprint.NewError(neuprint.InvariantViolation, "synapses connect segment %d to %d without a connection", key.from, key.to)
		}
		after, err := neuprint.SubtractConnection(before, *s.removed[key])
		if err != nil {
			return err
		}
		if after.Weight == 0 {
			if _, err := m.exec(storage.DeleteConnection{From: key.from, To: key.to}); err != nil {
				return err
			}
			if _, err := m.exec(storage.DeleteSynapseSetPair{Pre: key.from, Post: key.to}); err != nil {
				return err
			}
			continue
		}
		if _, err := m.exec(storage.SetConnection{From: key.from, To: key.to, Props: after}); err != nil {
			return err
		}
	}
	for _, key := range sortedConnKeys(s.added) {
		if _, err := m.exec(storage.SetConnection{From: key.from, To: key.to, Props: *s.added[key]}); err != nil {
			return err
		}
	}
	return nil
}

// sourceConnections returns the connections of a segment keyed by endpoints.
func (m *mutation) sourceConnections(id neuprint.NodeID) (map[connKey]neuprint.ConnectionProps, error) {
	res, err := m.exec(storage.GetConnections{NodeIDs: []neuprint.NodeID{id}})
	if err != nil {
		return nil, err
	}
	out := make(map[connKey]neuprint.ConnectionProps, len(res.Connections))
	for _, c := range res.Connections {
		key := connKey{c.From, c.To}
		if _, dup := out[key]; dup {
			return nil, neuprint.NewError(neuprint.InvariantViolation, "parallel connections from segment %d to %d", c.From, c.To)
		}
		out[key] = c.Props
	}
	return out, nil
}
