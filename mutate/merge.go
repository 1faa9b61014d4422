package mutate

import (
	"context"
	"sort"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
)

// MergeRequest merges bodies into the first one.
type MergeRequest struct {
	// Bodies to merge.  The first body survives.
	Bodies []uint64 `json:"bodies"`

	// Properties are set on the merged segment after combination.
	Properties map[string]interface{} `json:"properties,omitempty"`

	UUID      string `json:"uuid,omitempty"`
	Timestamp int64  `json:"timestamp,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

// MergeSegments merges the requested bodies into the first body.  Synapse counts, size
// and roiInfo are summed, connections to the same partner are combined, and the
// SynapseSets toward each partner collapse into one.
func (e *Engine) MergeSegments(ctx context.Context, dataset string, req MergeRequest) (*Result, error) {
	if len(req.Bodies) < 2 {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "merge needs at least 2 bodies, got %v", req.Bodies)
	}
	seen := make(map[uint64]struct{}, len(req.Bodies))
	for _, body := range req.Bodies {
		if _, dup := seen[body]; dup {
			return nil, neuprint.NewError(neuprint.InvalidArgument, "body %d given more than once in merge", body)
		}
		seen[body] = struct{}{}
	}
	if err := badBodyOverride("merge properties", req.Bodies[0], req.Properties); err != nil {
		return nil, err
	}
	return e.run(ctx, MergeAction, dataset, req.Debug, func(m *mutation) error {
		m.logMsg["Target"] = req.Bodies[0]
		m.logMsg["Labels"] = req.Bodies[1:]
		m.logMsg["UUID"] = req.UUID
		return m.merge(req)
	})
}

// neighbor identifies the group of an edge or SynapseSet pair in a merge.  The merged
// segments themselves form the self group so they never collide with a partner id.
type neighbor struct {
	self bool
	out  bool
	id   neuprint.NodeID
}

// setGroup holds the SynapseSets that collapse into one on each side of a set pair.
type setGroup struct {
	pre, post []neuprint.NodeID
}

func (m *mutation) merge(req MergeRequest) error {
	rows, err := m.findSegments(req.Bodies...)
	if err != nil {
		return err
	}
	ids := make([]neuprint.NodeID, len(rows))
	props := make([]neuprint.SegmentProps, len(rows))
	merged := make(map[neuprint.NodeID]struct{}, len(rows))
	for i, row := range rows {
		ids[i] = row.NodeID
		props[i] = row.Props
		merged[row.NodeID] = struct{}{}
	}
	survivor := ids[0]

	mergedProps, err := neuprint.CombineSegments(props)
	if err != nil {
		return err
	}
	if rows[0].Props.Cropped == nil {
		mergedProps.Cropped = nil
	}
	if err := mergedProps.Overlay(req.Properties); err != nil {
		return err
	}

	conns, err := m.combinedConnections(ids, merged)
	if err != nil {
		return err
	}
	groups, err := m.setGroups(ids, merged)
	if err != nil {
		return err
	}
	if err := m.uncountSharedTbars(conns, groups); err != nil {
		return err
	}

	if _, err := m.exec(storage.MergeNodes{NodeIDs: ids}); err != nil {
		return err
	}
	for _, key := range sortedNeighbors(conns) {
		from, to := survivor, survivor
		if !key.self {
			if key.out {
				to = key.id
			} else {
				from = key.id
			}
		}
		if _, err := m.exec(storage.SetConnection{From: from, To: to, Props: conns[key]}); err != nil {
			return err
		}
	}
	var setMerges [][]neuprint.NodeID
	for _, key := range sortedNeighbors(groups) {
		g := groups[key]
		for _, sets := range [][]neuprint.NodeID{g.pre, g.post} {
			if len(sets) > 1 {
				setMerges = append(setMerges, sets)
			}
		}
	}
	if len(setMerges) != 0 {
		if _, err := m.exec(storage.MergeNodeGroups{Groups: setMerges}); err != nil {
			return err
		}
	}
	if err := m.setSegment(survivor, mergedProps); err != nil {
		return err
	}
	return m.touchMeta(req.UUID, req.Timestamp)
}

// combinedConnections sums the connections of the merged segments per partner.
func (m *mutation) combinedConnections(ids []neuprint.NodeID, merged map[neuprint.NodeID]struct{}) (map[neighbor]neuprint.ConnectionProps, error) {
	res, err := m.exec(storage.GetConnections{NodeIDs: ids})
	if err != nil {
		return nil, err
	}
	parts := make(map[neighbor][]neuprint.ConnectionProps)
	seen := make(map[int64]struct{}, len(res.Connections))
	for _, conn := range res.Connections {
		if _, dup := seen[conn.RelID]; dup {
			continue
		}
		seen[conn.RelID] = struct{}{}
		_, fromMerged := merged[conn.From]
		_, toMerged := merged[conn.To]
		var key neighbor
		switch {
		case fromMerged && toMerged:
			key = neighbor{self: true}
		case fromMerged:
			key = neighbor{out: true, id: conn.To}
		case toMerged:
			key = neighbor{id: conn.From}
		default:
			return nil, neuprint.NewError(neuprint.InvariantViolation, "connection %d between %d and %d doesn't touch merged segments",
				conn.RelID, conn.From, conn.To)
		}
		parts[key] = append(parts[key], conn.Props)
	}
	out := make(map[neighbor]neuprint.ConnectionProps, len(parts))
	for key, conns := range parts {
		out[key] = neuprint.CombineConnections(conns...)
	}
	return out, nil
}

// setGroups gathers the SynapseSet pairs of the merged segments that must collapse.
// Sets of the merged segments toward the same partner become one, as do the partner's
// sets toward the merged segments.  Sets between merged segments form the self group,
// kept apart by direction.
func (m *mutation) setGroups(ids []neuprint.NodeID, merged map[neuprint.NodeID]struct{}) (map[neighbor]*setGroup, error) {
	res, err := m.exec(storage.GetSynapseSetPairs{NodeIDs: ids})
	if err != nil {
		return nil, err
	}
	groups := make(map[neighbor]*setGroup)
	seen := make(map[storage.SetPairRow]struct{}, len(res.SetPairs))
	for _, pair := range res.SetPairs {
		if _, dup := seen[pair]; dup {
			continue
		}
		seen[pair] = struct{}{}
		_, preMerged := merged[pair.PreOwner]
		_, postMerged := merged[pair.PostOwner]
		var key neighbor
		switch {
		case preMerged && postMerged:
			key = neighbor{self: true}
		case preMerged:
			key = neighbor{out: true, id: pair.PostOwner}
		case postMerged:
			key = neighbor{id: pair.PreOwner}
		default:
			return nil, neuprint.NewError(neuprint.InvariantViolation, "SynapseSets %d -> %d don't belong to merged segments",
				pair.PreSet, pair.PostSet)
		}
		g := groups[key]
		if g == nil {
			g = new(setGroup)
			groups[key] = g
		}
		g.pre = append(g.pre, pair.PreSet)
		g.post = append(g.post, pair.PostSet)
	}
	for _, g := range groups {
		sortNodes(g.pre)
		sortNodes(g.post)
	}
	return groups, nil
}

// uncountSharedTbars removes the extra presynaptic ROI counts of tbars that had
// partners in more than one of the merged segments.  Each original connection counted
// such a tbar once, but the combined connection must count it once in total.
func (m *mutation) uncountSharedTbars(conns map[neighbor]neuprint.ConnectionProps, groups map[neighbor]*setGroup) error {
	for _, key := range sortedNeighbors(groups) {
		g := groups[key]
		if len(g.pre) < 2 {
			continue
		}
		res, err := m.exec(storage.GetSetMembers{SetIDs: g.pre})
		if err != nil {
			return err
		}
		sets := make(map[neuprint.NodeID]map[neuprint.NodeID]struct{})
		rois := make(map[neuprint.NodeID][]string)
		for _, site := range res.Sites {
			if site.Synapse.Type != neuprint.PreSynapse {
				continue
			}
			if sets[site.ID] == nil {
				sets[site.ID] = make(map[neuprint.NodeID]struct{})
			}
			sets[site.ID][site.Set] = struct{}{}
			rois[site.ID] = site.Synapse.Rois
		}
		extra := make(neuprint.RoiInfo)
		for tbar, in := range sets {
			if len(in) < 2 {
				continue
			}
			for _, roi := range rois[tbar] {
				extra.Increment(roi, int64(len(in)-1), 0)
			}
		}
		if len(extra) == 0 {
			continue
		}
		conn, found := conns[key]
		if !found {
			return neuprint.NewError(neuprint.InvariantViolation, "SynapseSets %v have no matching connection", g.pre)
		}
		if conn.RoiInfo, err = neuprint.SubtractRois(conn.RoiInfo, extra); err != nil {
			return err
		}
		conns[key] = conn
	}
	return nil
}

func sortNodes(ids []neuprint.NodeID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}

// sortedNeighbors orders group keys so writes are deterministic: self first, then
// outputs and inputs by partner id.
func sortedNeighbors[V any](m map[neighbor]V) []neighbor {
	keys := make([]neighbor, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.self != b.self {
			return a.self
		}
		if a.out != b.out {
			return a.out
		}
		return a.id < b.id
	})
	return keys
}
