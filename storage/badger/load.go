package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
)

// Fixture is a small connectome given as segments and the synapse pairs between them.
// Load derives every aggregate (counts, roiInfo, connections, SynapseSets) from it.
type Fixture struct {
	UUID            string           `json:"uuid"`
	PreHPThreshold  float64          `json:"preHPThreshold"`
	PostHPThreshold float64          `json:"postHPThreshold"`
	Segments        []FixtureSegment `json:"segments"`
	Synapses        []FixtureSynapse `json:"synapses"`
	Pairs           []FixturePair    `json:"pairs"`
}

// FixtureSegment gives the properties of a segment that can't be derived from synapses.
type FixtureSegment struct {
	BodyID      uint64                 `json:"bodyId"`
	Size        int64                  `json:"size"`
	Status      string                 `json:"status,omitempty"`
	StatusLabel string                 `json:"statusLabel,omitempty"`
	Cropped     *bool                  `json:"cropped,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
}

// FixtureSynapse is a synaptic site and the body that owns it.
type FixtureSynapse struct {
	BodyID uint64 `json:"bodyId"`
	neuprint.Synapse
}

// FixturePair connects a presynaptic site to a postsynaptic site by location.
type FixturePair struct {
	Pre  neuprint.Point3d `json:"pre"`
	Post neuprint.Point3d `json:"post"`
}

// ReadFixture decodes a JSON fixture.
func ReadFixture(r io.Reader) (*Fixture, error) {
	var f Fixture
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("bad fixture: %v", err)
	}
	return &f, nil
}

type connKey struct {
	pre, post uint64
}

// derived holds everything computed from a fixture before it is written.
type derived struct {
	segments map[uint64]*neuprint.SegmentProps
	conns    map[connKey]*neuprint.ConnectionProps
	sites    map[neuprint.Point3d]FixtureSynapse
	pairs    []FixturePair
	meta     neuprint.Meta
}

func (f *Fixture) derive(dataset string) (*derived, error) {
	d := &derived{
		segments: make(map[uint64]*neuprint.SegmentProps, len(f.Segments)),
		conns:    make(map[connKey]*neuprint.ConnectionProps),
		sites:    make(map[neuprint.Point3d]FixtureSynapse, len(f.Synapses)),
		meta: neuprint.Meta{
			Dataset:         dataset,
			RoiInfo:         make(neuprint.RoiInfo),
			UUID:            f.UUID,
			PreHPThreshold:  f.PreHPThreshold,
			PostHPThreshold: f.PostHPThreshold,
		},
	}
	for _, seg := range f.Segments {
		if _, dup := d.segments[seg.BodyID]; dup {
			return nil, fmt.Errorf("body %d given twice", seg.BodyID)
		}
		props := &neuprint.SegmentProps{
			BodyID:      seg.BodyID,
			Size:        seg.Size,
			Status:      seg.Status,
			StatusLabel: seg.StatusLabel,
			Cropped:     seg.Cropped,
			RoiInfo:     make(neuprint.RoiInfo),
			Extra:       make(map[string]interface{}),
		}
		if err := props.Overlay(seg.Properties); err != nil {
			return nil, fmt.Errorf("body %d: %v", seg.BodyID, err)
		}
		d.segments[seg.BodyID] = props
	}
	for _, syn := range f.Synapses {
		if _, dup := d.sites[syn.Location]; dup {
			return nil, fmt.Errorf("two synapses at %s", syn.Location)
		}
		if syn.Type != neuprint.PreSynapse && syn.Type != neuprint.PostSynapse {
			return nil, fmt.Errorf("synapse at %s has bad type %q", syn.Location, syn.Type)
		}
		seg, found := d.segments[syn.BodyID]
		if !found {
			return nil, fmt.Errorf("synapse at %s belongs to unknown body %d", syn.Location, syn.BodyID)
		}
		d.sites[syn.Location] = syn
		for _, roi := range syn.Rois {
			if syn.Type == neuprint.PreSynapse {
				seg.RoiInfo.Increment(roi, 1, 0)
				d.meta.RoiInfo.Increment(roi, 1, 0)
			} else {
				seg.RoiInfo.Increment(roi, 0, 1)
				d.meta.RoiInfo.Increment(roi, 0, 1)
			}
		}
		if syn.Type == neuprint.PreSynapse {
			seg.Pre++
			d.meta.TotalPreCount++
		} else {
			seg.Post++
			d.meta.TotalPostCount++
		}
	}
	for _, seg := range d.segments {
		for roi := range seg.RoiInfo {
			seg.Extra[roi] = true
		}
	}

	hp := d.meta.HPThresholds()
	paired := make(map[neuprint.Point3d]struct{}, len(d.sites))
	tbarTargets := make(map[neuprint.Point3d]map[uint64]struct{})
	pairs := append([]FixturePair(nil), f.Pairs...)
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Pre != pairs[j].Pre {
			return string(pairs[i].Pre.Bytes()) < string(pairs[j].Pre.Bytes())
		}
		return string(pairs[i].Post.Bytes()) < string(pairs[j].Post.Bytes())
	})
	for _, pair := range pairs {
		pre, found := d.sites[pair.Pre]
		if !found || pre.Type != neuprint.PreSynapse {
			return nil, fmt.Errorf("pair %s -> %s: no presynaptic site at %s", pair.Pre, pair.Post, pair.Pre)
		}
		post, found := d.sites[pair.Post]
		if !found || post.Type != neuprint.PostSynapse {
			return nil, fmt.Errorf("pair %s -> %s: no postsynaptic site at %s", pair.Pre, pair.Post, pair.Post)
		}
		if _, dup := paired[pair.Post]; dup {
			return nil, fmt.Errorf("postsynaptic site %s has more than one partner", pair.Post)
		}
		paired[pair.Post] = struct{}{}
		paired[pair.Pre] = struct{}{}

		key := connKey{pre.BodyID, post.BodyID}
		conn, found := d.conns[key]
		if !found {
			conn = &neuprint.ConnectionProps{RoiInfo: make(neuprint.RoiInfo)}
			d.conns[key] = conn
		}
		targets := tbarTargets[pair.Pre]
		if targets == nil {
			targets = make(map[uint64]struct{})
			tbarTargets[pair.Pre] = targets
		}
		_, counted := targets[post.BodyID]
		targets[post.BodyID] = struct{}{}
		conn.AddPair(pre.Rois, post.Rois, hp.IsHighPrecision(pre.Confidence, post.Confidence), !counted)
	}
	for pt := range d.sites {
		if _, found := paired[pt]; !found {
			return nil, fmt.Errorf("synapse at %s has no partner", pt)
		}
	}
	d.pairs = pairs
	return d, nil
}

// Load writes a fixture as a new dataset in a single transaction.
func Load(ctx context.Context, s *Store, dataset string, f *Fixture, thresholds neuprint.NeuronThresholds) error {
	tlog := neuprint.NewTimeLog()
	d, err := f.derive(dataset)
	if err != nil {
		return neuprint.NewError(neuprint.InvalidArgument, "dataset %q: %v", dataset, err)
	}
	t, err := s.begin(ctx, dataset)
	if err != nil {
		return err
	}
	defer t.Rollback(ctx)
	if _, found, err := t.getValue(t.ks.metaKey()); err != nil {
		return err
	} else if found {
		return neuprint.NewError(neuprint.InvalidArgument, "dataset %q already exists", dataset)
	}
	if err := d.write(t, thresholds); err != nil {
		return neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	if err := t.Commit(ctx); err != nil {
		return err
	}
	tlog.Infof("Loaded dataset %q: %d segments, %d synapses, %d connections", dataset, len(d.segments), len(d.sites), len(d.conns))
	return nil
}

func (d *derived) write(t *txn, thresholds neuprint.NeuronThresholds) error {
	bodies := make([]uint64, 0, len(d.segments))
	for body := range d.segments {
		bodies = append(bodies, body)
	}
	sort.Slice(bodies, func(i, j int) bool { return bodies[i] < bodies[j] })

	segIDs := make(map[uint64]neuprint.NodeID, len(bodies))
	for _, body := range bodies {
		props := d.segments[body]
		id, err := t.createSegment(*props, props.IsNeuron(thresholds))
		if err != nil {
			return err
		}
		segIDs[body] = id
	}

	siteIDs := make(map[neuprint.Point3d]neuprint.NodeID, len(d.sites))
	for _, pair := range d.pairs {
		for _, pt := range []neuprint.Point3d{pair.Pre, pair.Post} {
			if _, done := siteIDs[pt]; done {
				continue
			}
			syn := d.sites[pt].Synapse
			id, err := t.newNode(&nodeRecord{Kind: synapseNode, Synapse: &syn})
			if err != nil {
				return err
			}
			siteIDs[pt] = id
		}
	}

	for _, pair := range d.pairs {
		pre, post := d.sites[pair.Pre], d.sites[pair.Post]
		preID, postID := siteIDs[pair.Pre], siteIDs[pair.Post]
		if _, err := t.createRel(&relRecord{Type: relSynapsesTo, Start: preID, End: postID}); err != nil {
			return err
		}
		sets, err := t.ensureSetPair(segIDs[pre.BodyID], segIDs[post.BodyID])
		if err != nil {
			return err
		}
		links := []storage.SetMembership{
			{Set: sets.PreSet, Synapse: preID},
			{Set: sets.PostSet, Synapse: postID},
		}
		if err := t.linkSynapses(links); err != nil {
			return err
		}
	}

	for key, conn := range d.conns {
		if err := t.setConnection(segIDs[key.pre], segIDs[key.post], *conn); err != nil {
			return err
		}
	}
	d.meta.LastDatabaseEdit = neuprint.EditTime(0)
	return t.putMeta(&d.meta)
}
