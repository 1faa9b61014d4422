package mutate

import (
	"context"
	"errors"
	"testing"

	"github.com/janelia-flyem/npmutate/neuprint"
)

func TestMergeSegments(t *testing.T) {
	b := newBuilder(100, 200, 500, 600)
	b.connect(100, 500, 2)
	b.connect(100, 600, 3)
	tbarA, tbarB := b.tbar(200), b.tbar(200)
	b.pair(tbarA, b.psd(500))
	b.pair(tbarA, b.psd(500))
	b.pair(tbarB, b.psd(500))
	b.connect(600, 100, 3)
	b.connect(600, 200, 7)
	s, e := b.load(t)

	result, err := e.MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{100, 200}, UUID: "def456"})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != MergeAction || result.MutationID == "" || result.DryRun {
		t.Errorf("bad result %+v", result)
	}
	if len(result.Segments) != 1 {
		t.Fatalf("expected one resulting segment, got %d", len(result.Segments))
	}
	merged := result.Segments[0]
	if merged.Props.BodyID != 100 || merged.Props.Pre != 7 || merged.Props.Post != 10 || merged.Props.Size != 3000 {
		t.Errorf("bad merged segment %+v", merged.Props)
	}
	if !merged.Neuron {
		t.Errorf("merged segment should be a Neuron")
	}

	stored := mustSegment(t, s, 100)
	if stored.Props.Pre != 7 || stored.Props.Post != 10 || !stored.Neuron {
		t.Errorf("bad stored segment %+v", stored)
	}
	if _, found := getSegment(t, s, 200); found {
		t.Errorf("body 200 still exists after merge")
	}
	expectWeight(t, s, 100, 500, 5)
	expectWeight(t, s, 100, 600, 3)
	expectWeight(t, s, 600, 100, 10)
	if meta := getMeta(t, s); meta.UUID != "def456" || meta.LastDatabaseEdit.IsZero() {
		t.Errorf("meta not touched: %+v", meta)
	}
	checkGraph(t, s)
}

// Merged bodies share connections among themselves and to the same partners.
func TestMergeTopology(t *testing.T) {
	b := newBuilder(1, 2, 3)
	// partner tbar with psds in both merged bodies
	shared := b.tbar(3, "EB")
	b.pair(shared, b.psd(1, "EB"))
	b.pair(shared, b.psd(2, "EB"))
	// merged tbar with psds in both merged bodies
	internal := b.tbar(1, "FB")
	b.pair(internal, b.psd(1, "FB"))
	b.pair(internal, b.psd(2, "FB"))
	b.connect(2, 1, 1)
	b.connect(2, 2, 1)
	b.connect(1, 3, 1)
	b.connect(2, 3, 2)
	s, e := b.load(t)

	if _, err := e.MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{2, 1}}); err != nil {
		t.Fatal(err)
	}
	checkGraph(t, s)
	if _, found := getSegment(t, s, 1); found {
		t.Errorf("body 1 still exists after merge into 2")
	}
	seg := mustSegment(t, s, 2)
	if seg.Props.Pre != 6 || seg.Props.Post != 5 {
		t.Errorf("bad merged counts pre %d, post %d", seg.Props.Pre, seg.Props.Post)
	}
	if seg.Props.Extra["EB"] != true || seg.Props.Extra["FB"] != true {
		t.Errorf("merged segment lost roi flags: %v", seg.Props.Extra)
	}

	self, found := getConnection(t, s, 2, 2)
	if !found {
		t.Fatal("missing autapse connection after merge")
	}
	expected := neuprint.RoiInfo{"FB": {Pre: 1, Post: 2}}
	if self.Weight != 4 || !self.RoiInfo.Equal(expected) {
		t.Errorf("expected autapse of weight 4 and roiInfo %s, got (%s)", expected, self)
	}
	in, _ := getConnection(t, s, 3, 2)
	expected = neuprint.RoiInfo{"EB": {Pre: 1, Post: 2}}
	if in.Weight != 2 || !in.RoiInfo.Equal(expected) {
		t.Errorf("expected input of weight 2 and roiInfo %s, got (%s)", expected, in)
	}
	expectWeight(t, s, 2, 3, 3)
}

func TestMergeProperties(t *testing.T) {
	b := newBuilder(100, 200, 300)
	cropped := true
	b.segment(100).Status = "Traced"
	b.segment(100).Properties = map[string]interface{}{"instance": "a", "type": "KC"}
	b.segment(200).Status = "Anchor"
	b.segment(200).Cropped = &cropped
	b.segment(200).Properties = map[string]interface{}{"instance": "b", "notes": "from 200"}
	b.connect(100, 200, 1)
	b.connect(300, 200, 1)
	s, e := b.load(t)

	_, err := e.MergeSegments(context.Background(), testDataset, MergeRequest{
		Bodies:     []uint64{100, 200},
		Properties: map[string]interface{}{"type": nil, "statusLabel": "Roughly traced"},
	})
	if err != nil {
		t.Fatal(err)
	}
	seg := mustSegment(t, s, 100)
	p := seg.Props
	if p.Status != "Traced" || p.StatusLabel != "Roughly traced" || p.Cropped != nil {
		t.Errorf("bad merged typed properties %+v", p)
	}
	if p.Extra["instance"] != "a" || p.Extra["notes"] != "from 200" {
		t.Errorf("bad merged extra properties %v", p.Extra)
	}
	if _, found := p.Extra["type"]; found {
		t.Errorf("type should have been removed, got %v", p.Extra)
	}
	if p.Size != 3000 {
		t.Errorf("expected summed size 3000, got %d", p.Size)
	}
	expectWeight(t, s, 100, 100, 1)
	expectWeight(t, s, 300, 100, 1)
	checkGraph(t, s)
}

func TestMergeErrors(t *testing.T) {
	b := newBuilder(100, 200, 300)
	b.connect(100, 200, 2)
	b.connect(300, 100, 1)
	s, e := b.load(t)

	tests := []struct {
		name string
		req  MergeRequest
		kind neuprint.ErrorKind
	}{
		{"one body", MergeRequest{Bodies: []uint64{100}}, neuprint.InvalidArgument},
		{"duplicate body", MergeRequest{Bodies: []uint64{100, 200, 100}}, neuprint.InvalidArgument},
		{"missing body", MergeRequest{Bodies: []uint64{100, 999}}, neuprint.NotFound},
		{"missing survivor", MergeRequest{Bodies: []uint64{999, 100}}, neuprint.NotFound},
		{"bodyId override", MergeRequest{Bodies: []uint64{100, 200}, Properties: map[string]interface{}{"bodyId": 200}}, neuprint.InvalidArgument},
		{"bad property", MergeRequest{Bodies: []uint64{100, 200}, Properties: map[string]interface{}{"cropped": "yes"}}, neuprint.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.MergeSegments(context.Background(), testDataset, tt.req)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if seg := mustSegment(t, s, 100); seg.Props.Pre != 2 || seg.Props.Post != 1 {
		t.Errorf("failed merges changed body 100: %+v", seg.Props)
	}
	expectWeight(t, s, 100, 200, 2)
	checkGraph(t, s)
}
