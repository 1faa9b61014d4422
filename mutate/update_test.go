package mutate

import (
	"context"
	"errors"
	"testing"

	"github.com/janelia-flyem/npmutate/neuprint"
)

func TestUpdateSegmentProperties(t *testing.T) {
	b := newBuilder(100, 200)
	b.segment(100).Properties = map[string]interface{}{"type": "KC", "instance": "KC-1"}
	b.connect(100, 200, 3)
	s, e := b.load(t)

	result, err := e.UpdateSegmentProperties(context.Background(), testDataset, UpdateRequest{
		BodyID:     100,
		Properties: map[string]interface{}{"status": "Traced", "instance": "KC-2", "type": nil, "somaLocation": []interface{}{1.0, 2.0, 3.0}},
		UUID:       "def456",
		Timestamp:  1600000000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if result.Action != UpdateAction || len(result.Segments) != 1 {
		t.Fatalf("bad result %+v", result)
	}
	seg := mustSegment(t, s, 100)
	p := seg.Props
	if p.Status != "Traced" || p.Extra["instance"] != "KC-2" || p.Pre != 3 {
		t.Errorf("bad updated segment %+v", p)
	}
	if _, found := p.Extra["type"]; found {
		t.Errorf("type not removed: %v", p.Extra)
	}
	if _, found := p.Extra["somaLocation"]; !found {
		t.Errorf("somaLocation not set: %v", p.Extra)
	}
	if !seg.Neuron {
		t.Errorf("Neuron label lost on update")
	}
	meta := getMeta(t, s)
	if meta.UUID != "def456" || !meta.LastDatabaseEdit.Equal(neuprint.EditTime(1600000000)) {
		t.Errorf("bad meta after update %+v", meta)
	}
	expectWeight(t, s, 100, 200, 3)
	checkGraph(t, s)
}

func TestUpdateErrors(t *testing.T) {
	b := newBuilder(100, 200)
	b.connect(100, 200, 1)
	s, e := b.load(t)

	tests := []struct {
		name string
		req  UpdateRequest
		kind neuprint.ErrorKind
	}{
		{"no properties", UpdateRequest{BodyID: 100}, neuprint.InvalidArgument},
		{"change bodyId", UpdateRequest{BodyID: 100, Properties: map[string]interface{}{"bodyId": 101}}, neuprint.InvalidArgument},
		{"set pre", UpdateRequest{BodyID: 100, Properties: map[string]interface{}{"pre": 50}}, neuprint.InvalidArgument},
		{"remove post", UpdateRequest{BodyID: 100, Properties: map[string]interface{}{"post": nil}}, neuprint.InvalidArgument},
		{"set roiInfo", UpdateRequest{BodyID: 100, Properties: map[string]interface{}{"roiInfo": `{"EB":{"pre":9}}`, "status": "Traced"}}, neuprint.InvalidArgument},
		{"bad status", UpdateRequest{BodyID: 100, Properties: map[string]interface{}{"status": 3}}, neuprint.InvalidArgument},
		{"missing body", UpdateRequest{BodyID: 999, Properties: map[string]interface{}{"status": "Traced"}}, neuprint.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.UpdateSegmentProperties(context.Background(), testDataset, tt.req)
			if !errors.Is(err, tt.kind) {
				t.Errorf("expected %s, got %v", tt.kind, err)
			}
		})
	}
	if seg := mustSegment(t, s, 100); seg.Props.Status != "" {
		t.Errorf("failed updates changed body 100: %+v", seg.Props)
	}
	checkGraph(t, s)
}
