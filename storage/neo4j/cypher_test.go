package neo4j

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

type call struct {
	query  string
	params map[string]interface{}
}

// fakeBolt answers statements in order with scripted records.
type fakeBolt struct {
	calls   []call
	answers [][]*driver.Record
}

func (f *fakeBolt) run(ctx context.Context, query string, params map[string]interface{}) ([]*driver.Record, error) {
	f.calls = append(f.calls, call{query, params})
	if len(f.answers) == 0 {
		return nil, nil
	}
	records := f.answers[0]
	f.answers = f.answers[1:]
	return records, nil
}

func record(kv ...interface{}) *driver.Record {
	rec := &driver.Record{}
	for i := 0; i < len(kv); i += 2 {
		rec.Keys = append(rec.Keys, kv[i].(string))
		rec.Values = append(rec.Values, kv[i+1])
	}
	return rec
}

func newFake(t *testing.T, answers ...[]*driver.Record) (*fakeBolt, cypher) {
	t.Helper()
	sch, err := newSchema("hemibrain")
	if err != nil {
		t.Fatal(err)
	}
	f := &fakeBolt{answers: answers}
	return f, cypher{schema: sch, run: f.run}
}

func TestSchema(t *testing.T) {
	for _, name := range []string{"", "bad`name"} {
		if _, err := newSchema(name); !errors.Is(err, neuprint.InvalidArgument) {
			t.Errorf("expected InvalidArgument for dataset %q, got %v", name, err)
		}
	}
	sch, _ := newSchema("hemibrain")
	got := sch.expand("MATCH (n:{Segment}) CREATE (x:{+SynapseSet}) WITH {a: 1} AS m")
	expected := "MATCH (n:`hemibrain_Segment`) CREATE (x:SynapseSet:`hemibrain`:`hemibrain_SynapseSet`) WITH {a: 1} AS m"
	if got != expected {
		t.Errorf("expected %q, got %q", expected, got)
	}
}

func TestFindSegments(t *testing.T) {
	props := map[string]interface{}{
		"bodyId":  int64(100),
		"pre":     int64(5),
		"post":    int64(3),
		"size":    int64(1000),
		"status":  "Traced",
		"roiInfo": `{"EB":{"pre":5,"post":3}}`,
		"EB":      true,
	}
	f, c := newFake(t, []*driver.Record{record("id", int64(17), "props", props, "neuron", true)})
	res, err := c.exec(context.Background(), storage.FindSegments{BodyIDs: []uint64{100, 200}})
	if err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 1 || !strings.Contains(f.calls[0].query, "`hemibrain_Segment`") {
		t.Fatalf("unexpected statements %v", f.calls)
	}
	if ids, ok := f.calls[0].params["bodyIds"].([]int64); !ok || len(ids) != 2 || ids[1] != 200 {
		t.Errorf("bad bodyIds parameter %v", f.calls[0].params["bodyIds"])
	}
	if len(res.Segments) != 1 {
		t.Fatalf("expected one segment, got %v", res.Segments)
	}
	seg := res.Segments[0]
	if seg.NodeID != 17 || !seg.Neuron || seg.Props.BodyID != 100 || seg.Props.Pre != 5 || seg.Props.Status != "Traced" {
		t.Errorf("bad segment row %+v", seg)
	}
	if seg.Props.RoiInfo["EB"] != (neuprint.RoiCount{Pre: 5, Post: 3}) || seg.Props.Extra["EB"] != true {
		t.Errorf("bad roi properties %+v", seg.Props)
	}
}

func TestGetConnectionsDedup(t *testing.T) {
	props := map[string]interface{}{"weight": int64(3), "weightHP": int64(2), "roiInfo": `{"EB":{"pre":1,"post":3}}`}
	row := record("rel", int64(9), "from", int64(1), "to", int64(1), "props", props)
	_, c := newFake(t, []*driver.Record{row, row})
	res, err := c.exec(context.Background(), storage.GetConnections{NodeIDs: []neuprint.NodeID{1}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Connections) != 1 || res.Connections[0].Props.Weight != 3 {
		t.Errorf("expected one autapse row, got %+v", res.Connections)
	}
}

func TestGetMeta(t *testing.T) {
	edit := time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)
	props := map[string]interface{}{
		"dataset":          "hemibrain",
		"roiInfo":          `{"EB":{"pre":10,"post":20}}`,
		"totalPreCount":    int64(10),
		"totalPostCount":   int64(20),
		"lastDatabaseEdit": edit,
		"preHPThreshold":   0.5,
		"postHPThreshold":  0.9,
		"uuid":             "28841",
	}
	_, c := newFake(t, []*driver.Record{record("props", props)})
	res, err := c.exec(context.Background(), storage.GetMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Meta.PostHPThreshold != 0.9 || !res.Meta.LastDatabaseEdit.Equal(edit) || res.Meta.UUID != "28841" {
		t.Errorf("bad meta %+v", res.Meta)
	}

	_, c = newFake(t)
	if _, err := c.exec(context.Background(), storage.GetMeta{}); !errors.Is(err, neuprint.NotFound) {
		t.Errorf("expected NotFound without Meta node, got %v", err)
	}
}

func TestFindSynapsePairs(t *testing.T) {
	tbar := map[string]interface{}{"type": "pre", "location": driver.Point3D{X: 1, Y: 2, Z: 3}, "confidence": 0.9, "EB": true}
	psd := map[string]interface{}{"type": "post", "location": driver.Point3D{X: 4, Y: 5, Z: 6}, "confidence": 0.7}
	row := record(
		"loc", []interface{}{int64(4), int64(5), int64(6)},
		"site", int64(50), "siteSet", int64(40), "siteProps", psd,
		"partner", int64(51), "partnerSet", int64(41), "partnerProps", tbar,
		"partnerSegment", int64(2), "partnerPosts", int64(2),
	)
	f, c := newFake(t, []*driver.Record{row})
	locs := []neuprint.Point3d{{4, 5, 6}, {7, 8, 9}, {4, 5, 6}}
	res, err := c.exec(context.Background(), storage.FindSynapsePairs{SegmentID: 1, Locations: locs})
	if err != nil {
		t.Fatal(err)
	}
	if sent := f.calls[0].params["locations"].([]interface{}); len(sent) != 2 {
		t.Errorf("expected 2 distinct locations sent, got %v", sent)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0] != (neuprint.Point3d{7, 8, 9}) {
		t.Errorf("bad unresolved %v", res.Unresolved)
	}
	if len(res.SynapsePairs) != 1 {
		t.Fatalf("expected one pair, got %v", res.SynapsePairs)
	}
	pair := res.SynapsePairs[0]
	if pair.Pre().ID != 51 || pair.Post().Synapse.Location != (neuprint.Point3d{4, 5, 6}) || pair.PartnerPostsInSegment != 2 {
		t.Errorf("bad pair %+v", pair)
	}
	if len(pair.Pre().Synapse.Rois) != 1 || pair.Pre().Synapse.Rois[0] != "EB" {
		t.Errorf("bad tbar rois %v", pair.Pre().Synapse.Rois)
	}
}

func TestSetMembers(t *testing.T) {
	tbar := map[string]interface{}{"type": "pre", "location": driver.Point3D{X: 1, Y: 2, Z: 3}, "confidence": 0.9, "FB": true}
	f, c := newFake(t, []*driver.Record{
		record("set", int64(40), "id", int64(51), "props", tbar),
		record("set", int64(42), "id", int64(51), "props", tbar),
	})
	res, err := c.exec(context.Background(), storage.GetSetMembers{SetIDs: []neuprint.NodeID{40, 42}})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Sites) != 2 || res.Sites[1].Set != 42 || res.Sites[1].ID != 51 {
		t.Fatalf("bad members %+v", res.Sites)
	}
	if res.Sites[0].Synapse.Type != neuprint.PreSynapse || res.Sites[0].Synapse.Rois[0] != "FB" {
		t.Errorf("bad member synapse %+v", res.Sites[0].Synapse)
	}
	if !strings.Contains(f.calls[0].query, "`hemibrain_SynapseSet`") {
		t.Errorf("statement not expanded: %s", f.calls[0].query)
	}

	f, c = newFake(t)
	if _, err := c.exec(context.Background(), storage.GetSetMembers{}); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Errorf("empty set list should not be sent, got %v", f.calls)
	}
}

func TestMergeNodes(t *testing.T) {
	f, c := newFake(t, []*driver.Record{record("id", int64(3))})
	res, err := c.exec(context.Background(), storage.MergeNodes{NodeIDs: []neuprint.NodeID{3, 5, 3, 8}})
	if err != nil {
		t.Fatal(err)
	}
	if res.NodeID != 3 {
		t.Errorf("expected survivor 3, got %d", res.NodeID)
	}
	q := f.calls[0]
	if !strings.Contains(q.query, "apoc.refactor.mergeNodes") || !strings.Contains(q.query, `properties: "discard", mergeRels: true`) {
		t.Errorf("unexpected merge statement: %s", q.query)
	}
	if ids := q.params["ids"].([]int64); len(ids) != 3 || q.params["survivor"] != int64(3) {
		t.Errorf("bad merge params %v", q.params)
	}

	f, c = newFake(t)
	if _, err := c.exec(context.Background(), storage.MergeNodeGroups{Groups: [][]neuprint.NodeID{{4}, {6, 6}}}); err != nil {
		t.Fatal(err)
	}
	if len(f.calls) != 0 {
		t.Errorf("groups of one node should not be sent, got %v", f.calls)
	}
}

func TestSegmentWrites(t *testing.T) {
	taken := []*driver.Record{record("taken", int64(1))}
	free := []*driver.Record{record("taken", int64(0))}
	seg := neuprint.SegmentProps{
		BodyID:  300,
		Pre:     3,
		RoiInfo: neuprint.RoiInfo{"EB": {Pre: 3}},
		Extra:   map[string]interface{}{"instance": "x", "somaLocation": []interface{}{json.Number("1"), json.Number("2.5")}},
	}

	_, c := newFake(t, taken)
	_, err := c.exec(context.Background(), storage.CreateSegment{Props: seg, Neuron: true})
	if !errors.Is(err, neuprint.InvalidArgument) {
		t.Errorf("expected InvalidArgument for existing body, got %v", err)
	}

	f, c := newFake(t, free, []*driver.Record{record("id", int64(77))})
	res, err := c.exec(context.Background(), storage.CreateSegment{Props: seg, Neuron: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.NodeID != 77 {
		t.Errorf("expected node 77, got %d", res.NodeID)
	}
	create := f.calls[1]
	if !strings.Contains(create.query, "SET n:Neuron:`hemibrain_Neuron`") {
		t.Errorf("expected Neuron label in %s", create.query)
	}
	props := create.params["props"].(map[string]interface{})
	if props["bodyId"] != int64(300) || props["roiInfo"] != `{"EB":{"pre":3,"post":0}}` {
		t.Errorf("bad segment params %v", props)
	}
	soma := props["somaLocation"].([]interface{})
	if soma[0] != int64(1) || soma[1] != 2.5 {
		t.Errorf("json numbers not converted: %v", soma)
	}

	f, c = newFake(t, free)
	_, err = c.exec(context.Background(), storage.SetSegment{NodeID: 5, Props: seg})
	if !errors.Is(err, neuprint.InvariantViolation) {
		t.Errorf("expected InvariantViolation for missing node, got %v", err)
	}
	if !strings.Contains(f.calls[1].query, "REMOVE n:Neuron:`hemibrain_Neuron`") {
		t.Errorf("expected Neuron label removal in %s", f.calls[1].query)
	}
}

func TestSynapseSetPairs(t *testing.T) {
	existing := []*driver.Record{record("preSet", int64(10), "postSet", int64(11), "members", int64(4))}
	empty := []*driver.Record{record("preSet", int64(10), "postSet", int64(11), "members", int64(0))}
	created := []*driver.Record{record("preSet", int64(20), "postSet", int64(21))}

	tests := []struct {
		name     string
		cmd      storage.Command
		answers  [][]*driver.Record
		calls    int
		pair     storage.SetPairRow
		errKind  neuprint.ErrorKind
		lastStmt string
	}{
		{"ensure existing", storage.EnsureSynapseSetPair{Pre: 1, Post: 2}, [][]*driver.Record{existing}, 1,
			storage.SetPairRow{PreSet: 10, PostSet: 11, PreOwner: 1, PostOwner: 2}, neuprint.UnknownKind, "ORDER BY preSet"},
		{"ensure creates", storage.EnsureSynapseSetPair{Pre: 1, Post: 1}, [][]*driver.Record{nil, created}, 2,
			storage.SetPairRow{PreSet: 20, PostSet: 21, PreOwner: 1, PostOwner: 1}, neuprint.UnknownKind, "CREATE (a)-[:Contains]->"},
		{"delete non-empty", storage.DeleteSynapseSetPair{Pre: 1, Post: 2}, [][]*driver.Record{existing}, 1,
			storage.SetPairRow{}, neuprint.InvariantViolation, ""},
		{"delete empty", storage.DeleteSynapseSetPair{Pre: 1, Post: 2}, [][]*driver.Record{empty}, 2,
			storage.SetPairRow{}, neuprint.UnknownKind, "DETACH DELETE"},
		{"delete missing", storage.DeleteSynapseSetPair{Pre: 1, Post: 2}, nil, 1,
			storage.SetPairRow{}, neuprint.UnknownKind, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, c := newFake(t, tt.answers...)
			res, err := c.exec(context.Background(), tt.cmd)
			if neuprint.KindOf(err) != tt.errKind {
				t.Fatalf("expected error kind %s, got %v", tt.errKind, err)
			}
			if len(f.calls) != tt.calls {
				t.Fatalf("expected %d statements, got %d", tt.calls, len(f.calls))
			}
			if err == nil && res.SetPair != tt.pair {
				t.Errorf("expected pair %+v, got %+v", tt.pair, res.SetPair)
			}
			if tt.lastStmt != "" && !strings.Contains(f.calls[len(f.calls)-1].query, tt.lastStmt) {
				t.Errorf("expected %q in %s", tt.lastStmt, f.calls[len(f.calls)-1].query)
			}
		})
	}
}

func TestLinkSynapses(t *testing.T) {
	links := []storage.SetMembership{{Set: 1, Synapse: 2}, {Set: 1, Synapse: 3}, {Set: 1, Synapse: 2}}

	f, c := newFake(t, []*driver.Record{record("linked", int64(2))})
	if _, err := c.exec(context.Background(), storage.LinkSynapses{Links: links}); err != nil {
		t.Fatal(err)
	}
	if sent := f.calls[0].params["links"].([]interface{}); len(sent) != 2 {
		t.Errorf("expected deduplicated links, got %v", sent)
	}

	_, c = newFake(t, []*driver.Record{record("linked", int64(1))})
	if _, err := c.exec(context.Background(), storage.LinkSynapses{Links: links}); !errors.Is(err, neuprint.InvariantViolation) {
		t.Errorf("expected InvariantViolation for missing nodes, got %v", err)
	}

	f, c = newFake(t)
	if _, err := c.exec(context.Background(), storage.UnlinkSynapses{}); err != nil || len(f.calls) != 0 {
		t.Errorf("empty unlink should be a no-op: %v %v", err, f.calls)
	}
}

func TestTouchMeta(t *testing.T) {
	edit := time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)
	props := map[string]interface{}{"totalPreCount": int64(0), "totalPostCount": int64(0), "lastDatabaseEdit": edit, "uuid": "abc",
		"preHPThreshold": 0.0, "postHPThreshold": 0.0}
	f, c := newFake(t, []*driver.Record{record("props", props)})
	res, err := c.exec(context.Background(), storage.TouchMeta{Time: edit, UUID: "abc"})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(f.calls[0].query, "m.uuid = $uuid") || f.calls[0].params["time"] != edit {
		t.Errorf("bad touch statement %s %v", f.calls[0].query, f.calls[0].params)
	}
	if res.Meta.UUID != "abc" {
		t.Errorf("bad meta %+v", res.Meta)
	}

	f, c = newFake(t, []*driver.Record{record("props", props)})
	if _, err := c.exec(context.Background(), storage.TouchMeta{Time: edit}); err != nil {
		t.Fatal(err)
	}
	if strings.Contains(f.calls[0].query, "uuid") {
		t.Errorf("uuid should not be set: %s", f.calls[0].query)
	}
}

func TestValueErrors(t *testing.T) {
	rec := record("id", "not a number", "empty", nil)
	tests := []string{"id", "empty", "missing"}
	for _, key := range tests {
		t.Run(key, func(t *testing.T) {
			if _, err := value[int64](rec, key); err == nil {
				t.Errorf("expected error for key %q", key)
			}
		})
	}
	if _, err := boltValue(map[string]interface{}{"a": 1}); err == nil {
		t.Errorf("expected error storing a nested map")
	}
	if v, err := boltValue(json.Number("12")); err != nil || v != int64(12) {
		t.Errorf("bad conversion of json number: %v %v", v, err)
	}
}
