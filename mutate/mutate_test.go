package mutate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
	"github.com/janelia-flyem/npmutate/storage/badger"
)

const testDataset = "test"

// builder assembles a badger fixture one synapse at a time.  Sites are placed along
// the x axis in the order they are added.
type builder struct {
	f *badger.Fixture
	x int32
}

func newBuilder(bodies ...uint64) *builder {
	b := &builder{f: &badger.Fixture{UUID: "abc123", PreHPThreshold: 0.5, PostHPThreshold: 0.5}}
	for _, body := range bodies {
		b.f.Segments = append(b.f.Segments, badger.FixtureSegment{BodyID: body, Size: int64(body) * 10})
	}
	return b
}

func (b *builder) segment(body uint64) *badger.FixtureSegment {
	for i := range b.f.Segments {
		if b.f.Segments[i].BodyID == body {
			return &b.f.Segments[i]
		}
	}
	panic("no fixture segment for body")
}

func (b *builder) site(body uint64, typ neuprint.SynapseType, conf float64, rois []string) neuprint.Point3d {
	b.x++
	pt := neuprint.Point3d{b.x, 0, 0}
	b.f.Synapses = append(b.f.Synapses, badger.FixtureSynapse{
		BodyID:  body,
		Synapse: neuprint.Synapse{Type: typ, Location: pt, Confidence: conf, Rois: rois},
	})
	return pt
}

func (b *builder) tbar(body uint64, rois ...string) neuprint.Point3d {
	return b.site(body, neuprint.PreSynapse, 0.9, rois)
}

func (b *builder) psd(body uint64, rois ...string) neuprint.Point3d {
	return b.site(body, neuprint.PostSynapse, 0.9, rois)
}

func (b *builder) pair(tbar, psd neuprint.Point3d) {
	b.f.Pairs = append(b.f.Pairs, badger.FixturePair{Pre: tbar, Post: psd})
}

// connect adds n pairs from one body to another, each with its own tbar.
func (b *builder) connect(from, to uint64, n int) (tbars, psds []neuprint.Point3d) {
	for i := 0; i < n; i++ {
		tbar, psd := b.tbar(from), b.psd(to)
		b.pair(tbar, psd)
		tbars = append(tbars, tbar)
		psds = append(psds, psd)
	}
	return
}

func (b *builder) load(t *testing.T) (*badger.Store, *Engine) {
	t.Helper()
	s, err := badger.OpenInMemory()
	if err != nil {
		t.Fatalf("unable to open in-memory badger: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := badger.Load(context.Background(), s, testDataset, b.f, neuprint.DefaultNeuronThresholds); err != nil {
		t.Fatalf("unable to load fixture: %v", err)
	}
	return s, NewEngine(s, nil)
}

func checkGraph(t *testing.T, s *badger.Store) {
	t.Helper()
	report, err := badger.Check(context.Background(), s, testDataset, neuprint.DefaultNeuronThresholds)
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if !report.OK() {
		t.Fatalf("inconsistent graph (%s):\n%s", report, strings.Join(report.Problems, "\n"))
	}
}

// view runs fn in a transaction that is always rolled back.
func view(t *testing.T, s storage.Store, fn func(txn storage.Txn)) {
	t.Helper()
	ctx := context.Background()
	txn, err := s.Begin(ctx, testDataset)
	if err != nil {
		t.Fatal(err)
	}
	defer txn.Rollback(ctx)
	fn(txn)
}

func getSegment(t *testing.T, s storage.Store, body uint64) (row storage.SegmentRow, found bool) {
	t.Helper()
	view(t, s, func(txn storage.Txn) {
		res, err := txn.Exec(context.Background(), storage.FindSegments{BodyIDs: []uint64{body}})
		if err != nil {
			t.Fatalf("FindSegments(%d): %v", body, err)
		}
		if len(res.Segments) > 1 {
			t.Fatalf("body %d has %d segments", body, len(res.Segments))
		}
		if len(res.Segments) == 1 {
			row, found = res.Segments[0], true
		}
	})
	return
}

func mustSegment(t *testing.T, s storage.Store, body uint64) storage.SegmentRow {
	t.Helper()
	row, found := getSegment(t, s, body)
	if !found {
		t.Fatalf("body %d not found", body)
	}
	return row
}

func getConnection(t *testing.T, s storage.Store, from, to uint64) (props neuprint.ConnectionProps, found bool) {
	t.Helper()
	a, b := mustSegment(t, s, from), mustSegment(t, s, to)
	view(t, s, func(txn storage.Txn) {
		res, err := txn.Exec(context.Background(), storage.GetConnections{NodeIDs: []neuprint.NodeID{a.NodeID}})
		if err != nil {
			t.Fatal(err)
		}
		for _, conn := range res.Connections {
			if conn.From == a.NodeID && conn.To == b.NodeID {
				props, found = conn.Props, true
			}
		}
	})
	return
}

func expectWeight(t *testing.T, s storage.Store, from, to uint64, weight int64) {
	t.Helper()
	conn, found := getConnection(t, s, from, to)
	switch {
	case weight == 0 && found:
		t.Errorf("expected no connection %d -> %d, got (%s)", from, to, conn)
	case weight != 0 && !found:
		t.Errorf("expected connection %d -> %d of weight %d, found none", from, to, weight)
	case found && conn.Weight != weight:
		t.Errorf("expected connection %d -> %d of weight %d, got %d", from, to, weight, conn.Weight)
	}
}

func getMeta(t *testing.T, s storage.Store) *neuprint.Meta {
	t.Helper()
	var meta *neuprint.Meta
	view(t, s, func(txn storage.Txn) {
		res, err := txn.Exec(context.Background(), storage.GetMeta{})
		if err != nil {
			t.Fatal(err)
		}
		meta = res.Meta
	})
	return meta
}

type fakeLog struct {
	sync.Mutex
	msgs []map[string]interface{}
}

func (l *fakeLog) LogMutation(dataset string, msg map[string]interface{}) error {
	l.Lock()
	defer l.Unlock()
	msg["dataset"] = dataset
	l.msgs = append(l.msgs, msg)
	return nil
}

func TestMutationLog(t *testing.T) {
	b := newBuilder(100, 200, 500)
	b.connect(100, 500, 2)
	b.connect(200, 500, 1)
	s, _ := b.load(t)
	mlog := new(fakeLog)
	e := NewEngine(s, mlog)
	ctx := context.Background()

	if _, err := e.MergeSegments(ctx, testDataset, MergeRequest{Bodies: []uint64{100, 200}, Debug: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.MergeSegments(ctx, testDataset, MergeRequest{Bodies: []uint64{100, 999}}); err == nil {
		t.Fatal("expected merge with missing body to fail")
	}
	if len(mlog.msgs) != 0 {
		t.Fatalf("dry runs and failures should not be logged, got %v", mlog.msgs)
	}

	result, err := e.MergeSegments(ctx, testDataset, MergeRequest{Bodies: []uint64{100, 200}, UUID: "def456", Timestamp: 1600000000})
	if err != nil {
		t.Fatal(err)
	}
	if len(mlog.msgs) != 1 {
		t.Fatalf("expected one logged mutation, got %d", len(mlog.msgs))
	}
	msg := mlog.msgs[0]
	if msg["Action"] != MergeAction || msg["MutationID"] != result.MutationID || msg["dataset"] != testDataset {
		t.Errorf("bad mutation message %v", msg)
	}
	if msg["Timestamp"] != "2020-09-13T12:26:40Z" {
		t.Errorf("logged edit time %v doesn't match the requested timestamp", msg["Timestamp"])
	}
	if !getMeta(t, s).LastDatabaseEdit.Equal(neuprint.EditTime(1600000000)) {
		t.Errorf("bad meta edit time %v", getMeta(t, s).LastDatabaseEdit)
	}
	if msg["Target"] != uint64(100) || msg["UUID"] != "def456" {
		t.Errorf("bad merge target in %v", msg)
	}
	if labels, ok := msg["Labels"].([]uint64); !ok || len(labels) != 1 || labels[0] != 200 {
		t.Errorf("bad merged labels in %v", msg)
	}
}

// failingStore fails a command and optionally the rollback of every transaction.  The
// first conflicts commits report a conflict; a negative count makes every commit
// conflict.
type failingStore struct {
	storage.Store
	failOn       string
	failRollback bool
	conflicts    int
	commits      int
}

func (s *failingStore) Begin(ctx context.Context, dataset string) (storage.Txn, error) {
	txn, err := s.Store.Begin(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return &failingTxn{Txn: txn, store: s}, nil
}

type failingTxn struct {
	storage.Txn
	store *failingStore
}

func (t *failingTxn) Exec(ctx context.Context, cmd storage.Command) (*storage.Result, error) {
	if cmd.CommandName() == t.store.failOn {
		return nil, neuprint.NewError(neuprint.TransactionFailure, "injected failure on %s", cmd.CommandName())
	}
	return t.Txn.Exec(ctx, cmd)
}

func (t *failingTxn) Commit(ctx context.Context) error {
	t.store.commits++
	if t.store.conflicts != 0 {
		t.store.conflicts--
		t.Txn.Rollback(ctx)
		return neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("commit: %w", storage.ErrConflict))
	}
	return t.Txn.Commit(ctx)
}

func (t *failingTxn) Rollback(ctx context.Context) error {
	err := t.Txn.Rollback(ctx)
	if t.store.failRollback {
		return errors.New("injected rollback failure")
	}
	return err
}

func TestFailedMutationRollsBack(t *testing.T) {
	b := newBuilder(100, 200, 500)
	b.connect(100, 500, 2)
	b.connect(200, 500, 3)
	b.connect(500, 200, 1)

	tests := []struct {
		name         string
		failOn       string
		failRollback bool
	}{
		{"fail touching meta", "TouchMeta", false},
		{"fail merging nodes", "MergeNodes", false},
		{"fail with failed rollback", "SetConnection", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := b.load(t)
			mlog := new(fakeLog)
			e := NewEngine(&failingStore{Store: s, failOn: tt.failOn, failRollback: tt.failRollback}, mlog)
			_, err := e.MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{100, 200}})
			if !errors.Is(err, neuprint.TransactionFailure) {
				t.Fatalf("expected TransactionFailure, got %v", err)
			}
			if !strings.Contains(err.Error(), "injected failure") || !strings.HasPrefix(err.Error(), MergeAction) {
				t.Errorf("unexpected error %q", err)
			}
			if seg := mustSegment(t, s, 100); seg.Props.Pre != 2 {
				t.Errorf("body 100 changed by failed merge: %+v", seg.Props)
			}
			if _, found := getSegment(t, s, 200); !found {
				t.Errorf("body 200 removed by failed merge")
			}
			expectWeight(t, s, 200, 500, 3)
			if len(mlog.msgs) != 0 {
				t.Errorf("failed merge was logged: %v", mlog.msgs)
			}
			checkGraph(t, s)
		})
	}
}

func TestConflictingCommitReruns(t *testing.T) {
	b := newBuilder(100, 200, 500)
	b.connect(100, 500, 2)
	b.connect(200, 500, 3)

	s, _ := b.load(t)
	mlog := new(fakeLog)
	fs := &failingStore{Store: s, conflicts: 2}
	e := NewEngine(fs, mlog)
	result, err := e.MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{100, 200}})
	if err != nil {
		t.Fatalf("merge not rerun after conflicts: %v", err)
	}
	if fs.commits != 3 {
		t.Errorf("expected 3 commits, got %d", fs.commits)
	}
	if len(result.Segments) != 1 || result.Segments[0].Props.Pre != 5 {
		t.Errorf("bad result after rerun %+v", result.Segments)
	}
	if len(mlog.msgs) != 1 || mlog.msgs[0]["MutationID"] != result.MutationID {
		t.Errorf("expected one logged merge, got %v", mlog.msgs)
	}
	expectWeight(t, s, 100, 500, 5)
	checkGraph(t, s)

	s, _ = b.load(t)
	fs = &failingStore{Store: s, conflicts: -1}
	_, err = NewEngine(fs, nil).MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{100, 200}})
	if !errors.Is(err, storage.ErrConflict) || !errors.Is(err, neuprint.TransactionFailure) {
		t.Fatalf("expected conflict TransactionFailure, got %v", err)
	}
	if fs.commits != maxAttempts {
		t.Errorf("expected %d commits, got %d", maxAttempts, fs.commits)
	}
	if _, found := getSegment(t, s, 200); !found {
		t.Errorf("body 200 removed by failed merge")
	}
	checkGraph(t, s)
}

func TestConcurrentDisjointMerges(t *testing.T) {
	b := newBuilder(1, 2, 3, 4, 5, 6, 7, 8)
	for body := uint64(1); body < 8; body += 2 {
		b.connect(body, body+1, 2)
		b.connect(body+1, body, 1)
	}
	s, e := b.load(t)

	errs := make([]error, 4)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := uint64(2*i + 1)
			_, errs[i] = e.MergeSegments(context.Background(), testDataset, MergeRequest{Bodies: []uint64{body, body + 1}})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("merge of bodies %d and %d failed: %v", 2*i+1, 2*i+2, err)
		}
	}
	for body := uint64(1); body < 8; body += 2 {
		if seg := mustSegment(t, s, body); seg.Props.Pre != 3 || seg.Props.Post != 3 {
			t.Errorf("bad merged body %d: %+v", body, seg.Props)
		}
		if _, found := getSegment(t, s, body+1); found {
			t.Errorf("merged body %d still exists", body+1)
		}
		expectWeight(t, s, body, body, 3)
	}
	checkGraph(t, s)
}

func TestDryRun(t *testing.T) {
	b := newBuilder(100, 200, 500)
	tbars, _ := b.connect(100, 500, 3)
	b.connect(200, 500, 2)
	s, e := b.load(t)
	ctx := context.Background()
	before := getMeta(t, s)

	result, err := e.MergeSegments(ctx, testDataset, MergeRequest{Bodies: []uint64{100, 200}, Debug: true})
	if err != nil {
		t.Fatal(err)
	}
	if !result.DryRun || len(result.Segments) != 1 || result.Segments[0].Props.Pre != 5 {
		t.Errorf("bad dry run result %+v", result)
	}
	if _, found := getSegment(t, s, 200); !found {
		t.Errorf("dry run merge removed body 200")
	}
	expectWeight(t, s, 100, 500, 3)

	result, err = e.SplitSegment(ctx, testDataset, SplitRequest{
		BodyID:   100,
		Synapses: tbars[:1],
		NewBody:  map[string]interface{}{"bodyId": 101},
		Debug:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(result.Segments) != 2 {
		t.Errorf("bad dry run split result %+v", result)
	}
	if _, found := getSegment(t, s, 101); found {
		t.Errorf("dry run split created body 101")
	}

	if _, err := e.UpdateSegmentProperties(ctx, testDataset, UpdateRequest{
		BodyID: 100, Properties: map[string]interface{}{"status": "Anchor"}, UUID: "zzz", Debug: true,
	}); err != nil {
		t.Fatal(err)
	}
	if seg := mustSegment(t, s, 100); seg.Props.Status != "" {
		t.Errorf("dry run update changed status to %q", seg.Props.Status)
	}
	after := getMeta(t, s)
	if after.UUID != before.UUID || !after.LastDatabaseEdit.Equal(before.LastDatabaseEdit) {
		t.Errorf("dry runs changed meta from %+v to %+v", before, after)
	}
	checkGraph(t, s)
}

func TestResultJSON(t *testing.T) {
	seg := Segment{
		Props: neuprint.SegmentProps{
			BodyID:  100,
			Pre:     3,
			RoiInfo: neuprint.RoiInfo{"EB": {Pre: 3}},
			Extra:   map[string]interface{}{"EB": true},
		},
		Neuron: true,
	}
	data, err := seg.MarshalJSON()
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{`"bodyId":100`, `"neuron":true`, `"roiInfo":{"EB":{"pre":3,"post":0}}`, `"EB":true`} {
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	}
	r := Result{Segments: []Segment{seg, {Props: neuprint.SegmentProps{BodyID: 7}}}}
	if bodies := r.Bodies(); len(bodies) != 2 || bodies[1] != 7 {
		t.Errorf("bad bodies %v", bodies)
	}
	if _, found := r.Segment(7); !found {
		t.Errorf("expected segment 7 in result")
	}
	if _, found := r.Segment(8); found {
		t.Errorf("unexpected segment 8 in result")
	}
}

func TestThresholds(t *testing.T) {
	e := NewEngine(nil, nil)
	if e.Thresholds("any") != neuprint.DefaultNeuronThresholds {
		t.Errorf("expected default thresholds")
	}
	e.SetThresholds("hemibrain", neuprint.NeuronThresholds{Pre: 5, Post: 50})
	if got := e.Thresholds("hemibrain"); got.Pre != 5 || got.Post != 50 {
		t.Errorf("bad thresholds %+v", got)
	}
}
