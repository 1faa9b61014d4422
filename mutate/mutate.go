/*
Package mutate applies proofreading edits (merges, splits and property updates) to a
neuPrint connectome held in a graph store.

Each operation runs in a single store transaction.  Every aggregate derived from
synapses (segment pre/post counts, roiInfo, connection weights and the SynapseSet
topology) is updated in the same transaction, so a committed edit leaves the graph
consistent and a failed one leaves it untouched.  Operations with the Debug flag
set run completely and are then rolled back.

The engine doesn't lock bodies.  Concurrent edits that touch the same records, which
includes the Meta node every edit updates, are reconciled by the store: the loser of
a commit race is rerun against the winner's result.
*/
package mutate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	"github.com/twinj/uuid"
)

// Action names used in results and mutation log messages.
const (
	MergeAction  = "merge"
	SplitAction  = "split"
	UpdateAction = "update"
)

// Engine runs mutations against a graph store.
type Engine struct {
	store storage.Store
	mlog  storage.MutationLog

	mu         sync.RWMutex
	thresholds map[string]neuprint.NeuronThresholds
}

// NewEngine returns an engine on the store.  If mlog is non-nil, committed mutations
// are published to it.
func NewEngine(store storage.Store, mlog storage.MutationLog) *Engine {
	return &Engine{
		store:      store,
		mlog:       mlog,
		thresholds: make(map[string]neuprint.NeuronThresholds),
	}
}

// SetThresholds sets the Neuron label thresholds of a dataset.
func (e *Engine) SetThresholds(dataset string, t neuprint.NeuronThresholds) {
	e.mu.Lock()
	e.thresholds[dataset] = t
	e.mu.Unlock()
}

// Thresholds returns the Neuron label thresholds of a dataset.
func (e *Engine) Thresholds(dataset string) neuprint.NeuronThresholds {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, found := e.thresholds[dataset]; found {
		return t
	}
	return neuprint.DefaultNeuronThresholds
}

// Store returns the engine's graph store.
func (e *Engine) Store() storage.Store {
	return e.store
}

// Segment is a segment's properties after a mutation.
type Segment struct {
	Props  neuprint.SegmentProps
	Neuron bool
}

// MarshalJSON writes the segment properties as stored, with roiInfo as an object.
func (s Segment) MarshalJSON() ([]byte, error) {
	m, err := s.Props.ToMap()
	if err != nil {
		return nil, err
	}
	m[neuprint.BodyIDKey] = s.Props.BodyID
	m[neuprint.RoiInfoKey] = s.Props.RoiInfo
	m["neuron"] = s.Neuron
	return json.Marshal(m)
}

// Result describes a completed mutation.
type Result struct {
	Action     string        `json:"action"`
	Dataset    string        `json:"dataset"`
	MutationID string        `json:"mutationId"`
	DryRun     bool          `json:"dryRun"`
	Segments   []Segment     `json:"segments"`
	Elapsed    time.Duration `json:"-"`
}

// Bodies returns the body ids of the resulting segments.
func (r *Result) Bodies() []uint64 {
	bodies := make([]uint64, len(r.Segments))
	for i, seg := range r.Segments {
		bodies[i] = seg.Props.BodyID
	}
	return bodies
}

// Segment returns the resulting segment with the given body id.
func (r *Result) Segment(bodyID uint64) (Segment, bool) {
	for _, seg := range r.Segments {
		if seg.Props.BodyID == bodyID {
			return seg, true
		}
	}
	return Segment{}, false
}

// mutation is the state of one operation inside its transaction.
type mutation struct {
	ctx        context.Context
	txn        storage.Txn
	dataset    string
	thresholds neuprint.NeuronThresholds
	result     *Result
	logMsg     map[string]interface{}
	editTime   time.Time
}

func (m *mutation) exec(cmd storage.Command) (*storage.Result, error) {
	return m.txn.Exec(m.ctx, cmd)
}

// setSegment writes final segment properties and records them in the result.
func (m *mutation) setSegment(id neuprint.NodeID, props neuprint.SegmentProps) error {
	neuron := props.IsNeuron(m.thresholds)
	if _, err := m.exec(storage.SetSegment{NodeID: id, Props: props, Neuron: neuron}); err != nil {
		return err
	}
	m.result.Segments = append(m.result.Segments, Segment{Props: props, Neuron: neuron})
	return nil
}

func (m *mutation) touchMeta(uuid string, timestamp int64) error {
	m.editTime = neuprint.EditTime(timestamp)
	_, err := m.exec(storage.TouchMeta{Time: m.editTime, UUID: uuid})
	return err
}

// findSegments resolves body ids in the order given.  Every body must exist.
func (m *mutation) findSegments(bodyIDs ...uint64) ([]storage.SegmentRow, error) {
	res, err := m.exec(storage.FindSegments{BodyIDs: bodyIDs})
	if err != nil {
		return nil, err
	}
	byBody := make(map[uint64]storage.SegmentRow, len(res.Segments))
	for _, row := range res.Segments {
		if _, dup := byBody[row.Props.BodyID]; dup {
			return nil, neuprint.NewError(neuprint.InvariantViolation, "body %d has more than one segment in dataset %q", row.Props.BodyID, m.dataset)
		}
		byBody[row.Props.BodyID] = row
	}
	rows := make([]storage.SegmentRow, 0, len(bodyIDs))
	var missing []uint64
	for _, body := range bodyIDs {
		row, found := byBody[body]
		if !found {
			missing = append(missing, body)
			continue
		}
		rows = append(rows, row)
	}
	if len(missing) != 0 {
		return nil, neuprint.NewError(neuprint.NotFound, "found %d of %d bodies in dataset %q, missing %v",
			len(rows), len(bodyIDs), m.dataset, missing)
	}
	return rows, nil
}

// maxAttempts bounds how often a mutation is rerun after a concurrent mutation on the
// same dataset commits first.
const maxAttempts = 10

// run executes body in a new transaction on the dataset.  The transaction is committed
// if body succeeds unless dryRun is set; otherwise it is rolled back.  When the store
// reports a conflict with a concurrent transaction, body is rerun in a fresh one.
func (e *Engine) run(ctx context.Context, action, dataset string, dryRun bool, body func(*mutation) error) (*Result, error) {
	timedLog := neuprint.NewTimeLog()
	mutationID := uuid.NewV4().String()
	neuprint.Debugf("Starting %s %s on dataset %q (dry run %t)\n", action, mutationID, dataset, dryRun)

	for attempt := 1; ; attempt++ {
		m, err := e.attempt(ctx, action, dataset, mutationID, dryRun, body)
		if err == nil {
			result := m.result
			result.Elapsed = timedLog.Elapsed()
			timedLog.Infof("Completed %s %s on dataset %q, bodies %v (dry run %t)", action, mutationID, dataset, result.Bodies(), dryRun)
			if !dryRun {
				e.publish(result, m.editTime, m.logMsg)
			}
			return result, nil
		}
		if !errors.Is(err, storage.ErrConflict) || attempt == maxAttempts || ctx.Err() != nil {
			timedLog.Infof("Failed %s %s on dataset %q after %d attempt(s): %v", action, mutationID, dataset, attempt, err)
			return nil, neuprint.WithOp(action, err)
		}
		neuprint.Debugf("Rerunning %s %s on dataset %q after attempt %d: %v\n", action, mutationID, dataset, attempt, err)
	}
}

// attempt runs body once in its own transaction.  A failed rollback is logged and never
// replaces the error that caused it.
func (e *Engine) attempt(ctx context.Context, action, dataset, mutationID string, dryRun bool, body func(*mutation) error) (*mutation, error) {
	txn, err := e.store.Begin(ctx, dataset)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rerr := txn.Rollback(ctx); rerr != nil {
			neuprint.Errorf("Rollback of %s %s on dataset %q failed: %v\n", action, mutationID, dataset, rerr)
		}
	}()

	m := &mutation{
		ctx:        ctx,
		txn:        txn,
		dataset:    dataset,
		thresholds: e.Thresholds(dataset),
		result: &Result{
			Action:     action,
			Dataset:    dataset,
			MutationID: mutationID,
			DryRun:     dryRun,
		},
		logMsg: make(map[string]interface{}),
	}
	if err := body(m); err != nil {
		return nil, err
	}
	if !dryRun {
		if err := txn.Commit(ctx); err != nil {
			return nil, err
		}
		committed = true
	}
	return m, nil
}

// publish sends a committed mutation to the mutation log.  Failures are only logged.
func (e *Engine) publish(result *Result, editTime time.Time, extra map[string]interface{}) {
	if e.mlog == nil {
		return
	}
	msg := map[string]interface{}{
		"Action":     result.Action,
		"Dataset":    result.Dataset,
		"MutationID": result.MutationID,
		"Bodies":     result.Bodies(),
		"Timestamp":  editTime.Format(time.RFC3339),
	}
	for k, v := range extra {
		msg[k] = v
	}
	if err := e.mlog.LogMutation(result.Dataset, msg); err != nil {
		neuprint.Errorf("can't send %s %s for dataset %q to mutation log: %v\n", result.Action, result.MutationID, result.Dataset, err)
	}
}

func badBodyOverride(what string, want uint64, props map[string]interface{}) error {
	v, found := props[neuprint.BodyIDKey]
	if !found {
		return nil
	}
	body, err := neuprint.ParseBodyID(v)
	if err != nil {
		return neuprint.NewError(neuprint.InvalidArgument, "%s: %v", what, err)
	}
	if body != want {
		return neuprint.NewError(neuprint.InvalidArgument, "%s can't change bodyId %d to %d", what, want, body)
	}
	return nil
}
