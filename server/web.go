package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/janelia-flyem/npmutate/mutate"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"
	"github.com/janelia-flyem/npmutate/storage/badger"

	"github.com/dustin/go-humanize"
	"github.com/zenazn/goji/web"
)

type errorResponse struct {
	Error string `json:"error"`
}

// writeError logs a failed request and writes its message as a JSON error.
func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= http.StatusInternalServerError {
		neuprint.Errorf("%s %s (%d): %s\n", r.Method, r.URL.Path, status, msg)
	} else {
		neuprint.Infof("%s %s (%d): %s\n", r.Method, r.URL.Path, status, msg)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorResponse{Error: msg})
}

// statusOf maps the kind of a mutation error to its HTTP status.
func statusOf(err error) int {
	switch neuprint.KindOf(err) {
	case neuprint.InvalidArgument:
		return http.StatusBadRequest
	case neuprint.NotFound:
		return http.StatusNotFound
	case neuprint.InvariantViolation:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, r *http.Request, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, fmt.Sprintf("unable to encode response: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// runMutation checks the blocklist, waits for a mutation slot and runs the mutation,
// writing its result.
func (s *Server) runMutation(c web.C, w http.ResponseWriter, r *http.Request, action string, fn func(context.Context) (*mutate.Result, error)) {
	dataset := c.URLParams["dataset"]
	user, _ := c.Env["user"].(string)
	if s.blocks.blocked(w, r, user) {
		return
	}
	if err := s.sem.Acquire(r.Context(), 1); err != nil {
		writeError(w, r, http.StatusServiceUnavailable, fmt.Sprintf("%s request abandoned while waiting: %v", action, err))
		return
	}
	mutationsInFlight.Inc()
	result, err := fn(r.Context())
	mutationsInFlight.Dec()
	s.sem.Release(1)

	if err != nil {
		mutationsTotal.WithLabelValues(action, dataset, neuprint.KindOf(err).String()).Inc()
		writeError(w, r, statusOf(err), err.Error())
		return
	}
	status := "ok"
	if result.DryRun {
		status = "dry_run"
	} else {
		mutationLatency.WithLabelValues(action, dataset).Observe(result.Elapsed.Seconds())
	}
	mutationsTotal.WithLabelValues(action, dataset, status).Inc()
	neuprint.Infof("%s %s on dataset %q by user %q -> bodies %v [%s]\n", action, result.MutationID, dataset, user, result.Bodies(), result.Elapsed)
	writeJSON(w, r, result)
}

func (s *Server) mergeHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req mutate.MergeRequest
	if err := s.schemas.decode(mutate.MergeAction, r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.runMutation(c, w, r, mutate.MergeAction, func(ctx context.Context) (*mutate.Result, error) {
		return s.engine.MergeSegments(ctx, c.URLParams["dataset"], req)
	})
}

func (s *Server) splitHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	var req mutate.SplitRequest
	if err := s.schemas.decode(mutate.SplitAction, r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.runMutation(c, w, r, mutate.SplitAction, func(ctx context.Context) (*mutate.Result, error) {
		return s.engine.SplitSegment(ctx, c.URLParams["dataset"], req)
	})
}

func (s *Server) updateHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	bodyID, err := strconv.ParseUint(c.URLParams["bodyid"], 10, 64)
	if err != nil || bodyID == 0 {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("bad body id %q in URL", c.URLParams["bodyid"]))
		return
	}
	var req mutate.UpdateRequest
	if err := s.schemas.decode(mutate.UpdateAction, r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.BodyID != 0 && req.BodyID != bodyID {
		writeError(w, r, http.StatusBadRequest, fmt.Sprintf("body %d in request doesn't match body %d in URL", req.BodyID, bodyID))
		return
	}
	req.BodyID = bodyID
	s.runMutation(c, w, r, mutate.UpdateAction, func(ctx context.Context) (*mutate.Result, error) {
		return s.engine.UpdateSegmentProperties(ctx, c.URLParams["dataset"], req)
	})
}

type checkResponse struct {
	Dataset     string   `json:"dataset"`
	OK          bool     `json:"ok"`
	Segments    int      `json:"segments"`
	SynapseSets int      `json:"synapseSets"`
	Synapses    int      `json:"synapses"`
	Connections int      `json:"connections"`
	Problems    []string `json:"problems"`
	Summary     string   `json:"summary"`
}

// checkHandler verifies the stored aggregates of a dataset against its synapses.
func (s *Server) checkHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	dataset := c.URLParams["dataset"]
	store, ok := s.engine.Store().(*badger.Store)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "consistency checks are only available on the badger store")
		return
	}
	report, err := badger.Check(r.Context(), store, dataset, s.engine.Thresholds(dataset))
	if err != nil {
		writeError(w, r, statusOf(err), err.Error())
		return
	}
	problems := report.Problems
	if problems == nil {
		problems = []string{}
	}
	writeJSON(w, r, checkResponse{
		Dataset:     report.Dataset,
		OK:          report.OK(),
		Segments:    report.Segments,
		SynapseSets: report.SynapseSets,
		Synapses:    report.Synapses,
		Connections: report.Connections,
		Problems:    problems,
		Summary:     report.String(),
	})
}

func (s *Server) serverInfoHandler(c web.C, w http.ResponseWriter, r *http.Request) {
	rates := storage.Rates()
	writeJSON(w, r, map[string]interface{}{
		"Version":                  Version,
		"Engines":                  storage.EnginesAvailable(),
		"Store":                    s.config.Store.Engine,
		"Datasets":                 s.config.Datasets(),
		"Authentication":           s.auth.enabled(),
		"Mutation log":             len(s.config.Kafka.Servers) != 0,
		"Max concurrent mutations": s.config.MaxConcurrentMutations(),
		"Note":                     s.config.Server.Note,
		"Store reads/sec":          rates.ReadsPerSec,
		"Store writes/sec":         rates.WritesPerSec,
		"Server started":           s.started.Format(time.RFC3339),
		"Uptime":                   humanize.RelTime(s.started, time.Now(), "", ""),
	})
}
