package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/janelia-flyem/npmutate/mutate"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/server"
	"github.com/janelia-flyem/npmutate/storage"
	"github.com/janelia-flyem/npmutate/storage/badger"

	_ "github.com/janelia-flyem/npmutate/storage/neo4j"
)

// commander runs the command line operations.
type commander struct {
	in     io.Reader
	out    io.Writer
	dryRun bool
}

// do serves as a switchboard for commands.
func (c *commander) do(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("blank command")
	}
	name, args := args[0], args[1:]
	switch name {
	case "about", "version":
		fmt.Fprintf(c.out, "npmutate %s\nstorage engines: %s\n", server.Version, storage.EnginesAvailable())
		return nil
	case "serve":
		if len(args) != 1 {
			return fmt.Errorf("usage: serve <config.toml>")
		}
		config, err := server.LoadConfig(args[0])
		if err != nil {
			return err
		}
		return server.Serve(ctx, config)
	case "load":
		if len(args) != 3 {
			return fmt.Errorf("usage: load <config.toml> <dataset> <fixture.json>")
		}
		return c.load(ctx, args[0], args[1], args[2])
	case "check":
		if len(args) != 2 {
			return fmt.Errorf("usage: check <config.toml> <dataset>")
		}
		return c.check(ctx, args[0], args[1])
	case mutate.MergeAction, mutate.SplitAction, mutate.UpdateAction:
		if len(args) != 3 {
			return fmt.Errorf("usage: %s <config.toml> <dataset> <request.json | ->", name)
		}
		return c.mutate(ctx, name, args[0], args[1], args[2])
	default:
		return fmt.Errorf("unknown command %q, try 'npmutate help'", name)
	}
}

// env is an open store with its engine and mutation log.
type env struct {
	config *server.Config
	store  storage.Store
	kafka  *storage.KafkaLog
	engine *mutate.Engine
}

func openEnv(configFile string) (*env, error) {
	config, err := server.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}
	if err := config.Logging.SetLogger(); err != nil {
		return nil, err
	}
	store, err := storage.Open(config.Store)
	if err != nil {
		return nil, err
	}
	kl, err := storage.NewKafkaLog(config.Kafka)
	if err != nil {
		store.Close()
		return nil, err
	}
	var mlog storage.MutationLog
	if kl != nil {
		mlog = kl
	}
	engine := mutate.NewEngine(store, mlog)
	for _, name := range config.Datasets() {
		engine.SetThresholds(name, config.Thresholds(name))
	}
	return &env{config: config, store: store, kafka: kl, engine: engine}, nil
}

func (e *env) Close() {
	if err := e.kafka.Close(); err != nil {
		neuprint.Errorf("closing mutation log: %v\n", err)
	}
	if err := e.store.Close(); err != nil {
		neuprint.Errorf("closing store %s: %v\n", e.store, err)
	}
}

func (e *env) badgerStore() (*badger.Store, error) {
	s, ok := e.store.(*badger.Store)
	if !ok {
		return nil, fmt.Errorf("command requires the badger store, not %q", e.config.Store.Engine)
	}
	return s, nil
}

func (c *commander) load(ctx context.Context, configFile, dataset, fixtureFile string) error {
	f, err := os.Open(fixtureFile)
	if err != nil {
		return err
	}
	defer f.Close()
	fixture, err := badger.ReadFixture(f)
	if err != nil {
		return err
	}
	e, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := e.badgerStore()
	if err != nil {
		return err
	}
	if err := badger.Load(ctx, s, dataset, fixture, e.engine.Thresholds(dataset)); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "Loaded dataset %q from %s\n", dataset, fixtureFile)
	return nil
}

func (c *commander) check(ctx context.Context, configFile, dataset string) error {
	e, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer e.Close()
	s, err := e.badgerStore()
	if err != nil {
		return err
	}
	report, err := badger.Check(ctx, s, dataset, e.engine.Thresholds(dataset))
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, report)
	for _, problem := range report.Problems {
		fmt.Fprintf(c.out, "  %s\n", problem)
	}
	if !report.OK() {
		return fmt.Errorf("dataset %q failed consistency check", dataset)
	}
	return nil
}

func (c *commander) readRequest(requestFile string, v interface{}) error {
	var data []byte
	var err error
	if requestFile == "-" {
		data, err = io.ReadAll(c.in)
	} else {
		data, err = os.ReadFile(requestFile)
	}
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("bad request %s: %v", requestFile, err)
	}
	return nil
}

func (c *commander) mutate(ctx context.Context, action, configFile, dataset, requestFile string) error {
	var run func(context.Context, *mutate.Engine) (*mutate.Result, error)
	switch action {
	case mutate.MergeAction:
		var req mutate.MergeRequest
		if err := c.readRequest(requestFile, &req); err != nil {
			return err
		}
		req.Debug = req.Debug || c.dryRun
		run = func(ctx context.Context, engine *mutate.Engine) (*mutate.Result, error) {
			return engine.MergeSegments(ctx, dataset, req)
		}
	case mutate.SplitAction:
		var req mutate.SplitRequest
		if err := c.readRequest(requestFile, &req); err != nil {
			return err
		}
		req.Debug = req.Debug || c.dryRun
		run = func(ctx context.Context, engine *mutate.Engine) (*mutate.Result, error) {
			return engine.SplitSegment(ctx, dataset, req)
		}
	default:
		var req mutate.UpdateRequest
		if err := c.readRequest(requestFile, &req); err != nil {
			return err
		}
		req.Debug = req.Debug || c.dryRun
		run = func(ctx context.Context, engine *mutate.Engine) (*mutate.Result, error) {
			return engine.UpdateSegmentProperties(ctx, dataset, req)
		}
	}

	e, err := openEnv(configFile)
	if err != nil {
		return err
	}
	defer e.Close()
	result, err := run(ctx, e.engine)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
