/*
Package badger stores neuPrint property graphs in BadgerDB and executes the storage
commands natively.  Each dataset is a separate key space; each storage transaction is a
single read-write badger transaction, so a mutation is applied atomically or not at all.
*/
package badger

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	"github.com/blang/semver"
	"github.com/dgraph-io/badger/v3"
)

const (
	// DefaultVersionsToKeep is the number of versions to keep per key.
	DefaultVersionsToKeep = 1

	// DefaultSyncWrites is true if all writes are synced to disk, thereby making db resilient
	// at cost of speed.
	DefaultSyncWrites = false

	// idLeaseSize is the number of ids leased at once from the badger sequence.
	idLeaseSize = 1000
)

func init() {
	ver, err := semver.Make("0.2.0")
	if err != nil {
		neuprint.Errorf("Unable to make semver in badger: %v\n", err)
	}
	storage.RegisterEngine(Engine{"badger", "BadgerDB embedded property graph", ver})
}

// --- Engine Implementation ------

type Engine struct {
	name   string
	desc   string
	semver semver.Version
}

func (e Engine) GetName() string {
	return e.name
}

func (e Engine) GetDescription() string {
	return e.desc
}

func (e Engine) GetSemVer() semver.Version {
	return e.semver
}

func (e Engine) String() string {
	return fmt.Sprintf("%s [%s]", e.name, e.semver)
}

// NewStore returns a badger store.  The config must have a path unless in memory.
func (e Engine) NewStore(config storage.StoreConfig) (storage.Store, error) {
	return Open(config)
}

// Store is a BadgerDB holding any number of neuPrint datasets.
type Store struct {
	directory string
	inMemory  bool

	db  *badger.DB
	ids *badger.Sequence

	// stopSyncCh is used to signal the sync goroutine to stop.
	stopSyncCh chan struct{}
}

// Open opens or creates a badger store.
func Open(config storage.StoreConfig) (*Store, error) {
	if !config.InMemory && config.Path == "" {
		return nil, fmt.Errorf("%q must be specified for BadgerDB configuration", "path")
	}
	opts := getOptions(config)

	s := &Store{directory: config.Path, inMemory: config.InMemory}
	if !config.InMemory {
		if _, err := os.Stat(config.Path); os.IsNotExist(err) {
			neuprint.Infof("Database not already at path (%s). Creating directory...\n", config.Path)
			if err := os.MkdirAll(config.Path, 0744); err != nil {
				return nil, fmt.Errorf("can't make directory at %s: %v", config.Path, err)
			}
		}
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	s.db = db
	if s.ids, err = db.GetSequence(sequenceKey, idLeaseSize); err != nil {
		db.Close()
		return nil, err
	}
	if !config.InMemory {
		s.stopSyncCh = make(chan struct{})
		go s.syncPeriodically()
	}
	return s, nil
}

// OpenInMemory returns a store that disappears on Close, for tests and dry runs.
func OpenInMemory() (*Store, error) {
	return Open(storage.StoreConfig{Engine: "badger", InMemory: true})
}

func getOptions(config storage.StoreConfig) badger.Options {
	var opts badger.Options
	if config.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(config.Path)
	}
	return opts.
		WithNumVersionsToKeep(DefaultVersionsToKeep).
		WithSyncWrites(DefaultSyncWrites).
		WithLoggingLevel(badger.WARNING)
}

// Periodically sync to prevent too many writes from being buffered
// if server crashes.
func (s *Store) syncPeriodically() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopSyncCh:
			neuprint.Infof("Stopping sync goroutine for badger @ %s\n", s.directory)
			return
		case <-ticker.C:
			if err := s.db.Sync(); err != nil {
				neuprint.Errorf("sync of badger @ %s failed: %v\n", s.directory, err)
			}
		}
	}
}

func (s *Store) String() string {
	if s.inMemory {
		return "badger in memory"
	}
	return fmt.Sprintf("badger @ %s", s.directory)
}

// Close releases the id sequence and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	if s.stopSyncCh != nil {
		close(s.stopSyncCh)
	}
	if err := s.ids.Release(); err != nil {
		neuprint.Errorf("unable to release badger id sequence: %v\n", err)
	}
	err := s.db.Close()
	s.db = nil
	neuprint.Infof("Closed %s\n", s)
	return err
}

// Begin starts a read-write transaction on a dataset.
func (s *Store) Begin(ctx context.Context, dataset string) (storage.Txn, error) {
	return s.begin(ctx, dataset)
}

func (s *Store) begin(ctx context.Context, dataset string) (*txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	ks, err := newKeyspace(dataset)
	if err != nil {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "%v", err)
	}
	return &txn{store: s, ks: ks, dataset: dataset, bt: s.db.NewTransaction(true)}, nil
}

func (s *Store) nextID() (int64, error) {
	id, err := s.ids.Next()
	if err != nil {
		return 0, neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	return int64(id) + 1, nil
}

// txn is a storage.Txn on one dataset.  It must be used by a single goroutine.
type txn struct {
	store   *Store
	ks      keyspace
	dataset string
	bt      *badger.Txn
	done    bool
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return neuprint.NewError(neuprint.TransactionFailure, "commit of finished transaction on %q", t.dataset)
	}
	t.done = true
	if err := ctx.Err(); err != nil {
		t.bt.Discard()
		return neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	if err := t.bt.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			err = storage.ErrConflict
		}
		return neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("commit on dataset %q: %w", t.dataset, err))
	}
	return nil
}

func (t *txn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.bt.Discard()
	return nil
}

// Exec runs one command.  Errors without a kind are store failures.
func (t *txn) Exec(ctx context.Context, cmd storage.Command) (*storage.Result, error) {
	if t.done {
		return nil, neuprint.NewError(neuprint.TransactionFailure, "%s on finished transaction", cmd.CommandName())
	}
	if err := ctx.Err(); err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, err)
	}
	res, err := t.exec(cmd)
	if err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("%s: %w", cmd.CommandName(), err))
	}
	storage.NoteCommand(cmd)
	return res, nil
}
