/*
Package storage defines how the mutation engine talks to a neuPrint graph store.

The engine never builds query text.  It sends typed Command messages through a Txn
obtained from a Store, and each engine (see storage/badger and storage/neo4j) executes
the commands in its own way: natively on a key-value graph or as Cypher statements.
Engines register themselves on import and are opened by name through Open().
*/
package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/blang/semver"
	"github.com/janelia-flyem/npmutate/neuprint"
)

// ErrConflict is wrapped by Commit or Exec errors when the transaction lost a race
// with a concurrent transaction on the same dataset.  The whole transaction can be
// rerun.
var ErrConflict = errors.New("transaction conflict")

// Txn is one atomic unit of work against a dataset.  A Txn is used by a single
// goroutine; commands are executed serially in the order given.
type Txn interface {
	// Exec runs a command and returns its result rows.
	Exec(ctx context.Context, cmd Command) (*Result, error)

	// Commit makes all writes visible.  The Txn can't be used afterwards.
	Commit(ctx context.Context) error

	// Rollback discards all writes.  Calling Rollback after Commit is a no-op.
	Rollback(ctx context.Context) error
}

// Store is an opened graph store holding one or more datasets.
type Store interface {
	// Begin starts a read-write transaction on the given dataset.
	Begin(ctx context.Context, dataset string) (Txn, error)

	Close() error

	fmt.Stringer
}

// Engine is a storage backend that can open Stores.
type Engine interface {
	GetName() string
	GetDescription() string
	GetSemVer() semver.Version
	NewStore(config StoreConfig) (Store, error)
}

// StoreConfig is the [store] section of the server configuration.
type StoreConfig struct {
	Engine   string // "badger" or "neo4j"
	Path     string // badger directory
	InMemory bool   `toml:"in_memory"`
	URI      string // neo4j bolt URI
	Username string
	Password string
	Database string
}

var (
	enginesMu sync.RWMutex
	engines   = make(map[string]Engine)
)

// RegisterEngine makes an engine available by name.  Engines call it from init().
func RegisterEngine(e Engine) {
	enginesMu.Lock()
	defer enginesMu.Unlock()
	engines[e.GetName()] = e
}

// GetEngine returns the registered engine with the given name.
func GetEngine(name string) (Engine, bool) {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	e, found := engines[name]
	return e, found
}

// EnginesAvailable returns a description of the compiled-in engines.
func EnginesAvailable() string {
	enginesMu.RLock()
	defer enginesMu.RUnlock()
	var names []string
	for name, e := range engines {
		names = append(names, fmt.Sprintf("%s [%s]", name, e.GetSemVer()))
	}
	sort.Strings(names)
	return strings.Join(names, "; ")
}

// Open returns a store using the engine named in the configuration.
func Open(config StoreConfig) (Store, error) {
	e, found := GetEngine(config.Engine)
	if !found {
		return nil, fmt.Errorf("no storage engine %q available (have %s)", config.Engine, EnginesAvailable())
	}
	s, err := e.NewStore(config)
	if err != nil {
		return nil, err
	}
	neuprint.Infof("Opened %s store: %s\n", e.GetName(), s)
	return s, nil
}
