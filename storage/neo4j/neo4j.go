/*
Package neo4j runs graph store commands as Cypher statements against a neuPrint Neo4j
database.  Each storage.Txn is one explicit Neo4j transaction in its own session.
Structural merges use the APOC refactoring procedures, so the APOC plugin must be
installed on the server.
*/
package neo4j

import (
	"context"
	"fmt"
	"strings"

	"github.com/blang/semver"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	driver "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

func init() {
	ver, err := semver.Make("0.1.0")
	if err != nil {
		neuprint.Errorf("Unable to make semver in neo4j: %v\n", err)
	}
	storage.RegisterEngine(Engine{"neo4j", "neuPrint Neo4j database over bolt", ver})
}

// Engine implements storage.Engine for a remote Neo4j server.
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

// NewStore connects to the server given by the config URI.
func (e Engine) NewStore(config storage.StoreConfig) (storage.Store, error) {
	return Open(config)
}

// Store is a connection pool to one Neo4j database.
type Store struct {
	uri      string
	database string
	driver   driver.DriverWithContext
}

// Open connects to a Neo4j server and verifies that it can be reached.
func Open(config storage.StoreConfig) (*Store, error) {
	if config.URI == "" {
		return nil, neuprint.NewError(neuprint.InvalidArgument, "neo4j store requires a uri")
	}
	auth := driver.NoAuth()
	if config.Username != "" {
		auth = driver.BasicAuth(config.Username, config.Password, "")
	}
	d, err := driver.NewDriverWithContext(config.URI, auth)
	if err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("neo4j driver for %s: %v", config.URI, err))
	}
	if err := d.VerifyConnectivity(context.Background()); err != nil {
		d.Close(context.Background())
		return nil, neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("unable to reach neo4j at %s: %v", config.URI, err))
	}
	neuprint.Infof("Connected to neo4j at %s (database %q)\n", config.URI, config.Database)
	return &Store{uri: config.URI, database: config.Database, driver: d}, nil
}

func (s *Store) String() string {
	if s.database == "" {
		return fmt.Sprintf("neo4j @ %s", s.uri)
	}
	return fmt.Sprintf("neo4j @ %s/%s", s.uri, s.database)
}

// Close shuts down the driver's connection pool.
func (s *Store) Close() error {
	if s == nil || s.driver == nil {
		return nil
	}
	err := s.driver.Close(context.Background())
	s.driver = nil
	return err
}

// Begin opens a write session and starts an explicit transaction on it.
func (s *Store) Begin(ctx context.Context, dataset string) (storage.Txn, error) {
	sch, err := newSchema(dataset)
	if err != nil {
		return nil, err
	}
	session := s.driver.NewSession(ctx, driver.SessionConfig{
		DatabaseName: s.database,
		AccessMode:   driver.AccessModeWrite,
	})
	tx, err := session.BeginTransaction(ctx)
	if err != nil {
		session.Close(ctx)
		return nil, neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("begin on dataset %q: %v", dataset, err))
	}
	return &txn{session: session, tx: tx, cypher: cypher{schema: sch, run: boltRunner(tx)}}, nil
}

// boltRunner runs statements on an open transaction and collects every record.
func boltRunner(tx driver.ExplicitTransaction) runFunc {
	return func(ctx context.Context, query string, params map[string]interface{}) ([]*driver.Record, error) {
		neuprint.Debugf("cypher: %s\n", strings.Join(strings.Fields(query), " "))
		result, err := tx.Run(ctx, query, params)
		if err != nil {
			return nil, err
		}
		return result.Collect(ctx)
	}
}

type txn struct {
	session driver.SessionWithContext
	tx      driver.ExplicitTransaction
	cypher  cypher
	done    bool
}

func (t *txn) Exec(ctx context.Context, cmd storage.Command) (*storage.Result, error) {
	if t.done {
		return nil, neuprint.NewError(neuprint.TransactionFailure, "%s on finished transaction", cmd.CommandName())
	}
	res, err := t.cypher.exec(ctx, cmd)
	if err != nil {
		return nil, neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("%s: %w", cmd.CommandName(), conflictOf(err)))
	}
	storage.NoteCommand(cmd)
	return res, nil
}

func (t *txn) Commit(ctx context.Context) error {
	if t.done {
		return neuprint.NewError(neuprint.TransactionFailure, "commit of finished transaction on %q", t.cypher.dataset)
	}
	t.done = true
	defer t.session.Close(ctx)
	if err := t.tx.Commit(ctx); err != nil {
		return neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("commit on dataset %q: %w", t.cypher.dataset, conflictOf(err)))
	}
	return nil
}

// conflictOf replaces transient server errors, e.g., deadlocks between concurrent
// transactions, with storage.ErrConflict.
func conflictOf(err error) error {
	if driver.IsRetryable(err) {
		return fmt.Errorf("%w: %v", storage.ErrConflict, err)
	}
	return err
}

func (t *txn) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.session.Close(ctx)
	if err := t.tx.Rollback(ctx); err != nil {
		return neuprint.WrapError(neuprint.TransactionFailure, fmt.Errorf("rollback on dataset %q: %v", t.cypher.dataset, err))
	}
	return nil
}
