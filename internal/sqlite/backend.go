// Package sqlite implements the larder store on SQLite. SQLite is the query
// engine; one JSONL file per entity type in the data directory is the source
// of truth and is loaded back into a fresh database on every Attach. A lock
// file keeps the data directory to one attached Backend at a time.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

const (
	dbFileName   = "larder.db"
	lockFileName = "larder.lock"
)

var _ types.Store = (*Backend)(nil)

// Backend implements types.Store using SQLite as the query engine and
// JSONL files as the source of truth.
type Backend struct {
	mu       sync.RWMutex // guards attached and db
	attached bool
	config   types.Config
	db       *sql.DB
	schema   *schema.Schema
	dataDir  string
	logger   *slog.Logger
	jobs     *jobLog
	lock     *flock.Flock

	// writeMu serializes write transactions and guards dirty.
	writeMu      sync.Mutex
	syncStrategy string
	dirty        map[string]bool // JSONL files awaiting an on_close flush
}

// NewBackend creates a backend for the entity types in sch. The backend is
// not attached; call Attach with a Config to initialize.
func NewBackend(sch *schema.Schema, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Backend{
		schema: sch,
		logger: logger,
		dirty:  make(map[string]bool),
	}
	b.jobs = &jobLog{backend: b}
	return b
}

// Attach creates DataDir if needed, locks it, builds a fresh database with
// one table per entity type, and loads every JSONL file in dependency order.
// Returns ErrAlreadyAttached if already attached and ErrDataDirLocked if
// another Backend, in this process or another, holds the data dir.
func (b *Backend) Attach(config types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.attached {
		return types.ErrAlreadyAttached
	}
	if err := config.Validate(); err != nil {
		return err
	}

	dataDir := config.DataDir
	if dataDir == "" {
		dataDir = "."
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}

	lock := flock.New(filepath.Join(dataDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("locking data dir: %w", err)
	}
	if !locked {
		return fmt.Errorf("%w: %s", types.ErrDataDirLocked, dataDir)
	}
	attached := false
	defer func() {
		if !attached {
			lock.Unlock()
		}
	}()

	// The database is a cache of the JSONL files and is rebuilt every time.
	dbPath := filepath.Join(dataDir, dbFileName)
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(dbPath + suffix)
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := createTables(db, b.schema); err != nil {
		db.Close()
		return err
	}

	b.db = db
	b.lock = lock
	b.config = config
	b.dataDir = dataDir
	b.syncStrategy = config.GetSyncStrategy()
	b.dirty = make(map[string]bool)

	if err := b.initJSONLFiles(); err != nil {
		db.Close()
		return err
	}
	if err := b.loadAllJSONL(context.Background()); err != nil {
		db.Close()
		return fmt.Errorf("load JSONL: %w", err)
	}

	attached = true
	b.attached = true
	return nil
}

// dsn enables foreign keys and WAL on every pooled connection and makes
// write transactions take the database lock up front, so pooled
// connections queue on busy_timeout instead of failing mid-transaction.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// Detach flushes pending JSONL writes and closes the database. Detach is
// idempotent. After Detach every operation returns ErrStoreClosed.
func (b *Backend) Detach() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.attached {
		return nil
	}

	b.writeMu.Lock()
	err := b.flushDirtyLocked()
	b.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("flush pending writes: %w", err)
	}

	if err := b.db.Close(); err != nil {
		return err
	}
	b.db = nil
	b.attached = false
	if err := b.lock.Unlock(); err != nil {
		return fmt.Errorf("unlocking data dir: %w", err)
	}
	b.lock = nil
	return nil
}

// Close is Detach; it satisfies types.Store.
func (b *Backend) Close() error {
	return b.Detach()
}

// Jobs returns the job log stored in the _jobs table.
func (b *Backend) Jobs() types.JobLog {
	return b.jobs
}

// Schema returns the schema the backend was created for.
func (b *Backend) Schema() *schema.Schema {
	return b.schema
}

// handle returns the open database or ErrStoreClosed.
func (b *Backend) handle() (*sql.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return nil, types.ErrStoreClosed
	}
	return b.db, nil
}

// afterCommit persists the JSONL files of entities a transaction changed.
// The caller must hold writeMu.
func (b *Backend) afterCommit(changed map[string]bool) error {
	if len(changed) == 0 {
		return nil
	}
	if b.syncStrategy == types.SyncOnClose {
		for name := range changed {
			b.dirty[name] = true
		}
		return nil
	}
	for name := range changed {
		if err := b.persistJSONL(name); err != nil {
			return err
		}
	}
	return nil
}

// flushDirtyLocked writes every JSONL file queued by the on_close strategy.
// The caller must hold writeMu.
func (b *Backend) flushDirtyLocked() error {
	for name := range b.dirty {
		if err := b.persistJSONL(name); err != nil {
			return err
		}
		delete(b.dirty, name)
	}
	return nil
}
