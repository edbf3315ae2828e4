package types

import (
	"context"
	"iter"
	"time"
)

// OnDuplicate selects what Insert does when the primary key already exists.
type OnDuplicate int

const (
	// OnDuplicateFail returns ErrDuplicateKey.
	OnDuplicateFail OnDuplicate = iota
	// OnDuplicateSkip leaves the existing row in place and reports no insert.
	OnDuplicateSkip
)

// Store is the keyed row storage shared by every engine. Each mutating call
// is one transaction; write transactions are serialized, and readers only
// ever observe committed state.
type Store interface {
	// Insert adds rows to entity in a single transaction. Every row must
	// reference existing parent rows (ErrMissingParent). Returns the number
	// of rows inserted, which is lower than len(rows) only when skipping
	// duplicates.
	Insert(ctx context.Context, entity string, rows []Row, onDup OnDuplicate) (int, error)

	// Fetch returns rows matching p. The sequence is lazy and may be ranged
	// over more than once; each pass reads the latest committed state.
	Fetch(ctx context.Context, entity string, p Predicate) iter.Seq2[Row, error]

	// Count returns the number of rows matching p.
	Count(ctx context.Context, entity string, p Predicate) (int, error)

	// Delete removes rows matching p. Returns ErrForeignKeyViolation when a
	// matched row is still referenced by a dependent row.
	Delete(ctx context.Context, entity string, p Predicate) (int, error)

	// Transact runs fn in one write transaction. The transaction commits
	// when fn returns nil and ctx is still live; otherwise nothing fn did
	// is applied.
	Transact(ctx context.Context, fn func(Tx) error) error

	// Jobs returns the job log used by reserved populate runs.
	Jobs() JobLog

	// Close releases the store. Further calls return ErrStoreClosed.
	Close() error
}

// Tx is the view of a store inside Transact. Reads observe the
// transaction's own writes.
type Tx interface {
	// Insert adds one row and reports whether it was inserted.
	Insert(entity string, row Row, onDup OnDuplicate) (bool, error)
	Fetch(entity string, p Predicate) ([]Row, error)
	Count(entity string, p Predicate) (int, error)
	Delete(entity string, p Predicate) (int, error)
}

// JobStatus is the state of a job log entry.
type JobStatus string

// Job states. Successful keys leave no entry.
const (
	JobReserved JobStatus = "reserved"
	JobError    JobStatus = "error"
)

// Job is one job log entry: a key reserved by a populate run, or a key
// whose computation failed.
type Job struct {
	JobID     string    `json:"job_id"`
	Entity    string    `json:"entity"`
	KeyHash   string    `json:"key_hash"`
	Key       Key       `json:"key"`
	Status    JobStatus `json:"status"`
	Error     string    `json:"error,omitempty"`
	RunID     string    `json:"run_id"`
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	CreatedAt time.Time `json:"created_at"`
}

// JobLog coordinates populate workers sharing a store and records
// failures. Entries are identified by entity and key hash.
type JobLog interface {
	// Reserve claims key for runID. It reports false when an entry already
	// exists, whether reserved by another run or recorded as an error.
	Reserve(ctx context.Context, job Job) (bool, error)

	// Complete removes the entry for key.
	Complete(ctx context.Context, entity string, key Key) error

	// Fail records job as an error entry, replacing any reservation.
	Fail(ctx context.Context, job Job) error

	// List returns entries for entity (all entities when empty) with the
	// given status (any status when empty), oldest first.
	List(ctx context.Context, entity string, status JobStatus) ([]Job, error)

	// Clear removes entries like List selects them and returns how many.
	Clear(ctx context.Context, entity string, status JobStatus) (int, error)
}
