package types

import (
	"errors"
	"fmt"
)

// Row-level store errors.
var (
	ErrDuplicateKey        = errors.New("duplicate primary key")
	ErrMissingParent       = errors.New("missing parent row")
	ErrForeignKeyViolation = errors.New("row is referenced by dependent rows")
	ErrInvalidRow          = errors.New("invalid row")
	ErrInvalidFilter       = errors.New("invalid filter")
)

// Schema errors. Both are returned at declaration time; a failed
// declaration installs nothing.
var (
	ErrSchema           = errors.New("invalid schema")
	ErrCyclicDependency = errors.New("cyclic dependency")
	ErrUnknownEntity    = errors.New("unknown entity type")
)

// Materialization and deletion errors.
var (
	ErrCompute         = errors.New("compute failed")
	ErrNotMaterialized = errors.New("entity type is not materialized")
	ErrKeyMismatch     = errors.New("row does not belong to the key being populated")
	ErrPartDelete      = errors.New("part rows are deleted through their master")
	ErrPartInsert      = errors.New("part rows are inserted through their master")
	ErrDirectInsert    = errors.New("materialized rows are created by populate")
)

// Store lifecycle errors.
var (
	ErrStoreClosed     = errors.New("store is closed")
	ErrAlreadyAttached = errors.New("store is already attached")
	ErrDataDirLocked   = errors.New("data dir is in use by another store")
)

// ComputeError records a failed key during Populate. It matches ErrCompute
// with errors.Is and unwraps to the underlying cause.
type ComputeError struct {
	Entity   string
	Key      Key
	Attempts int
	Err      error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("populating %s (%s): %v", e.Entity, e.Key, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// Is makes every ComputeError match ErrCompute.
func (e *ComputeError) Is(target error) bool {
	return target == ErrCompute
}
