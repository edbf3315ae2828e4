package sqlite

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mesh-intelligence/larder/pkg/types"
)

const jobColumns = "entity, key_hash, key_json, job_id, status, error, run_id, host, pid, created_at"

// jobTimeLayout sorts lexically in time order.
const jobTimeLayout = "2006-01-02T15:04:05.000000000Z"

// jobLog implements types.JobLog on the _jobs table.
type jobLog struct {
	backend *Backend
}

var _ types.JobLog = (*jobLog)(nil)

// jobRecord is the JSONL form of a job entry. The key is kept raw so
// integer attributes survive the round trip.
type jobRecord struct {
	JobID     string          `json:"job_id"`
	Entity    string          `json:"entity"`
	KeyHash   string          `json:"key_hash"`
	Key       json.RawMessage `json:"key"`
	Status    types.JobStatus `json:"status"`
	Error     string          `json:"error,omitempty"`
	RunID     string          `json:"run_id"`
	Host      string          `json:"host"`
	PID       int             `json:"pid"`
	CreatedAt string          `json:"created_at"`
}

// write runs fn in a write transaction on the job table and persists the
// job log when fn reports a change.
func (l *jobLog) write(ctx context.Context, fn func(*sql.Tx) (bool, error)) error {
	b := l.backend
	b.mu.RLock()
	defer b.mu.RUnlock()
	if !b.attached {
		return types.ErrStoreClosed
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning job transaction: %w", err)
	}
	defer sqlTx.Rollback()

	changed, err := fn(sqlTx)
	if err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing job transaction: %w", err)
	}
	if !changed {
		return nil
	}
	return b.afterCommit(map[string]bool{jobsTable: true})
}

func (l *jobLog) Reserve(ctx context.Context, job types.Job) (bool, error) {
	reserved := false
	err := l.write(ctx, func(sqlTx *sql.Tx) (bool, error) {
		job.Status = types.JobReserved
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now()
		}
		args, err := jobArgs(job)
		if err != nil {
			return false, err
		}
		res, err := sqlTx.ExecContext(ctx,
			`INSERT INTO "_jobs" (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) ON CONFLICT DO NOTHING`, args...)
		if err != nil {
			return false, fmt.Errorf("reserving job: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		reserved = n == 1
		return reserved, nil
	})
	return reserved, err
}

func (l *jobLog) Complete(ctx context.Context, entity string, key types.Key) error {
	return l.write(ctx, func(sqlTx *sql.Tx) (bool, error) {
		res, err := sqlTx.ExecContext(ctx,
			`DELETE FROM "_jobs" WHERE entity = ? AND key_hash = ?`, entity, key.HashString())
		if err != nil {
			return false, fmt.Errorf("completing job: %w", err)
		}
		n, err := res.RowsAffected()
		return n > 0, err
	})
}

func (l *jobLog) Fail(ctx context.Context, job types.Job) error {
	return l.write(ctx, func(sqlTx *sql.Tx) (bool, error) {
		job.Status = types.JobError
		if job.CreatedAt.IsZero() {
			job.CreatedAt = time.Now()
		}
		args, err := jobArgs(job)
		if err != nil {
			return false, err
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR REPLACE INTO "_jobs" (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			return false, fmt.Errorf("recording job error: %w", err)
		}
		return true, nil
	})
}

func (l *jobLog) List(ctx context.Context, entity string, status types.JobStatus) ([]types.Job, error) {
	db, err := l.backend.handle()
	if err != nil {
		return nil, err
	}
	return queryJobs(ctx, db, entity, status)
}

func (l *jobLog) Clear(ctx context.Context, entity string, status types.JobStatus) (int, error) {
	cleared := 0
	err := l.write(ctx, func(sqlTx *sql.Tx) (bool, error) {
		where, args := jobFilter(entity, status)
		res, err := sqlTx.ExecContext(ctx, `DELETE FROM "_jobs" WHERE `+where, args...)
		if err != nil {
			return false, fmt.Errorf("clearing jobs: %w", err)
		}
		n, err := res.RowsAffected()
		cleared = int(n)
		return n > 0, err
	})
	return cleared, err
}

// persist rewrites _jobs.jsonl. The caller must hold writeMu.
func (l *jobLog) persist() error {
	jobs, err := queryJobs(context.Background(), l.backend.db, "", "")
	if err != nil {
		return err
	}
	records := make([]json.RawMessage, 0, len(jobs))
	for _, j := range jobs {
		key, err := json.Marshal(j.Key)
		if err != nil {
			return fmt.Errorf("encoding job key: %w", err)
		}
		data, err := json.Marshal(jobRecord{
			JobID:     j.JobID,
			Entity:    j.Entity,
			KeyHash:   j.KeyHash,
			Key:       key,
			Status:    j.Status,
			Error:     j.Error,
			RunID:     j.RunID,
			Host:      j.Host,
			PID:       j.PID,
			CreatedAt: j.CreatedAt.UTC().Format(jobTimeLayout),
		})
		if err != nil {
			return fmt.Errorf("encoding job: %w", err)
		}
		records = append(records, data)
	}
	return writeJSONL(l.backend.jsonlPath(jobsTable), records)
}

// load reads _jobs.jsonl into the job table during Attach.
func (l *jobLog) load(ctx context.Context, sqlTx *sql.Tx) error {
	b := l.backend
	path := b.jsonlPath(jobsTable)
	records, err := readJSONL(path)
	if err != nil {
		return err
	}
	for i, rec := range records {
		var r jobRecord
		if err := json.Unmarshal(rec, &r); err != nil {
			b.logger.Warn("skipping malformed job", "file", path, "line", i+1, "error", err)
			continue
		}
		key, err := types.DecodeKeyJSON(bytes.TrimSpace(r.Key))
		if err != nil {
			b.logger.Warn("skipping malformed job", "file", path, "line", i+1, "error", err)
			continue
		}
		created, err := time.Parse(jobTimeLayout, r.CreatedAt)
		if err != nil {
			created = time.Time{}
		}
		args, err := jobArgs(types.Job{
			JobID: r.JobID, Entity: r.Entity, KeyHash: r.KeyHash, Key: key,
			Status: r.Status, Error: r.Error, RunID: r.RunID, Host: r.Host, PID: r.PID,
			CreatedAt: created,
		})
		if err != nil {
			return err
		}
		if _, err := sqlTx.ExecContext(ctx,
			`INSERT OR REPLACE INTO "_jobs" (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, args...); err != nil {
			b.logger.Warn("skipping invalid job", "file", path, "line", i+1, "error", err)
		}
	}
	return nil
}

func jobArgs(j types.Job) ([]any, error) {
	keyJSON, err := json.Marshal(j.Key)
	if err != nil {
		return nil, fmt.Errorf("encoding job key: %w", err)
	}
	hash := j.KeyHash
	if hash == "" {
		hash = j.Key.HashString()
	}
	return []any{
		j.Entity, hash, string(keyJSON), j.JobID, string(j.Status), j.Error,
		j.RunID, j.Host, j.PID, j.CreatedAt.UTC().Format(jobTimeLayout),
	}, nil
}

func jobFilter(entity string, status types.JobStatus) (string, []any) {
	clauses := []string{"1"}
	var args []any
	if entity != "" {
		clauses = append(clauses, "entity = ?")
		args = append(args, entity)
	}
	if status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(status))
	}
	return strings.Join(clauses, " AND "), args
}

func queryJobs(ctx context.Context, q querier, entity string, status types.JobStatus) ([]types.Job, error) {
	where, args := jobFilter(entity, status)
	rows, err := q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM "_jobs" WHERE `+where+` ORDER BY created_at, entity, key_hash`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.Job
	for rows.Next() {
		var (
			j       types.Job
			keyJSON string
			status  string
			created string
		)
		if err := rows.Scan(&j.Entity, &j.KeyHash, &keyJSON, &j.JobID, &status, &j.Error,
			&j.RunID, &j.Host, &j.PID, &created); err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		j.Status = types.JobStatus(status)
		if j.Key, err = types.DecodeKeyJSON([]byte(keyJSON)); err != nil {
			return nil, err
		}
		j.CreatedAt, _ = time.Parse(jobTimeLayout, created)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}
