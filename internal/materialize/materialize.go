// Package materialize brings materialized entity types up to date with
// their parents. For every pending key it calls a make function and commits
// the returned master and part rows in one transaction.
package materialize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/larder/internal/metrics"
	"github.com/mesh-intelligence/larder/internal/schema"
	"github.com/mesh-intelligence/larder/pkg/types"
)

// Options control one Populate run.
type Options struct {
	// Restriction limits the run to pending keys matching it. It may only
	// reference key-source attributes.
	Restriction types.Predicate
	// Workers is the number of keys computed concurrently. Zero means one.
	Workers int
	// MaxRetries is the number of extra attempts for a failing make call.
	MaxRetries int
	// ContinueOnError keeps going after a key fails. Otherwise no new keys
	// start and Populate returns the first failure.
	ContinueOnError bool
	// ReserveJobs claims each key in the job log before computing it, so
	// concurrent Populate calls on one store split the keys. Keys with an
	// error entry are skipped until the entry is cleared.
	ReserveJobs bool
}

// Report summarizes a Populate run.
type Report struct {
	RunID     string
	Entity    string
	Pending   int
	Populated int
	Skipped   int
	Failed    []*types.ComputeError
	Duration  time.Duration
}

// Materializer populates materialized entity types of one schema.
type Materializer struct {
	store      types.Store
	schema     *schema.Schema
	logger     *slog.Logger
	metrics    *metrics.Metrics
	newBackOff func() backoff.BackOff
	host       string
	pid        int
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Materializer) { m.logger = l }
}

// WithMetrics records populate counters.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Materializer) { m.metrics = mt }
}

// WithBackOff sets the retry schedule between make attempts. The function
// is called once per key.
func WithBackOff(f func() backoff.BackOff) Option {
	return func(m *Materializer) { m.newBackOff = f }
}

// New returns a Materializer over store.
func New(store types.Store, sch *schema.Schema, opts ...Option) *Materializer {
	host, _ := os.Hostname()
	m := &Materializer{
		store:  store,
		schema: sch,
		logger: slog.Default(),
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 100 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
		host: host,
		pid:  os.Getpid(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

type outcome int

const (
	populated outcome = iota
	skipped
)

// errAlreadyDone rolls back a key transaction that found the key committed
// by someone else.
var errAlreadyDone = errors.New("key already materialized")

// Populate computes and commits every pending key of entity. Committed keys
// stay committed whatever happens to the rest of the run.
func (m *Materializer) Populate(ctx context.Context, entity string, mk types.MakeFunc, opts Options) (Report, error) {
	start := time.Now()
	report := Report{
		RunID:  uuid.Must(uuid.NewV7()).String(),
		Entity: entity,
	}
	e, err := m.materialized(entity)
	if err != nil {
		return report, err
	}
	logger := m.logger.With(slog.String("entity", entity), slog.String("run_id", report.RunID))

	keys, err := m.PendingKeys(ctx, entity, opts.Restriction)
	if err != nil {
		return report, err
	}
	report.Pending = len(keys)
	m.metrics.Pending(entity, len(keys))

	workers := max(opts.Workers, 1)
	logger.Info("populate started", slog.Int("pending", len(keys)), slog.Int("workers", workers))

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, key := range keys {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			began := time.Now()
			out, err := m.populateKey(gctx, e, mk, key, report.RunID, opts)
			m.metrics.ObserveCompute(entity, time.Since(began))

			var cerr *types.ComputeError
			switch {
			case err == nil:
				mu.Lock()
				if out == populated {
					report.Populated++
					m.metrics.Populated(entity)
				} else {
					report.Skipped++
					m.metrics.Skipped(entity)
				}
				mu.Unlock()
				return nil
			case errors.As(err, &cerr):
				mu.Lock()
				report.Failed = append(report.Failed, cerr)
				mu.Unlock()
				m.metrics.Failed(entity)
				logger.Warn("key failed",
					slog.String("key", key.String()),
					slog.Int("attempts", cerr.Attempts),
					slog.Any("error", cerr.Err))
				if opts.ContinueOnError {
					return nil
				}
				return cerr
			default:
				return err
			}
		})
	}
	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}

	slices.SortFunc(report.Failed, func(a, b *types.ComputeError) int {
		return types.CompareKeys(a.Key, b.Key, a.Key.Names())
	})
	report.Duration = time.Since(start)
	logger.Info("populate finished",
		slog.Int("populated", report.Populated),
		slog.Int("skipped", report.Skipped),
		slog.Int("failed", len(report.Failed)),
		slog.Duration("duration", report.Duration))
	return report, err
}

// populateKey runs one unit of work: reserve, compute with retries, commit.
func (m *Materializer) populateKey(ctx context.Context, e *types.EntityType, mk types.MakeFunc, key types.Key, runID string, opts Options) (outcome, error) {
	jobs := m.store.Jobs()
	job := types.Job{
		JobID:   uuid.Must(uuid.NewV7()).String(),
		Entity:  e.Name,
		KeyHash: key.HashString(),
		Key:     key,
		RunID:   runID,
		Host:    m.host,
		PID:     m.pid,
	}

	if opts.ReserveJobs {
		ok, err := jobs.Reserve(ctx, job)
		if err != nil {
			return skipped, err
		}
		if !ok {
			m.logger.Debug("key reserved elsewhere", slog.String("entity", e.Name), slog.String("key", key.String()))
			return skipped, nil
		}
	}

	out, err := m.computeAndCommit(ctx, e, mk, key, opts.MaxRetries)
	// Job bookkeeping outlives a cancelled run.
	jctx := context.WithoutCancel(ctx)
	var cerr *types.ComputeError
	switch {
	case errors.As(err, &cerr):
		job.Error = cerr.Err.Error()
		if ferr := jobs.Fail(jctx, job); ferr != nil {
			m.logger.Error("recording job error", slog.String("entity", e.Name), slog.Any("error", ferr))
		}
	case err != nil:
		if opts.ReserveJobs {
			if cerr := jobs.Complete(jctx, e.Name, key); cerr != nil {
				m.logger.Error("releasing job", slog.String("entity", e.Name), slog.Any("error", cerr))
			}
		}
	default:
		if cerr := jobs.Complete(jctx, e.Name, key); cerr != nil {
			m.logger.Error("clearing job", slog.String("entity", e.Name), slog.Any("error", cerr))
		}
	}
	return out, err
}

func (m *Materializer) computeAndCommit(ctx context.Context, e *types.EntityType, mk types.MakeFunc, key types.Key, maxRetries int) (outcome, error) {
	attempts := 0
	res, err := backoff.Retry(ctx, func() (types.Result, error) {
		attempts++
		return call(ctx, mk, key)
	}, backoff.WithBackOff(m.newBackOff()), backoff.WithMaxTries(uint(max(maxRetries, 0)+1)))
	if err != nil {
		if ctx.Err() != nil {
			return skipped, ctx.Err()
		}
		return skipped, &types.ComputeError{Entity: e.Name, Key: key, Attempts: attempts, Err: err}
	}

	if len(res.Rows) == 0 {
		m.logger.Debug("make returned no rows, key stays pending",
			slog.String("entity", e.Name), slog.String("key", key.String()))
		return skipped, nil
	}

	rows, parts, err := m.bind(e, key, res)
	if err != nil {
		return skipped, &types.ComputeError{Entity: e.Name, Key: key, Attempts: attempts, Err: err}
	}

	err = m.store.Transact(ctx, func(tx types.Tx) error {
		n, err := tx.Count(e.Name, types.KeyPredicate(key))
		if err != nil {
			return err
		}
		if n > 0 {
			return errAlreadyDone
		}
		for i, r := range rows {
			if _, err := tx.Insert(e.Name, r, types.OnDuplicateFail); err != nil {
				if i == 0 && errors.Is(err, types.ErrDuplicateKey) {
					return errAlreadyDone
				}
				return err
			}
		}
		for _, p := range parts {
			for _, r := range p.rows {
				if _, err := tx.Insert(p.name, r, types.OnDuplicateFail); err != nil {
					return err
				}
			}
		}
		return nil
	})
	switch {
	case err == nil:
		return populated, nil
	case errors.Is(err, errAlreadyDone):
		return skipped, nil
	case ctx.Err() != nil:
		return skipped, ctx.Err()
	case errors.Is(err, types.ErrStoreClosed):
		return skipped, err
	default:
		return skipped, &types.ComputeError{Entity: e.Name, Key: key, Attempts: attempts, Err: err}
	}
}

// call invokes mk with a private copy of key and turns a panic into an
// error.
func call(ctx context.Context, mk types.MakeFunc, key types.Key) (res types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = backoff.Permanent(fmt.Errorf("make panicked: %v", r))
		}
	}()
	return mk(ctx, types.Key(key.Row()))
}

type partRows struct {
	name string
	rows []types.Row
}

// bind fills the key attributes into every returned row and checks that
// rows do not contradict the key. Parts are returned in definition order.
func (m *Materializer) bind(e *types.EntityType, key types.Key, res types.Result) ([]types.Row, []partRows, error) {
	rows := make([]types.Row, len(res.Rows))
	for i, r := range res.Rows {
		b, err := bindRow(e, key, r)
		if err != nil {
			return nil, nil, err
		}
		rows[i] = b
	}

	owned := m.schema.PartsOf(e.Name)
	for name := range res.Parts {
		if !slices.Contains(owned, name) {
			return nil, nil, fmt.Errorf("%w: %s is not a part of %s", types.ErrKeyMismatch, name, e.Name)
		}
	}
	var parts []partRows
	for _, name := range owned {
		pr := res.Parts[name]
		if len(pr) == 0 {
			continue
		}
		pe, err := m.schema.Entity(name)
		if err != nil {
			return nil, nil, err
		}
		bound := make([]types.Row, len(pr))
		for i, r := range pr {
			if bound[i], err = bindRow(pe, key, r); err != nil {
				return nil, nil, err
			}
		}
		parts = append(parts, partRows{name: name, rows: bound})
	}
	return rows, parts, nil
}

func bindRow(e *types.EntityType, key types.Key, r types.Row) (types.Row, error) {
	out := r.Clone()
	for a, v := range key {
		cur, ok := out[a]
		if !ok {
			out[a] = v
			continue
		}
		attr, _ := e.Attr(a)
		nv, err := attr.Normalize(cur)
		if err != nil || types.CompareValues(nv, v) != 0 {
			return nil, fmt.Errorf("%w: %s row has %s=%v, key has %v", types.ErrKeyMismatch, e.Name, a, cur, v)
		}
	}
	return out, nil
}
