// Package correlation holds the in-memory bidirectional map between source
// host check runs and execution host jobs. It is the only state shared
// across webhook handler tasks besides the gateway's rate buckets; every
// operation is per-key atomic and there is no bulk access except the sweep.
package correlation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/m-mizutani/ctxlog"
	"github.com/m-mizutani/goerr/v2"

	"github.com/m-mizutani/cibridge/pkg/domain/model"
	"github.com/m-mizutani/cibridge/pkg/domain/types"
)

const (
	// DefaultRetention keeps terminal records long enough for late
	// re-deliveries to be recognized as duplicates
	DefaultRetention = 7 * 24 * time.Hour
	// DefaultMaxAge is the stuck-job safety valve for non-terminal records
	DefaultMaxAge = 24 * time.Hour
	// DefaultSweepInterval is how often the background sweep runs
	DefaultSweepInterval = 5 * time.Minute
)

// EvictReason states why the sweep removed a record
type EvictReason string

const (
	EvictRetention EvictReason = "retention"
	EvictStuck     EvictReason = "stuck"
)

// Evicted is one record removed by a sweep. Stuck records have already been
// forced to StateTimedOut when handed to the eviction callback.
type Evicted struct {
	Record model.CorrelationRecord
	Reason EvictReason
}

// Option configures a Store
type Option func(*Store)

// WithClock injects a time source for tests
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetention sets how long terminal records are kept
func WithRetention(d time.Duration) Option {
	return func(s *Store) { s.retention = d }
}

// WithMaxAge sets the stuck-job timeout for non-terminal records
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// Store is the correlation store. Safe for concurrent use.
type Store struct {
	mu        sync.Mutex
	bySource  map[model.SourceKey]*model.CorrelationRecord
	byExec    map[model.ExecutionKey]*model.CorrelationRecord
	now       func() time.Time
	retention time.Duration
	maxAge    time.Duration
}

func New(opts ...Option) *Store {
	s := &Store{
		bySource:  make(map[model.SourceKey]*model.CorrelationRecord),
		byExec:    make(map[model.ExecutionKey]*model.CorrelationRecord),
		now:       time.Now,
		retention: DefaultRetention,
		maxAge:    DefaultMaxAge,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Put registers a new record in StateCreated. Returns ErrDuplicateKey when a
// live record already exists for the same (repo, commit, job) triple; the
// caller must treat that as "already triggered", never as a retryable fault.
func (s *Store) Put(rec *model.CorrelationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.bySource[rec.Source]; ok {
		return goerr.Wrap(types.ErrDuplicateKey, "record exists for source key",
			goerr.V("repo", rec.Source.Repo),
			goerr.V("sha", rec.Source.HeadSHA),
			goerr.V("job", rec.Source.JobName),
		)
	}

	stored := *rec
	stored.State = model.StateCreated
	stored.CreatedAt = s.now()
	stored.UpdatedAt = stored.CreatedAt
	s.bySource[rec.Source] = &stored
	return nil
}

// GetBySource returns a copy of the record for the source key
func (s *Store) GetBySource(key model.SourceKey) (model.CorrelationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bySource[key]
	if !ok {
		return model.CorrelationRecord{}, false
	}
	return *rec, true
}

// GetByExecution returns a copy of the record for the execution key
func (s *Store) GetByExecution(key model.ExecutionKey) (model.CorrelationRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byExec[key]
	if !ok {
		return model.CorrelationRecord{}, false
	}
	return *rec, true
}

// BindExecution assigns the execution host identifiers and indexes the
// record on the execution side. Identifiers are assigned exactly once; a
// second bind is rejected.
func (s *Store) BindExecution(key model.SourceKey, projectID, pipelineID, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bySource[key]
	if !ok {
		return goerr.Wrap(types.ErrCorrelationNotFound, "cannot bind execution ids")
	}
	if rec.PipelineID != 0 {
		return goerr.New("execution ids already bound",
			goerr.V("pipeline_id", rec.PipelineID),
		)
	}

	rec.ProjectID = projectID
	rec.PipelineID = pipelineID
	rec.JobID = jobID
	s.byExec[rec.ExecutionKey()] = rec
	return nil
}

// BindCheckRun sets the source-host check run ID once. The record is put
// before the check run is created so duplicate deliveries are caught before
// any outbound call; the ID arrives a moment later.
func (s *Store) BindCheckRun(key model.SourceKey, checkRunID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.bySource[key]; ok && rec.CheckRunID == 0 {
		rec.CheckRunID = checkRunID
	}
}

// BindJobID sets the numeric job ID if it has not been bound yet. The ID
// becomes known after triggering, either from the pipeline job listing or
// from the first matching status event.
func (s *Store) BindJobID(key model.SourceKey, jobID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.bySource[key]; ok && rec.JobID == 0 {
		rec.JobID = jobID
	}
}

// Advance applies a state update if and only if the sequence number is
// greater than the stored one and the transition is legal. A stale or
// duplicate delivery returns false without error; that silence is the
// idempotence guarantee the relay depends on.
func (s *Store) Advance(key model.SourceKey, newState model.JobState, seq int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.bySource[key]
	if !ok {
		return false, goerr.Wrap(types.ErrCorrelationNotFound, "cannot advance record")
	}
	if seq <= rec.Sequence {
		return false, nil
	}
	if newState != rec.State && !rec.State.CanTransition(newState) {
		return false, nil
	}

	rec.State = newState
	rec.Sequence = seq
	rec.UpdatedAt = s.now()
	return true, nil
}

// Sweep evicts expired records and returns them. Terminal records older
// than the retention window are dropped; non-terminal records older than
// the stuck-job timeout are forced to StateTimedOut and dropped, so the
// caller can attempt one final best-effort status push for them.
func (s *Store) Sweep(now time.Time) []Evicted {
	s.mu.Lock()
	defer s.mu.Unlock()

	var evicted []Evicted
	for key, rec := range s.bySource {
		var reason EvictReason
		switch {
		case rec.State.IsTerminal() && now.Sub(rec.UpdatedAt) > s.retention:
			reason = EvictRetention
		case !rec.State.IsTerminal() && now.Sub(rec.CreatedAt) > s.maxAge:
			rec.State = model.StateTimedOut
			rec.UpdatedAt = now
			reason = EvictStuck
		default:
			continue
		}

		delete(s.bySource, key)
		if rec.PipelineID != 0 {
			delete(s.byExec, rec.ExecutionKey())
		}
		evicted = append(evicted, Evicted{Record: *rec, Reason: reason})
	}
	return evicted
}

// Len reports the number of live records
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.bySource)
}

// RunSweeper sweeps on the given interval until the context is cancelled,
// invoking onEvict for each evicted record. Stuck records arrive already
// forced to StateTimedOut so a final status can be pushed for them.
func (s *Store) RunSweeper(ctx context.Context, interval time.Duration, onEvict func(context.Context, Evicted)) {
	logger := ctxlog.From(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			evicted := s.Sweep(now)
			if len(evicted) == 0 {
				continue
			}
			logger.Info("swept correlation records",
				slog.Int("evicted", len(evicted)),
				slog.Int("remaining", s.Len()),
			)
			if onEvict == nil {
				continue
			}
			for _, ev := range evicted {
				onEvict(ctx, ev)
			}
		}
	}
}
