package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Rican7/retry/backoff"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/storage"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/cuemby/fleet/pkg/workflow"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Poller runs one reconciliation cycle of a merge attempt
type Poller interface {
	Poll(ctx context.Context, req types.MergeRequest) (types.StepResult, error)
}

// Store persists attempts and opens their parent workflows
type Store interface {
	workflow.WorkflowWriter
	PutAttempt(attempt *types.MergeAttempt) error
	GetAttempt(id string) (*types.MergeAttempt, error)
	ListAttempts() ([]*types.MergeAttempt, error)
}

// Config controls the polling cadence. A Multiplier above 1 grows the delay
// exponentially from Interval up to MaxInterval; otherwise every poll waits Interval.
type Config struct {
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
}

// DefaultConfig polls every 10 seconds
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		MaxInterval: 2 * time.Minute,
		Multiplier:  1,
	}
}

// delay returns the wait before the poll following the given number of polls
func (c Config) delay(polls int) time.Duration {
	if c.Multiplier <= 1 {
		return c.Interval
	}
	d := backoff.Exponential(c.Interval, c.Multiplier)(uint(polls))
	if c.MaxInterval > 0 && (d > c.MaxInterval || d <= 0) {
		return c.MaxInterval
	}
	return d
}

type running struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler polls every active merge attempt on its own goroutine until the
// attempt reaches a terminal outcome. An attempt is never polled concurrently.
type Scheduler struct {
	store  Store
	poller Poller
	cfg    Config

	mu      sync.Mutex
	ctx     context.Context
	stop    context.CancelFunc
	running map[string]*running
	wg      sync.WaitGroup
}

// NewScheduler creates a new scheduler
func NewScheduler(store Store, poller Poller, cfg Config) *Scheduler {
	return &Scheduler{
		store:   store,
		poller:  poller,
		cfg:     cfg,
		running: make(map[string]*running),
	}
}

// Start resumes every attempt still polling in the store
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.ctx != nil {
		s.mu.Unlock()
		return errors.New("scheduler already started")
	}
	s.ctx, s.stop = context.WithCancel(context.Background())
	s.mu.Unlock()

	attempts, err := s.store.ListAttempts()
	if err != nil {
		return fmt.Errorf("failed to list attempts: %w", err)
	}

	resumed := 0
	for _, a := range attempts {
		if a.Active() {
			s.track(a)
			resumed++
		}
	}

	logger := log.WithComponent("scheduler")
	logger.Info().Int("resumed", resumed).Msg("Scheduler started")
	return nil
}

// Stop halts polling and waits for in-flight polls. Attempts stay active in
// the store and resume on the next Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stop != nil {
		s.stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Submit records a new attempt and starts polling it. Submitting an attempt
// id that already exists returns the stored attempt.
func (s *Scheduler) Submit(req types.MergeRequest) (*types.MergeAttempt, error) {
	if req.AttemptID == "" {
		req.AttemptID = uuid.New().String()
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.store.GetAttempt(req.AttemptID)
	switch {
	case err == nil:
		if existing.Active() {
			s.track(existing)
		}
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		return nil, err
	}

	if _, err := workflow.Open(s.store, req.ParentWorkflowID); err != nil {
		return nil, err
	}

	attempt := &types.MergeAttempt{
		ID:        req.AttemptID,
		Request:   req,
		State:     types.AttemptStatePolling,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.PutAttempt(attempt); err != nil {
		return nil, fmt.Errorf("failed to store attempt: %w", err)
	}

	s.track(attempt)
	return attempt, nil
}

// Cancel stops polling an attempt and marks it cancelled
func (s *Scheduler) Cancel(attemptID string) error {
	s.mu.Lock()
	r := s.running[attemptID]
	s.mu.Unlock()
	if r != nil {
		r.cancel()
		<-r.done
	}

	attempt, err := s.store.GetAttempt(attemptID)
	if err != nil {
		return err
	}
	if !attempt.Active() {
		return nil
	}
	attempt.State = types.AttemptStateCancelled
	return s.store.PutAttempt(attempt)
}

// Active returns the number of attempts being polled
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// track starts the poll loop of a, unless it already runs or the scheduler
// is not started
func (s *Scheduler) track(a *types.MergeAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}
	if _, ok := s.running[a.ID]; ok {
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	r := &running{cancel: cancel, done: make(chan struct{})}
	s.running[a.ID] = r
	metrics.MergeAttemptsActive.Set(float64(len(s.running)))

	attempt := *a
	s.wg.Add(1)
	go s.run(ctx, r, &attempt)
}

func (s *Scheduler) untrack(id string, r *running) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r.cancel()
	if s.running[id] == r {
		delete(s.running, id)
	}
	metrics.MergeAttemptsActive.Set(float64(len(s.running)))
}

func (s *Scheduler) run(ctx context.Context, r *running, a *types.MergeAttempt) {
	defer s.wg.Done()
	defer close(r.done)
	defer s.untrack(a.ID, r)

	logger := log.WithAttempt("scheduler", a.ID, a.Request.VMID)
	timer := time.NewTimer(s.cfg.delay(a.Polls))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if done := s.pollOnce(ctx, &logger, a); done {
			return
		}
		timer.Reset(s.cfg.delay(a.Polls))
	}
}

// pollOnce polls a and records the result. It returns true once the attempt
// needs no further polling.
func (s *Scheduler) pollOnce(ctx context.Context, logger *zerolog.Logger, a *types.MergeAttempt) bool {
	step, err := s.poller.Poll(ctx, a.Request)
	if ctx.Err() != nil {
		return true
	}

	a.Polls++
	a.LastPolledAt = time.Now().UTC()

	switch {
	case errors.Is(err, workflow.ErrStaleAttempt):
		logger.Warn().Err(err).Msg("Attempt is stale, cancelling")
		a.State = types.AttemptStateCancelled
		a.LastError = err.Error()
	case err != nil:
		logger.Error().Err(err).Int("polls", a.Polls).Msg("Poll failed")
		a.LastError = err.Error()
	default:
		a.LastError = ""
		a.LastOutcome = step.Outcome
		switch step.Outcome.Kind {
		case types.OutcomeCommitted:
			a.State = types.AttemptStateCommitted
		case types.OutcomeFailed:
			a.State = types.AttemptStateFailed
		}
	}

	if err := s.store.PutAttempt(a); err != nil {
		logger.Error().Err(err).Msg("Failed to store attempt")
	}
	if !a.Active() {
		logger.Info().
			Str("state", string(a.State)).
			Int("polls", a.Polls).
			Msg("Attempt finished")
		return true
	}
	return false
}
