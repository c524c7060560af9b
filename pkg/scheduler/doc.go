/*
Package scheduler drives live merge attempts to a terminal outcome.

Every active attempt gets its own goroutine that calls the Poller, waits,
and calls it again until the attempt is committed, failed or cancelled.
An attempt is never polled twice at the same time; different attempts are
polled concurrently and share no state.

# Lifecycle

	┌──────────┐  Submit   ┌──────────┐  committed  ┌───────────┐
	│  (none)  │ ────────▶ │ polling  │ ──────────▶ │ committed │
	└──────────┘           └────┬─────┘             └───────────┘
	                            │ failed            ┌───────────┐
	                            ├─────────────────▶ │  failed   │
	                            │ stale / Cancel    └───────────┘
	                            │                   ┌───────────┐
	                            └─────────────────▶ │ cancelled │
	                                                └───────────┘

Attempts are persisted before polling starts and after every poll, so a
restarted scheduler resumes every attempt still in the polling state:

	s := scheduler.NewScheduler(mgr, runner, scheduler.DefaultConfig())
	if err := s.Start(); err != nil {
		return err
	}
	defer s.Stop()

	attempt, err := s.Submit(req)

# Cadence

With Multiplier at or below 1 every poll waits Interval. Above 1 the delay
after n polls is Interval * Multiplier^n, capped at MaxInterval.

Poll errors other than a stale attempt are recorded on the attempt and
polling continues.
*/
package scheduler
