package health

import (
	"context"
	"fmt"
	"time"
)

// CheckType represents the type of health check
type CheckType string

const (
	CheckTypeGRPC CheckType = "grpc"
	CheckTypeTCP  CheckType = "tcp"
)

// Result represents the outcome of one probe
type Result struct {
	Healthy   bool
	Message   string
	CheckedAt time.Time
	Duration  time.Duration
}

// newResult stamps a probe outcome with its start time and duration
func newResult(start time.Time, healthy bool, format string, args ...any) Result {
	return Result{
		Healthy:   healthy,
		Message:   fmt.Sprintf(format, args...),
		CheckedAt: start,
		Duration:  time.Since(start),
	}
}

// Checker probes one compute node
type Checker interface {
	// Check performs the probe and returns the result
	Check(ctx context.Context) Result

	// Type returns the type of health check
	Type() CheckType
}

// Config contains the probe policy shared by every node
type Config struct {
	// Timeout bounds a single probe
	Timeout time.Duration

	// Retries is the number of consecutive failures before a node is marked down
	Retries int
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		Timeout: 5 * time.Second,
		Retries: 3,
	}
}

// Status tracks the reachability of one node across probes
type Status struct {
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastCheck            time.Time
	LastResult           Result

	// Healthy is false once Retries consecutive probes failed
	Healthy bool
}

// NewStatus creates a Status that assumes the node is reachable
func NewStatus() *Status {
	return &Status{Healthy: true}
}

// Update folds a probe result into the status and reports whether Healthy flipped
func (s *Status) Update(result Result, config Config) bool {
	s.LastCheck = result.CheckedAt
	s.LastResult = result
	was := s.Healthy

	if result.Healthy {
		s.ConsecutiveSuccesses++
		s.ConsecutiveFailures = 0
		s.Healthy = true
	} else {
		s.ConsecutiveFailures++
		s.ConsecutiveSuccesses = 0
		if s.ConsecutiveFailures >= config.Retries {
			s.Healthy = false
		}
	}
	return was != s.Healthy
}
