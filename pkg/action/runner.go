package action

import (
	"context"
	"errors"

	"github.com/cuemby/fleet/pkg/authz"
	"github.com/cuemby/fleet/pkg/events"
	"github.com/cuemby/fleet/pkg/log"
	"github.com/cuemby/fleet/pkg/metrics"
	"github.com/cuemby/fleet/pkg/types"
	"github.com/google/uuid"
)

// Outcome is what Run reports. Result is only set when validation passed
// and execution succeeded.
type Outcome struct {
	Validation ValidationResult
	Result     Result
}

// Runner drives requests through permission check, validation and execution
type Runner struct {
	registry *Registry
	authz    authz.Authorizer
	audit    AuditSink
}

// NewRunner creates a Runner
func NewRunner(registry *Registry, a authz.Authorizer, audit AuditSink) *Runner {
	return &Runner{registry: registry, authz: a, audit: audit}
}

// Run executes req. Denials and rejections are reported in the Outcome;
// the error is reserved for unknown kinds and for failures to read state
// or to execute.
func (r *Runner) Run(ctx context.Context, req Request) (Outcome, error) {
	if req.Params == nil {
		return Outcome{}, errors.New("action request has no parameters")
	}
	kind := req.Params.Kind()
	h, err := r.registry.Lookup(kind)
	if err != nil {
		return Outcome{}, err
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	logger := log.WithComponent("action").With().
		Str("action", string(kind)).
		Str("request_id", req.ID).
		Logger()

	if !req.Internal {
		if err := authz.Check(r.authz, req.UserID, h.Subjects(req)); err != nil {
			metrics.ActionsTotal.WithLabelValues(string(kind), "denied").Inc()
			logger.Warn().Err(err).Str("user_id", req.UserID).Msg("Action denied")
			r.audit.Emit(events.EventActionDenied, map[string]string{
				"Action": string(kind),
				"UserId": req.UserID,
			})
			return Outcome{Validation: Reject(ReasonPermissionDenied, "%v", err)}, nil
		}
	}

	prepared, vr, err := h.Validate(ctx, req)
	if err != nil {
		metrics.ActionsTotal.WithLabelValues(string(kind), "error").Inc()
		logger.Error().Err(err).Msg("Action validation failed")
		return Outcome{}, err
	}
	if !vr.Valid {
		metrics.ActionsTotal.WithLabelValues(string(kind), "invalid").Inc()
		logger.Info().Str("reason", string(vr.Reason)).Str("detail", vr.Detail).Msg("Action rejected")
		return Outcome{Validation: vr}, nil
	}

	timer := metrics.NewTimer()
	res, err := prepared.Execute(ctx)
	timer.ObserveDurationVec(metrics.ActionDuration, string(kind))
	if err != nil {
		metrics.ActionsTotal.WithLabelValues(string(kind), "error").Inc()
		logger.Error().Err(err).Msg("Action failed")
		return Outcome{Validation: vr}, err
	}

	metrics.ActionsTotal.WithLabelValues(string(kind), "ok").Inc()
	logger.Debug().Dur("duration", timer.Duration()).Msg("Action succeeded")
	return Outcome{Validation: vr, Result: res}, nil
}

// Poll runs one merge status poll as an internal action
func (r *Runner) Poll(ctx context.Context, req types.MergeRequest) (types.StepResult, error) {
	out, err := r.Run(ctx, Request{
		ID:       req.AttemptID,
		Internal: true,
		Params:   MergeStatusParams{Request: req},
	})
	if err != nil {
		return types.StepResult{}, err
	}
	if !out.Validation.Valid {
		return types.StepResult{}, &RejectedError{Kind: KindMergeStatus, Validation: out.Validation}
	}
	return *out.Result.Step, nil
}
