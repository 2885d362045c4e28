package service

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"rollcall/internal/lifecycle/models"
	"rollcall/pkg/platform/sentinel"
)

func newUUID() string {
	return uuid.NewString()
}

// isTransient reports whether the outcome of a call is unknown and the call may
// be repeated. A timeout is never taken as proof the remote write did not happen.
func isTransient(err error) bool {
	return errors.Is(err, sentinel.ErrUnavailable) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (s *Service) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.backoffInitial
	b.MaxInterval = maxBackoffInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.maxAttempts-1)), ctx)
}

// call runs fn as one traced external step. Each attempt gets its own timeout;
// transient failures are retried with exponential backoff, anything else stops
// immediately.
func (s *Service) call(ctx context.Context, ex *execution, step models.StepName, fn func(context.Context) error) error {
	ctx, span := s.tracer.Start(ctx, "lifecycle."+string(step),
		trace.WithAttributes(
			attribute.String("lifecycle.operation_id", ex.op.ID),
			attribute.String("lifecycle.kind", string(ex.op.Kind)),
			attribute.String("lifecycle.step", string(step)),
		))
	defer span.End()

	start := time.Now()
	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.stepTimeout)
		defer cancel()

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() == nil && (isTransient(err) || errors.Is(callCtx.Err(), context.DeadlineExceeded)) {
			s.metrics.IncrementRetry(string(ex.op.Kind), string(step))
			s.logger.WarnContext(ctx, "lifecycle step failed transiently",
				append(ex.logAttrs(), "step", step, "attempt", attempt, "error", err)...)
			return err
		}
		return backoff.Permanent(err)
	}, s.newBackOff(ctx))

	s.metrics.ObserveStep(string(ex.op.Kind), string(step), err, time.Since(start))
	span.SetAttributes(attribute.Int("lifecycle.attempts", attempt))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "step failed")
	}
	return err
}
