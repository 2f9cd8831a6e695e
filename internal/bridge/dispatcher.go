package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"tabbridge/internal/logging"
	"tabbridge/internal/metrics"
	"tabbridge/internal/protocol"
)

const (
	DefaultCallTimeout = 30 * time.Second
	invokeSpanName     = "bridge.invoke"
)

// Dispatcher sends one call to one peer and waits for its answer.
type Dispatcher struct {
	registry       *Registry
	defaultTimeout time.Duration
	logger         *logging.Logger
	metrics        *metrics.Registry
}

func NewDispatcher(registry *Registry, defaultTimeout time.Duration, logger *logging.Logger, registryMetrics *metrics.Registry) *Dispatcher {
	if defaultTimeout <= 0 {
		defaultTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	if registryMetrics == nil {
		registryMetrics = metrics.Default
	}
	return &Dispatcher{
		registry:       registry,
		defaultTimeout: defaultTimeout,
		logger:         logger,
		metrics:        registryMetrics,
	}
}

func (d *Dispatcher) DefaultTimeout() time.Duration {
	return d.defaultTimeout
}

// Invoke runs operation on the peer chosen by target and returns the peer's
// result. A non-positive timeout uses the dispatcher default.
func (d *Dispatcher) Invoke(ctx context.Context, target, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	if IsLatest(target) {
		target = SelectorLatest
	}

	started := time.Now()
	ctx, span := otelapi.Tracer("tabbridge/bridge").Start(ctx, invokeSpanName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("bridge.operation", operation),
			attribute.String("bridge.target", target),
			attribute.String("bridge.timeout", timeout.String()),
		),
	)
	defer span.End()

	result, peerID, err := d.invoke(ctx, target, operation, args, timeout)

	outcome := outcomeFor(err)
	d.metrics.RecordCall(outcome, time.Since(started))
	span.SetAttributes(attribute.String("bridge.outcome", outcome))
	if peerID != "" {
		span.SetAttributes(attribute.String("peer.id", peerID))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
	}
	return result, err
}

func (d *Dispatcher) invoke(ctx context.Context, target, operation string, args json.RawMessage, timeout time.Duration) (json.RawMessage, string, error) {
	session, err := d.registry.Select(target)
	if err != nil {
		return nil, "", err
	}

	callID := newCallID()
	call, err := session.calls.register(callID, operation)
	if err != nil {
		return nil, session.id, err
	}
	fields := map[string]string{
		logging.FieldPeerID: session.id,
		logging.FieldCallID: callID,
		"operation":         operation,
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}

	// The deadline covers waiting for queue room and waiting for the reply.
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := session.SendContext(waitCtx, protocol.CallRequest{Method: operation, Params: args, ID: callID}); err != nil {
		session.calls.fail(callID, sendFailure(ctx, session.id, operation, timeout, err))
		d.logger.Warn("call send failed", withError(fields, err))
		<-call.done
		_, failure := call.outcome()
		return nil, session.id, failure
	}
	d.logger.Debug("call dispatched", fields)

	select {
	case <-call.done:
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			session.calls.fail(callID, ctx.Err())
		} else if session.calls.fail(callID, &TimeoutError{Operation: operation, After: timeout}) {
			d.logger.Warn("call timed out", fields)
		}
	}

	<-call.done
	result, err := call.outcome()
	return result, session.id, err
}

// sendFailure classifies an error from handing a call to its peer. Only a
// peer that is gone counts as a disconnect.
func sendFailure(ctx context.Context, peerID, operation string, timeout time.Duration, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, ErrSendQueueFull):
		return &QueueFullError{PeerID: peerID, Operation: operation, After: timeout}
	default:
		return fmt.Errorf("%w: %w", ErrPeerDisconnected, err)
	}
}

func outcomeFor(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, ErrPeerReported):
		return metrics.OutcomePeerError
	case errors.Is(err, ErrSendQueueFull):
		return metrics.OutcomeQueueFull
	case errors.Is(err, ErrTimeout):
		return metrics.OutcomeTimeout
	case errors.Is(err, ErrNoTarget):
		return metrics.OutcomeNoTarget
	case errors.Is(err, ErrPeerDisconnected):
		return metrics.OutcomeDisconnected
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeCancelled
	default:
		return "error"
	}
}

func withError(fields map[string]string, err error) map[string]string {
	merged := make(map[string]string, len(fields)+1)
	for key, value := range fields {
		merged[key] = value
	}
	merged["error"] = err.Error()
	return merged
}
