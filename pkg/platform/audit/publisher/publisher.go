// Package publisher emits audit events to a primary store, optionally through an
// async buffer, falling back to a secondary store while the primary is unhealthy.
package publisher

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	audit "rollcall/pkg/platform/audit"
	"rollcall/pkg/platform/audit/worker"
	"rollcall/pkg/platform/circuit"
	"rollcall/pkg/requestcontext"
)

var ErrBufferFull = errors.New("audit buffer full")

type Publisher struct {
	store    audit.Store
	fallback audit.Store
	breaker  *circuit.Breaker
	logger   *slog.Logger

	bufferSize int
	inbox      chan audit.Event
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
	closed     bool
}

type Option func(*Publisher)

// WithAsyncBuffer makes Emit enqueue events for a background worker.
func WithAsyncBuffer(size int) Option {
	return func(p *Publisher) {
		p.bufferSize = size
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithFallback routes events to store while the breaker is open.
func WithFallback(store audit.Store, breaker *circuit.Breaker) Option {
	return func(p *Publisher) {
		p.fallback = store
		p.breaker = breaker
	}
}

func NewPublisher(store audit.Store, opts ...Option) *Publisher {
	p := &Publisher{store: store, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(p)
	}
	if p.fallback != nil && p.breaker == nil {
		p.breaker = circuit.New("audit")
	}
	if p.bufferSize > 0 {
		p.inbox = make(chan audit.Event, p.bufferSize)
		p.done = make(chan struct{})
		w := worker.NewWorker(storeFunc(p.Append), p.inbox, p.logger)
		go func() {
			defer close(p.done)
			_ = w.Run(context.Background())
		}()
	}
	return p
}

// Emit stamps the event and persists or enqueues it. In async mode a full
// buffer drops the event with ErrBufferFull.
func (p *Publisher) Emit(ctx context.Context, event audit.Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = requestcontext.Now(ctx)
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Category == "" {
		event.Category = audit.AuditEvent(event.Action).Category()
	}
	if p.inbox == nil {
		return p.Append(ctx, event)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return p.Append(ctx, event)
	}
	select {
	case p.inbox <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		p.logger.WarnContext(ctx, "audit buffer full, dropping event",
			"action", event.Action,
			"operation_id", event.OperationID,
		)
		return ErrBufferFull
	}
}

// Append writes synchronously to the primary store, or to the fallback while
// the breaker is open.
func (p *Publisher) Append(ctx context.Context, event audit.Event) error {
	if p.breaker == nil {
		return p.store.Append(ctx, event)
	}
	if !p.breaker.Allow() {
		return p.fallback.Append(ctx, event)
	}
	if err := p.store.Append(ctx, event); err != nil {
		useFallback, change := p.breaker.RecordFailure()
		if change.Opened {
			p.logger.ErrorContext(ctx, "audit store circuit opened", "error", err)
		}
		if useFallback {
			return p.fallback.Append(ctx, event)
		}
		return err
	}
	if _, change := p.breaker.RecordSuccess(); change.Closed {
		p.logger.InfoContext(ctx, "audit store circuit closed")
	}
	return nil
}

// Close drains buffered events and stops the worker.
func (p *Publisher) Close() error {
	if p.inbox == nil {
		return nil
	}
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.inbox)
		p.mu.Unlock()
		<-p.done
	})
	return nil
}

type storeFunc func(context.Context, audit.Event) error

func (f storeFunc) Append(ctx context.Context, e audit.Event) error { return f(ctx, e) }
