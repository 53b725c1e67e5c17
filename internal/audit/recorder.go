package audit

import (
	"context"
	"log/slog"

	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
)

// Sink receives committed events for out-of-band consumers (cold storage,
// notification service). Sinks are best-effort and must never block Record.
type Sink interface {
	Publish(ctx context.Context, event Event)
}

// Recorder appends audit events synchronously. A store failure propagates to
// the caller so the triggering mutation fails closed instead of losing the
// trail silently.
type Recorder struct {
	store  Store
	sinks  []Sink
	logger *slog.Logger
}

// RecorderOption configures the Recorder.
type RecorderOption func(*Recorder)

// WithSink registers an out-of-band consumer of committed events.
func WithSink(sink Sink) RecorderOption {
	return func(r *Recorder) {
		if sink != nil {
			r.sinks = append(r.sinks, sink)
		}
	}
}

// WithRecorderLogger sets a logger for sink diagnostics.
func WithRecorderLogger(logger *slog.Logger) RecorderOption {
	return func(r *Recorder) {
		r.logger = logger
	}
}

func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Record persists the event and then fans it out to sinks. The store write is
// synchronous and its error is returned; sink delivery never delays or fails
// the caller.
func (r *Recorder) Record(ctx context.Context, event Event) error {
	if event.ID.IsNil() {
		event.ID = id.NewEventID()
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = requestcontext.Now(ctx)
	}
	if err := r.store.Append(ctx, event); err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "audit store unavailable")
	}
	for _, sink := range r.sinks {
		sink.Publish(ctx, event)
	}
	return nil
}

// Search exposes the tenant-scoped query surface. No update or delete exists.
func (r *Recorder) Search(ctx context.Context, q Query) ([]Event, error) {
	if q.TenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant_id is required")
	}
	events, err := r.store.Search(ctx, q)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit store unavailable")
	}
	return events, nil
}
