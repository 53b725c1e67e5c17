package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
)

type failingStore struct{}

func (failingStore) Append(context.Context, Event) error { return errors.New("disk on fire") }
func (failingStore) Search(context.Context, Query) ([]Event, error) {
	return nil, errors.New("disk on fire")
}

type capturingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *capturingSink) Publish(_ context.Context, event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func TestRecordFillsIDAndTimestamp(t *testing.T) {
	store := NewInMemoryStore()
	recorder := NewRecorder(store)

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx := requestcontext.WithNow(context.Background(), now)
	tenantID := id.NewTenantID()

	if err := recorder.Record(ctx, Event{TenantID: tenantID, Type: EventTenantCreated}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := recorder.Search(ctx, Query{TenantID: tenantID})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].ID.IsNil() {
		t.Fatalf("expected event ID to be assigned")
	}
	if !events[0].OccurredAt.Equal(now) {
		t.Fatalf("expected occurred_at %v, got %v", now, events[0].OccurredAt)
	}
}

func TestRecordFailsClosedOnStoreError(t *testing.T) {
	recorder := NewRecorder(failingStore{})

	err := recorder.Record(context.Background(), Event{TenantID: id.NewTenantID(), Type: EventLoginSucceeded})
	if err == nil {
		t.Fatalf("expected store failure to propagate")
	}
	if !dErrors.HasCode(err, dErrors.CodeUnavailable) {
		t.Fatalf("expected unavailable code, got %v", err)
	}
}

func TestRecordFansOutToSinksAfterCommit(t *testing.T) {
	sink := &capturingSink{}
	recorder := NewRecorder(NewInMemoryStore(), WithSink(sink))
	tenantID := id.NewTenantID()

	if err := recorder.Record(context.Background(), Event{TenantID: tenantID, Type: EventQuotaExceeded}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if len(sink.events) != 1 {
		t.Fatalf("expected sink to see 1 event, got %d", len(sink.events))
	}

	// A failed store write must not reach sinks.
	failRecorder := NewRecorder(failingStore{}, WithSink(sink))
	_ = failRecorder.Record(context.Background(), Event{TenantID: tenantID, Type: EventQuotaExceeded})
	if len(sink.events) != 1 {
		t.Fatalf("sink must not receive events the store rejected")
	}
}

func TestSearchIsTenantScoped(t *testing.T) {
	recorder := NewRecorder(NewInMemoryStore())
	ctx := context.Background()
	tenantA := id.NewTenantID()
	tenantB := id.NewTenantID()

	for _, tenantID := range []id.TenantID{tenantA, tenantA, tenantB} {
		if err := recorder.Record(ctx, Event{TenantID: tenantID, Type: EventUserCreated}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	events, err := recorder.Search(ctx, Query{TenantID: tenantA})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected only tenant A events, got %d", len(events))
	}
	for _, e := range events {
		if e.TenantID != tenantA {
			t.Fatalf("tenant B event leaked into tenant A query")
		}
	}

	if _, err := recorder.Search(ctx, Query{}); err == nil {
		t.Fatalf("expected search without tenant to be rejected")
	}
}

func TestSearchFiltersByTimeAndType(t *testing.T) {
	recorder := NewRecorder(NewInMemoryStore())
	tenantID := id.NewTenantID()
	base := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	ctx := requestcontext.WithNow(context.Background(), base)
	if err := recorder.Record(ctx, Event{TenantID: tenantID, Type: EventLoginFailed}); err != nil {
		t.Fatalf("record: %v", err)
	}
	ctx = requestcontext.WithNow(context.Background(), base.Add(2*time.Hour))
	if err := recorder.Record(ctx, Event{TenantID: tenantID, Type: EventLoginSucceeded}); err != nil {
		t.Fatalf("record: %v", err)
	}

	events, err := recorder.Search(context.Background(), Query{
		TenantID: tenantID,
		From:     base.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventLoginSucceeded {
		t.Fatalf("expected the later login_succeeded event, got %v", events)
	}

	events, err = recorder.Search(context.Background(), Query{
		TenantID: tenantID,
		Types:    []EventType{EventLoginFailed},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(events) != 1 || events[0].Type != EventLoginFailed {
		t.Fatalf("expected only login_failed events, got %v", events)
	}
}
