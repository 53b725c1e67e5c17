package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	id "aegis/pkg/domain"
	txcontext "aegis/pkg/platform/tx"
)

// PostgresStore persists audit events in PostgreSQL. The table carries no
// UPDATE or DELETE paths; the only writers are Append and the external
// retention job.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore constructs a PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// execer lets Append join a mutation's transaction when the context carries
// one, so the event and the row it describes commit together.
func (s *PostgresStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Append(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event.Payload)
	if err != nil {
		return fmt.Errorf("marshal audit payload: %w", err)
	}
	var actor any
	if event.ActorUserID != nil {
		actor = uuid.UUID(*event.ActorUserID)
	}
	query := `
		INSERT INTO audit_events (id, tenant_id, actor_user_id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err = s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(event.ID),
		uuid.UUID(event.TenantID),
		actor,
		string(event.Type),
		payload,
		event.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *PostgresStore) Search(ctx context.Context, q Query) ([]Event, error) {
	query := `
		SELECT id, tenant_id, actor_user_id, event_type, payload, occurred_at
		FROM audit_events
		WHERE tenant_id = $1
	`
	args := []any{uuid.UUID(q.TenantID)}
	if !q.From.IsZero() {
		args = append(args, q.From)
		query += fmt.Sprintf(" AND occurred_at >= $%d", len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		query += fmt.Sprintf(" AND occurred_at <= $%d", len(args))
	}
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		args = append(args, types)
		query += fmt.Sprintf(" AND event_type = ANY($%d)", len(args))
	}
	query += " ORDER BY occurred_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search audit events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e        Event
			eventID  uuid.UUID
			tenantID uuid.UUID
			actor    *uuid.UUID
			payload  []byte
		)
		if err := rows.Scan(&eventID, &tenantID, &actor, &e.Type, &payload, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		e.ID = id.EventID(eventID)
		e.TenantID = id.TenantID(tenantID)
		if actor != nil {
			userID := id.UserID(*actor)
			e.ActorUserID = &userID
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal audit payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
