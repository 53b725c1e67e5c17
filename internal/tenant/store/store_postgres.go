package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"aegis/internal/tenant/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
	txcontext "aegis/pkg/platform/tx"
)

// PostgresTenantStore persists tenants in PostgreSQL. Slug uniqueness is
// enforced by the unique index so concurrent creates cannot race past the
// availability check.
type PostgresTenantStore struct {
	db *sql.DB
}

func NewPostgresTenantStore(db *sql.DB) *PostgresTenantStore {
	return &PostgresTenantStore{db: db}
}

const tenantColumns = "id, name, slug, plan, status, residency, created_at, updated_at"

type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// execer joins a caller-owned transaction when the context carries one.
func (s *PostgresTenantStore) execer(ctx context.Context) dbExecutor {
	if tx, ok := txcontext.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresTenantStore) CreateIfSlugAvailable(ctx context.Context, t *models.Tenant) error {
	query := `
		INSERT INTO tenants (id, name, slug, plan, status, residency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := s.execer(ctx).ExecContext(ctx, query,
		uuid.UUID(t.ID), t.Name, t.Slug, string(t.Plan), string(t.Status), string(t.Residency),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("create tenant: %w", err)
	}
	return nil
}

func (s *PostgresTenantStore) FindByID(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE id = $1", uuid.UUID(tenantID))
	return scanTenant(row)
}

func (s *PostgresTenantStore) FindBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	row := s.execer(ctx).QueryRowContext(ctx,
		"SELECT "+tenantColumns+" FROM tenants WHERE slug = $1", slug)
	return scanTenant(row)
}

func (s *PostgresTenantStore) Update(ctx context.Context, t *models.Tenant) error {
	res, err := s.execer(ctx).ExecContext(ctx, `
		UPDATE tenants SET name = $2, plan = $3, status = $4, updated_at = $5 WHERE id = $1
	`, uuid.UUID(t.ID), t.Name, string(t.Plan), string(t.Status), t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update tenant: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresTenantStore) List(ctx context.Context) ([]*models.Tenant, error) {
	rows, err := s.execer(ctx).QueryContext(ctx, "SELECT "+tenantColumns+" FROM tenants ORDER BY created_at")
	if err != nil {
		return nil, fmt.Errorf("list tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*models.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*models.Tenant, error) {
	var (
		t        models.Tenant
		tenantID uuid.UUID
	)
	err := row.Scan(&tenantID, &t.Name, &t.Slug, &t.Plan, &t.Status, &t.Residency, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, fmt.Errorf("scan tenant: %w", err)
	}
	t.ID = id.TenantID(tenantID)
	return &t, nil
}
