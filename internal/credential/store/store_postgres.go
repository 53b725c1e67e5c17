package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"aegis/internal/credential/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

type PostgresUserStore struct {
	db *sql.DB
}

func NewPostgresUserStore(db *sql.DB) *PostgresUserStore {
	return &PostgresUserStore{db: db}
}

const userColumns = `id, tenant_id, email, password_hash, role, status,
	failed_login_count, locked_until, created_at, updated_at`

func (s *PostgresUserStore) Create(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (` + userColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := s.db.ExecContext(ctx, query,
		user.ID.String(), user.TenantID.String(), user.Email,
		nullIfEmpty(user.PasswordHash), user.Role, string(user.Status),
		user.FailedLoginCount, user.LockedUntil, user.CreatedAt, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *PostgresUserStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(s.db.QueryRowContext(ctx, query, userID.String()))
}

func (s *PostgresUserStore) FindByEmail(ctx context.Context, tenantID id.TenantID, email string) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE tenant_id = $1 AND lower(email) = lower($2)`
	return scanUser(s.db.QueryRowContext(ctx, query, tenantID.String(), email))
}

func (s *PostgresUserStore) Update(ctx context.Context, user *models.User) error {
	query := `
		UPDATE users
		SET email = $2, password_hash = $3, role = $4, status = $5,
			failed_login_count = $6, locked_until = $7, updated_at = $8
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, query,
		user.ID.String(), user.Email, nullIfEmpty(user.PasswordHash),
		user.Role, string(user.Status), user.FailedLoginCount,
		user.LockedUntil, user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("update user: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresUserStore) CountByTenant(ctx context.Context, tenantID id.TenantID) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM users WHERE tenant_id = $1`, tenantID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		user         models.User
		rawID        string
		rawTenantID  string
		passwordHash sql.NullString
		status       string
		lockedUntil  sql.NullTime
	)
	err := row.Scan(&rawID, &rawTenantID, &user.Email, &passwordHash, &user.Role,
		&status, &user.FailedLoginCount, &lockedUntil, &user.CreatedAt, &user.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}

	user.ID, err = id.ParseUserID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	user.TenantID, err = id.ParseTenantID(rawTenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	user.PasswordHash = passwordHash.String
	user.Status = models.UserStatus(status)
	if lockedUntil.Valid {
		t := lockedUntil.Time.In(time.UTC)
		user.LockedUntil = &t
	}
	return &user, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// PostgresMFAStore persists TOTP enrollments in PostgreSQL. Backup code
// hashes live in a jsonb array so a single code can be spent with one
// conditional UPDATE.
type PostgresMFAStore struct {
	db *sql.DB
}

func NewPostgresMFAStore(db *sql.DB) *PostgresMFAStore {
	return &PostgresMFAStore{db: db}
}

func (s *PostgresMFAStore) Upsert(ctx context.Context, cred *models.MFACredential) error {
	hashes, err := json.Marshal(cred.BackupCodeHashes)
	if err != nil {
		return fmt.Errorf("marshal backup code hashes: %w", err)
	}
	query := `
		INSERT INTO mfa_credentials
			(user_id, tenant_id, status, secret_encrypted, backup_code_hashes, enrolled_at, activated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			status = EXCLUDED.status,
			secret_encrypted = EXCLUDED.secret_encrypted,
			backup_code_hashes = EXCLUDED.backup_code_hashes,
			enrolled_at = EXCLUDED.enrolled_at,
			activated_at = EXCLUDED.activated_at`
	_, err = s.db.ExecContext(ctx, query,
		cred.UserID.String(), cred.TenantID.String(), string(cred.Status),
		cred.SecretEncrypted, hashes, cred.EnrolledAt, cred.ActivatedAt)
	if err != nil {
		return fmt.Errorf("upsert mfa credential: %w", err)
	}
	return nil
}

func (s *PostgresMFAStore) Find(ctx context.Context, userID id.UserID) (*models.MFACredential, error) {
	query := `
		SELECT user_id, tenant_id, status, secret_encrypted, backup_code_hashes, enrolled_at, activated_at
		FROM mfa_credentials WHERE user_id = $1`
	var (
		cred        models.MFACredential
		rawUserID   string
		rawTenantID string
		status      string
		hashes      []byte
		activatedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, query, userID.String()).Scan(
		&rawUserID, &rawTenantID, &status, &cred.SecretEncrypted, &hashes,
		&cred.EnrolledAt, &activatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan mfa credential: %w", err)
	}

	cred.UserID, err = id.ParseUserID(rawUserID)
	if err != nil {
		return nil, fmt.Errorf("parse user id: %w", err)
	}
	cred.TenantID, err = id.ParseTenantID(rawTenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	cred.Status = models.MFAStatus(status)
	if err := json.Unmarshal(hashes, &cred.BackupCodeHashes); err != nil {
		return nil, fmt.Errorf("unmarshal backup code hashes: %w", err)
	}
	if activatedAt.Valid {
		t := activatedAt.Time.In(time.UTC)
		cred.ActivatedAt = &t
	}
	return &cred, nil
}

func (s *PostgresMFAStore) Delete(ctx context.Context, userID id.UserID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM mfa_credentials WHERE user_id = $1`, userID.String())
	if err != nil {
		return fmt.Errorf("delete mfa credential: %w", err)
	}
	return nil
}

// ConsumeBackupCode spends a hash with one conditional UPDATE. The WHERE
// clause only matches while the hash is still present, so the row flips at
// most once however many workers present the same code.
func (s *PostgresMFAStore) ConsumeBackupCode(ctx context.Context, userID id.UserID, hash string) (int, error) {
	query := `
		UPDATE mfa_credentials
		SET backup_code_hashes = backup_code_hashes - $2
		WHERE user_id = $1 AND backup_code_hashes ? $2
		RETURNING jsonb_array_length(backup_code_hashes)`
	var remaining int
	err := s.db.QueryRowContext(ctx, query, userID.String(), hash).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, sentinel.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("consume backup code: %w", err)
	}
	return remaining, nil
}
