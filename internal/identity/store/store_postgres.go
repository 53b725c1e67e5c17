package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"aegis/internal/identity/models"
	id "aegis/pkg/domain"
	"aegis/pkg/platform/sentinel"
)

// providerJSON holds everything outside the indexed columns, including the
// encrypted secret (the ciphertext is safe to persist as-is).
type providerJSON struct {
	ClientID              string                  `json:"client_id,omitempty"`
	ClientSecretEncrypted string                  `json:"client_secret_encrypted,omitempty"`
	AuthorizationURL      string                  `json:"authorization_url,omitempty"`
	TokenURL              string                  `json:"token_url,omitempty"`
	UserInfoURL           string                  `json:"userinfo_url,omitempty"`
	IssuerURL             string                  `json:"issuer_url,omitempty"`
	RedirectURL           string                  `json:"redirect_url,omitempty"`
	Scopes                []string                `json:"scopes,omitempty"`
	IDPMetadataURL        string                  `json:"idp_metadata_url,omitempty"`
	IDPSSOURL             string                  `json:"idp_sso_url,omitempty"`
	IDPCertificate        string                  `json:"idp_certificate,omitempty"`
	SPEntityID            string                  `json:"sp_entity_id,omitempty"`
	AttributeMapping      models.AttributeMapping `json:"attribute_mapping"`
	AllowedDomains        []string                `json:"allowed_domains,omitempty"`
	DefaultRole           string                  `json:"default_role"`
	GroupMappings         []models.GroupMapping   `json:"group_mappings,omitempty"`
}

type PostgresProviderStore struct {
	db *sql.DB
}

func NewPostgresProviderStore(db *sql.DB) *PostgresProviderStore {
	return &PostgresProviderStore{db: db}
}

func (s *PostgresProviderStore) Create(ctx context.Context, cfg *models.ProviderConfig) error {
	payload, err := json.Marshal(toProviderJSON(cfg))
	if err != nil {
		return fmt.Errorf("marshal provider config: %w", err)
	}
	query := `
		INSERT INTO identity_providers (id, tenant_id, name, provider_type, config, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err = s.db.ExecContext(ctx, query,
		cfg.ID.String(), cfg.TenantID.String(), cfg.Name, string(cfg.Type),
		payload, cfg.CreatedAt, cfg.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return sentinel.ErrConflict
		}
		return fmt.Errorf("insert provider config: %w", err)
	}
	return nil
}

func (s *PostgresProviderStore) FindByID(ctx context.Context, providerID id.ProviderID) (*models.ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, name, provider_type, config, created_at, updated_at
		FROM identity_providers WHERE id = $1`
	return scanProvider(s.db.QueryRowContext(ctx, query, providerID.String()))
}

func (s *PostgresProviderStore) FindByName(ctx context.Context, tenantID id.TenantID, name string) (*models.ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, name, provider_type, config, created_at, updated_at
		FROM identity_providers WHERE tenant_id = $1 AND name = $2`
	return scanProvider(s.db.QueryRowContext(ctx, query, tenantID.String(), name))
}

func (s *PostgresProviderStore) ListByTenant(ctx context.Context, tenantID id.TenantID) ([]*models.ProviderConfig, error) {
	query := `
		SELECT id, tenant_id, name, provider_type, config, created_at, updated_at
		FROM identity_providers WHERE tenant_id = $1 ORDER BY name`
	rows, err := s.db.QueryContext(ctx, query, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("list provider configs: %w", err)
	}
	defer rows.Close()

	var configs []*models.ProviderConfig
	for rows.Next() {
		cfg, err := scanProvider(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}

func (s *PostgresProviderStore) Delete(ctx context.Context, providerID id.ProviderID) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_providers WHERE id = $1`, providerID.String())
	if err != nil {
		return fmt.Errorf("delete provider config: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete provider config rows affected: %w", err)
	}
	if affected == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

func (s *PostgresProviderStore) DeleteByTenant(ctx context.Context, tenantID id.TenantID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM identity_providers WHERE tenant_id = $1`, tenantID.String())
	if err != nil {
		return fmt.Errorf("delete tenant provider configs: %w", err)
	}
	return nil
}

func toProviderJSON(cfg *models.ProviderConfig) providerJSON {
	return providerJSON{
		ClientID:              cfg.ClientID,
		ClientSecretEncrypted: cfg.ClientSecretEncrypted,
		AuthorizationURL:      cfg.AuthorizationURL,
		TokenURL:              cfg.TokenURL,
		UserInfoURL:           cfg.UserInfoURL,
		IssuerURL:             cfg.IssuerURL,
		RedirectURL:           cfg.RedirectURL,
		Scopes:                cfg.Scopes,
		IDPMetadataURL:        cfg.IDPMetadataURL,
		IDPSSOURL:             cfg.IDPSSOURL,
		IDPCertificate:        cfg.IDPCertificate,
		SPEntityID:            cfg.SPEntityID,
		AttributeMapping:      cfg.AttributeMapping,
		AllowedDomains:        cfg.AllowedDomains,
		DefaultRole:           cfg.DefaultRole,
		GroupMappings:         cfg.GroupMappings,
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProvider(row rowScanner) (*models.ProviderConfig, error) {
	var (
		cfg          models.ProviderConfig
		rawID        string
		rawTenantID  string
		providerType string
		payload      []byte
	)
	err := row.Scan(&rawID, &rawTenantID, &cfg.Name, &providerType, &payload,
		&cfg.CreatedAt, &cfg.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan provider config: %w", err)
	}

	cfg.ID, err = id.ParseProviderID(rawID)
	if err != nil {
		return nil, fmt.Errorf("parse provider id: %w", err)
	}
	cfg.TenantID, err = id.ParseTenantID(rawTenantID)
	if err != nil {
		return nil, fmt.Errorf("parse tenant id: %w", err)
	}
	cfg.Type = models.ProviderType(providerType)

	var j providerJSON
	if err := json.Unmarshal(payload, &j); err != nil {
		return nil, fmt.Errorf("unmarshal provider config: %w", err)
	}
	cfg.ClientID = j.ClientID
	cfg.ClientSecretEncrypted = j.ClientSecretEncrypted
	cfg.AuthorizationURL = j.AuthorizationURL
	cfg.TokenURL = j.TokenURL
	cfg.UserInfoURL = j.UserInfoURL
	cfg.IssuerURL = j.IssuerURL
	cfg.RedirectURL = j.RedirectURL
	cfg.Scopes = j.Scopes
	cfg.IDPMetadataURL = j.IDPMetadataURL
	cfg.IDPSSOURL = j.IDPSSOURL
	cfg.IDPCertificate = j.IDPCertificate
	cfg.SPEntityID = j.SPEntityID
	cfg.AttributeMapping = j.AttributeMapping
	cfg.AllowedDomains = j.AllowedDomains
	cfg.DefaultRole = j.DefaultRole
	cfg.GroupMappings = j.GroupMappings
	return &cfg, nil
}
