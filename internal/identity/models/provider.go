package models

import (
	"time"

	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
)

type ProviderType string

const (
	ProviderOAuth2 ProviderType = "oauth2"
	ProviderOIDC   ProviderType = "oidc"
	ProviderSAML   ProviderType = "saml"
)

func (p ProviderType) Valid() bool {
	switch p {
	case ProviderOAuth2, ProviderOIDC, ProviderSAML:
		return true
	}
	return false
}

// AttributeMapping names the provider-side attributes that feed each
// normalized claim. Empty fields fall back to the adapter's defaults.
type AttributeMapping struct {
	Email     string `json:"email,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Groups    string `json:"groups,omitempty"`
}

// GroupMapping assigns a role when the provider reports an exact group
// match. Rules are evaluated in order; the first match wins.
type GroupMapping struct {
	Group string `json:"group"`
	Role  string `json:"role"`
}

// ProviderConfig is one tenant's connection to an external identity
// provider. Secret material (client secret, certificates) is encrypted
// before it reaches a store.
type ProviderConfig struct {
	ID       id.ProviderID `json:"id"`
	TenantID id.TenantID   `json:"tenant_id"`
	Name     string        `json:"name"`
	Type     ProviderType  `json:"type"`

	ClientID              string `json:"client_id,omitempty"`
	ClientSecretEncrypted string `json:"-"`
	AuthorizationURL      string `json:"authorization_url,omitempty"`
	TokenURL              string `json:"token_url,omitempty"`
	UserInfoURL           string `json:"userinfo_url,omitempty"`
	IssuerURL             string `json:"issuer_url,omitempty"`
	RedirectURL           string `json:"redirect_url,omitempty"`
	Scopes                []string `json:"scopes,omitempty"`

	// SAML-only fields. The IdP certificate is public key material and is
	// stored as given.
	IDPMetadataURL string `json:"idp_metadata_url,omitempty"`
	IDPSSOURL      string `json:"idp_sso_url,omitempty"`
	IDPCertificate string `json:"idp_certificate,omitempty"`
	SPEntityID     string `json:"sp_entity_id,omitempty"`

	AttributeMapping AttributeMapping `json:"attribute_mapping"`
	AllowedDomains   []string         `json:"allowed_domains,omitempty"`
	DefaultRole      string           `json:"default_role"`
	GroupMappings    []GroupMapping   `json:"group_mappings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *ProviderConfig) Validate() error {
	if c.Name == "" {
		return dErrors.New(dErrors.CodeValidation, "provider name is required")
	}
	if !c.Type.Valid() {
		return dErrors.New(dErrors.CodeValidation, "unknown provider type: "+string(c.Type))
	}
	if c.DefaultRole == "" {
		return dErrors.New(dErrors.CodeValidation, "default role is required")
	}
	switch c.Type {
	case ProviderOAuth2:
		if c.ClientID == "" || c.AuthorizationURL == "" || c.TokenURL == "" || c.UserInfoURL == "" {
			return dErrors.New(dErrors.CodeValidation, "oauth2 provider requires client id, authorization, token and userinfo URLs")
		}
	case ProviderOIDC:
		if c.ClientID == "" || c.IssuerURL == "" {
			return dErrors.New(dErrors.CodeValidation, "oidc provider requires client id and issuer URL")
		}
	case ProviderSAML:
		if c.IDPSSOURL == "" || c.IDPCertificate == "" || c.SPEntityID == "" {
			return dErrors.New(dErrors.CodeValidation, "saml provider requires sso URL, certificate and sp entity id")
		}
	}
	return nil
}

// NormalizedClaims is the provider-independent identity extracted from a
// callback. Email is the join key for provisioning and is always present.
type NormalizedClaims struct {
	Email     string
	FirstName string
	LastName  string
	Groups    []string
}
