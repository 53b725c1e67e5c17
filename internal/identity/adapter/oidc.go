package adapter

import (
	"context"
	"net/http"
	"net/url"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"aegis/internal/identity/models"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/secrets"
)

// OIDCAdapter layers discovery and ID token verification on top of the
// authorization-code flow. Signature, audience and issuer checks all happen
// inside the go-oidc verifier.
type OIDCAdapter struct {
	cipher *secrets.Cipher
	client *http.Client
}

func NewOIDCAdapter(cipher *secrets.Cipher, client *http.Client) *OIDCAdapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OIDCAdapter{cipher: cipher, client: client}
}

func (a *OIDCAdapter) BuildAuthorizationRequest(ctx context.Context, cfg *models.ProviderConfig) (*AuthorizationRequest, error) {
	state, err := secrets.Generate()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate state")
	}

	_, conf, err := a.discover(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &AuthorizationRequest{
		URL:   conf.AuthCodeURL(state, gooidc.Nonce(state)),
		State: state,
	}, nil
}

func (a *OIDCAdapter) HandleCallback(ctx context.Context, cfg *models.ProviderConfig, rawResponse url.Values) (*models.NormalizedClaims, error) {
	if errCode := rawResponse.Get("error"); errCode != "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "provider returned error: "+errCode)
	}
	code := rawResponse.Get("code")
	if code == "" {
		return nil, dErrors.New(dErrors.CodeInvalidState, "missing authorization code")
	}

	provider, conf, err := a.discover(ctx, cfg)
	if err != nil {
		return nil, err
	}

	ctx = gooidc.ClientContext(ctx, a.client)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProviderUnreachable, "exchange authorization code")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, dErrors.New(dErrors.CodeSignatureInvalid, "token response has no id_token")
	}
	verifier := provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID})
	idToken, err := verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSignatureInvalid, "verify id token")
	}

	var attrs map[string]any
	if err := idToken.Claims(&attrs); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "decode id token claims")
	}
	return normalizeClaims(cfg, attrs)
}

func (a *OIDCAdapter) discover(ctx context.Context, cfg *models.ProviderConfig) (*gooidc.Provider, *oauth2.Config, error) {
	ctx = gooidc.ClientContext(ctx, a.client)
	provider, err := gooidc.NewProvider(ctx, cfg.IssuerURL)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeProviderUnreachable, "oidc discovery")
	}

	secret, err := a.cipher.Decrypt(cfg.ClientSecretEncrypted)
	if err != nil {
		return nil, nil, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt client secret")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{gooidc.ScopeOpenID, "email", "profile"}
	}
	conf := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint:     provider.Endpoint(),
	}
	return provider, conf, nil
}
