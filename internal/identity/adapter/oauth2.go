package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/oauth2"

	"aegis/internal/identity/models"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/secrets"
)

// OAuth2Adapter implements the plain authorization-code flow against
// providers that expose a userinfo endpoint but no OIDC discovery.
type OAuth2Adapter struct {
	cipher *secrets.Cipher
	client *http.Client
}

func NewOAuth2Adapter(cipher *secrets.Cipher, client *http.Client) *OAuth2Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &OAuth2Adapter{cipher: cipher, client: client}
}

func (a *OAuth2Adapter) BuildAuthorizationRequest(_ context.Context, cfg *models.ProviderConfig) (*AuthorizationRequest, error) {
	state, err := secrets.Generate()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate state")
	}
	conf, err := a.oauthConfig(cfg)
	if err != nil {
		return nil, err
	}
	return &AuthorizationRequest{
		URL:   conf.AuthCodeURL(state),
		State: state,
	}, nil
}

func (a *OAuth2Adapter) HandleCallback(ctx context.Context, cfg *models.ProviderConfig, rawResponse url.Values) (*models.NormalizedClaims, error) {
	if errCode := rawResponse.Get("error"); errCode != "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized,
			fmt.Sprintf("provider returned error: %s", errCode))
	}
	code := rawResponse.Get("code")
	if code == "" {
		return nil, dErrors.New(dErrors.CodeInvalidState, "missing authorization code")
	}

	conf, err := a.oauthConfig(cfg)
	if err != nil {
		return nil, err
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, a.client)
	token, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProviderUnreachable, "exchange authorization code")
	}

	attrs, err := a.fetchUserInfo(ctx, cfg, conf, token)
	if err != nil {
		return nil, err
	}
	return normalizeClaims(cfg, attrs)
}

func (a *OAuth2Adapter) fetchUserInfo(ctx context.Context, cfg *models.ProviderConfig, conf *oauth2.Config, token *oauth2.Token) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.UserInfoURL, nil)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build userinfo request")
	}
	resp, err := conf.Client(ctx, token).Do(req)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProviderUnreachable, "fetch userinfo")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, dErrors.New(dErrors.CodeProviderUnreachable,
			fmt.Sprintf("userinfo endpoint returned %d", resp.StatusCode))
	}

	var attrs map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&attrs); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeProviderUnreachable, "decode userinfo")
	}
	return attrs, nil
}

func (a *OAuth2Adapter) oauthConfig(cfg *models.ProviderConfig) (*oauth2.Config, error) {
	secret, err := a.cipher.Decrypt(cfg.ClientSecretEncrypted)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "decrypt client secret")
	}
	scopes := cfg.Scopes
	if len(scopes) == 0 {
		scopes = []string{"openid", "email", "profile"}
	}
	return &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: secret,
		RedirectURL:  cfg.RedirectURL,
		Scopes:       scopes,
		Endpoint: oauth2.Endpoint{
			AuthURL:  cfg.AuthorizationURL,
			TokenURL: cfg.TokenURL,
		},
	}, nil
}

// normalizeClaims applies the tenant's attribute mapping over the raw
// attribute document. Email is mandatory.
func normalizeClaims(cfg *models.ProviderConfig, attrs map[string]any) (*models.NormalizedClaims, error) {
	mapping := cfg.AttributeMapping
	claims := &models.NormalizedClaims{
		Email:     stringAttr(attrs, firstNonEmpty(mapping.Email, "email")),
		FirstName: stringAttr(attrs, firstNonEmpty(mapping.FirstName, "given_name")),
		LastName:  stringAttr(attrs, firstNonEmpty(mapping.LastName, "family_name")),
		Groups:    sliceAttr(attrs, firstNonEmpty(mapping.Groups, "groups")),
	}
	if claims.Email == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "provider response has no email claim")
	}
	claims.Email = strings.ToLower(claims.Email)
	return claims, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func stringAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}

func sliceAttr(attrs map[string]any, key string) []string {
	raw, ok := attrs[key]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		groups := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				groups = append(groups, s)
			}
		}
		return groups
	case string:
		// Some providers collapse a single group to a bare string.
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
