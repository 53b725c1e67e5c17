package adapter

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"net/url"
	"strings"
	"time"

	saml2 "github.com/russellhaering/gosaml2"
	dsig "github.com/russellhaering/goxmldsig"

	"aegis/internal/identity/models"
	"aegis/internal/platform/replay"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/requestcontext"
	"aegis/pkg/secrets"
)

// defaultAssertionReplayTTL bounds the replay cache entry when the
// assertion carries no usable NotOnOrAfter.
const defaultAssertionReplayTTL = 5 * time.Minute

// assertionVerifier isolates the cryptographic validation of a SAML
// response so the claim normalization and failure mapping stay testable
// without minting signed XML.
type assertionVerifier interface {
	Verify(ctx context.Context, cfg *models.ProviderConfig, samlResponse string) (*saml2.AssertionInfo, error)
}

// SAMLAdapter validates IdP-initiated and SP-initiated SAML responses.
// Signature verification uses the certificate pinned in the provider
// config; assertion IDs are tracked in a replay cache.
type SAMLAdapter struct {
	verifier assertionVerifier
	replays  replay.Cache
}

type SAMLOption func(*SAMLAdapter)

// WithAssertionVerifier overrides signature validation. Test hook.
func WithAssertionVerifier(v assertionVerifier) SAMLOption {
	return func(a *SAMLAdapter) { a.verifier = v }
}

func NewSAMLAdapter(replays replay.Cache, opts ...SAMLOption) *SAMLAdapter {
	a := &SAMLAdapter{
		verifier: &gosamlVerifier{},
		replays:  replays,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *SAMLAdapter) BuildAuthorizationRequest(_ context.Context, cfg *models.ProviderConfig) (*AuthorizationRequest, error) {
	state, err := secrets.Generate()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate relay state")
	}
	sp, err := buildServiceProvider(cfg)
	if err != nil {
		return nil, err
	}
	authURL, err := sp.BuildAuthURL(state)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build saml auth url")
	}
	return &AuthorizationRequest{URL: authURL, State: state}, nil
}

func (a *SAMLAdapter) HandleCallback(ctx context.Context, cfg *models.ProviderConfig, rawResponse url.Values) (*models.NormalizedClaims, error) {
	samlResponse := rawResponse.Get("SAMLResponse")
	if samlResponse == "" {
		return nil, dErrors.New(dErrors.CodeInvalidState, "missing SAMLResponse")
	}

	info, err := a.verifier.Verify(ctx, cfg, samlResponse)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeSignatureInvalid, "validate saml assertion")
	}
	if info.WarningInfo != nil {
		if info.WarningInfo.InvalidTime {
			return nil, dErrors.New(dErrors.CodeAssertionExpired, "assertion outside its validity window")
		}
		if info.WarningInfo.NotInAudience {
			return nil, dErrors.New(dErrors.CodeSignatureInvalid, "assertion audience mismatch")
		}
	}

	if err := a.rejectReplay(ctx, info); err != nil {
		return nil, err
	}

	attrs := make(map[string]any, len(info.Values))
	for _, attr := range info.Values {
		if len(attr.Values) == 0 {
			continue
		}
		if len(attr.Values) == 1 {
			attrs[attr.Name] = attr.Values[0].Value
			continue
		}
		values := make([]string, 0, len(attr.Values))
		for _, v := range attr.Values {
			values = append(values, v.Value)
		}
		attrs[attr.Name] = values
	}
	// NameID commonly carries the email when no attribute does.
	if _, ok := attrs["email"]; !ok && strings.Contains(info.NameID, "@") {
		attrs["email"] = info.NameID
	}
	return normalizeClaims(cfg, attrs)
}

// rejectReplay marks every assertion ID as seen and refuses ones already
// presented. The entry lives until the assertion itself would expire.
func (a *SAMLAdapter) rejectReplay(ctx context.Context, info *saml2.AssertionInfo) error {
	ttl := defaultAssertionReplayTTL
	if info.SessionNotOnOrAfter != nil {
		if remaining := info.SessionNotOnOrAfter.Sub(requestcontext.Now(ctx)); remaining > 0 {
			ttl = remaining
		}
	}
	for _, assertion := range info.Assertions {
		if assertion.ID == "" {
			continue
		}
		fresh, err := a.replays.MarkIfNew(ctx, "saml:assertion:"+assertion.ID, ttl)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "assertion replay cache")
		}
		if !fresh {
			return dErrors.New(dErrors.CodeAssertionReplayed, "assertion already presented")
		}
	}
	return nil
}

type gosamlVerifier struct{}

func (gosamlVerifier) Verify(_ context.Context, cfg *models.ProviderConfig, samlResponse string) (*saml2.AssertionInfo, error) {
	sp, err := buildServiceProvider(cfg)
	if err != nil {
		return nil, err
	}
	return sp.RetrieveAssertionInfo(samlResponse)
}

func buildServiceProvider(cfg *models.ProviderConfig) (*saml2.SAMLServiceProvider, error) {
	block, _ := pem.Decode([]byte(cfg.IDPCertificate))
	if block == nil {
		return nil, dErrors.New(dErrors.CodeValidation, "idp certificate is not valid PEM")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeValidation, "parse idp certificate")
	}

	return &saml2.SAMLServiceProvider{
		IdentityProviderSSOURL:      cfg.IDPSSOURL,
		IdentityProviderIssuer:      cfg.IssuerURL,
		ServiceProviderIssuer:       cfg.SPEntityID,
		AssertionConsumerServiceURL: cfg.RedirectURL,
		AudienceURI:                 cfg.SPEntityID,
		IDPCertificateStore: &dsig.MemoryX509CertificateStore{
			Roots: []*x509.Certificate{cert},
		},
	}, nil
}

var (
	_ Adapter = (*SAMLAdapter)(nil)
	_ Adapter = (*OAuth2Adapter)(nil)
	_ Adapter = (*OIDCAdapter)(nil)
)
