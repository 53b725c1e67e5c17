package service

import (
	"context"
	"strings"

	credmodels "aegis/internal/credential/models"
	"aegis/internal/identity/models"
	dErrors "aegis/pkg/domain-errors"
)

// resolveUser maps normalized claims onto a local user. A first-time login
// provisions the user just in time, gated by the tenant's allowed domains.
func (s *IdentityService) resolveUser(ctx context.Context, cfg *models.ProviderConfig, claims *models.NormalizedClaims) (*credmodels.User, error) {
	user, err := s.users.GetUserByEmail(ctx, cfg.TenantID, claims.Email)
	if err == nil {
		return user, nil
	}
	if !dErrors.HasCode(err, dErrors.CodeNotFound) {
		return nil, err
	}

	if !domainAllowed(cfg.AllowedDomains, claims.Email) {
		return nil, dErrors.New(dErrors.CodeDomainNotAllowed,
			"email domain not permitted for provisioning")
	}
	return s.users.ProvisionUser(ctx, cfg.TenantID, claims.Email, roleForClaims(cfg, claims))
}

// roleForClaims picks the role for a newly provisioned user. Group mapping
// rules are checked in configured order against the provider-reported
// groups; the first exact match wins, otherwise the default role applies.
func roleForClaims(cfg *models.ProviderConfig, claims *models.NormalizedClaims) string {
	for _, rule := range cfg.GroupMappings {
		for _, group := range claims.Groups {
			if group == rule.Group {
				return rule.Role
			}
		}
	}
	return cfg.DefaultRole
}

// domainAllowed is permissive when no allow-list is configured.
func domainAllowed(allowed []string, email string) bool {
	if len(allowed) == 0 {
		return true
	}
	at := strings.LastIndex(email, "@")
	if at < 0 {
		return false
	}
	domain := strings.ToLower(email[at+1:])
	for _, d := range allowed {
		if strings.EqualFold(d, domain) {
			return true
		}
	}
	return false
}
