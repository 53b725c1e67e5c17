package models

import (
	"regexp"
	"strings"
	"time"

	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
)

// Plan determines the quota limits a tenant receives at assignment time.
type Plan string

const (
	PlanDeveloper  Plan = "developer"
	PlanTeam       Plan = "team"
	PlanEnterprise Plan = "enterprise"
)

func (p Plan) IsValid() bool {
	switch p {
	case PlanDeveloper, PlanTeam, PlanEnterprise:
		return true
	}
	return false
}

// Status models the tenant lifecycle. Transitions are monotonic except
// active<->suspended; deleted is terminal.
type Status string

const (
	StatusTrial     Status = "trial"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusDeleted   Status = "deleted"
)

func (s Status) IsValid() bool {
	switch s {
	case StatusTrial, StatusActive, StatusSuspended, StatusDeleted:
		return true
	}
	return false
}

// CanTransitionTo enforces the allowed status graph:
// trial->active, active<->suspended, anything->deleted.
func (s Status) CanTransitionTo(next Status) bool {
	if s == StatusDeleted {
		return false
	}
	if next == StatusDeleted {
		return true
	}
	switch s {
	case StatusTrial:
		return next == StatusActive
	case StatusActive:
		return next == StatusSuspended
	case StatusSuspended:
		return next == StatusActive
	}
	return false
}

// Residency is the data-residency placement region.
type Residency string

const (
	ResidencyUS   Residency = "us"
	ResidencyEU   Residency = "eu"
	ResidencyAPAC Residency = "apac"
)

func (r Residency) IsValid() bool {
	switch r {
	case ResidencyUS, ResidencyEU, ResidencyAPAC:
		return true
	}
	return false
}

// Tenant is the source of truth for an isolated identity boundary.
type Tenant struct {
	ID        id.TenantID `json:"id"`
	Name      string      `json:"name"`
	Slug      string      `json:"slug"`
	Plan      Plan        `json:"plan"`
	Status    Status      `json:"status"`
	Residency Residency   `json:"data_residency"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (t *Tenant) IsDeleted() bool {
	return t.Status == StatusDeleted
}

// Operational reports whether the tenant can serve authenticated traffic.
// Trial and active tenants are operational; suspended and deleted are not.
func (t *Tenant) Operational() bool {
	return t.Status == StatusTrial || t.Status == StatusActive
}

// TransitionStatus applies a status change, rejecting moves outside the
// allowed graph.
func (t *Tenant) TransitionStatus(next Status, now time.Time) error {
	if !next.IsValid() {
		return dErrors.New(dErrors.CodeBadRequest, "unknown tenant status")
	}
	if !t.Status.CanTransitionTo(next) {
		return dErrors.New(dErrors.CodeInvalidTransition, "cannot transition tenant from "+string(t.Status)+" to "+string(next))
	}
	t.Status = next
	t.UpdatedAt = now
	return nil
}

func NewTenant(name string, plan Plan, residency Residency, now time.Time) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name cannot be empty")
	}
	if len(name) > 128 {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name must be 128 characters or less")
	}
	if !plan.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown plan")
	}
	if !residency.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown residency region")
	}
	slug := Slugify(name)
	if slug == "" {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "tenant name produces an empty slug")
	}
	return &Tenant{
		ID:        id.NewTenantID(),
		Name:      name,
		Slug:      slug,
		Plan:      plan,
		Status:    StatusTrial,
		Residency: residency,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

var slugStrip = regexp.MustCompile(`[^a-z0-9-]+`)
var slugDashes = regexp.MustCompile(`-{2,}`)

// Slugify normalizes a tenant name into its URL-safe slug: lowercase,
// non-alphanumerics collapsed to single dashes, trimmed.
func Slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = slugStrip.ReplaceAllString(s, "-")
	s = slugDashes.ReplaceAllString(s, "-")
	return strings.Trim(s, "-")
}
