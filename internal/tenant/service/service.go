package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"aegis/internal/audit"
	tenantmetrics "aegis/internal/tenant/metrics"
	"aegis/internal/tenant/models"
	"aegis/internal/tenant/store"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/sentinel"
	"aegis/pkg/requestcontext"
)

// maxSlugAttempts bounds slug suffixing before CreateTenant gives up with a
// conflict. Suffixes run name, name-2, name-3, ...
const maxSlugAttempts = 50

// QuotaAssigner cascades plan limits into the quota engine. Plan is passed by
// name to keep the registry free of limit arithmetic.
type QuotaAssigner interface {
	ApplyPlan(ctx context.Context, tenantID id.TenantID, plan string) error
}

// Recorder appends audit events synchronously; a failure aborts the mutation.
type Recorder interface {
	Record(ctx context.Context, event audit.Event) error
}

// TenantService orchestrates the tenant lifecycle.
type TenantService struct {
	tenants store.TenantStore
	quotas  QuotaAssigner
	audit   Recorder
	logger  *slog.Logger
	metrics *tenantmetrics.Metrics
	tx      StoreTx
}

type Option func(*TenantService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *TenantService) { s.logger = logger }
}

func WithMetrics(m *tenantmetrics.Metrics) Option {
	return func(s *TenantService) { s.metrics = m }
}

func WithStoreTx(tx StoreTx) Option {
	return func(s *TenantService) { s.tx = tx }
}

func NewTenantService(tenants store.TenantStore, quotas QuotaAssigner, recorder Recorder, opts ...Option) *TenantService {
	svc := &TenantService{
		tenants: tenants,
		quotas:  quotas,
		audit:   recorder,
		tx:      newInMemoryStoreTx(),
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.logger == nil {
		svc.logger = slog.Default()
	}
	return svc
}

// CreateTenant provisions a tenant in trial status, assigns plan quotas, and
// audits the creation. Slug collisions are retried with numeric suffixes; a
// conflict is returned only when every candidate is taken.
func (s *TenantService) CreateTenant(ctx context.Context, name string, plan models.Plan, residency models.Residency) (*models.Tenant, error) {
	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		t, err := models.NewTenant(name, plan, residency, requestcontext.Now(txCtx))
		if err != nil {
			return err
		}

		baseSlug := t.Slug
		for attempt := 1; ; attempt++ {
			if attempt > maxSlugAttempts {
				return dErrors.New(dErrors.CodeConflict, "tenant slug is not available")
			}
			if attempt > 1 {
				t.Slug = fmt.Sprintf("%s-%d", baseSlug, attempt)
			}
			err := s.tenants.CreateIfSlugAvailable(txCtx, t)
			if err == nil {
				break
			}
			if errors.Is(err, sentinel.ErrConflict) {
				continue
			}
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to create tenant")
		}

		if err := s.quotas.ApplyPlan(txCtx, t.ID, string(t.Plan)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to assign plan quotas")
		}

		if err := s.audit.Record(txCtx, audit.Event{
			TenantID: t.ID,
			Type:     audit.EventTenantCreated,
			Payload:  map[string]any{"slug": t.Slug, "plan": string(t.Plan), "residency": string(t.Residency)},
		}); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.TenantsCreated.Inc()
	}
	return tenant, nil
}

// GetTenant returns a live tenant by ID. Deleted tenants are permanently
// unreadable from live endpoints.
func (s *TenantService) GetTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant_id is required")
	}
	return s.findLive(ctx, func(c context.Context) (*models.Tenant, error) {
		return s.tenants.FindByID(c, tenantID)
	})
}

// GetTenantBySlug returns a live tenant by its unique slug.
func (s *TenantService) GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error) {
	if slug == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "slug is required")
	}
	return s.findLive(ctx, func(c context.Context) (*models.Tenant, error) {
		return s.tenants.FindBySlug(c, slug)
	})
}

func (s *TenantService) findLive(ctx context.Context, find func(context.Context) (*models.Tenant, error)) (*models.Tenant, error) {
	t, err := find(ctx)
	if err != nil {
		return nil, wrapTenantErr(err)
	}
	if t.IsDeleted() {
		return nil, dErrors.New(dErrors.CodeNotFound, "tenant not found")
	}
	return t, nil
}

// RequireOperational loads a tenant and rejects traffic for suspended ones.
// Login and token flows call this before touching any tenant-scoped state.
func (s *TenantService) RequireOperational(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error) {
	t, err := s.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if !t.Operational() {
		return nil, dErrors.New(dErrors.CodeTenantSuspended, "tenant is suspended")
	}
	return t, nil
}

// UpdateStatus applies a lifecycle transition and audits it.
func (s *TenantService) UpdateStatus(ctx context.Context, tenantID id.TenantID, next models.Status, actor *id.UserID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant_id is required")
	}
	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		t, err := s.tenants.FindByID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		if t.IsDeleted() {
			return dErrors.New(dErrors.CodeNotFound, "tenant not found")
		}

		prev := t.Status
		if err := t.TransitionStatus(next, requestcontext.Now(txCtx)); err != nil {
			return err
		}
		if err := s.tenants.Update(txCtx, t); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to update tenant")
		}
		if err := s.audit.Record(txCtx, audit.Event{
			TenantID:    t.ID,
			ActorUserID: actor,
			Type:        audit.EventTenantStatusChanged,
			Payload:     map[string]any{"from": string(prev), "to": string(next)},
		}); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.StatusTransitions.WithLabelValues(string(next)).Inc()
	}
	return tenant, nil
}

// ChangePlan moves the tenant to a new plan and cascades the new quota limits.
// Current usage counters are preserved by the quota engine.
func (s *TenantService) ChangePlan(ctx context.Context, tenantID id.TenantID, plan models.Plan, actor *id.UserID) (*models.Tenant, error) {
	if tenantID.IsNil() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "tenant_id is required")
	}
	if !plan.IsValid() {
		return nil, dErrors.New(dErrors.CodeBadRequest, "unknown plan")
	}
	var tenant *models.Tenant
	err := s.tx.RunInTx(ctx, func(txCtx context.Context) error {
		t, err := s.tenants.FindByID(txCtx, tenantID)
		if err != nil {
			return wrapTenantErr(err)
		}
		if t.IsDeleted() {
			return dErrors.New(dErrors.CodeNotFound, "tenant not found")
		}

		prev := t.Plan
		t.Plan = plan
		t.UpdatedAt = requestcontext.Now(txCtx)
		if err := s.tenants.Update(txCtx, t); err != nil {
			return dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to update tenant")
		}
		if err := s.quotas.ApplyPlan(txCtx, t.ID, string(plan)); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "failed to cascade plan quotas")
		}
		if err := s.audit.Record(txCtx, audit.Event{
			TenantID:    t.ID,
			ActorUserID: actor,
			Type:        audit.EventTenantPlanChanged,
			Payload:     map[string]any{"from": string(prev), "to": string(plan)},
		}); err != nil {
			return err
		}
		tenant = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.PlanChanges.Inc()
	}
	return tenant, nil
}

// ListTenants returns all live tenants for the admin surface.
func (s *TenantService) ListTenants(ctx context.Context) ([]*models.Tenant, error) {
	all, err := s.tenants.List(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to list tenants")
	}
	live := make([]*models.Tenant, 0, len(all))
	for _, t := range all {
		if !t.IsDeleted() {
			live = append(live, t)
		}
	}
	return live, nil
}

func wrapTenantErr(err error) error {
	if errors.Is(err, sentinel.ErrNotFound) {
		return dErrors.New(dErrors.CodeNotFound, "tenant not found")
	}
	return dErrors.Wrap(err, dErrors.CodeUnavailable, "tenant store failure")
}
