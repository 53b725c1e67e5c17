package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"aegis/internal/tenant/models"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/httputil"
)

// Service defines the tenant operations the HTTP layer needs.
// Returns domain objects, not HTTP response DTOs.
type Service interface {
	CreateTenant(ctx context.Context, name string, plan models.Plan, residency models.Residency) (*models.Tenant, error)
	GetTenant(ctx context.Context, tenantID id.TenantID) (*models.Tenant, error)
	GetTenantBySlug(ctx context.Context, slug string) (*models.Tenant, error)
	UpdateStatus(ctx context.Context, tenantID id.TenantID, next models.Status, actor *id.UserID) (*models.Tenant, error)
	ChangePlan(ctx context.Context, tenantID id.TenantID, plan models.Plan, actor *id.UserID) (*models.Tenant, error)
	ListTenants(ctx context.Context) ([]*models.Tenant, error)
}

type Handler struct {
	service Service
	logger  *slog.Logger
}

func New(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/admin/tenants", h.HandleCreateTenant)
	r.Get("/admin/tenants", h.HandleListTenants)
	r.Get("/admin/tenants/{id}", h.HandleGetTenant)
	r.Patch("/admin/tenants/{id}", h.HandleUpdateTenant)
}

type CreateTenantRequest struct {
	Name      string `json:"name"`
	Plan      string `json:"plan"`
	Residency string `json:"data_residency"`
}

// UpdateTenantRequest carries a status transition, a plan change, or both.
type UpdateTenantRequest struct {
	Status *string `json:"status,omitempty"`
	Plan   *string `json:"plan,omitempty"`
}

func (h *Handler) HandleCreateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req CreateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed request body"))
		return
	}

	tenant, err := h.service.CreateTenant(ctx, req.Name, models.Plan(req.Plan), models.Residency(req.Residency))
	if err != nil {
		h.logger.ErrorContext(ctx, "create tenant failed", "error", err)
		httputil.WriteError(w, err)
		return
	}

	httputil.WriteJSON(w, http.StatusCreated, tenant)
}

func (h *Handler) HandleGetTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "id"))
	if err != nil {
		// The path parameter doubles as a slug lookup for human-friendly URLs.
		tenant, slugErr := h.service.GetTenantBySlug(ctx, chi.URLParam(r, "id"))
		if slugErr != nil {
			httputil.WriteError(w, slugErr)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, tenant)
		return
	}

	tenant, err := h.service.GetTenant(ctx, tenantID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tenant)
}

func (h *Handler) HandleUpdateTenant(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := id.ParseTenantID(chi.URLParam(r, "id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid tenant id"))
		return
	}

	var req UpdateTenantRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed request body"))
		return
	}
	if req.Status == nil && req.Plan == nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "nothing to update"))
		return
	}

	var tenant *models.Tenant
	if req.Plan != nil {
		tenant, err = h.service.ChangePlan(ctx, tenantID, models.Plan(*req.Plan), nil)
		if err != nil {
			h.logger.ErrorContext(ctx, "change plan failed", "error", err, "tenant_id", tenantID.String())
			httputil.WriteError(w, err)
			return
		}
	}
	if req.Status != nil {
		tenant, err = h.service.UpdateStatus(ctx, tenantID, models.Status(*req.Status), nil)
		if err != nil {
			h.logger.ErrorContext(ctx, "update status failed", "error", err, "tenant_id", tenantID.String())
			httputil.WriteError(w, err)
			return
		}
	}

	httputil.WriteJSON(w, http.StatusOK, tenant)
}

func (h *Handler) HandleListTenants(w http.ResponseWriter, r *http.Request) {
	tenants, err := h.service.ListTenants(r.Context())
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"tenants": tenants})
}
