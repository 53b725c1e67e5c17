package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	authservice "aegis/internal/auth/service"
	credservice "aegis/internal/credential/service"
	sessionservice "aegis/internal/session/service"
	"aegis/internal/session/token"
	id "aegis/pkg/domain"
	dErrors "aegis/pkg/domain-errors"
	"aegis/pkg/platform/httputil"
	"aegis/pkg/requestcontext"
)

// Service is the auth orchestration surface the HTTP layer exposes.
type Service interface {
	Login(ctx context.Context, in authservice.LoginInput) (*authservice.LoginResult, error)
	BeginSSOLogin(ctx context.Context, tenantID id.TenantID, providerName string) (string, error)
	CompleteSSOLogin(ctx context.Context, providerName string, rawResponse url.Values, ip, userAgent string) (*authservice.LoginResult, error)
	SetupMFA(ctx context.Context, tenantID id.TenantID, userID id.UserID) (*credservice.TOTPSetup, error)
	VerifyMFA(ctx context.Context, tenantID id.TenantID, userID id.UserID, code string) ([]string, error)
	Refresh(ctx context.Context, rawRefreshToken string) (*sessionservice.TokenPair, error)
	Logout(ctx context.Context, sessionID id.SessionID, actor *id.UserID) error
}

// TokenVerifier authenticates bearer tokens on the MFA and logout routes.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, raw string) (*token.Claims, error)
}

type Handler struct {
	service  Service
	verifier TokenVerifier
	logger   *slog.Logger
}

func New(service Service, verifier TokenVerifier, logger *slog.Logger) *Handler {
	return &Handler{service: service, verifier: verifier, logger: logger}
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/auth/login", h.HandleLogin)
	r.Get("/auth/sso/{provider}/login", h.HandleSSOLogin)
	r.Get("/auth/sso/{provider}/callback", h.HandleSSOCallback)
	r.Post("/auth/sso/{provider}/callback", h.HandleSSOCallback)
	r.Post("/auth/mfa/setup", h.HandleMFASetup)
	r.Post("/auth/mfa/verify", h.HandleMFAVerify)
	r.Post("/auth/refresh", h.HandleRefresh)
	r.Post("/auth/logout", h.HandleLogout)
}

type LoginRequest struct {
	TenantID string `json:"tenant_id"`
	Email    string `json:"email"`
	Password string `json:"password"`
	MFACode  string `json:"mfa_code,omitempty"`
}

func (h *Handler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed request body"))
		return
	}
	tenantID, err := id.ParseTenantID(req.TenantID)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid tenant id"))
		return
	}

	result, err := h.service.Login(ctx, authservice.LoginInput{
		TenantID:  tenantID,
		Email:     req.Email,
		Password:  req.Password,
		MFACode:   req.MFACode,
		IP:        requestcontext.ClientIP(ctx),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeMFARequired) {
			httputil.WriteJSON(w, http.StatusUnauthorized, map[string]any{
				"error": "mfa_required",
			})
			return
		}
		h.logger.WarnContext(ctx, "login rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result.Tokens)
}

func (h *Handler) HandleSSOLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID, err := id.ParseTenantID(r.URL.Query().Get("tenant_id"))
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "invalid tenant id"))
		return
	}

	redirectURL, err := h.service.BeginSSOLogin(ctx, tenantID, chi.URLParam(r, "provider"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (h *Handler) HandleSSOCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	params := r.URL.Query()
	if r.Method == http.MethodPost {
		if err := r.ParseForm(); err != nil {
			httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed form body"))
			return
		}
		params = r.Form
	}

	result, err := h.service.CompleteSSOLogin(ctx, chi.URLParam(r, "provider"), params,
		requestcontext.ClientIP(ctx), r.UserAgent())
	if err != nil {
		h.logger.WarnContext(ctx, "sso callback rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result.Tokens)
}

func (h *Handler) HandleMFASetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := h.authenticate(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	setup, err := h.service.SetupMFA(ctx, claims.tenantID, claims.userID)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"provisioning_uri": setup.ProvisioningURI,
		"secret":           setup.Secret,
	})
}

type MFAVerifyRequest struct {
	Code string `json:"code"`
}

func (h *Handler) HandleMFAVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := h.authenticate(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	var req MFAVerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed request body"))
		return
	}

	backupCodes, err := h.service.VerifyMFA(ctx, claims.tenantID, claims.userID, req.Code)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":       "active",
		"backup_codes": backupCodes,
	})
}

type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req RefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "malformed request body"))
		return
	}
	if req.RefreshToken == "" {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "refresh_token is required"))
		return
	}

	pair, err := h.service.Refresh(ctx, req.RefreshToken)
	if err != nil {
		h.logger.WarnContext(ctx, "refresh rejected", "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, pair)
}

func (h *Handler) HandleLogout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	claims, err := h.authenticate(r)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}

	if err := h.service.Logout(ctx, claims.sessionID, &claims.userID); err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

type bearerClaims struct {
	userID    id.UserID
	tenantID  id.TenantID
	sessionID id.SessionID
	role      string
}

func (h *Handler) authenticate(r *http.Request) (*bearerClaims, error) {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "missing bearer token")
	}

	claims, err := h.verifier.VerifyAccessToken(r.Context(), raw)
	if err != nil {
		return nil, err
	}
	userID, err := id.ParseUserID(claims.Subject)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token subject")
	}
	tenantID, err := id.ParseTenantID(claims.TenantID)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token tenant")
	}
	sessionID, err := id.ParseSessionID(claims.SessionID)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeUnauthorized, "invalid token session")
	}
	return &bearerClaims{
		userID:    userID,
		tenantID:  tenantID,
		sessionID: sessionID,
		role:      claims.Role,
	}, nil
}
