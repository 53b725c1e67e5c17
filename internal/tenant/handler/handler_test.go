package handler

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"aegis/internal/audit"
	quotaservice "aegis/internal/quota/service"
	quotastore "aegis/internal/quota/store"
	"aegis/internal/tenant/service"
	"aegis/internal/tenant/store"
)

type HandlerSuite struct {
	suite.Suite
	router http.Handler
	quotas *quotaservice.QuotaService
}

func (s *HandlerSuite) SetupTest() {
	recorder := audit.NewRecorder(audit.NewInMemoryStore())
	s.quotas = quotaservice.NewQuotaService(quotastore.NewInMemoryQuotaStore(), recorder)
	svc := service.NewTenantService(store.NewInMemoryTenantStore(), s.quotas, recorder)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	h := New(svc, logger)
	r := chi.NewRouter()
	h.Register(r)
	s.router = r
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *HandlerSuite) createTenant(name string) map[string]any {
	rec := s.do(http.MethodPost, "/admin/tenants",
		`{"name":"`+name+`","plan":"team","data_residency":"eu"}`)
	s.Require().Equal(http.StatusCreated, rec.Code, rec.Body.String())

	var tenant map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &tenant))
	return tenant
}

func (s *HandlerSuite) TestCreateAndGetTenant() {
	created := s.createTenant("Acme Corp")
	s.Equal("acme-corp", created["slug"])
	s.Equal("trial", created["status"])

	rec := s.do(http.MethodGet, "/admin/tenants/"+created["id"].(string), "")
	s.Equal(http.StatusOK, rec.Code)

	// The same endpoint resolves slugs.
	rec = s.do(http.MethodGet, "/admin/tenants/acme-corp", "")
	s.Equal(http.StatusOK, rec.Code)

	var bySlug map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &bySlug))
	s.Equal(created["id"], bySlug["id"])
}

func (s *HandlerSuite) TestCreateTenantRejectsUnknownPlan() {
	rec := s.do(http.MethodPost, "/admin/tenants",
		`{"name":"Acme","plan":"platinum","data_residency":"eu"}`)
	s.Equal(http.StatusBadRequest, rec.Code)

	var body map[string]string
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Equal("validation_failed", body["error"])
}

func (s *HandlerSuite) TestGetUnknownTenant() {
	rec := s.do(http.MethodGet, "/admin/tenants/"+uuid.New().String(), "")
	s.Equal(http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodGet, "/admin/tenants/no-such-slug", "")
	s.Equal(http.StatusNotFound, rec.Code)
}

func (s *HandlerSuite) TestUpdateStatus() {
	created := s.createTenant("Lifecycle")
	tenantID := created["id"].(string)

	rec := s.do(http.MethodPatch, "/admin/tenants/"+tenantID, `{"status":"active"}`)
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var updated map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &updated))
	s.Equal("active", updated["status"])

	// trial -> suspended was skipped above; from active it is allowed,
	// but a second identical transition is not.
	rec = s.do(http.MethodPatch, "/admin/tenants/"+tenantID, `{"status":"suspended"}`)
	s.Equal(http.StatusOK, rec.Code)
	rec = s.do(http.MethodPatch, "/admin/tenants/"+tenantID, `{"status":"suspended"}`)
	s.Equal(http.StatusConflict, rec.Code)
}

func (s *HandlerSuite) TestChangePlan() {
	created := s.createTenant("Upgrader")
	tenantID := created["id"].(string)

	rec := s.do(http.MethodPatch, "/admin/tenants/"+tenantID, `{"plan":"enterprise"}`)
	s.Equal(http.StatusOK, rec.Code, rec.Body.String())

	var updated map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &updated))
	s.Equal("enterprise", updated["plan"])
}

func (s *HandlerSuite) TestUpdateRequiresAField() {
	created := s.createTenant("Empty Patch")
	rec := s.do(http.MethodPatch, "/admin/tenants/"+created["id"].(string), `{}`)
	s.Equal(http.StatusBadRequest, rec.Code)
}

func (s *HandlerSuite) TestListTenants() {
	s.createTenant("One")
	s.createTenant("Two")

	rec := s.do(http.MethodGet, "/admin/tenants", "")
	s.Equal(http.StatusOK, rec.Code)

	var body map[string][]map[string]any
	s.Require().NoError(json.Unmarshal(rec.Body.Bytes(), &body))
	s.Len(body["tenants"], 2)
}
