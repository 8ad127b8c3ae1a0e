package httpapi

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/auth"
	"github.com/zbcumt/thingsboard/internal/query"
	"github.com/zbcumt/thingsboard/internal/service"
)

func testMux() *http.ServeMux {
	svc := service.NewEntityQueryService(query.NewRepository(nil), 0)
	mux := http.NewServeMux()
	NewEntityQueryHandler(svc).Register(mux)
	return mux
}

func postQuery(mux *http.ServeMux, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)
	return recorder
}

func tenantHeaders() map[string]string {
	return map[string]string{auth.HeaderTenantID: uuid.New().String()}
}

func TestHandleCount_MissingIdentity(t *testing.T) {
	recorder := postQuery(testMux(), "/api/entitiesQuery/count", `{}`, nil)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without identity headers, got %d", recorder.Code)
	}
}

func TestHandleCount_MalformedBody(t *testing.T) {
	recorder := postQuery(testMux(), "/api/entitiesQuery/count", `{not json`, tenantHeaders())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed body, got %d", recorder.Code)
	}
}

func TestHandleCount_UnknownFilterVariant(t *testing.T) {
	body := `{"entityFilter": {"type": "everything"}}`
	recorder := postQuery(testMux(), "/api/entitiesQuery/count", body, tenantHeaders())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown filter variant, got %d", recorder.Code)
	}
}

func TestHandleFind_NegativePageSize(t *testing.T) {
	body := `{
		"entityFilter": {"type": "deviceType", "deviceType": "default"},
		"pageLink": {"pageSize": -1, "page": 0}
	}`
	recorder := postQuery(testMux(), "/api/entitiesQuery/find", body, tenantHeaders())
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for negative page size, got %d", recorder.Code)
	}
}

func TestHandleFind_CustomerUserWithoutCustomer(t *testing.T) {
	headers := tenantHeaders()
	headers[auth.HeaderAuthority] = "CUSTOMER_USER"
	body := `{
		"entityFilter": {"type": "deviceType", "deviceType": "default"},
		"pageLink": {"pageSize": 10, "page": 0}
	}`
	recorder := postQuery(testMux(), "/api/entitiesQuery/find", body, headers)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customer user without customer id, got %d", recorder.Code)
	}
}

func TestHandlers_MethodNotAllowed(t *testing.T) {
	mux := testMux()
	req := httptest.NewRequest(http.MethodGet, "/api/entitiesQuery/find", nil)
	req.Header.Set(auth.HeaderTenantID, uuid.New().String())
	recorder := httptest.NewRecorder()
	mux.ServeHTTP(recorder, req)
	if recorder.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for GET, got %d", recorder.Code)
	}
}

func TestAuthMiddleware_BadTenantHeader(t *testing.T) {
	recorder := postQuery(testMux(), "/api/entitiesQuery/count", `{}`,
		map[string]string{auth.HeaderTenantID: "not-a-uuid"})
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for malformed tenant header, got %d", recorder.Code)
	}
}

func TestAuthMiddleware_UnknownAuthority(t *testing.T) {
	headers := tenantHeaders()
	headers[auth.HeaderAuthority] = "SUPERUSER"
	recorder := postQuery(testMux(), "/api/entitiesQuery/count", `{}`, headers)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for unknown authority, got %d", recorder.Code)
	}
}
