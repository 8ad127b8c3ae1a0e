package service

import (
	"errors"
	"testing"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/domain"
	"github.com/zbcumt/thingsboard/internal/query"
)

func TestSecurityUser_CallerTenantAdmin(t *testing.T) {
	tenantID := uuid.New()
	user := SecurityUser{TenantID: tenantID, Authority: AuthorityTenantAdmin}
	caller, err := user.Caller()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.TenantID != tenantID {
		t.Fatalf("tenant id not carried: %v", caller)
	}
	if caller.HasCustomerScope() {
		t.Fatalf("tenant admin must not carry customer scope")
	}
}

func TestSecurityUser_TenantAdminCustomerIDIgnored(t *testing.T) {
	user := SecurityUser{TenantID: uuid.New(), CustomerID: uuid.New(), Authority: AuthorityTenantAdmin}
	caller, err := user.Caller()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.HasCustomerScope() {
		t.Fatalf("tenant admin queries must not be customer scoped")
	}
}

func TestSecurityUser_CustomerUserCarriesScope(t *testing.T) {
	customerID := uuid.New()
	user := SecurityUser{TenantID: uuid.New(), CustomerID: customerID, Authority: AuthorityCustomerUser}
	caller, err := user.Caller()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if caller.CustomerID != customerID {
		t.Fatalf("customer scope not carried: %v", caller)
	}
}

func TestSecurityUser_CustomerUserWithoutCustomerForbidden(t *testing.T) {
	user := SecurityUser{TenantID: uuid.New(), Authority: AuthorityCustomerUser}
	if _, err := user.Caller(); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestSecurityUser_MissingTenantForbidden(t *testing.T) {
	user := SecurityUser{Authority: AuthorityTenantAdmin}
	if _, err := user.Caller(); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestCountEntities_ForbiddenBeforeStore(t *testing.T) {
	svc := NewEntityQueryService(query.NewRepository(nil), 0)
	user := SecurityUser{TenantID: uuid.New(), Authority: AuthorityCustomerUser}
	_, err := svc.CountEntities(t.Context(), user, domain.EntityCountQuery{
		Filter: domain.EntityFilter{EntityType: &domain.EntityTypeFilter{EntityType: domain.EntityTypeDevice}},
	})
	if !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected Forbidden before any statement, got %v", err)
	}
}

func TestFindEntityData_InvalidQueryBeforeStore(t *testing.T) {
	svc := NewEntityQueryService(query.NewRepository(nil), 0)
	user := SecurityUser{TenantID: uuid.New(), Authority: AuthorityTenantAdmin}
	_, err := svc.FindEntityData(t.Context(), user, domain.EntityDataQuery{
		Filter:   domain.EntityFilter{DeviceType: &domain.DeviceTypeFilter{DeviceType: "default"}},
		PageLink: domain.EntityDataPageLink{PageSize: -1},
	})
	if !errors.Is(err, domain.ErrInvalidQuery) {
		t.Fatalf("expected InvalidQuery before any statement, got %v", err)
	}
}
