package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/zbcumt/thingsboard/internal/service"
)

type contextKey string

const securityUserKey contextKey = "securityUser"

// Header names the host's authentication layer populates after verifying the
// session. This package only carries them into the request context; role
// verification itself is out of scope.
const (
	HeaderTenantID   = "X-Tenant-Id"
	HeaderCustomerID = "X-Customer-Id"
	HeaderAuthority  = "X-Authority"
)

// ContextWithUser returns a new context carrying the authenticated principal.
func ContextWithUser(ctx context.Context, user service.SecurityUser) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, securityUserKey, user)
}

// UserFromContext retrieves the authenticated principal, if any.
func UserFromContext(ctx context.Context) (service.SecurityUser, bool) {
	if ctx == nil {
		return service.SecurityUser{}, false
	}
	user, ok := ctx.Value(securityUserKey).(service.SecurityUser)
	if !ok || user.TenantID == uuid.Nil {
		return service.SecurityUser{}, false
	}
	return user, true
}

// Middleware parses the identity headers into the request context. Requests
// without a tenant id are rejected before any handler runs.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenantRaw := strings.TrimSpace(r.Header.Get(HeaderTenantID))
		if tenantRaw == "" {
			http.Error(w, "missing tenant identity", http.StatusForbidden)
			return
		}
		tenantID, err := uuid.Parse(tenantRaw)
		if err != nil {
			http.Error(w, "invalid tenant identity", http.StatusForbidden)
			return
		}
		user := service.SecurityUser{TenantID: tenantID, Authority: service.AuthorityTenantAdmin}
		if raw := strings.TrimSpace(r.Header.Get(HeaderCustomerID)); raw != "" {
			customerID, err := uuid.Parse(raw)
			if err != nil {
				http.Error(w, "invalid customer identity", http.StatusForbidden)
				return
			}
			user.CustomerID = customerID
		}
		if raw := strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderAuthority))); raw != "" {
			switch service.Authority(raw) {
			case service.AuthorityTenantAdmin, service.AuthorityCustomerUser:
				user.Authority = service.Authority(raw)
			default:
				http.Error(w, "unknown authority", http.StatusForbidden)
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), user)))
	})
}
