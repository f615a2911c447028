package tenancy

import "context"

type contextKey struct{ name string }

var tenantIDKey = &contextKey{"tenant-id"}

// WithTenantID returns a copy of ctx carrying the resolved tenant id
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantIDKey, tenantID)
}

// TenantIDFromContext returns the tenant id stored by WithTenantID
func TenantIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(tenantIDKey).(string)
	return id, ok && id != ""
}
