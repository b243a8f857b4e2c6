package orgcontext

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// OrgContextKey is the request context key for the active organization ID.
type OrgContextKey struct{}

type envContextKey struct{}

const (
	EnvLive    = "live"
	EnvSandbox = "sandbox"
)

// Tenant scopes every snapshot and durable row.
type Tenant struct {
	OrgID snowflake.ID
	Env   string
}

func (t Tenant) Valid() bool {
	return t.OrgID != 0 && t.Env != ""
}

// WithOrgID stores the org ID in the context.
func WithOrgID(ctx context.Context, orgID int64) context.Context {
	return context.WithValue(ctx, OrgContextKey{}, orgID)
}

// WithEnv stores the tenant environment in the context.
func WithEnv(ctx context.Context, env string) context.Context {
	return context.WithValue(ctx, envContextKey{}, NormalizeEnv(env))
}

// WithTenant stores both halves of the tenant scope.
func WithTenant(ctx context.Context, tenant Tenant) context.Context {
	return WithEnv(WithOrgID(ctx, int64(tenant.OrgID)), tenant.Env)
}

// OrgIDFromContext returns the org ID from context, if set.
func OrgIDFromContext(ctx context.Context) (snowflake.ID, bool) {
	if ctx == nil {
		return 0, false
	}

	switch typed := ctx.Value(OrgContextKey{}).(type) {
	case int64:
		return snowflake.ID(typed), typed != 0
	case snowflake.ID:
		return typed, typed != 0
	case string:
		parsed, err := snowflake.ParseString(strings.TrimSpace(typed))
		if err == nil {
			return parsed, parsed != 0
		}
	}
	return 0, false
}

// EnvFromContext returns the tenant environment, defaulting to live.
func EnvFromContext(ctx context.Context) string {
	if ctx == nil {
		return EnvLive
	}
	if env, ok := ctx.Value(envContextKey{}).(string); ok && env != "" {
		return env
	}
	return EnvLive
}

// TenantFromContext resolves the tenant scope of the request.
func TenantFromContext(ctx context.Context) (Tenant, bool) {
	orgID, ok := OrgIDFromContext(ctx)
	if !ok {
		return Tenant{}, false
	}
	return Tenant{OrgID: orgID, Env: EnvFromContext(ctx)}, true
}

func NormalizeEnv(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case EnvSandbox, "test":
		return EnvSandbox
	default:
		return EnvLive
	}
}
