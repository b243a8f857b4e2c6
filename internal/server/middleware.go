package server

import (
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/entitlements/internal/orgcontext"
)

const (
	HeaderOrg = "X-Org-Id"
	HeaderEnv = "X-Env"
)

// TenantRequired scopes the request to the org and environment named in the
// tenant headers.
func (s *Server) TenantRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderOrg))
		if raw == "" {
			AbortWithError(c, ErrOrgRequired)
			return
		}
		orgID, err := snowflake.ParseString(raw)
		if err != nil || orgID <= 0 {
			AbortWithError(c, newValidationError("org_id", "invalid_org_id", "invalid org id"))
			return
		}

		tenant := orgcontext.Tenant{
			OrgID: orgID,
			Env:   orgcontext.NormalizeEnv(c.GetHeader(HeaderEnv)),
		}
		c.Request = c.Request.WithContext(orgcontext.WithTenant(c.Request.Context(), tenant))
		c.Next()
	}
}

func tenantFromRequest(c *gin.Context) (orgcontext.Tenant, bool) {
	return orgcontext.TenantFromContext(c.Request.Context())
}
