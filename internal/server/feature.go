package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	featuredomain "github.com/smallbiznis/entitlements/internal/feature/domain"
)

type createFeatureRequest struct {
	ID           string                           `json:"id"`
	Name         string                           `json:"name"`
	Type         string                           `json:"type"`
	UsageType    string                           `json:"usage_type"`
	CreditSchema []featuredomain.CreditSchemaItem `json:"credit_schema"`
}

func (s *Server) CreateFeature(c *gin.Context) {
	var req createFeatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	resp, err := s.catalog.Create(c.Request.Context(), tenant, featuredomain.CreateRequest{
		FeatureID:    strings.TrimSpace(req.ID),
		Name:         strings.TrimSpace(req.Name),
		Type:         featuredomain.FeatureType(strings.ToLower(strings.TrimSpace(req.Type))),
		UsageType:    featuredomain.UsageType(strings.ToLower(strings.TrimSpace(req.UsageType))),
		CreditSchema: req.CreditSchema,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetFeature(c *gin.Context) {
	tenant, ok := tenantFromRequest(c)
	if !ok {
		AbortWithError(c, ErrOrgRequired)
		return
	}

	resp, err := s.catalog.Get(c.Request.Context(), tenant, strings.TrimSpace(c.Param("feature_id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
