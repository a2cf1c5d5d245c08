package license

import (
	"errors"
	"net/http"

	"agentmarket-licensing/pkg/db/pagination"
	"agentmarket-licensing/pkg/errutil"
	"agentmarket-licensing/pkg/middleware"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func RegisterRoutes(engine *gin.Engine, h *Handler) {
	licenses := engine.Group("/licenses")
	{
		licenses.POST("/activate", h.Activate)
		licenses.GET("", h.List)
		licenses.GET("/:id", h.Get)
		licenses.POST("/:id/usage", h.RecordUsage)
		licenses.POST("/verify", h.Verify)
	}

	engine.PATCH("/admin/licenses/:id/revoke", h.Revoke)
}

func (h *Handler) Activate(c *gin.Context) {
	caller := middleware.PrincipalFrom(c.Request.Context())
	if caller == nil {
		_ = c.Error(errutil.Unauthorized("authentication required"))
		return
	}

	var req ActivateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", errutil.WithErr(err)))
		return
	}

	resp, err := h.svc.Activate(c.Request.Context(), caller, req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Get(c *gin.Context) {
	caller := middleware.PrincipalFrom(c.Request.Context())
	if caller == nil {
		_ = c.Error(errutil.Unauthorized("authentication required"))
		return
	}

	resp, err := h.svc.Get(c.Request.Context(), caller, c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

type listParams struct {
	Status string `form:"status"`
	Type   string `form:"type"`
	pagination.Pagination
}

func (h *Handler) List(c *gin.Context) {
	caller := middleware.PrincipalFrom(c.Request.Context())
	if caller == nil {
		_ = c.Error(errutil.Unauthorized("authentication required"))
		return
	}

	var params listParams
	if err := c.ShouldBindQuery(&params); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid query parameters", errutil.WithErr(err)))
		return
	}

	resp, err := h.svc.List(c.Request.Context(), caller, ListRequest{
		Status: LicenseStatus(params.Status),
		Type:   params.Type,
		Page:   params.Pagination,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) RecordUsage(c *gin.Context) {
	caller := middleware.PrincipalFrom(c.Request.Context())
	if caller == nil {
		_ = c.Error(errutil.Unauthorized("authentication required"))
		return
	}

	var req UsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", errutil.WithErr(err)))
		return
	}

	resp, err := h.svc.RecordUsage(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		// The limit rejection reports the counters so callers can surface
		// exhaustion without a second round trip.
		var limitErr *UsageLimitExceededError
		if errors.As(err, &limitErr) {
			rem := limitErr.MaxUsage - limitErr.UsageCount
			if rem < 0 {
				rem = 0
			}
			c.JSON(http.StatusConflict, UsageResponse{
				UsageCount: limitErr.UsageCount,
				MaxUsage:   &limitErr.MaxUsage,
				Remaining:  &rem,
			})
			return
		}
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", errutil.WithErr(err)))
		return
	}

	resp, err := h.svc.Verify(c.Request.Context(), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Revoke(c *gin.Context) {
	caller := middleware.PrincipalFrom(c.Request.Context())
	if caller == nil {
		_ = c.Error(errutil.Unauthorized("authentication required"))
		return
	}

	var req RevokeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid request body", errutil.WithErr(err)))
		return
	}

	resp, err := h.svc.Revoke(c.Request.Context(), caller, c.Param("id"), req)
	if err != nil {
		_ = c.Error(err)
		return
	}

	c.JSON(http.StatusOK, resp)
}
