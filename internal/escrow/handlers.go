package escrow

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atelier/internal/auth"
	"github.com/mbd888/atelier/internal/logging"
)

// Viewer decides whether a user may see a contract's escrow position.
type Viewer interface {
	CanViewContract(ctx context.Context, contractID, userID string) (bool, error)
}

// Handler provides HTTP endpoints for escrow statements.
type Handler struct {
	service *Service
	viewer  Viewer
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, viewer Viewer) *Handler {
	return &Handler{service: service, viewer: viewer}
}

// RegisterProtectedRoutes sets up auth-required escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/contracts/:id/escrow", h.GetStatement)
}

// GetStatement handles GET /v1/contracts/:id/escrow
func (h *Handler) GetStatement(c *gin.Context) {
	ctx := c.Request.Context()
	contractID := c.Param("id")

	allowed, err := h.viewer.CanViewContract(ctx, contractID, auth.UserID(c))
	if err != nil {
		logging.L(ctx).Error("escrow access check failed", "contractId", contractID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to check access",
		})
		return
	}
	if !allowed {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "Escrow account not found",
		})
		return
	}

	account, err := h.service.Account(ctx, contractID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "not_found",
				"message": "Escrow account not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow account",
		})
		return
	}

	limit := 100
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	entries, err := h.service.Entries(ctx, contractID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load escrow entries",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account": account,
		"entries": entries,
	})
}
