package commission

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/atelier/internal/auth"
	"github.com/mbd888/atelier/internal/logging"
	"github.com/mbd888/atelier/internal/validation"
)

// Handler provides HTTP endpoints for contracts, tickets, uploads and
// resolution tickets.
type Handler struct {
	service *Service
}

// NewHandler creates a new commission handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required commission routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/contracts", h.CreateContract)
	r.GET("/contracts", h.ListContracts)

	contracts := r.Group("/contracts/:id", validation.IDParamMiddleware("ct_"))
	contracts.GET("", h.GetContract)
	contracts.POST("/cancel-tickets", h.CreateCancelTicket)
	contracts.POST("/revision-tickets", h.CreateRevisionTicket)
	contracts.POST("/change-tickets", h.CreateChangeTicket)
	contracts.POST("/uploads", h.SubmitUpload)
	contracts.POST("/resolutions", h.Escalate)

	r.POST("/cancel-tickets/:id/respond", validation.IDParamMiddleware("cx_"), h.RespondCancel)
	revisions := r.Group("/revision-tickets/:id", validation.IDParamMiddleware("rv_"))
	revisions.POST("/respond", h.RespondRevision)
	revisions.POST("/withdraw", h.WithdrawRevision)
	changes := r.Group("/change-tickets/:id", validation.IDParamMiddleware("ch_"))
	changes.POST("/respond", h.RespondChange)
	changes.POST("/withdraw", h.WithdrawChange)
	r.POST("/uploads/:id/review", validation.IDParamMiddleware("up_"), h.ReviewUpload)

	resolutions := r.Group("/resolutions/:id", validation.IDParamMiddleware("rs_"))
	resolutions.GET("", h.GetResolution)
	resolutions.POST("/counterproof", h.SubmitCounterproof)
	resolutions.POST("/resolve", h.Resolve)
	resolutions.POST("/cancel", h.CancelResolution)
	r.GET("/admin/review-queue", h.ListReviewQueue)
}

// CreateContract handles POST /v1/contracts
func (h *Handler) CreateContract(c *gin.Context) {
	var req CreateContractRequest
	if !bind(c, &req) {
		return
	}
	if !validate(c,
		validation.ValidUserID("artistId", req.ArtistID),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	) {
		return
	}
	contract, err := h.service.CreateContract(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": contract})
}

// ListContracts handles GET /v1/contracts
func (h *Handler) ListContracts(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	contracts, err := h.service.ListContracts(c.Request.Context(), auth.UserID(c), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"contracts": contracts,
		"count":     len(contracts),
	})
}

// GetContract handles GET /v1/contracts/:id
func (h *Handler) GetContract(c *gin.Context) {
	view, err := h.service.GetContractView(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// CreateCancelTicket handles POST /v1/contracts/:id/cancel-tickets
func (h *Handler) CreateCancelTicket(c *gin.Context) {
	var req CreateCancelRequest
	if !bind(c, &req) || !validate(c, validation.MaxLength("reason", req.Reason, validation.MaxStringLength)) {
		return
	}
	t, err := h.service.CreateCancelTicket(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

// CreateRevisionTicket handles POST /v1/contracts/:id/revision-tickets
func (h *Handler) CreateRevisionTicket(c *gin.Context) {
	var req CreateRevisionRequest
	if !bind(c, &req) || !validate(c, validation.MaxLength("description", req.Description, validation.MaxStringLength)) {
		return
	}
	t, err := h.service.CreateRevisionTicket(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

// CreateChangeTicket handles POST /v1/contracts/:id/change-tickets
func (h *Handler) CreateChangeTicket(c *gin.Context) {
	var req CreateChangeRequest
	if !bind(c, &req) || !validate(c, validation.MaxLength("reason", req.Reason, validation.MaxStringLength)) {
		return
	}
	t, err := h.service.CreateChangeTicket(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ticket": t})
}

// RespondCancel handles POST /v1/cancel-tickets/:id/respond
func (h *Handler) RespondCancel(c *gin.Context) {
	var req RespondRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.service.RespondCancel(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// RespondRevision handles POST /v1/revision-tickets/:id/respond
func (h *Handler) RespondRevision(c *gin.Context) {
	var req RespondRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.service.RespondRevision(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// WithdrawRevision handles POST /v1/revision-tickets/:id/withdraw
func (h *Handler) WithdrawRevision(c *gin.Context) {
	t, err := h.service.WithdrawRevision(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// RespondChange handles POST /v1/change-tickets/:id/respond
func (h *Handler) RespondChange(c *gin.Context) {
	var req RespondRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.service.RespondChange(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// WithdrawChange handles POST /v1/change-tickets/:id/withdraw
func (h *Handler) WithdrawChange(c *gin.Context) {
	t, err := h.service.WithdrawChange(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ticket": t})
}

// SubmitUpload handles POST /v1/contracts/:id/uploads
func (h *Handler) SubmitUpload(c *gin.Context) {
	var req UploadRequest
	if !bind(c, &req) {
		return
	}
	if !validate(c,
		validation.ImageURLs("images", req.Images, MaxImagesPerUpload),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	) {
		return
	}
	u, err := h.service.SubmitUpload(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"upload": u})
}

// ReviewUpload handles POST /v1/uploads/:id/review
func (h *Handler) ReviewUpload(c *gin.Context) {
	var req ReviewRequest
	if !bind(c, &req) {
		return
	}
	u, err := h.service.ReviewUpload(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"upload": u})
}

// Escalate handles POST /v1/contracts/:id/resolutions
func (h *Handler) Escalate(c *gin.Context) {
	var req EscalateRequest
	if !bind(c, &req) {
		return
	}
	if !validate(c,
		validation.Required("description", req.Description),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.ImageURLs("proofImages", req.ProofImages, MaxImagesPerUpload),
	) {
		return
	}
	r, err := h.service.Escalate(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"resolution": r})
}

// GetResolution handles GET /v1/resolutions/:id
func (h *Handler) GetResolution(c *gin.Context) {
	r, err := h.service.GetResolution(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": r})
}

// SubmitCounterproof handles POST /v1/resolutions/:id/counterproof
func (h *Handler) SubmitCounterproof(c *gin.Context) {
	var req CounterproofRequest
	if !bind(c, &req) {
		return
	}
	if !validate(c,
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
		validation.ImageURLs("images", req.Images, MaxImagesPerUpload),
	) {
		return
	}
	r, err := h.service.SubmitCounterproof(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": r})
}

// Resolve handles POST /v1/resolutions/:id/resolve
func (h *Handler) Resolve(c *gin.Context) {
	var req ResolveRequest
	if !bind(c, &req) {
		return
	}
	r, err := h.service.Resolve(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": r})
}

// CancelResolution handles POST /v1/resolutions/:id/cancel
func (h *Handler) CancelResolution(c *gin.Context) {
	var req CancelResolutionRequest
	if !bind(c, &req) {
		return
	}
	r, err := h.service.CancelResolution(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"resolution": r})
}

// ListReviewQueue handles GET /v1/admin/review-queue
func (h *Handler) ListReviewQueue(c *gin.Context) {
	limit := 25
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	page, err := h.service.ListReviewQueue(c.Request.Context(), auth.UserID(c), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

func bind(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return false
	}
	return true
}

func validate(c *gin.Context, validators ...func() *validation.ValidationError) bool {
	if errs := validation.Validate(validators...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return false
	}
	return true
}

// writeError maps service errors onto HTTP responses.
func writeError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, ErrUnauthorized):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, ErrInvalidState):
		status, code = http.StatusConflict, "invalid_state"
	case errors.Is(err, ErrPolicyViolation):
		status, code = http.StatusUnprocessableEntity, "policy_violation"
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, "conflict"
	case errors.Is(err, ErrWindowClosed):
		status, code = http.StatusGone, "window_closed"
	case errors.Is(err, ErrInvalidInput):
		status, code = http.StatusBadRequest, "invalid_request"
	}
	if status == http.StatusInternalServerError {
		logging.L(c.Request.Context()).Error("commission request failed",
			"path", c.FullPath(), "error", err)
		c.JSON(status, gin.H{
			"error":   code,
			"message": "Internal error",
		})
		return
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": err.Error(),
	})
}
