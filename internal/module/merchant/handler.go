package merchant

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Handler handles HTTP requests for merchants.
type Handler struct {
	service *Service
}

// NewHandler creates a new merchant handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes registers the merchant routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	merchants := r.Group("/merchants")
	{
		merchants.POST("", h.Create)
		merchants.GET("/:id", h.Get)
		merchants.POST("/:id/rotate-secret", h.RotateSecret)
	}
}

// CreateMerchantRequest is the request body for onboarding a merchant.
type CreateMerchantRequest struct {
	Name        string   `json:"name" binding:"required"`
	CallbackURL string   `json:"callback_url"`
	Events      []string `json:"events"`
}

// Create onboards a new merchant.
func (h *Handler) Create(c *gin.Context) {
	var req CreateMerchantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	m, err := h.service.Create(c.Request.Context(), req.Name, req.CallbackURL, req.Events)
	if err != nil {
		handleError(c, err)
		return
	}

	// The secret is returned exactly once, at onboarding.
	c.JSON(http.StatusCreated, gin.H{
		"merchant": m,
		"secret":   m.Secret,
	})
}

// Get returns a merchant by ID.
func (h *Handler) Get(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merchant id"})
		return
	}

	m, err := h.service.Get(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, m)
}

// RotateSecret replaces the merchant's webhook secret.
func (h *Handler) RotateSecret(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid merchant id"})
		return
	}

	m, err := h.service.RotateSecret(c.Request.Context(), id)
	if err != nil {
		handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"secret": m.Secret})
}

func handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrMerchantNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "merchant not found"})
	case errors.Is(err, ErrNameRequired):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
