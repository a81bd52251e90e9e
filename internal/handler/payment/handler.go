package payment

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/medibook/booking-api/internal/middleware"
	"github.com/medibook/booking-api/internal/model"
	paymentService "github.com/medibook/booking-api/internal/service/payment"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

const signatureHeader = "X-Gateway-Signature"

// maxWebhookBody caps the raw body read for signature verification.
const maxWebhookBody = 1 << 20

type Handler struct {
	service *paymentService.Service
	auth    *middleware.AuthMiddleware
}

func NewHandler(service *paymentService.Service, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{service: service, auth: auth}
}

// RegisterRoutes mounts the authenticated payment routes. The webhook is
// registered separately: the gateway authenticates with its signature, not a
// bearer token.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	payments := r.Group("/payments")
	{
		payments.POST("/:appointmentId/initiate", h.Initiate)
		payments.GET("/:appointmentId", h.GetByAppointment)
		payments.POST("/refund", h.auth.RequireRole(model.RoleAdmin), h.Refund)
	}
}

func (h *Handler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/payments/gateway/webhook", h.HandleWebhook)
}

func (h *Handler) appointmentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("appointmentId"))
	if err != nil {
		c.Error(apperrors.Validation("invalid appointment ID", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) Initiate(c *gin.Context) {
	id, ok := h.appointmentID(c)
	if !ok {
		return
	}
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
		return
	}

	checkout, err := h.service.Initiate(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, checkout)
}

// HandleWebhook verifies and applies a gateway notification. The raw body is
// read before binding so the signature covers exactly what the gateway sent.
func (h *Handler) HandleWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.Error(apperrors.Validation("unreadable body", err))
		return
	}

	if err := h.service.HandleWebhook(c.Request.Context(), body, c.GetHeader(signatureHeader)); err != nil {
		c.Error(err)
		return
	}
	c.Status(http.StatusOK)
}

// Refund lets an operator replay a parked refund by gateway reference.
func (h *Handler) Refund(c *gin.Context) {
	var req model.RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	if err := h.service.RefundByReference(c.Request.Context(), req.TxRef, req.Reason); err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"status": "refunded"})
}

func (h *Handler) GetByAppointment(c *gin.Context) {
	id, ok := h.appointmentID(c)
	if !ok {
		return
	}
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
		return
	}

	payment, err := h.service.GetByAppointment(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, payment)
}
