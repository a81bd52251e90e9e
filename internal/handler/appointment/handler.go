package appointment

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/medibook/booking-api/internal/middleware"
	"github.com/medibook/booking-api/internal/model"
	bookingService "github.com/medibook/booking-api/internal/service/booking"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

type Handler struct {
	service *bookingService.Service
}

func NewHandler(service *bookingService.Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes mounts the appointment routes. The book route's :id is the
// doctor being booked; everywhere else it is the appointment.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	appointments := r.Group("/appointments")
	{
		appointments.GET("", h.List)
		appointments.GET("/:id", h.Get)
		appointments.POST("/:id/book", h.Book)
		appointments.POST("/:id/accept", h.Accept)
		appointments.POST("/:id/reject", h.Reject)
		appointments.POST("/:id/cancel", h.Cancel)
		appointments.POST("/:id/complete", h.Complete)
		appointments.POST("/:id/reschedule", h.RequestReschedule)
		appointments.PUT("/:id/reschedule/:action", h.RespondReschedule)
	}
}

func (h *Handler) pathID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.Error(apperrors.Validation("invalid ID", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) actor(c *gin.Context) (model.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
	}
	return actor, ok
}

func (h *Handler) Book(c *gin.Context) {
	doctorID, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req model.BookAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	appt, err := h.service.Book(c.Request.Context(), actor, doctorID, &req)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithCreated(c, appt)
}

func (h *Handler) Accept(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	appt, err := h.service.Accept(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) Reject(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req model.AppointmentNoteRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	appt, err := h.service.Reject(c.Request.Context(), actor, id, req.Note)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) Cancel(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req model.CancelAppointmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	appt, err := h.service.Cancel(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) Complete(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	appt, err := h.service.Complete(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) RequestReschedule(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var req model.RescheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	appt, err := h.service.RequestReschedule(c.Request.Context(), actor, id, &req)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) RespondReschedule(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	var approve bool
	switch c.Param("action") {
	case "approve":
		approve = true
	case "deny":
		approve = false
	default:
		c.Error(apperrors.Validation("action must be approve or deny", nil))
		return
	}

	appt, err := h.service.RespondReschedule(c.Request.Context(), actor, id, approve)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appt)
}

func (h *Handler) Get(c *gin.Context) {
	id, ok := h.pathID(c)
	if !ok {
		return
	}
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	detail, err := h.service.Get(c.Request.Context(), actor, id)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, detail)
}

func (h *Handler) List(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}

	filters := &model.AppointmentFilters{}
	if status := c.Query("status"); status != "" {
		filters.Status = model.AppointmentStatus(status)
	}
	if from := c.Query("from"); from != "" {
		t, err := time.Parse("2006-01-02", from)
		if err != nil {
			c.Error(apperrors.Validation("invalid from date", err))
			return
		}
		filters.StartDate = t
	}
	if to := c.Query("to"); to != "" {
		t, err := time.Parse("2006-01-02", to)
		if err != nil {
			c.Error(apperrors.Validation("invalid to date", err))
			return
		}
		filters.EndDate = t
	}

	appts, err := h.service.List(c.Request.Context(), actor, filters)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, appts)
}
