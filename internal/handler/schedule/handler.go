package schedule

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/medibook/booking-api/internal/middleware"
	"github.com/medibook/booking-api/internal/model"
	scheduleService "github.com/medibook/booking-api/internal/service/schedule"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

type Handler struct {
	service *scheduleService.Service
}

func NewHandler(service *scheduleService.Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	schedule := r.Group("/schedule")
	{
		schedule.GET("/:doctorId/slots", h.ListSlots)
		schedule.POST("/:doctorId/slots/generate", h.GenerateSlots)
		schedule.PUT("/:doctorId/blocked", h.CreateBlockedTime)
		schedule.PUT("/:doctorId/working-hours", h.UpsertWorkingHours)
		schedule.GET("/:doctorId/working-hours", h.GetWorkingHours)
	}
}

func (h *Handler) doctorID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("doctorId"))
	if err != nil {
		c.Error(apperrors.Validation("invalid doctor ID", err))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) ListSlots(c *gin.Context) {
	doctorID, ok := h.doctorID(c)
	if !ok {
		return
	}
	date := c.Query("date")
	if date == "" {
		c.Error(apperrors.Validation("date query parameter is required", nil))
		return
	}

	slots, err := h.service.ListSlots(c.Request.Context(), doctorID, date)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, slots)
}

func (h *Handler) GenerateSlots(c *gin.Context) {
	doctorID, ok := h.doctorID(c)
	if !ok {
		return
	}
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
		return
	}

	var req model.GenerateSlotsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	inserted, err := h.service.GenerateSlots(c.Request.Context(), actor, doctorID, req.StartDate, req.EndDate)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, gin.H{"slots_created": inserted})
}

func (h *Handler) CreateBlockedTime(c *gin.Context) {
	doctorID, ok := h.doctorID(c)
	if !ok {
		return
	}
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
		return
	}

	var req model.CreateBlockedTimeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	blocked, err := h.service.CreateBlockedTime(c.Request.Context(), actor, doctorID, &req)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithCreated(c, blocked)
}

func (h *Handler) UpsertWorkingHours(c *gin.Context) {
	doctorID, ok := h.doctorID(c)
	if !ok {
		return
	}
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		c.Error(apperrors.Unauthorized("not authenticated", nil))
		return
	}

	var req model.UpsertWorkingHoursRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.Validation(err.Error(), err))
		return
	}

	profile, err := h.service.UpsertWorkingHours(c.Request.Context(), actor, doctorID, &req)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, profile)
}

func (h *Handler) GetWorkingHours(c *gin.Context) {
	doctorID, ok := h.doctorID(c)
	if !ok {
		return
	}
	profile, err := h.service.GetWorkingHours(c.Request.Context(), doctorID)
	if err != nil {
		c.Error(err)
		return
	}
	httputil.RespondWithSuccess(c, profile)
}
