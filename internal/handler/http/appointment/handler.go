package appointment

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/response"
)

// Lister returns the appointments a user takes part in
type Lister interface {
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Appointment, error)
}

// Handler serves the appointment read model
type Handler struct {
	appointments Lister
}

// NewHandler creates a new appointment handler
func NewHandler(appointments Lister) *Handler {
	return &Handler{appointments: appointments}
}

// ListAppointments returns the caller's appointments, newest first
// GET /v1/appointments
func (h *Handler) ListAppointments(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return
	}

	list, err := h.appointments.ListForUser(c.Request.Context(), userID)
	if err != nil {
		logger.FromContext(c.Request.Context()).Error("Failed to list appointments",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		response.InternalError(c, "Failed to list appointments")
		return
	}
	if list == nil {
		list = []*domain.Appointment{}
	}

	response.Success(c, http.StatusOK, gin.H{"appointments": list})
}
