package chat

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/internal/service/chat"
	"consultlink-backend/pkg/response"
)

// Service is the part of the chat service the REST surface uses
type Service interface {
	History(ctx context.Context, userID uuid.UUID, q chat.HistoryQuery) ([]*domain.Message, error)
	MarkRead(ctx context.Context, userID uuid.UUID, appointmentID, counterpartID *uuid.UUID) (int, error)
}

// Handler handles chat HTTP requests
type Handler struct {
	chatService Service
}

// NewHandler creates a new chat handler
func NewHandler(chatService Service) *Handler {
	return &Handler{
		chatService: chatService,
	}
}

// GetMessagesQuery selects one conversation: by appointment, or by counterpart
// for messages outside any appointment
type GetMessagesQuery struct {
	AppointmentID string `form:"appointment_id" binding:"omitempty,uuid"`
	CounterpartID string `form:"counterpart_id" binding:"omitempty,uuid"`
	Limit         int    `form:"limit" binding:"omitempty,min=1"`
}

// MarkReadRequest selects the conversation whose inbound messages are read
type MarkReadRequest struct {
	AppointmentID *uuid.UUID `json:"appointment_id"`
	CounterpartID *uuid.UUID `json:"counterpart_id"`
}

func currentUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		response.InternalError(c, "Invalid user ID")
		return uuid.Nil, false
	}
	return userID, true
}

func optionalUUID(s string) *uuid.UUID {
	if s == "" {
		return nil
	}
	id := uuid.MustParse(s)
	return &id
}

// GetMessages returns one conversation in ascending time order
// GET /v1/messages?appointment_id=uuid&limit=50
// GET /v1/messages?counterpart_id=uuid&limit=50
func (h *Handler) GetMessages(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var query GetMessagesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	messages, err := h.chatService.History(c.Request.Context(), userID, chat.HistoryQuery{
		AppointmentID: optionalUUID(query.AppointmentID),
		CounterpartID: optionalUUID(query.CounterpartID),
		Limit:         query.Limit,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"messages": messages})
}

// MarkRead marks the conversation's inbound messages as read
// POST /v1/messages/read
func (h *Handler) MarkRead(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	updated, err := h.chatService.MarkRead(c.Request.Context(), userID, req.AppointmentID, req.CounterpartID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"updated": updated})
}
