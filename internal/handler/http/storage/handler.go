package storage

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"consultlink-backend/internal/service/storage"
	"consultlink-backend/pkg/response"
)

// Service issues presigned attachment URLs
type Service interface {
	CreateAttachment(ctx context.Context, userID uuid.UUID, input *storage.AttachmentInput) (*storage.AttachmentUpload, error)
	DownloadURL(ctx context.Context, userID uuid.UUID, ref string) (*storage.AttachmentDownload, error)
}

// Handler handles attachment HTTP requests
type Handler struct {
	storageService Service
}

// NewHandler creates a new storage handler
func NewHandler(storageService Service) *Handler {
	return &Handler{
		storageService: storageService,
	}
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

// CreateAttachment reserves an attachment ref and returns its upload URL
// POST /v1/attachments
func (h *Handler) CreateAttachment(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	var req storage.AttachmentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	upload, err := h.storageService.CreateAttachment(c.Request.Context(), userID, &req)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, upload)
}

// GetDownloadURL returns a short-lived download URL for an attachment
// GET /v1/attachments/url?ref=attachments/...
func (h *Handler) GetDownloadURL(c *gin.Context) {
	userID, ok := currentUser(c)
	if !ok {
		return
	}

	ref := c.Query("ref")
	if ref == "" {
		response.ValidationError(c, "ref is required")
		return
	}

	download, err := h.storageService.DownloadURL(c.Request.Context(), userID, ref)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, download)
}
