package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/logger"
	"consultlink-backend/pkg/resilience"
	"consultlink-backend/pkg/sanitize"
)

// ObjectStorage is the subset of *minio.Client the service needs
type ObjectStorage interface {
	BucketExists(ctx context.Context, bucketName string) (bool, error)
	MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error
	PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error)
	PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error)
}

// ParticipantChecker fails unless userID takes part in the appointment
type ParticipantChecker interface {
	CheckParticipant(ctx context.Context, appointmentID, userID uuid.UUID) error
}

// Service issues presigned attachment URLs
type Service struct {
	storage    ObjectStorage
	bucketName string
	checker    ParticipantChecker
	breaker    *resilience.Breaker
	now        func() time.Time
}

// NewService creates a new storage service and makes sure the bucket exists
func NewService(ctx context.Context, storage ObjectStorage, bucketName string, checker ParticipantChecker, breaker *resilience.Breaker) (*Service, error) {
	s := &Service{
		storage:    storage,
		bucketName: bucketName,
		checker:    checker,
		breaker:    breaker,
		now:        time.Now,
	}

	err := s.breaker.Execute(ctx, "ensure_bucket", func(ctx context.Context) error {
		exists, err := storage.BucketExists(ctx, bucketName)
		if err != nil {
			return fmt.Errorf("failed to check bucket: %w", err)
		}
		if exists {
			return nil
		}
		if err := storage.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
		logger.Info("Created attachments bucket", zap.String("bucket", bucketName))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// AttachmentInput describes a file about to be uploaded
type AttachmentInput struct {
	AppointmentID uuid.UUID `json:"appointment_id" binding:"required"`
	Filename      string    `json:"filename" binding:"required"`
	ContentType   string    `json:"content_type" binding:"required"`
	Size          int64     `json:"size" binding:"required"`
}

// AttachmentUpload is a presigned upload slot
type AttachmentUpload struct {
	AttachmentRef string             `json:"attachment_ref"`
	Kind          domain.MessageKind `json:"kind"`
	UploadURL     string             `json:"upload_url"`
	ExpiresAt     time.Time          `json:"expires_at"`
}

// AttachmentDownload is a presigned download link
type AttachmentDownload struct {
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expires_at"`
}


// CreateAttachment reserves an object key under the uploader's appointment
// prefix and presigns a PUT for it
func (s *Service) CreateAttachment(ctx context.Context, userID uuid.UUID, input *AttachmentInput) (*AttachmentUpload, error) {
	kind, ok := constants.AllowedMIMETypes[strings.ToLower(input.ContentType)]
	if !ok {
		return nil, apperrors.ValidationError("Unsupported content type")
	}
	if input.Size <= 0 || input.Size > constants.MaxAttachmentSize {
		return nil, apperrors.ValidationError(fmt.Sprintf("Attachment size must be between 1 and %d bytes", constants.MaxAttachmentSize))
	}
	if err := s.checker.CheckParticipant(ctx, input.AppointmentID, userID); err != nil {
		return nil, err
	}

	objectKey := domain.AttachmentPrefix(input.AppointmentID, userID) + uuid.NewString() + "/" + sanitize.Filename(input.Filename)

	var presigned *url.URL
	err := s.breaker.Execute(ctx, "presign_put", func(ctx context.Context) error {
		var err error
		presigned, err = s.storage.PresignedPutObject(ctx, s.bucketName, objectKey, constants.PresignedURLExpiry)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, apperrors.ServiceUnavailableError("Attachment storage temporarily unavailable")
		}
		return nil, apperrors.StorageError(err)
	}

	return &AttachmentUpload{
		AttachmentRef: objectKey,
		Kind:          domain.MessageKind(kind),
		UploadURL:     presigned.String(),
		ExpiresAt:     s.now().Add(constants.PresignedURLExpiry),
	}, nil
}

// DownloadURL presigns a GET for ref when userID takes part in its appointment
func (s *Service) DownloadURL(ctx context.Context, userID uuid.UUID, ref string) (*AttachmentDownload, error) {
	appointmentID, ok := domain.AttachmentAppointment(ref)
	if !ok || strings.Contains(ref, "..") {
		return nil, apperrors.ValidationError("Invalid attachment reference")
	}
	if err := s.checker.CheckParticipant(ctx, appointmentID, userID); err != nil {
		return nil, err
	}

	var presigned *url.URL
	err := s.breaker.Execute(ctx, "presign_get", func(ctx context.Context) error {
		var err error
		presigned, err = s.storage.PresignedGetObject(ctx, s.bucketName, ref, constants.PresignedURLExpiry, nil)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, apperrors.ServiceUnavailableError("Attachment storage temporarily unavailable")
		}
		return nil, apperrors.StorageError(err)
	}

	return &AttachmentDownload{
		URL:       presigned.String(),
		ExpiresAt: s.now().Add(constants.PresignedURLExpiry),
	}, nil
}
