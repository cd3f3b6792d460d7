package storage

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
	apperrors "consultlink-backend/pkg/errors"
	"consultlink-backend/pkg/resilience"
)

// Mocks
type MockParticipantChecker struct {
	mock.Mock
}

func (m *MockParticipantChecker) CheckParticipant(ctx context.Context, appointmentID, userID uuid.UUID) error {
	args := m.Called(ctx, appointmentID, userID)
	return args.Error(0)
}

type MockObjectStorage struct {
	mock.Mock
}

func (m *MockObjectStorage) BucketExists(ctx context.Context, bucketName string) (bool, error) {
	args := m.Called(ctx, bucketName)
	return args.Bool(0), args.Error(1)
}

func (m *MockObjectStorage) MakeBucket(ctx context.Context, bucketName string, opts minio.MakeBucketOptions) error {
	args := m.Called(ctx, bucketName, opts)
	return args.Error(0)
}

func (m *MockObjectStorage) PresignedPutObject(ctx context.Context, bucketName, objectName string, expires time.Duration) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*url.URL), args.Error(1)
}

func (m *MockObjectStorage) PresignedGetObject(ctx context.Context, bucketName, objectName string, expires time.Duration, reqParams url.Values) (*url.URL, error) {
	args := m.Called(ctx, bucketName, objectName, expires, reqParams)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*url.URL), args.Error(1)
}

func testBreaker() *resilience.Breaker {
	cfg := resilience.DefaultConfig()
	cfg.Backoff = time.Millisecond
	return resilience.NewBreaker("storage", cfg, nil)
}

func newTestService(t *testing.T) (*Service, *MockObjectStorage, *MockParticipantChecker) {
	t.Helper()
	storage := new(MockObjectStorage)
	checker := new(MockParticipantChecker)
	storage.On("BucketExists", mock.Anything, "test-bucket").Return(true, nil).Once()

	service, err := NewService(context.Background(), storage, "test-bucket", checker, testBreaker())
	require.NoError(t, err)
	return service, storage, checker
}

func TestNewService_CreatesMissingBucket(t *testing.T) {
	storage := new(MockObjectStorage)
	storage.On("BucketExists", mock.Anything, "test-bucket").Return(false, nil)
	storage.On("MakeBucket", mock.Anything, "test-bucket", minio.MakeBucketOptions{}).Return(nil)

	service, err := NewService(context.Background(), storage, "test-bucket", new(MockParticipantChecker), testBreaker())

	assert.NoError(t, err)
	assert.NotNil(t, service)
	storage.AssertExpectations(t)
}

func TestCreateAttachment(t *testing.T) {
	service, storage, checker := newTestService(t)
	ctx := context.Background()
	userID, apptID := uuid.New(), uuid.New()
	dummyURL, _ := url.Parse("http://minio/upload")

	checker.On("CheckParticipant", ctx, apptID, userID).Return(nil)
	storage.On("PresignedPutObject", mock.Anything, "test-bucket", mock.AnythingOfType("string"), constants.PresignedURLExpiry).Return(dummyURL, nil)

	output, err := service.CreateAttachment(ctx, userID, &AttachmentInput{
		AppointmentID: apptID,
		Filename:      "../../etc/lab results.pdf",
		ContentType:   "application/pdf",
		Size:          2048,
	})

	require.NoError(t, err)
	assert.Equal(t, dummyURL.String(), output.UploadURL)
	assert.Equal(t, domain.MessageFile, output.Kind)
	assert.True(t, strings.HasPrefix(output.AttachmentRef, domain.AttachmentPrefix(apptID, userID)))
	assert.True(t, strings.HasSuffix(output.AttachmentRef, "/lab_results.pdf"))

	got, ok := domain.AttachmentAppointment(output.AttachmentRef)
	assert.True(t, ok)
	assert.Equal(t, apptID, got)

	storage.AssertExpectations(t)
	checker.AssertExpectations(t)
}

func TestCreateAttachment_Validation(t *testing.T) {
	service, storage, _ := newTestService(t)

	_, err := service.CreateAttachment(context.Background(), uuid.New(), &AttachmentInput{
		AppointmentID: uuid.New(), Filename: "a.exe", ContentType: "application/x-msdownload", Size: 10,
	})
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)

	_, err = service.CreateAttachment(context.Background(), uuid.New(), &AttachmentInput{
		AppointmentID: uuid.New(), Filename: "big.mp4", ContentType: "video/mp4", Size: constants.MaxAttachmentSize + 1,
	})
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)

	storage.AssertNotCalled(t, "PresignedPutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateAttachment_NotParticipant(t *testing.T) {
	service, storage, checker := newTestService(t)
	checker.On("CheckParticipant", mock.Anything, mock.Anything, mock.Anything).Return(apperrors.NotParticipantError())

	_, err := service.CreateAttachment(context.Background(), uuid.New(), &AttachmentInput{
		AppointmentID: uuid.New(), Filename: "x.png", ContentType: "image/png", Size: 10,
	})

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeNotParticipant, appErr.Code)
	storage.AssertNotCalled(t, "PresignedPutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestCreateAttachment_StorageDown(t *testing.T) {
	service, storage, checker := newTestService(t)
	checker.On("CheckParticipant", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	storage.On("PresignedPutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	input := &AttachmentInput{AppointmentID: uuid.New(), Filename: "x.png", ContentType: "image/png", Size: 10}

	_, err := service.CreateAttachment(context.Background(), uuid.New(), input)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeStorage, appErr.Code)

	// three failures opened the circuit
	_, err = service.CreateAttachment(context.Background(), uuid.New(), input)
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeServiceUnavail, appErr.Code)
}

func TestDownloadURL(t *testing.T) {
	service, storage, checker := newTestService(t)
	ctx := context.Background()
	userID, apptID := uuid.New(), uuid.New()
	ref := domain.AttachmentPrefix(apptID, uuid.New()) + uuid.NewString() + "/scan.png"
	dummyURL, _ := url.Parse("http://minio/download")

	checker.On("CheckParticipant", ctx, apptID, userID).Return(nil)
	storage.On("PresignedGetObject", mock.Anything, "test-bucket", ref, constants.PresignedURLExpiry, url.Values(nil)).Return(dummyURL, nil)

	output, err := service.DownloadURL(ctx, userID, ref)
	require.NoError(t, err)
	assert.Equal(t, dummyURL.String(), output.URL)

	_, err = service.DownloadURL(ctx, userID, "users/whatever")
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
}
