package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/response"
)

func newTestServer(t *testing.T, register func(r *gin.Engine)) *Client {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if c.GetHeader("Authorization") != "Bearer tok" {
			response.Unauthorized(c, "missing token")
			c.Abort()
			return
		}
		c.Next()
	})
	register(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL+"/", func() (string, error) { return "tok", nil }, nil)
}

func TestClient_ListAppointments(t *testing.T) {
	at := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	doctor := uuid.New()
	appt := &domain.Appointment{
		AppointmentID: uuid.New(),
		Doctor:        domain.ParticipantRef{ProfileID: uuid.New(), UserID: &doctor, Name: "Dr. Grey"},
		Patient:       domain.ParticipantRef{ProfileID: uuid.New()},
		ScheduledAt:   &at,
		Status:        domain.AppointmentConfirmed,
		Kind:          domain.AppointmentVideo,
	}

	client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/appointments", func(c *gin.Context) {
			response.Success(c, http.StatusOK, gin.H{"appointments": []*domain.Appointment{appt}})
		})
	})

	got, err := client.ListAppointments(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, appt.AppointmentID, got[0].AppointmentID)
	assert.Equal(t, doctor, *got[0].Doctor.UserID)
	assert.True(t, at.Equal(*got[0].ScheduledAt))
}

func TestClient_MessageHistoryQuery(t *testing.T) {
	ref := domain.ConversationRef{AppointmentID: uuid.New(), CounterpartID: uuid.New()}
	var query map[string]string

	client := newTestServer(t, func(r *gin.Engine) {
		r.GET("/v1/messages", func(c *gin.Context) {
			query = map[string]string{
				"appointment_id": c.Query("appointment_id"),
				"counterpart_id": c.Query("counterpart_id"),
				"limit":          c.Query("limit"),
			}
			response.Success(c, http.StatusOK, gin.H{"messages": []domain.Message{{ID: uuid.New(), Content: "hi"}}})
		})
	})

	msgs, err := client.MessageHistory(context.Background(), ref)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, ref.AppointmentID.String(), query["appointment_id"])
	assert.Empty(t, query["counterpart_id"])
	assert.Equal(t, "50", query["limit"])

	_, err = client.MessageHistory(context.Background(), domain.ConversationRef{CounterpartID: ref.CounterpartID})
	require.NoError(t, err)
	assert.Equal(t, ref.CounterpartID.String(), query["counterpart_id"])
}

func TestClient_ErrorEnvelope(t *testing.T) {
	client := newTestServer(t, func(r *gin.Engine) {
		r.POST("/v1/messages/read", func(c *gin.Context) {
			response.Forbidden(c, "not a participant")
		})
	})

	err := client.MarkRead(context.Background(), uuid.New())
	require.Error(t, err)

	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)
	assert.Equal(t, "FORBIDDEN", apiErr.Code)
	assert.Equal(t, "not a participant", apiErr.Message)
}

func TestClient_CreateAttachment(t *testing.T) {
	var body map[string]any
	client := newTestServer(t, func(r *gin.Engine) {
		r.POST("/v1/attachments", func(c *gin.Context) {
			require.NoError(t, c.ShouldBindJSON(&body))
			response.Success(c, http.StatusCreated, AttachmentUpload{
				AttachmentRef: "attachments/x/scan.png",
				UploadURL:     "http://minio/upload",
			})
		})
	})

	up, err := client.CreateAttachment(context.Background(), uuid.New(), "scan.png", "image/png", 1024)
	require.NoError(t, err)
	assert.Equal(t, "attachments/x/scan.png", up.AttachmentRef)
	assert.Equal(t, "scan.png", body["filename"])
	assert.Equal(t, "image/png", body["content_type"])
}

func TestClient_Unauthorized(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/v1/appointments", func(c *gin.Context) { response.Unauthorized(c, "nope") })
	srv := httptest.NewServer(r)
	defer srv.Close()

	client := NewClient(srv.URL, nil, nil)
	_, err := client.ListAppointments(context.Background())

	var apiErr *Error
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}
