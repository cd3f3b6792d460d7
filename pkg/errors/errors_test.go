package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors(t *testing.T) {
	tests := []struct {
		name   string
		err    *AppError
		code   ErrorCode
		status int
	}{
		{"validation", ValidationError("bad"), ErrCodeValidation, http.StatusBadRequest},
		{"missing field", MissingFieldError("appointmentId"), ErrCodeMissingField, http.StatusBadRequest},
		{"invalid token", InvalidTokenError("expired"), ErrCodeInvalidToken, http.StatusUnauthorized},
		{"not participant", NotParticipantError(), ErrCodeNotParticipant, http.StatusForbidden},
		{"appointment", AppointmentNotFoundError(), ErrCodeAppointmentNotFound, http.StatusNotFound},
		{"capacity", TooManyConnectionsError(), ErrCodeTooManyConnections, http.StatusServiceUnavailable},
		{"unavailable", ServiceUnavailableError("redis down"), ErrCodeServiceUnavail, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.code, tt.err.Code)
			assert.Equal(t, tt.status, tt.err.StatusCode)
		})
	}
	assert.Contains(t, MissingFieldError("appointmentId").Message, "appointmentId")
}

func TestWrappedCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := DatabaseError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, "Database error", err.Message)
}

func TestGetAppError(t *testing.T) {
	wrapped := fmt.Errorf("join failed: %w", NotParticipantError())
	require.True(t, IsAppError(wrapped))
	assert.Equal(t, ErrCodeNotParticipant, GetAppError(wrapped).Code)

	plain := errors.New("pq: syntax error")
	assert.False(t, IsAppError(plain))
	appErr := GetAppError(plain)
	assert.Equal(t, ErrCodeInternal, appErr.Code)
	assert.Equal(t, http.StatusInternalServerError, appErr.StatusCode)
	assert.NotContains(t, appErr.Message, "syntax")
}
