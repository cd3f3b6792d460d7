// Package api is the REST client for the appointment, message and attachment
// endpoints served next to the relay.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/constants"
)

// Error is a non-2xx response decoded from the standard envelope
type Error struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// envelope mirrors response.Response with a raw payload
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Client calls the REST API on behalf of one authenticated user
type Client struct {
	baseURL string
	token   func() (string, error)
	http    *http.Client
}

// NewClient creates a Client. token is called before every request.
func NewClient(baseURL string, token func() (string, error), httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: constants.DefaultTimeout}
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httpClient,
	}
}

// ListAppointments returns every appointment the caller participates in
func (c *Client) ListAppointments(ctx context.Context) ([]*domain.Appointment, error) {
	var out struct {
		Appointments []*domain.Appointment `json:"appointments"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/appointments", nil, &out); err != nil {
		return nil, fmt.Errorf("failed to list appointments: %w", err)
	}
	return out.Appointments, nil
}

// MessageHistory returns the persisted messages of a conversation in
// ascending order, by appointment when the ref has one
func (c *Client) MessageHistory(ctx context.Context, ref domain.ConversationRef) ([]domain.Message, error) {
	q := url.Values{}
	if ref.AppointmentID != uuid.Nil {
		q.Set("appointment_id", ref.AppointmentID.String())
	} else {
		q.Set("counterpart_id", ref.CounterpartID.String())
	}
	q.Set("limit", strconv.Itoa(constants.DefaultPageSize))

	var out struct {
		Messages []domain.Message `json:"messages"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/messages?"+q.Encode(), nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get message history: %w", err)
	}
	return out.Messages, nil
}

// MarkRead marks every inbound message of an appointment as read
func (c *Client) MarkRead(ctx context.Context, appointmentID uuid.UUID) error {
	body := map[string]any{"appointment_id": appointmentID}
	if err := c.do(ctx, http.MethodPost, "/v1/messages/read", body, nil); err != nil {
		return fmt.Errorf("failed to mark messages read: %w", err)
	}
	return nil
}

// AttachmentUpload is a presigned upload slot
type AttachmentUpload struct {
	AttachmentRef string    `json:"attachment_ref"`
	UploadURL     string    `json:"upload_url"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// CreateAttachment reserves an attachment and returns its upload URL
func (c *Client) CreateAttachment(ctx context.Context, appointmentID uuid.UUID, filename, contentType string, size int64) (*AttachmentUpload, error) {
	body := map[string]any{
		"appointment_id": appointmentID,
		"filename":       filename,
		"content_type":   contentType,
		"size":           size,
	}
	var out AttachmentUpload
	if err := c.do(ctx, http.MethodPost, "/v1/attachments", body, &out); err != nil {
		return nil, fmt.Errorf("failed to create attachment: %w", err)
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token()
		if err != nil {
			return fmt.Errorf("failed to get token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= 300 {
			return &Error{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return fmt.Errorf("invalid response: %w", err)
	}

	if resp.StatusCode >= 300 || !env.Success {
		apiErr := &Error{StatusCode: resp.StatusCode}
		if env.Error != nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	return json.Unmarshal(env.Data, out)
}
