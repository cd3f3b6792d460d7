package agent

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"consultlink-backend/internal/domain"
	"consultlink-backend/pkg/jwt"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "consult-agent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	userID := uuid.New()
	path := writeConfig(t, `
identity:
  userid: `+userID.String()+`
  name: Dr. Who
  role: doctor
  secret: dev-secret
call:
  autoaccept: true
refresh: 30s
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, userID.String(), cfg.Identity.UserID)
	assert.True(t, cfg.Call.AutoAccept)
	assert.False(t, cfg.Call.AutoCall)
	assert.Equal(t, "video", cfg.Call.Kind)
	assert.Equal(t, 30*time.Second, cfg.Refresh)
	assert.Equal(t, "ws://localhost:8083/v1", cfg.Relay.URL)
	assert.NotEmpty(t, cfg.Call.ICEServers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, `
identity:
  userid: `+uuid.NewString()+`
  token: from-file
`)
	t.Setenv("CONSULT_IDENTITY_TOKEN", "from-env")
	t.Setenv("CONSULT_RELAY_URL", "wss://relay.example.com/v1")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Identity.Token)
	assert.Equal(t, "wss://relay.example.com/v1", cfg.Relay.URL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"bad user id", "identity:\n  userid: nope\n  token: t\n"},
		{"no credentials", "identity:\n  userid: " + uuid.NewString() + "\n"},
		{"bad role", "identity:\n  userid: " + uuid.NewString() + "\n  token: t\n  role: nurse\n"},
		{"bad call kind", "identity:\n  userid: " + uuid.NewString() + "\n  token: t\ncall:\n  kind: hologram\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestTokenSource(t *testing.T) {
	selfID := uuid.New()

	static := TokenSource(IdentityConfig{Token: "abc", Secret: "ignored"}, selfID)
	token, err := static()
	require.NoError(t, err)
	assert.Equal(t, "abc", token)

	minted := TokenSource(IdentityConfig{Secret: "dev-secret", Name: "Ana", Role: "patient"}, selfID)
	token, err = minted()
	require.NoError(t, err)

	claims, err := jwt.NewJWTManager("dev-secret", time.Minute).ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, selfID, claims.UserID)
	assert.Equal(t, "patient", claims.Role)
}

func TestPickConversation(t *testing.T) {
	_, ok := PickConversation(nil)
	assert.False(t, ok)

	upcoming := domain.Conversation{ID: uuid.New(), TemporalStatus: domain.StatusUpcoming}
	active := domain.Conversation{ID: uuid.New(), TemporalStatus: domain.StatusActive}

	got, ok := PickConversation([]domain.Conversation{upcoming, active})
	require.True(t, ok)
	assert.Equal(t, active.ID, got.ID)

	got, ok = PickConversation([]domain.Conversation{upcoming})
	require.True(t, ok)
	assert.Equal(t, upcoming.ID, got.ID)
}
