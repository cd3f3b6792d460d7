package agent

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. CONSULT_RELAY_URL
const EnvPrefix = "CONSULT"

// Config holds the headless participant's settings
type Config struct {
	API      APIConfig
	Relay    RelayConfig
	Identity IdentityConfig
	Call     CallConfig
	Logging  LoggingConfig
	// Refresh is how often appointments are reloaded and windows re-evaluated
	Refresh time.Duration
}

// APIConfig points at the REST surface
type APIConfig struct {
	URL     string
	Timeout time.Duration
}

// RelayConfig points at the websocket relay
type RelayConfig struct {
	URL string
}

// IdentityConfig is who the agent acts as. Token wins over Secret; Secret
// mints short-lived tokens locally (development only).
type IdentityConfig struct {
	UserID string
	Name   string
	Role   string
	Token  string
	Secret string
}

// CallConfig controls automatic call handling
type CallConfig struct {
	AutoAccept bool
	AutoCall   bool
	Kind       string
	ICEServers []string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads consult-agent.yaml (or path when set) and applies CONSULT_*
// environment overrides
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("consult-agent")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/consultlink")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("api.url", "http://localhost:8083")
	v.SetDefault("api.timeout", 30*time.Second)
	v.SetDefault("relay.url", "ws://localhost:8083/v1")

	v.SetDefault("identity.userid", "")
	v.SetDefault("identity.name", "")
	v.SetDefault("identity.role", "doctor")
	v.SetDefault("identity.token", "")
	v.SetDefault("identity.secret", "")

	v.SetDefault("call.autoaccept", false)
	v.SetDefault("call.autocall", false)
	v.SetDefault("call.kind", "video")
	v.SetDefault("call.iceservers", []string{"stun:stun.l.google.com:19302"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("refresh", time.Minute)
}

// Validate checks required fields
func (c *Config) Validate() error {
	if _, err := uuid.Parse(c.Identity.UserID); err != nil {
		return fmt.Errorf("identity.userid must be a uuid: %w", err)
	}
	if c.Identity.Role != "patient" && c.Identity.Role != "doctor" {
		return fmt.Errorf("identity.role must be patient or doctor, got %q", c.Identity.Role)
	}
	if c.Identity.Token == "" && c.Identity.Secret == "" {
		return errors.New("identity.token or identity.secret is required")
	}
	if c.Call.Kind != "audio" && c.Call.Kind != "video" {
		return fmt.Errorf("call.kind must be audio or video, got %q", c.Call.Kind)
	}
	if c.API.URL == "" || c.Relay.URL == "" {
		return errors.New("api.url and relay.url are required")
	}
	if c.Refresh <= 0 {
		c.Refresh = time.Minute
	}
	return nil
}
