// Package config holds the server configuration and the agent profile.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/samber/lo"
)

var validate = validator.New()

// Config stores all parameters of the matchmaking server. Values come from
// PAIRUP_* environment variables; the CLI may override a subset of them.
type Config struct {
	Addr     string `env:"PAIRUP_ADDR,default=:8080" validate:"required"`
	LogLevel string `env:"PAIRUP_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`

	// STUNServers is a comma-separated list of STUN URLs handed to clients
	// that use the built-in negotiator. Empty means the built-in defaults.
	STUNServers string `env:"PAIRUP_STUN_SERVERS"`

	QueueSize       int     `env:"PAIRUP_QUEUE_SIZE,default=1024" validate:"min=1"`
	OutboxSize      int     `env:"PAIRUP_OUTBOX_SIZE,default=64" validate:"min=1"`
	EventRate       float64 `env:"PAIRUP_EVENT_RATE,default=20" validate:"gt=0"`
	EventBurst      int     `env:"PAIRUP_EVENT_BURST,default=40" validate:"min=1"`
	MaxMessageBytes int64   `env:"PAIRUP_MAX_MESSAGE_BYTES,default=65536" validate:"min=1024"`
	MaxChatLength   int     `env:"PAIRUP_MAX_CHAT_LENGTH,default=2000" validate:"min=1"`

	AgentAPIKey  string        `env:"PAIRUP_AGENT_API_KEY"`
	AgentBaseURL string        `env:"PAIRUP_AGENT_BASE_URL" validate:"omitempty,url"`
	AgentProfile string        `env:"PAIRUP_AGENT_PROFILE"`
	AgentTimeout time.Duration `env:"PAIRUP_AGENT_TIMEOUT,default=60s" validate:"gt=0"`
	// AgentAttemptTimeout bounds one backend call; AgentTimeout bounds a whole
	// reply including retries.
	AgentAttemptTimeout time.Duration `env:"PAIRUP_AGENT_ATTEMPT_TIMEOUT,default=20s" validate:"gt=0"`

	StatsInterval time.Duration `env:"PAIRUP_STATS_INTERVAL,default=30s" validate:"min=0"`
}

// Load reads the configuration from the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Environ())
}

// LoadFrom reads the configuration from a KEY=VALUE list and validates it.
func LoadFrom(environ []string) (Config, error) {
	var cfg Config

	es, err := env.EnvironToEnvSet(environ)
	if err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := env.Unmarshal(es, &cfg); err != nil {
		return Config{}, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints. It is called again after CLI overrides.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// STUNList splits STUNServers into trimmed, non-empty URLs.
func (c Config) STUNList() []string {
	return lo.Compact(lo.Map(strings.Split(c.STUNServers, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}))
}
