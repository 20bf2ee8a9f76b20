package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentProfile describes the conversational agent offered in agent mode.
type AgentProfile struct {
	Model             string        `yaml:"model" validate:"required"`
	SystemInstruction string        `yaml:"system_instruction"`
	MaxOutputTokens   int           `yaml:"max_output_tokens" validate:"min=1"`
	Attempts          int           `yaml:"attempts" validate:"min=1,max=10"`
	BaseDelay         time.Duration `yaml:"base_delay" validate:"min=0"`
}

// DefaultAgentProfile is used when no profile file is configured.
func DefaultAgentProfile() AgentProfile {
	return AgentProfile{
		Model: "gemini-2.0-flash",
		SystemInstruction: "You are a friendly stranger in a casual one-on-one chat. " +
			"Keep replies short and conversational, ask questions back, and never claim to be human.",
		MaxOutputTokens: 256,
		Attempts:        3,
		BaseDelay:       time.Second,
	}
}

// LoadAgentProfile reads a YAML profile. Fields missing from the file keep
// their default values. An empty path or a missing file yields the defaults.
func LoadAgentProfile(path string) (AgentProfile, error) {
	profile := DefaultAgentProfile()
	if path == "" {
		return profile, nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return profile, nil
	}
	if err != nil {
		return AgentProfile{}, fmt.Errorf("reading agent profile: %w", err)
	}

	if err := yaml.Unmarshal(data, &profile); err != nil {
		return AgentProfile{}, fmt.Errorf("parsing agent profile %s: %w", path, err)
	}
	if err := validate.Struct(profile); err != nil {
		return AgentProfile{}, fmt.Errorf("invalid agent profile %s: %w", path, err)
	}
	return profile, nil
}
