package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"maestro/internal/types"
)

// AgentBinary describes how to invoke one external agent kind.
type AgentBinary struct {
	Binary       string   `yaml:"binary"`
	DefaultModel string   `yaml:"default_model"`
	MaxTurns     int      `yaml:"max_turns"`
	AllowedTools []string `yaml:"allowed_tools"`
	OutputFormat string   `yaml:"output_format"`
	ExtraArgs    []string `yaml:"extra_args"`
}

// AgentRegistry maps agent kinds to their CLI definitions. Loaded from
// agents.yaml; the fallback registry invokes a binary named after the kind.
type AgentRegistry struct {
	Agents map[types.AgentKind]AgentBinary `yaml:"agents"`
}

// DefaultRegistry returns a registry that shells out to "claude" for every
// kind with role-appropriate default models.
func DefaultRegistry() *AgentRegistry {
	return &AgentRegistry{
		Agents: map[types.AgentKind]AgentBinary{
			types.AgentWriter: {
				Binary:       "claude",
				DefaultModel: "claude-sonnet",
				MaxTurns:     50,
				OutputFormat: "json",
			},
			types.AgentValidator: {
				Binary:       "claude",
				DefaultModel: "claude-sonnet",
				MaxTurns:     20,
				OutputFormat: "json",
			},
			types.AgentReviewer: {
				Binary:       "claude",
				DefaultModel: "claude-haiku",
				MaxTurns:     20,
				OutputFormat: "json",
			},
		},
	}
}

// LoadRegistry reads agents.yaml; missing file yields the default registry.
func LoadRegistry(path string) (*AgentRegistry, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultRegistry(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read agent registry: %w", err)
	}

	reg := &AgentRegistry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("failed to parse agent registry: %w", err)
	}

	// Fill gaps from the defaults so a partial file still covers all kinds.
	defaults := DefaultRegistry()
	if reg.Agents == nil {
		reg.Agents = make(map[types.AgentKind]AgentBinary)
	}
	for kind, def := range defaults.Agents {
		if _, ok := reg.Agents[kind]; !ok {
			reg.Agents[kind] = def
		}
	}
	return reg, nil
}

// Lookup returns the binary definition for a kind.
func (r *AgentRegistry) Lookup(kind types.AgentKind) (AgentBinary, error) {
	if !kind.Valid() {
		return AgentBinary{}, fmt.Errorf("unknown agent kind: %s", kind)
	}
	def, ok := r.Agents[kind]
	if !ok {
		return AgentBinary{}, fmt.Errorf("no binary registered for agent kind %s", kind)
	}
	return def, nil
}
