package plexus

import (
	"fmt"
	"os"
	"time"

	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"gopkg.in/yaml.v3"
)

// EnvTechnology holds the YAML ChildConfig the Core injects into the
// Technologies it spawns.
const EnvTechnology = "PLEXUS_TECHNOLOGY"

// ChildConfig is what a spawned Technology needs to join the bus.
type ChildConfig struct {
	ID     string `yaml:"id"`
	Type   string `yaml:"type"`
	CoreID string `yaml:"coreId,omitempty"`

	Framing        envelope.Framing `yaml:"framing,omitempty"`
	DefaultTimeout time.Duration    `yaml:"defaultTimeout,omitempty"`

	// Endpoints starts with the Core link.
	Endpoints []endpoint.Config `yaml:"endpoints"`

	// Options are free-form settings of the Technology itself.
	Options map[string]any `yaml:"options,omitempty"`
}

// LoadChildConfig reads the ChildConfig from EnvTechnology.
func LoadChildConfig() (*ChildConfig, error) {
	blob := os.Getenv(EnvTechnology)
	if blob == "" {
		return nil, ErrNoChildConfig
	}
	return ParseChildConfig([]byte(blob))
}

func ParseChildConfig(data []byte) (*ChildConfig, error) {
	cfg := &ChildConfig{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	if !endpoint.ValidateName(cfg.ID) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNameInvalid)
	}
	return cfg, nil
}

func (cfg *ChildConfig) Marshal() ([]byte, error) {
	return yaml.Marshal(cfg)
}

// TechnologyOptions to pass to `New` so the Technology matches cfg.
func (cfg *ChildConfig) TechnologyOptions() []Option {
	opts := []Option{WithEndpoints(cfg.Endpoints...)}
	if cfg.CoreID != "" {
		opts = append(opts, WithCoreID(cfg.CoreID))
	}
	if cfg.Framing != "" {
		opts = append(opts, WithFraming(cfg.Framing))
	}
	if cfg.DefaultTimeout > 0 {
		opts = append(opts, WithDefaultTimeout(cfg.DefaultTimeout))
	}
	return opts
}
