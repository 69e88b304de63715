package core

import (
	"fmt"
	"os"

	"github.com/raskyld/plexus"
	"github.com/raskyld/plexus/pkg/endpoint"
	"github.com/raskyld/plexus/pkg/envelope"
	"gopkg.in/yaml.v3"
)

// TypeWeb Technologies are browsers and UI clients. They connect on their
// own and are never spawned.
const TypeWeb = "web"

// Registry lists the Core configuration and the known Technologies.
type Registry struct {
	Core         CoreConfig   `yaml:"core"`
	Technologies []Descriptor `yaml:"technologies"`
}

type CoreConfig struct {
	ID      string           `yaml:"id,omitempty"`
	Framing envelope.Framing `yaml:"framing,omitempty"`

	Endpoints []endpoint.Config `yaml:"endpoints"`

	// Link is the Endpoint children connect back with. When empty, it is
	// derived from the first stream Endpoint listening.
	Link *endpoint.Config `yaml:"link,omitempty"`

	Store StoreConfig `yaml:"store"`
}

// StoreConfig selects the store.Store implementation.
type StoreConfig struct {
	// Kind is "memory" (default) or "nats".
	Kind   string `yaml:"kind,omitempty"`
	URL    string `yaml:"url,omitempty"`
	Bucket string `yaml:"bucket,omitempty"`
}

// Descriptor of a Technology the Core may spawn.
type Descriptor struct {
	ID      string         `yaml:"id"`
	Type    string         `yaml:"type"`
	Command string         `yaml:"command,omitempty"`
	Args    []string       `yaml:"args,omitempty"`
	Enabled bool           `yaml:"enabled"`
	Options map[string]any `yaml:"options,omitempty"`

	Endpoints []endpoint.Config `yaml:"endpoints,omitempty"`
}

func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	return ParseRegistry(data)
}

func ParseRegistry(data []byte) (*Registry, error) {
	reg := &Registry{}
	if err := yaml.Unmarshal(data, reg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

func (reg *Registry) Validate() error {
	if reg.Core.ID == "" {
		reg.Core.ID = plexus.DefaultCoreID
	}
	if !endpoint.ValidateName(reg.Core.ID) {
		return fmt.Errorf("%w: core id %q", ErrInvalidRegistry, reg.Core.ID)
	}
	if _, err := envelope.ParseFraming(string(reg.Core.Framing)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidRegistry, err)
	}
	for i := range reg.Core.Endpoints {
		if err := reg.Core.Endpoints[i].Validate(); err != nil {
			return fmt.Errorf("%w: core endpoint %q: %w", ErrInvalidRegistry, reg.Core.Endpoints[i].Name, err)
		}
	}

	seen := map[string]struct{}{reg.Core.ID: {}}
	for _, desc := range reg.Technologies {
		if !endpoint.ValidateName(desc.ID) {
			return fmt.Errorf("%w: technology id %q", ErrInvalidRegistry, desc.ID)
		}
		if _, dup := seen[desc.ID]; dup {
			return fmt.Errorf("%w: duplicate technology %q", ErrInvalidRegistry, desc.ID)
		}
		seen[desc.ID] = struct{}{}
		if desc.Type == "" {
			return fmt.Errorf("%w: technology %q has no type", ErrInvalidRegistry, desc.ID)
		}
		if desc.Enabled && desc.Type != TypeWeb && desc.Command == "" {
			return fmt.Errorf("%w: technology %q has no command", ErrInvalidRegistry, desc.ID)
		}
	}
	return nil
}

// Technology returns the descriptor of id.
func (reg *Registry) Technology(id string) (Descriptor, bool) {
	for _, desc := range reg.Technologies {
		if desc.ID == id {
			return desc, true
		}
	}
	return Descriptor{}, false
}

// Spawnable reports whether bootstrap starts desc.
func (reg *Registry) Spawnable(desc Descriptor) bool {
	return desc.Enabled && desc.ID != reg.Core.ID && desc.Type != TypeWeb
}
