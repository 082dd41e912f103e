package automation

import (
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/cwygoda/clipmill/internal/config"
	"github.com/cwygoda/clipmill/internal/domain"
)

// Registry holds the generator registered for each platform.
type Registry struct {
	generators map[string]domain.Generator
}

// NewRegistry creates a new generator registry.
func NewRegistry() *Registry {
	return &Registry{generators: make(map[string]domain.Generator)}
}

// Register adds a generator, replacing any earlier one for its platform.
func (r *Registry) Register(g domain.Generator) {
	r.generators[g.Platform()] = g
}

// Get returns the generator for platform.
func (r *Registry) Get(platform string) (domain.Generator, error) {
	g, ok := r.generators[platform]
	if !ok {
		return nil, fmt.Errorf("no automation driver for platform %q", platform)
	}
	return g, nil
}

// Platforms returns the registered platforms, sorted.
func (r *Registry) Platforms() []string {
	out := make([]string, 0, len(r.generators))
	for p := range r.generators {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// FromConfig registers a CommandDriver for every configured driver.
func FromConfig(drivers []config.DriverConfig, log logrus.FieldLogger) (*Registry, error) {
	r := NewRegistry()
	for _, dc := range drivers {
		d, err := NewCommandDriver(dc, log)
		if err != nil {
			return nil, err
		}
		r.Register(d)
	}
	return r, nil
}
