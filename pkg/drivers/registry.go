package drivers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rolecraft/rolecraft/pkg/engine"
)

// Factory constructs a driver.
type Factory func(ctx context.Context, opts Options) (Driver, error)

type registration struct {
	capabilities Capability
	factory      Factory
}

// Registry maps engine names to driver factories.
type Registry struct {
	// mu protects the registry state.
	mu sync.RWMutex

	// drivers maps engine name to its registration.
	drivers map[string]registration
}

// NewRegistry creates an empty driver registry.
func NewRegistry() *Registry {
	return &Registry{
		drivers: make(map[string]registration),
	}
}

// Register adds a driver factory with its declared capabilities.
func (r *Registry) Register(name string, capabilities Capability, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.drivers[name] = registration{capabilities: capabilities, factory: factory}
}

// Names lists registered engine names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.drivers))
	for name := range r.drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Capabilities returns the declared capabilities of an engine.
func (r *Registry) Capabilities(name string) (Capability, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg, ok := r.drivers[name]
	if !ok {
		return 0, unknownEngine(name)
	}
	return reg.capabilities, nil
}

// Check fails with CapabilityUnsupported if the engine lacks any required capability.
// It does not construct the driver.
func (r *Registry) Check(name string, required Capability) error {
	caps, err := r.Capabilities(name)
	if err != nil {
		return err
	}
	if missing := caps.Missing(required); missing != 0 {
		return engine.ErrCapabilityUnsupported(name, missing.String())
	}
	return nil
}

// Open checks capabilities, then constructs the driver.
func (r *Registry) Open(ctx context.Context, name string, required Capability, opts Options) (Driver, error) {
	if err := r.Check(name, required); err != nil {
		return nil, err
	}

	r.mu.RLock()
	reg := r.drivers[name]
	r.mu.RUnlock()

	d, err := reg.factory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s driver: %w", name, err)
	}

	// A driver may declare fewer capabilities at runtime than at registration
	if missing := d.Capabilities().Missing(required); missing != 0 {
		_ = d.Close()
		return nil, engine.ErrCapabilityUnsupported(name, missing.String())
	}

	return d, nil
}

func unknownEngine(name string) error {
	return engine.ErrConfigInvalid("engine", fmt.Errorf("unknown engine %q", name))
}

// AsBuilder returns the driver's build operations.
func AsBuilder(d Driver) (Builder, error) {
	b, ok := d.(Builder)
	if !ok || !d.Capabilities().Has(CapBuild) {
		return nil, engine.ErrCapabilityUnsupported(d.Name(), CapBuild.String())
	}
	return b, nil
}

// AsPusher returns the driver's push operation.
func AsPusher(d Driver) (Pusher, error) {
	p, ok := d.(Pusher)
	if !ok || !d.Capabilities().Has(CapPush) {
		return nil, engine.ErrCapabilityUnsupported(d.Name(), CapPush.String())
	}
	return p, nil
}

// AsAuthenticator returns the driver's login operation.
func AsAuthenticator(d Driver) (Authenticator, error) {
	a, ok := d.(Authenticator)
	if !ok || !d.Capabilities().Has(CapLogin) {
		return nil, engine.ErrCapabilityUnsupported(d.Name(), CapLogin.String())
	}
	return a, nil
}

// AsOrchestrator returns the driver's plan operations.
func AsOrchestrator(d Driver) (Orchestrator, error) {
	o, ok := d.(Orchestrator)
	if !ok || !(d.Capabilities().Has(CapRun) || d.Capabilities().Has(CapDeploy)) {
		return nil, engine.ErrCapabilityUnsupported(d.Name(), CapRun.String())
	}
	return o, nil
}
