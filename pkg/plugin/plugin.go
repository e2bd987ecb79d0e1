package plugin

import (
	"context"
	"maps"
)

// Well-known resource keys the host exposes to plugins.
const (
	// ResourceWorkflowRegistry holds the *workflow.Registry so workflow
	// plugins can register additional job handlers.
	ResourceWorkflowRegistry = "workflow:registry"
	// ResourceAlertDispatcher holds the alert dispatcher for notifier plugins.
	ResourceAlertDispatcher = "alerting:dispatcher"
)

// Plugin is the lifecycle contract every plugin implements. The manager
// drives the hooks in order: Configure, Init, Start, Stop.
type Plugin interface {
	// Info returns static metadata describing the plugin.
	Info() Info
	// Configure receives the plugin's configuration block before Init.
	// Implementations may write defaults back into the map.
	Configure(cfg map[string]any) error
	// Init prepares internal state.
	Init(ctx *ExecutionContext) error
	// Start activates the plugin; long running work belongs in goroutines
	// spawned here.
	Start(ctx *ExecutionContext) error
	// Stop halts the plugin and releases its resources.
	Stop(ctx *ExecutionContext) error
}

// ExecutionContext carries the cancellation context, the plugin's config
// and the host's shared resources into each lifecycle hook.
type ExecutionContext struct {
	C         context.Context
	Config    map[string]any
	Resources map[string]any
}

// Clone copies the context so a plugin mutating its maps cannot affect
// other plugins sharing the same manager.
func (c *ExecutionContext) Clone() *ExecutionContext {
	if c == nil {
		return nil
	}
	dup := *c
	if c.Config != nil {
		dup.Config = maps.Clone(c.Config)
	}
	if c.Resources != nil {
		dup.Resources = maps.Clone(c.Resources)
	}
	return &dup
}

// Option customises a manager at construction time.
type Option func(*Manager)

// WithLoader overrides the default binary loader implementation.
func WithLoader(loader Loader) Option {
	return func(m *Manager) {
		if loader != nil {
			m.loader = loader
		}
	}
}

// WithIsolationStrategy sets a custom isolation policy enforcement strategy.
func WithIsolationStrategy(strategy IsolationStrategy) Option {
	return func(m *Manager) {
		if strategy != nil {
			m.isolation = strategy
		}
	}
}

// WithResource exposes a shared host service to all plugins under the
// given key.
func WithResource(key string, value any) Option {
	return func(m *Manager) {
		if key == "" || value == nil {
			return
		}
		if m.resources == nil {
			m.resources = make(map[string]any)
		}
		m.resources[key] = value
	}
}
