package plugin

import (
	"errors"
	"fmt"
	"slices"
)

// IsolationStrategy is the hook used to fence plugins off from the host.
// Validate runs at registration time, Prepare/Cleanup around the lifecycle.
type IsolationStrategy interface {
	Validate(info Info, policy IsolationPolicy) error
	Prepare(info Info) error
	Cleanup(info Info) error
}

// NoopIsolationStrategy checks declared capabilities against the policy and
// nothing else. It is the default when no strategy is injected.
type NoopIsolationStrategy struct{}

// Validate rejects plugins whose capabilities fall outside the policy.
// An empty allow list permits everything that is not explicitly denied.
func (NoopIsolationStrategy) Validate(info Info, policy IsolationPolicy) error {
	for _, capability := range info.Capabilities {
		if slices.Contains(policy.DeniedCapabilities, capability) {
			return fmt.Errorf("capability %s is explicitly denied", capability)
		}
	}
	if len(policy.AllowedCapabilities) == 0 {
		return nil
	}
	for _, capability := range info.Capabilities {
		if !slices.Contains(policy.AllowedCapabilities, capability) {
			return fmt.Errorf("capability %s not permitted", capability)
		}
	}
	return nil
}

// Prepare implements IsolationStrategy.
func (NoopIsolationStrategy) Prepare(Info) error { return nil }

// Cleanup implements IsolationStrategy.
func (NoopIsolationStrategy) Cleanup(Info) error { return nil }

// NewIsolationStrategy substitutes the noop strategy for a nil one.
func NewIsolationStrategy(strategy IsolationStrategy) IsolationStrategy {
	if strategy == nil {
		return NoopIsolationStrategy{}
	}
	return strategy
}

// MergePolicies resolves the effective policy of a plugin: plugin-specific
// entries take precedence, falling back to the manager defaults.
func MergePolicies(defaults IsolationPolicy, plugin *IsolationPolicy) IsolationPolicy {
	if plugin == nil {
		return defaults
	}
	merged := plugin.Merge(defaults)
	if len(merged.AllowedCapabilities) == 0 && len(merged.DeniedCapabilities) == 0 {
		return defaults
	}
	return merged
}

// EnsurePolicy requires a non-empty policy for any plugin declaring
// capabilities, so nothing privileged slips through on defaults alone.
func EnsurePolicy(info Info, policy IsolationPolicy) error {
	if len(info.Capabilities) == 0 {
		return nil
	}
	if len(policy.AllowedCapabilities) == 0 && len(policy.DeniedCapabilities) == 0 {
		return errors.New("plugins declaring capabilities require an isolation policy")
	}
	return nil
}
