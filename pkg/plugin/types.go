package plugin

// Type is the functional category of a plugin.
type Type string

const (
	// TypeWorkflow plugins contribute job handlers to the workflow registry.
	TypeWorkflow Type = "workflow"
	// TypeNotifier plugins deliver alert events to external systems.
	TypeNotifier Type = "notifier"
)

// Capability names an optional feature a plugin may request access to.
// The isolation policy decides which capabilities are granted.
type Capability string

const (
	CapabilityFilesystem Capability = "filesystem"
	CapabilityNetwork    Capability = "network"
	CapabilityExecution  Capability = "execution"
)

// Info is the static metadata a plugin reports about itself.
type Info struct {
	ID           string
	Name         string
	Description  string
	Author       string
	Version      string
	Category     Type
	Capabilities []Capability
}

// State tracks where a plugin instance is in its lifecycle.
type State string

const (
	StateRegistered  State = "registered"
	StateInitialised State = "initialised"
	StateStarted     State = "started"
	StateStopped     State = "stopped"
)
