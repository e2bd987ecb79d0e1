package plugin

import (
	"context"
	"errors"
	"testing"
)

type fakePlugin struct {
	info       Info
	configured bool
	inits      int
	starts     int
	stops      int
	startErr   error
	seen       map[string]any
}

func (f *fakePlugin) Info() Info { return f.info }

func (f *fakePlugin) Configure(cfg map[string]any) error {
	f.configured = true
	if _, ok := cfg["threshold"]; !ok {
		cfg["threshold"] = 10
	}
	return nil
}

func (f *fakePlugin) Init(*ExecutionContext) error {
	f.inits++
	return nil
}

func (f *fakePlugin) Start(ctx *ExecutionContext) error {
	f.starts++
	f.seen = ctx.Resources
	return f.startErr
}

func (f *fakePlugin) Stop(*ExecutionContext) error {
	f.stops++
	return nil
}

func TestManagerLifecycle(t *testing.T) {
	m, err := NewManager(ManagerConfig{}, WithResource(ResourceWorkflowRegistry, struct{}{}))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	fake := &fakePlugin{info: Info{ID: "audit", Category: TypeWorkflow}}
	if err := m.Register("audit", fake, map[string]any{"level": "info"}, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !fake.configured {
		t.Fatal("expected Configure to run during registration")
	}

	state, err := m.State("audit")
	if err != nil || state != StateRegistered {
		t.Fatalf("unexpected state %q err %v", state, err)
	}

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatalf("start all: %v", err)
	}
	if fake.inits != 1 || fake.starts != 1 {
		t.Fatalf("unexpected lifecycle counts: inits=%d starts=%d", fake.inits, fake.starts)
	}
	if _, ok := fake.seen[ResourceWorkflowRegistry]; !ok {
		t.Fatal("expected workflow registry resource to be shared")
	}

	// Start 是幂等的。
	if err := m.Start(context.Background(), "audit"); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if fake.starts != 1 {
		t.Fatalf("expected start to be idempotent, got %d", fake.starts)
	}

	if err := m.StopAll(context.Background()); err != nil {
		t.Fatalf("stop all: %v", err)
	}
	if fake.stops != 1 {
		t.Fatalf("expected one stop, got %d", fake.stops)
	}
	state, _ = m.State("audit")
	if state != StateStopped {
		t.Fatalf("unexpected final state %q", state)
	}
}

func TestManagerRejectsCapabilityWithoutPolicy(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fake := &fakePlugin{info: Info{ID: "net", Capabilities: []Capability{CapabilityNetwork}}}
	if err := m.Register("net", fake, nil, IsolationPolicy{}); err == nil {
		t.Fatal("expected registration to fail without an isolation policy")
	}
}

func TestManagerRejectsDeniedCapability(t *testing.T) {
	m, err := NewManager(ManagerConfig{Defaults: IsolationPolicy{
		DeniedCapabilities: []Capability{CapabilityExecution},
	}})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fake := &fakePlugin{info: Info{ID: "exec", Capabilities: []Capability{CapabilityExecution}}}
	err = m.Register("exec", fake, nil, IsolationPolicy{})
	if err == nil {
		t.Fatal("expected denied capability to fail registration")
	}
}

func TestManagerStartFailureCleansUp(t *testing.T) {
	m, err := NewManager(ManagerConfig{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	fake := &fakePlugin{info: Info{ID: "broken"}, startErr: errors.New("boom")}
	if err := m.Register("broken", fake, nil, IsolationPolicy{}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Start(context.Background(), "broken"); err == nil {
		t.Fatal("expected start to fail")
	}
	state, _ := m.State("broken")
	if state == StateStarted {
		t.Fatalf("plugin must not report started after failure, got %q", state)
	}
}
