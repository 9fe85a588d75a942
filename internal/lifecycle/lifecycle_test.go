package lifecycle

import (
	"context"
	"errors"
	"testing"
)

type fakeHandle struct {
	stopped *[]string
	name    string
	failOn  bool
}

func (h *fakeHandle) Stop(ctx context.Context) error {
	*h.stopped = append(*h.stopped, h.name)
	if h.failOn {
		return errors.New("boom")
	}
	return nil
}

type fakeComponent struct {
	name      string
	requires  []Capability
	provides  []Capability
	failStart bool
	stopFails bool
	started   *[]string
	stopped   *[]string
}

func (c *fakeComponent) Name() string           { return c.name }
func (c *fakeComponent) Requires() []Capability { return c.requires }
func (c *fakeComponent) Provides() []Capability { return c.provides }

func (c *fakeComponent) Start(ctx context.Context, bus *Bus) (Handle, error) {
	if c.failStart {
		return nil, errors.New("start failed")
	}
	*c.started = append(*c.started, c.name)
	for _, p := range c.provides {
		if err := bus.Register(p, c.name); err != nil {
			return nil, err
		}
	}
	return &fakeHandle{stopped: c.stopped, name: c.name, failOn: c.stopFails}, nil
}

func TestBusRegisterAndGet(t *testing.T) {
	b := NewBus()
	if err := b.Register("storage.DB", 42); err != nil {
		t.Fatalf("Register: %v", err)
	}
	v, err := b.Get("storage.DB")
	if err != nil || v != 42 {
		t.Fatalf("Get: %v, %v", v, err)
	}
}

func TestBusRegisterDuplicateFails(t *testing.T) {
	b := NewBus()
	b.Register("x", 1)
	err := b.Register("x", 2)
	var dup *DuplicateCapability
	if !errors.As(err, &dup) {
		t.Fatalf("expected DuplicateCapability, got %v", err)
	}
}

func TestBusGetUnknownFails(t *testing.T) {
	b := NewBus()
	_, err := b.Get("missing")
	var unk *UnknownCapability
	if !errors.As(err, &unk) {
		t.Fatalf("expected UnknownCapability, got %v", err)
	}
}

func TestOrchestratorStartsInDependencyOrder(t *testing.T) {
	var started, stopped []string
	storage := &fakeComponent{name: "storage", provides: []Capability{"storage.DB"}, started: &started, stopped: &stopped}
	lms := &fakeComponent{name: "lms", requires: []Capability{"storage.DB"}, provides: []Capability{"lms.Client"}, started: &started, stopped: &stopped}

	orch, err := New(nil, []Component{lms, storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(started) != 2 || started[0] != "storage" || started[1] != "lms" {
		t.Fatalf("expected storage before lms, got %v", started)
	}
}

func TestOrchestratorUnmetDependencyFailsBeforeStarting(t *testing.T) {
	var started, stopped []string
	lms := &fakeComponent{name: "lms", requires: []Capability{"storage.DB"}, started: &started, stopped: &stopped}

	_, err := New(nil, []Component{lms})
	var unmet *UnmetDependencies
	if !errors.As(err, &unmet) {
		t.Fatalf("expected UnmetDependencies, got %v", err)
	}
	if missing := unmet.Components["lms"]; len(missing) != 1 || missing[0] != "storage.DB" {
		t.Fatalf("expected lms to be missing storage.DB, got %v", unmet.Components)
	}
	if len(started) != 0 {
		t.Fatalf("expected nothing to have started, got %v", started)
	}
}

func TestOrchestratorStartFailureUnwindsAlreadyStarted(t *testing.T) {
	var started, stopped []string
	storage := &fakeComponent{name: "storage", provides: []Capability{"storage.DB"}, started: &started, stopped: &stopped}
	broken := &fakeComponent{name: "broken", requires: []Capability{"storage.DB"}, provides: []Capability{"broken.Thing"}, failStart: true, started: &started, stopped: &stopped}
	never := &fakeComponent{name: "never", requires: []Capability{"broken.Thing"}, started: &started, stopped: &stopped}

	orch, err := New(nil, []Component{never, broken, storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.Start(context.Background()); err == nil {
		t.Fatal("expected Start to fail")
	}
	if len(started) != 1 || started[0] != "storage" {
		t.Fatalf("expected only storage to have started, got %v", started)
	}
	if len(stopped) != 1 || stopped[0] != "storage" {
		t.Fatalf("expected storage to be unwound, got %v", stopped)
	}
}

func TestOrchestratorStopsInReverseOrderAndCollectsFailures(t *testing.T) {
	var started, stopped []string
	storage := &fakeComponent{name: "storage", provides: []Capability{"storage.DB"}, stopFails: true, started: &started, stopped: &stopped}
	lms := &fakeComponent{name: "lms", requires: []Capability{"storage.DB"}, started: &started, stopped: &stopped}

	orch, err := New(nil, []Component{lms, storage})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := orch.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}

	err = orch.Stop(context.Background())
	if err == nil {
		t.Fatal("expected Stop to report the storage failure")
	}
	if len(stopped) != 2 || stopped[0] != "lms" || stopped[1] != "storage" {
		t.Fatalf("expected lms then storage to stop, got %v", stopped)
	}
}
