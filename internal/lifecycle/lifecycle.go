// Package lifecycle wires independently-written components together by
// declared capability, not by import order. It is grounded directly on
// original_source's api/_loader.py: LoadedModule.requires/provides become
// Component.Requires/Provides, LoadedModule.sort_dependencies becomes
// topoSort, and modules_lifespan's enter-in-order/exit-in-reverse-order
// become Orchestrator.Start/Stop. Where the original's lifetime is a single
// async-generator coroutine split by a yield, Component splits that same
// split into an explicit Start/Stop pair — Go has no coroutine to split.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
)

// Capability names a value a component provides to, or requires from, the
// bus. It is typically a named string constant declared next to the
// component that provides it (e.g. "storage.DB", "lms.Client").
type Capability string

// Component is one independently startable/stoppable unit. Name identifies
// it in logs and error messages; Requires/Provides declare the capability
// graph edges Orchestrator uses to order Start calls.
type Component interface {
	Name() string
	Requires() []Capability
	Provides() []Capability

	// Start brings the component up, registering any capability it Provides
	// onto bus before returning. bus already holds every capability this
	// component Requires.
	Start(ctx context.Context, bus *Bus) (Handle, error)
}

// Handle is returned by a successful Start and stops that one component.
type Handle interface {
	Stop(ctx context.Context) error
}

// Bus is the capability registry components use to exchange dependencies
// without importing each other directly.
type Bus struct {
	mu     sync.RWMutex
	values map[Capability]any
}

// NewBus returns an empty capability registry.
func NewBus() *Bus {
	return &Bus{values: make(map[Capability]any)}
}

// DuplicateCapability is returned by Register when tag has already been
// registered.
type DuplicateCapability struct {
	Capability Capability
}

func (e *DuplicateCapability) Error() string {
	return fmt.Sprintf("lifecycle: capability %q already registered", e.Capability)
}

// UnknownCapability is returned by Get when tag has not been registered.
type UnknownCapability struct {
	Capability Capability
}

func (e *UnknownCapability) Error() string {
	return fmt.Sprintf("lifecycle: capability %q not registered", e.Capability)
}

// Register adds value under tag. Returns DuplicateCapability if tag is
// already registered.
func (b *Bus) Register(tag Capability, value any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.values[tag]; ok {
		return &DuplicateCapability{Capability: tag}
	}
	b.values[tag] = value
	return nil
}

// Get retrieves the value registered under tag. Returns UnknownCapability
// if nothing is registered for it.
func (b *Bus) Get(tag Capability) (any, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.values[tag]
	if !ok {
		return nil, &UnknownCapability{Capability: tag}
	}
	return v, nil
}

// UnmetDependencies is returned by topoSort when one or more components
// require a capability nothing in the set provides. Mirrors
// LoadedModule.sort_dependencies's unmet-dependency ValueError, one entry
// per stuck component.
type UnmetDependencies struct {
	// Components names each stuck component alongside the capabilities it
	// was still waiting on.
	Components map[string][]Capability
}

func (e *UnmetDependencies) Error() string {
	msg := "lifecycle: components with unmet dependencies:"
	for name, missing := range e.Components {
		msg += fmt.Sprintf(" %s (%v);", name, missing)
	}
	return msg
}

// topoSort orders components so that every Requires capability is provided
// by an earlier component. It is the same greedy repeated-pass algorithm as
// LoadedModule.sort_dependencies: repeatedly pull out any component whose
// requirements are already satisfied, until nothing moves; what's left over
// is reported as UnmetDependencies.
func topoSort(components []Component) ([]Component, error) {
	available := map[Capability]struct{}{}
	var ordered []Component
	remaining := append([]Component(nil), components...)

	for len(remaining) > 0 {
		addedAny := false
		var next []Component
		for _, c := range remaining {
			if satisfied(c.Requires(), available) {
				ordered = append(ordered, c)
				for _, p := range c.Provides() {
					available[p] = struct{}{}
				}
				addedAny = true
			} else {
				next = append(next, c)
			}
		}
		if !addedAny {
			stuck := map[string][]Capability{}
			for _, c := range next {
				stuck[c.Name()] = missing(c.Requires(), available)
			}
			return nil, &UnmetDependencies{Components: stuck}
		}
		remaining = next
	}
	return ordered, nil
}

func satisfied(requires []Capability, available map[Capability]struct{}) bool {
	for _, r := range requires {
		if _, ok := available[r]; !ok {
			return false
		}
	}
	return true
}

func missing(requires []Capability, available map[Capability]struct{}) []Capability {
	var out []Capability
	for _, r := range requires {
		if _, ok := available[r]; !ok {
			out = append(out, r)
		}
	}
	return out
}
