package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"coursewatch/internal/logging"

	"github.com/google/uuid"
)

// Orchestrator starts a set of Components in dependency order and stops them
// in reverse, mirroring modules_lifespan's enter-then-yield-then-exit-reversed
// shape without the coroutine.
type Orchestrator struct {
	log        *slog.Logger
	bus        *Bus
	components []Component
	started    []startedComponent
}

type startedComponent struct {
	component Component
	handle    Handle
}

// New builds an Orchestrator over components, ordering them up front so a
// bad dependency graph is reported before anything starts.
func New(logger *slog.Logger, components []Component) (*Orchestrator, error) {
	ordered, err := topoSort(components)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		log:        logging.Default(logger),
		bus:        NewBus(),
		components: ordered,
	}, nil
}

// Bus returns the capability registry shared across all components.
func (o *Orchestrator) Bus() *Bus { return o.bus }

// Start brings every component up in dependency order. On the first failure
// it stops everything already started (in reverse) and returns, without
// entering any later component — mirroring the original's "a module that
// fails to initialize aborts the whole startup" behavior.
func (o *Orchestrator) Start(ctx context.Context) error {
	runID := uuid.NewString()
	for _, c := range o.components {
		o.log.Debug("starting component", "run_id", runID, "component", c.Name())
		handle, err := c.Start(ctx, o.bus)
		if err != nil {
			o.log.Error("component failed to start", "run_id", runID, "component", c.Name(), "error", err)
			if stopErr := o.stopStarted(ctx); stopErr != nil {
				o.log.Warn("error unwinding partially started components", "run_id", runID, "error", stopErr)
			}
			return fmt.Errorf("start component %s: %w", c.Name(), err)
		}
		o.started = append(o.started, startedComponent{component: c, handle: handle})
	}
	o.log.Info("all components started", "run_id", runID, "count", len(o.started))
	return nil
}

// Stop stops every started component in reverse start order, collecting
// (not aborting on) individual failures, the same as modules_lifespan's
// finally block logging per-module shutdown failures but continuing.
func (o *Orchestrator) Stop(ctx context.Context) error {
	err := o.stopStarted(ctx)
	if err == nil {
		o.log.Info("all components stopped")
	}
	return err
}

func (o *Orchestrator) stopStarted(ctx context.Context) error {
	var errs []error
	for i := len(o.started) - 1; i >= 0; i-- {
		sc := o.started[i]
		o.log.Debug("stopping component", "component", sc.component.Name())
		if err := sc.handle.Stop(ctx); err != nil {
			o.log.Warn("component failed to stop cleanly", "component", sc.component.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop component %s: %w", sc.component.Name(), err))
		}
	}
	o.started = nil
	return errors.Join(errs...)
}
