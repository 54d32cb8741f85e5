package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/lsm/relay/internal/config"
)

// DefaultStopTimeout bounds how long a flow may take to stop.
const DefaultStopTimeout = 10 * time.Second

// runner is the part of *Flow the manager drives.
type runner interface {
	Definition() *config.FlowDefinition
	Run(ctx context.Context) error
	Update(ctx context.Context, def *config.FlowDefinition) error
	Close(ctx context.Context) error
}

type instance struct {
	flow    runner
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

func (i *instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// Manager runs a set of flows and reconciles it against new definitions.
type Manager struct {
	ctx         context.Context
	deps        Deps
	logger      *slog.Logger
	stopTimeout time.Duration
	build       func(ctx context.Context, def *config.FlowDefinition) (runner, error)

	mu    sync.Mutex
	flows map[string]*instance
}

// NewManager creates a manager. Flows it starts run until ctx is cancelled
// or they are stopped.
func NewManager(ctx context.Context, deps Deps) *Manager {
	deps = deps.withDefaults()
	m := &Manager{
		ctx:         ctx,
		deps:        deps,
		logger:      deps.Logger,
		stopTimeout: DefaultStopTimeout,
		flows:       make(map[string]*instance),
	}
	m.build = func(ctx context.Context, def *config.FlowDefinition) (runner, error) {
		return Build(ctx, def, m.deps)
	}
	return m
}

// Apply reconciles running flows against defs. Flows missing from defs are
// stopped and new ones started. A changed flow gets its processor replaced
// in place when its resources are unchanged and is restarted otherwise.
// Flows that fail to build are reported and skipped; the others still apply.
func (m *Manager) Apply(defs map[string]*config.FlowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for name, inst := range m.flows {
		if _, ok := defs[name]; !ok {
			if err := m.stop(name, inst); err != nil {
				errs = append(errs, err)
			}
			m.deps.Health.Remove(name)
		}
	}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		def := defs[name]
		inst, running := m.flows[name]
		if running && !inst.exited() {
			if reflect.DeepEqual(inst.flow.Definition(), def) {
				continue
			}
			err := inst.flow.Update(m.ctx, def)
			if err == nil {
				m.logger.Info("flow updated in place", "flow", name)
				continue
			}
			if !errors.Is(err, ErrRestartRequired) {
				m.logger.Error("flow update rejected, keeping previous definition", "flow", name, "error", err)
				errs = append(errs, fmt.Errorf("update %s: %w", name, err))
				continue
			}
			m.logger.Info("flow resources changed, restarting", "flow", name)
		}
		if running {
			if err := m.stop(name, inst); err != nil {
				errs = append(errs, err)
			}
		}
		if err := m.start(def); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (m *Manager) start(def *config.FlowDefinition) error {
	f, err := m.build(m.ctx, def)
	if err != nil {
		m.logger.Error("failed to build flow", "flow", def.Name, "error", err)
		m.deps.Health.SetReady(def.Name, false)
		return fmt.Errorf("build %s: %w", def.Name, err)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	inst := &instance{flow: f, cancel: cancel, done: make(chan struct{}), started: time.Now()}
	m.flows[def.Name] = inst

	go func() {
		defer close(inst.done)
		err := f.Run(ctx)
		if err != nil && ctx.Err() == nil {
			m.logger.Error("flow stopped unexpectedly", "flow", def.Name, "error", err)
		}
	}()

	m.logger.Info("flow started", "flow", def.Name, "source", def.Source.Type)
	return nil
}

func (m *Manager) stop(name string, inst *instance) error {
	delete(m.flows, name)
	inst.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), m.stopTimeout)
	defer cancel()

	select {
	case <-inst.done:
	case <-ctx.Done():
		m.logger.Warn("flow did not stop in time", "flow", name, "timeout", m.stopTimeout)
	}
	if err := inst.flow.Close(ctx); err != nil {
		return fmt.Errorf("stop %s: %w", name, err)
	}
	m.logger.Info("flow stopped", "flow", name, "uptime", time.Since(inst.started).Round(time.Second))
	return nil
}

// Names returns the names of managed flows, sorted.
func (m *Manager) Names() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.flows))
	for name := range m.flows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Shutdown stops every flow.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for name, inst := range m.flows {
		if err := m.stop(name, inst); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
