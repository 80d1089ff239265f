// Package system is the single entry point the shell uses for plugins.
// It assembles the security, sandbox and lifecycle components and owns
// their shared state.
package system

import (
	"context"
	"sync"

	"github.com/nexus-shell/nxsh/pkg/manager"
	"github.com/nexus-shell/nxsh/pkg/permission"
	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/sandbox"
	"github.com/nexus-shell/nxsh/pkg/security"
	"github.com/nexus-shell/nxsh/pkg/signature"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// Stats is the subsystem-wide status snapshot.
type Stats struct {
	Loaded  []sandbox.Stats        `json:"loaded"`
	Process telemetry.ProcessStats `json:"process"`
}

// Option adjusts System construction.
type Option func(*System)

// WithLogger replaces the default slog-backed logger.
func WithLogger(l telemetry.Logger) Option {
	return func(s *System) { s.logger = l }
}

// WithMetrics replaces the default no-op metrics sink.
func WithMetrics(m telemetry.Metrics) Option {
	return func(s *System) { s.metrics = m }
}

// System is the plugin subsystem handle. All operations return a
// ConfigError until Initialize succeeds; after Shutdown the handle is
// inert and can be initialized again.
type System struct {
	cfg     *plugin.Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	bus     *plugin.Bus

	mu          sync.RWMutex
	runtime     *sandbox.Runtime
	manager     *manager.Manager
	sampler     *telemetry.ProcessSampler
	initialized bool
}

// New builds an uninitialized System for cfg.
func New(cfg *plugin.Config, opts ...Option) *System {
	s := &System{
		cfg:     cfg,
		logger:  telemetry.NewSlogAdapter(),
		metrics: telemetry.NewNoopMetrics(),
		bus:     plugin.NewBus(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var (
	defaultOnce   sync.Once
	defaultSystem *System
)

// Default returns the process-wide System built from DefaultConfig.
// Shell builtins that have no configuration plumbing use this.
func Default() *System {
	defaultOnce.Do(func() {
		defaultSystem = New(plugin.DefaultConfig())
	})
	return defaultSystem
}

// Subscribe attaches an event handler to the subsystem's bus. Handlers
// may be attached before Initialize, so no load can slip past them.
func (s *System) Subscribe(h plugin.EventHandler) {
	s.bus.Subscribe(h)
}

// Initialize validates the configuration and brings up every component.
// Idempotent: a second call on an initialized system is a no-op.
func (s *System) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil
	}

	if err := s.cfg.Validate(); err != nil {
		return err
	}

	verifier := signature.NewVerifier(s.cfg, s.logger, s.bus)
	permitter := permission.NewManager(s.cfg, s.logger, s.bus)
	sec := security.NewManager(s.cfg, verifier, permitter)
	if err := sec.Initialize(ctx); err != nil {
		return err
	}

	rt := sandbox.NewRuntime(s.cfg, s.logger, s.metrics, s.bus)
	if err := rt.Initialize(ctx); err != nil {
		return err
	}

	sampler, err := telemetry.NewProcessSampler(s.metrics)
	if err != nil {
		s.logger.Error(ctx, "Process sampler unavailable", map[string]any{"error": err.Error()})
		sampler = nil
	}

	s.runtime = rt
	s.manager = manager.NewManager(s.cfg, s.logger, s.bus, sec, rt)
	s.sampler = sampler
	s.initialized = true

	s.logger.Info(ctx, "Plugin system initialized", map[string]any{
		"plugin_dir":         s.cfg.PluginDir,
		"policy":             s.cfg.SecurityPolicy,
		"require_signatures": s.cfg.RequireSignatures,
	})
	return nil
}

func (s *System) components() (*manager.Manager, *sandbox.Runtime, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.initialized {
		return nil, nil, plugin.NewError(plugin.KindConfig, "system", "", "plugin system not initialized")
	}
	return s.manager, s.runtime, nil
}

// LoadPlugin loads the module at path and returns its id.
func (s *System) LoadPlugin(ctx context.Context, path string) (plugin.ID, error) {
	mgr, _, err := s.components()
	if err != nil {
		return "", err
	}
	return mgr.Load(ctx, path)
}

// ExecutePlugin calls an exported function of a loaded plugin.
func (s *System) ExecutePlugin(ctx context.Context, id plugin.ID, function string, input []byte) ([]byte, error) {
	mgr, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return mgr.Execute(ctx, id, function, input)
}

// UnloadPlugin removes a loaded plugin.
func (s *System) UnloadPlugin(ctx context.Context, id plugin.ID) error {
	mgr, _, err := s.components()
	if err != nil {
		return err
	}
	return mgr.Unload(ctx, id)
}

// ListPlugins returns the ids of loaded plugins.
func (s *System) ListPlugins() ([]plugin.ID, error) {
	mgr, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return mgr.List(), nil
}

// DescribePlugin returns the manager record for a loaded plugin.
func (s *System) DescribePlugin(id plugin.ID) (*manager.Record, error) {
	mgr, _, err := s.components()
	if err != nil {
		return nil, err
	}
	rec, ok := mgr.Get(id)
	if !ok {
		return nil, plugin.NewError(plugin.KindNotFound, "system.describe", id, "plugin is not loaded")
	}
	return rec, nil
}

// DiscoverPlugins lists loadable module paths under the plugin
// directory without loading them.
func (s *System) DiscoverPlugins() ([]string, error) {
	mgr, _, err := s.components()
	if err != nil {
		return nil, err
	}
	return mgr.Discover()
}

// Stats samples per-plugin counters and host process usage.
func (s *System) Stats(ctx context.Context) (*Stats, error) {
	_, rt, err := s.components()
	if err != nil {
		return nil, err
	}

	out := &Stats{}
	for _, id := range rt.List() {
		if st, ok := rt.StatsFor(id); ok {
			out.Loaded = append(out.Loaded, st)
		}
	}

	s.mu.RLock()
	sampler := s.sampler
	s.mu.RUnlock()
	if sampler != nil {
		if ps, err := sampler.Sample(); err == nil {
			out.Process = ps
		}
	}
	return out, nil
}

// Shutdown unloads every plugin and releases the sandbox. Idempotent:
// shutting down an uninitialized or already-shut-down system is a
// no-op. The first unload error is returned after shutdown completes.
func (s *System) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return nil
	}
	mgr, rt := s.manager, s.runtime
	s.manager = nil
	s.runtime = nil
	s.sampler = nil
	s.initialized = false
	s.mu.Unlock()

	first := mgr.UnloadAll(ctx)
	if err := rt.Close(ctx); err != nil && first == nil {
		first = err
	}

	s.logger.Info(ctx, "Plugin system shut down", nil)
	return first
}
