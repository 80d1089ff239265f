// Package permission converts a plugin's requested capabilities into a
// least-privilege execution context under the active security policy.
// The manifest is a hard ceiling; the policy filters beneath it.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// Quotas are the resource ceilings copied from the process configuration
// into each execution context.
type Quotas struct {
	MaxMemoryBytes   int64
	MaxStackSize     int64
	ExecutionTimeout time.Duration
}

// ExecutionContext is the realized capability set for one plugin
// instance. It is created once per load, immutable afterwards, and
// owned by the loaded plugin record.
type ExecutionContext struct {
	PluginName     string
	Capabilities   map[plugin.Capability]struct{}
	Quotas         Quotas
	SignatureValid bool
	CreatedAt      time.Time
}

// Has reports whether the context grants cap.
func (c *ExecutionContext) Has(cap plugin.Capability) bool {
	_, ok := c.Capabilities[cap]
	return ok
}

// Granted returns the granted capabilities in unspecified order.
func (c *ExecutionContext) Granted() []plugin.Capability {
	out := make([]plugin.Capability, 0, len(c.Capabilities))
	for cap := range c.Capabilities {
		out = append(out, cap)
	}
	return out
}

// Manager evaluates capability requests against the active policy.
type Manager struct {
	cfg    *plugin.Config
	logger telemetry.Logger
	bus    *plugin.Bus

	mu          sync.RWMutex
	engines     map[string]*engine
	initialized bool
}

// NewManager creates an uninitialized Manager.
func NewManager(cfg *plugin.Config, logger telemetry.Logger, bus *plugin.Bus) *Manager {
	return &Manager{cfg: cfg, logger: logger, bus: bus}
}

// Initialize loads and compiles the policy file. Idempotent.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.initialized {
		return nil
	}

	file, err := LoadPolicyFile(m.cfg.PolicyPath)
	if err != nil {
		return err
	}

	engines := make(map[string]*engine, len(file.Policies))
	for name, spec := range file.Policies {
		e, err := newEngine(name, spec)
		if err != nil {
			return err
		}
		engines[name] = e
	}

	if _, ok := engines[m.cfg.SecurityPolicy]; !ok {
		return plugin.NewError(plugin.KindPermission, "permission.initialize", "",
			fmt.Sprintf("active security policy '%s' is not defined", m.cfg.SecurityPolicy))
	}

	m.engines = engines
	m.initialized = true
	m.logger.Info(ctx, "Permission manager initialized", map[string]any{
		"active_policy": m.cfg.SecurityPolicy,
		"policies":      len(engines),
	})
	return nil
}

// CreateExecutionContext evaluates each requested capability and
// returns the minimal context the plugin will run under.
//
// Capabilities absent from the manifest are rejected unconditionally,
// before the policy sees them. Individual denials are not errors; the
// plugin simply runs with a smaller context and fails at link time if
// it needs more. The only error path is a broken policy evaluation
// setup (unknown active policy).
func (m *Manager) CreateExecutionContext(
	ctx context.Context,
	pluginName string,
	meta *plugin.Metadata,
	requested []plugin.Capability,
	signatureValid bool,
) (*ExecutionContext, error) {
	m.mu.RLock()
	engines, initialized := m.engines, m.initialized
	m.mu.RUnlock()
	if !initialized {
		return nil, plugin.NewError(plugin.KindConfig, "permission.context", "", "permission manager not initialized")
	}

	eng, ok := engines[m.cfg.SecurityPolicy]
	if !ok {
		return nil, plugin.NewError(plugin.KindPermission, "permission.context", meta.ID(),
			fmt.Sprintf("unknown security policy '%s'", m.cfg.SecurityPolicy))
	}

	id := meta.ID()
	granted := make(map[plugin.Capability]struct{}, len(requested))
	for _, cap := range requested {
		if !meta.DeclaresCapability(cap) {
			m.deny(ctx, id, cap, "capability not declared in manifest")
			continue
		}
		if allowed, reason := eng.decide(meta, cap, signatureValid); !allowed {
			m.deny(ctx, id, cap, reason)
			continue
		}
		granted[cap] = struct{}{}
		m.bus.Publish(ctx, plugin.Event{
			Type:       plugin.EventPermissionGranted,
			Plugin:     id,
			Capability: cap,
		})
	}

	m.logger.Info(ctx, "Created execution context", map[string]any{
		"plugin":    string(id),
		"requested": len(requested),
		"granted":   len(granted),
		"policy":    m.cfg.SecurityPolicy,
	})

	return &ExecutionContext{
		PluginName:     pluginName,
		Capabilities:   granted,
		Quotas: Quotas{
			MaxMemoryBytes:   m.cfg.MaxMemoryBytes,
			MaxStackSize:     m.cfg.MaxStackSize,
			ExecutionTimeout: m.cfg.ExecutionTimeout,
		},
		SignatureValid: signatureValid,
		CreatedAt:      time.Now(),
	}, nil
}

func (m *Manager) deny(ctx context.Context, id plugin.ID, cap plugin.Capability, reason string) {
	m.bus.Publish(ctx, plugin.Event{
		Type:       plugin.EventPermissionDenied,
		Plugin:     id,
		Capability: cap,
		Reason:     reason,
	})
	m.logger.Info(ctx, "Capability denied", map[string]any{
		"plugin":     string(id),
		"capability": string(cap),
		"reason":     reason,
	})
}
