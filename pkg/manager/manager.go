// Package manager orchestrates the plugin lifecycle: manifest loading,
// dependency and host-version resolution, security validation, and
// hand-off to the sandbox runtime.
package manager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"golang.org/x/time/rate"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/sandbox"
	"github.com/nexus-shell/nxsh/pkg/security"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// Record is the manager's bookkeeping for one loaded plugin.
type Record struct {
	Metadata   *plugin.Metadata
	Path       string
	Validation *security.ValidationResult
	LoadedAt   time.Time
}

// Manager is the plugin lifecycle coordinator.
type Manager struct {
	cfg      *plugin.Config
	logger   telemetry.Logger
	bus      *plugin.Bus
	security *security.Manager
	runtime  *sandbox.Runtime
	limiter  *rate.Limiter

	mu     sync.RWMutex
	loaded map[plugin.ID]*Record
}

// NewManager wires the manager to its collaborators.
func NewManager(cfg *plugin.Config, logger telemetry.Logger, bus *plugin.Bus, sec *security.Manager, rt *sandbox.Runtime) *Manager {
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		bus:      bus,
		security: sec,
		runtime:  rt,
		limiter:  rate.NewLimiter(rate.Limit(cfg.LoadRate), cfg.LoadBurst),
		loaded:   make(map[plugin.ID]*Record),
	}
}

// Load takes a plugin module path through the full pipeline and returns
// the id it is loaded under. The pipeline order is fixed: manifest,
// duplicate check, host compatibility, dependencies, module bytes (with
// decryption), security validation, sandbox instantiation. EventLoaded
// is published only after the sandbox confirms the instance.
func (m *Manager) Load(ctx context.Context, path string) (plugin.ID, error) {
	const op = "manager.load"

	if err := m.limiter.Wait(ctx); err != nil {
		return "", plugin.WrapError(plugin.KindLoad, op, "", "load rate limit", err)
	}

	manifest, err := plugin.LoadManifest(plugin.ManifestPathFor(path))
	if err != nil {
		return "", err
	}
	meta := manifest.ToMetadata()
	id := meta.ID()

	m.mu.RLock()
	_, dup := m.loaded[id]
	m.mu.RUnlock()
	if dup {
		return "", plugin.NewError(plugin.KindLoad, op, id, "plugin is already loaded")
	}

	if err := checkHostCompatibility(meta); err != nil {
		return "", err
	}

	m.mu.RLock()
	err = resolveDependencies(meta, m.loaded)
	m.mu.RUnlock()
	if err != nil {
		return "", err
	}

	module, err := m.readModule(path, id)
	if err != nil {
		return "", err
	}

	result, err := m.security.ValidatePlugin(ctx, path, module, meta)
	if err != nil {
		return "", err
	}

	if err := m.runtime.Load(ctx, meta, module, result.Context); err != nil {
		return "", err
	}

	record := &Record{
		Metadata:   meta,
		Path:       path,
		Validation: result,
		LoadedAt:   time.Now(),
	}

	m.mu.Lock()
	if _, dup := m.loaded[id]; dup {
		m.mu.Unlock()
		// Lost a race to a concurrent load of the same id; back out our
		// instance.
		_ = m.runtime.Unload(ctx, id)
		return "", plugin.NewError(plugin.KindLoad, op, id, "plugin is already loaded")
	}
	m.loaded[id] = record
	m.mu.Unlock()

	m.bus.Publish(ctx, plugin.Event{
		Type:   plugin.EventLoaded,
		Plugin: id,
	})
	m.logger.Info(ctx, "Plugin loaded", map[string]any{
		"plugin":          string(id),
		"path":            path,
		"signature_valid": result.SignatureValid,
		"granted":         len(result.Context.Capabilities),
	})
	return id, nil
}

// readModule reads the module bytes, decrypting .age bundles when
// encryption is enabled.
func (m *Manager) readModule(path string, id plugin.ID) ([]byte, error) {
	const op = "manager.load"

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindIO, op, id, fmt.Sprintf("reading %s", path), err)
	}

	if !strings.HasSuffix(path, ".age") {
		return data, nil
	}
	if !m.cfg.EnableEncryption {
		return nil, plugin.NewError(plugin.KindEncryption, op, id,
			"module is encrypted but encryption support is disabled")
	}

	keyFile, err := os.Open(m.cfg.EncryptionIdentity)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindEncryption, op, id, "opening encryption identity", err)
	}
	defer keyFile.Close()

	identities, err := age.ParseIdentities(keyFile)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindEncryption, op, id, "parsing encryption identity", err)
	}

	r, err := age.Decrypt(bytes.NewReader(data), identities...)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindEncryption, op, id, "decrypting module", err)
	}
	module, err := io.ReadAll(r)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindEncryption, op, id, "reading decrypted module", err)
	}
	return module, nil
}

// Execute forwards a call to the sandbox after confirming the plugin is
// managed here.
func (m *Manager) Execute(ctx context.Context, id plugin.ID, function string, input []byte) ([]byte, error) {
	m.mu.RLock()
	_, ok := m.loaded[id]
	m.mu.RUnlock()
	if !ok {
		return nil, plugin.NewError(plugin.KindNotFound, "manager.execute", id, "plugin is not loaded")
	}
	return m.runtime.Execute(ctx, id, function, input)
}

// Unload removes one plugin. Another loaded plugin depending on it
// blocks the unload.
func (m *Manager) Unload(ctx context.Context, id plugin.ID) error {
	const op = "manager.unload"

	m.mu.Lock()
	record, ok := m.loaded[id]
	if !ok {
		m.mu.Unlock()
		return plugin.NewError(plugin.KindNotFound, op, id, "plugin is not loaded")
	}
	for otherID, other := range m.loaded {
		if otherID == id {
			continue
		}
		if _, depends := other.Metadata.Dependencies[id.Name()]; depends {
			m.mu.Unlock()
			return plugin.NewError(plugin.KindDependency, op, id,
				fmt.Sprintf("plugin '%s' depends on it", otherID))
		}
	}
	delete(m.loaded, id)
	m.mu.Unlock()

	if err := m.runtime.Unload(ctx, id); err != nil {
		// Keep both views consistent: the record stays until the
		// sandbox has actually released the instance.
		if !plugin.IsNotFound(err) {
			m.mu.Lock()
			m.loaded[id] = record
			m.mu.Unlock()
		}
		return err
	}

	m.bus.Publish(ctx, plugin.Event{
		Type:   plugin.EventUnloaded,
		Plugin: id,
	})
	m.logger.Info(ctx, "Plugin unloaded", map[string]any{
		"plugin": string(id),
		"path":   record.Path,
	})
	return nil
}

// UnloadAll unloads every plugin, dependents before dependencies.
// Best-effort: it continues past failures and returns the first error.
func (m *Manager) UnloadAll(ctx context.Context) error {
	var first error
	for {
		m.mu.RLock()
		remaining := make([]plugin.ID, 0, len(m.loaded))
		for id := range m.loaded {
			remaining = append(remaining, id)
		}
		m.mu.RUnlock()
		if len(remaining) == 0 {
			return first
		}

		progressed := false
		for _, id := range remaining {
			err := m.Unload(ctx, id)
			if err == nil {
				progressed = true
				continue
			}
			if plugin.IsKind(err, plugin.KindDependency) {
				// Unload its dependents first on a later pass.
				continue
			}
			if first == nil {
				first = err
			}
			progressed = true
		}
		if !progressed {
			// A dependency cycle in the loaded set; force each one out.
			for _, id := range remaining {
				m.mu.Lock()
				delete(m.loaded, id)
				m.mu.Unlock()
				if err := m.runtime.Unload(ctx, id); err != nil && first == nil {
					first = err
				}
				m.bus.Publish(ctx, plugin.Event{Type: plugin.EventUnloaded, Plugin: id})
			}
			return first
		}
	}
}

// Get returns the record for a loaded plugin.
func (m *Manager) Get(id plugin.ID) (*Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.loaded[id]
	return r, ok
}

// List returns the loaded plugin ids.
func (m *Manager) List() []plugin.ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]plugin.ID, 0, len(m.loaded))
	for id := range m.loaded {
		ids = append(ids, id)
	}
	return ids
}

// Discover scans the configured plugin directory for loadable modules,
// returning their paths. It does not load them.
func (m *Manager) Discover() ([]string, error) {
	entries, err := os.ReadDir(m.cfg.PluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, plugin.WrapError(plugin.KindIO, "manager.discover", "",
			fmt.Sprintf("reading %s", m.cfg.PluginDir), err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(name, ".wasm") || strings.HasSuffix(name, ".wasm.age") {
			paths = append(paths, filepath.Join(m.cfg.PluginDir, name))
		}
	}
	return paths, nil
}
