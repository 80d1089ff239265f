// Package sandbox executes plugin WebAssembly modules under wazero.
// Each plugin gets its own engine instance so host-function linking can
// follow its execution context exactly.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"golang.org/x/sync/semaphore"

	"github.com/nexus-shell/nxsh/pkg/permission"
	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

const wasmPageSize = 65536

// Instance is one loaded plugin: a dedicated wazero runtime, its
// instantiated module, and the execution context it was granted.
type Instance struct {
	ID       plugin.ID
	Metadata *plugin.Metadata
	Context  *permission.ExecutionContext
	LoadedAt time.Time

	runtime wazero.Runtime
	module  api.Module

	// mu serializes guest calls and is the unload barrier: Unload takes
	// it, so an in-flight call always completes or traps first.
	mu       sync.Mutex
	unusable bool
	calls    uint64
	busy     time.Duration
}

// Stats is a point-in-time snapshot of one instance's counters.
type Stats struct {
	ID       plugin.ID
	LoadedAt time.Time
	Calls    uint64
	BusyTime time.Duration
	Unusable bool
}

// Runtime owns all loaded plugin instances and the shared compilation
// cache. The execution concurrency bound is global, not per plugin.
type Runtime struct {
	cfg     *plugin.Config
	logger  telemetry.Logger
	metrics telemetry.Metrics
	bus     *plugin.Bus

	mu          sync.RWMutex
	instances   map[plugin.ID]*Instance
	cache       wazero.CompilationCache
	sem         *semaphore.Weighted
	initialized bool
}

// NewRuntime creates an uninitialized Runtime.
func NewRuntime(cfg *plugin.Config, logger telemetry.Logger, metrics telemetry.Metrics, bus *plugin.Bus) *Runtime {
	return &Runtime{cfg: cfg, logger: logger, metrics: metrics, bus: bus}
}

// Initialize prepares the compilation cache and concurrency gate.
// Idempotent.
func (r *Runtime) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.initialized {
		return nil
	}

	cache, err := wazero.NewCompilationCacheWithDir(r.cfg.CacheDir)
	if err != nil {
		return plugin.WrapError(plugin.KindIO, "sandbox.initialize", "",
			fmt.Sprintf("opening compilation cache at %s", r.cfg.CacheDir), err)
	}

	r.cache = cache
	r.sem = semaphore.NewWeighted(r.cfg.MaxConcurrentExecutions)
	r.instances = make(map[plugin.ID]*Instance)
	r.initialized = true

	if r.cfg.EnableComponentModel {
		r.logger.Info(ctx, "Component model modules are not supported; only core modules load", nil)
	}
	if r.cfg.EnableMultiMemory {
		r.logger.Info(ctx, "Multi-memory modules are not supported; toggle ignored", nil)
	}

	r.logger.Info(ctx, "Sandbox runtime initialized", map[string]any{
		"cache_dir":      r.cfg.CacheDir,
		"max_concurrent": r.cfg.MaxConcurrentExecutions,
	})
	return nil
}

func (r *Runtime) runtimeConfig() wazero.RuntimeConfig {
	features := api.CoreFeaturesV2
	if r.cfg.EnableThreads {
		features |= experimental.CoreFeaturesThreads
	}

	pages := r.cfg.MaxMemoryBytes / wasmPageSize
	if pages < 1 {
		pages = 1
	}
	if pages > 65536 {
		pages = 65536
	}

	return wazero.NewRuntimeConfig().
		WithCoreFeatures(features).
		WithCloseOnContextDone(true).
		WithMemoryLimitPages(uint32(pages)).
		WithCompilationCache(r.cache)
}

// Load instantiates module under a fresh engine wired to exactly the
// capabilities ectx grants. The module's start functions are not run;
// plugins are libraries, not commands.
func (r *Runtime) Load(ctx context.Context, meta *plugin.Metadata, module []byte, ectx *permission.ExecutionContext) error {
	const op = "sandbox.load"
	id := meta.ID()

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.initialized {
		return plugin.NewError(plugin.KindConfig, op, id, "sandbox runtime not initialized")
	}
	if _, exists := r.instances[id]; exists {
		return plugin.NewError(plugin.KindLoad, op, id, "plugin is already loaded")
	}

	rt := wazero.NewRuntimeWithConfig(ctx, r.runtimeConfig())

	if ectx.Has(plugin.CapWASIPreview1) {
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			_ = rt.Close(ctx)
			return plugin.WrapError(plugin.KindLoad, op, id, "instantiating WASI", err)
		}
	}
	if err := instantiateHostModule(ctx, rt, id, ectx, r.logger); err != nil {
		_ = rt.Close(ctx)
		return plugin.WrapError(plugin.KindLoad, op, id, "instantiating host module", err)
	}

	mod, err := rt.InstantiateWithConfig(ctx, module, wazero.NewModuleConfig().
		WithName(string(id)).
		WithStartFunctions())
	if err != nil {
		_ = rt.Close(ctx)
		return plugin.WrapError(plugin.KindLoad, op, id, "instantiating module", err)
	}

	r.instances[id] = &Instance{
		ID:       id,
		Metadata: meta,
		Context:  ectx,
		LoadedAt: time.Now(),
		runtime:  rt,
		module:   mod,
	}
	r.metrics.SetGauge("nxsh_plugin_loaded", float64(len(r.instances)))
	r.logger.Info(ctx, "Plugin instantiated", map[string]any{
		"plugin":       string(id),
		"capabilities": len(ectx.Capabilities),
	})
	return nil
}

// Execute calls the named export with input and returns the bytes the
// guest produced. Calls on one instance are serialized; across
// instances, at most MaxConcurrentExecutions run at once.
//
// An export takes no parameters or (ptr, len) of the input copied into
// guest memory via its `allocate` export, and returns a packed i64 of
// (ptr<<32)|len into its exported memory. An instance that traps or
// exceeds the execution deadline is marked unusable and must be
// unloaded.
func (r *Runtime) Execute(ctx context.Context, id plugin.ID, function string, input []byte) ([]byte, error) {
	const op = "sandbox.execute"

	r.mu.RLock()
	inst, ok := r.instances[id]
	initialized := r.initialized
	sem := r.sem
	r.mu.RUnlock()
	if !initialized {
		return nil, plugin.NewError(plugin.KindConfig, op, id, "sandbox runtime not initialized")
	}
	if !ok {
		return nil, plugin.NewError(plugin.KindNotFound, op, id, "plugin is not loaded")
	}

	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, plugin.WrapError(plugin.KindExecution, op, id, "waiting for execution slot", err)
	}
	defer sem.Release(1)

	inst.mu.Lock()
	defer inst.mu.Unlock()
	if inst.unusable {
		return nil, plugin.NewError(plugin.KindExecution, op, id, "instance is unusable after a previous trap or timeout")
	}

	timeout := inst.Context.Quotas.ExecutionTimeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	output, err := r.call(callCtx, inst, function, input)
	elapsed := time.Since(start)

	inst.calls++
	inst.busy += elapsed
	r.metrics.ObserveHistogram("nxsh_plugin_execution_seconds", elapsed.Seconds(),
		telemetry.Label{Key: "plugin", Value: string(id)},
		telemetry.Label{Key: "function", Value: function})

	if err != nil {
		outcome := "error"
		if timedOut(callCtx, err) {
			outcome = "timeout"
			inst.unusable = true
			err = plugin.WrapError(plugin.KindExecution, op, id,
				fmt.Sprintf("function '%s' exceeded %s", function, timeout), plugin.ErrTimeout)
		} else if trapped(err) {
			inst.unusable = true
			err = plugin.WrapError(plugin.KindExecution, op, id,
				fmt.Sprintf("function '%s' trapped", function), err)
		}
		r.metrics.IncCounter("nxsh_plugin_executions_total", 1,
			telemetry.Label{Key: "plugin", Value: string(id)},
			telemetry.Label{Key: "outcome", Value: outcome})
		r.bus.Publish(ctx, plugin.Event{
			Type:     plugin.EventError,
			Plugin:   id,
			Function: function,
			Reason:   err.Error(),
			Duration: elapsed,
		})
		return nil, err
	}

	r.metrics.IncCounter("nxsh_plugin_executions_total", 1,
		telemetry.Label{Key: "plugin", Value: string(id)},
		telemetry.Label{Key: "outcome", Value: "ok"})
	r.bus.Publish(ctx, plugin.Event{
		Type:     plugin.EventExecuted,
		Plugin:   id,
		Function: function,
		Duration: elapsed,
	})
	return output, nil
}

// call performs one guest invocation. Caller holds inst.mu.
func (r *Runtime) call(ctx context.Context, inst *Instance, function string, input []byte) ([]byte, error) {
	const op = "sandbox.execute"
	id := inst.ID

	fn := inst.module.ExportedFunction(function)
	if fn == nil {
		return nil, plugin.NewError(plugin.KindExecution, op, id,
			fmt.Sprintf("module does not export function '%s'", function))
	}

	var args []uint64
	if len(input) > 0 {
		if inst.module.Memory() == nil {
			return nil, plugin.NewError(plugin.KindExecution, op, id,
				"module takes input but exports no memory")
		}
		alloc := inst.module.ExportedFunction("allocate")
		if alloc == nil {
			return nil, plugin.NewError(plugin.KindExecution, op, id,
				"module takes input but does not export 'allocate'")
		}
		res, err := alloc.Call(ctx, uint64(len(input)))
		if err != nil {
			return nil, err
		}
		ptr := uint32(res[0])
		if !inst.module.Memory().Write(ptr, input) {
			return nil, plugin.NewError(plugin.KindExecution, op, id,
				fmt.Sprintf("allocate returned out-of-range pointer %d", ptr))
		}
		args = []uint64{uint64(ptr), uint64(len(input))}
	}

	results, err := fn.Call(ctx, args...)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, nil
	}

	packed := results[0]
	ptr := uint32(packed >> 32)
	n := uint32(packed)
	if n == 0 {
		return nil, nil
	}
	if inst.module.Memory() == nil {
		return nil, plugin.NewError(plugin.KindExecution, op, id,
			"function returned a result but module exports no memory")
	}
	out, ok := inst.module.Memory().Read(ptr, n)
	if !ok {
		return nil, plugin.NewError(plugin.KindExecution, op, id,
			fmt.Sprintf("result (%d,%d) is outside guest memory", ptr, n))
	}
	// The buffer aliases guest memory; copy before the next call reuses it.
	cp := make([]byte, n)
	copy(cp, out)
	return cp, nil
}

func timedOut(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var exitErr *sys.ExitError
	return errors.As(err, &exitErr) && exitErr.ExitCode() == sys.ExitCodeDeadlineExceeded
}

func trapped(err error) bool {
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() != 0
	}
	// Non-exit engine errors (unreachable, memory faults) surface as
	// plain errors from Call.
	var perr *plugin.Error
	return !errors.As(err, &perr)
}

// Unload tears down one instance. It waits for any in-flight call on
// the instance to finish before closing the engine.
func (r *Runtime) Unload(ctx context.Context, id plugin.ID) error {
	const op = "sandbox.unload"

	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return plugin.NewError(plugin.KindConfig, op, id, "sandbox runtime not initialized")
	}
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return plugin.NewError(plugin.KindNotFound, op, id, "plugin is not loaded")
	}
	delete(r.instances, id)
	r.metrics.SetGauge("nxsh_plugin_loaded", float64(len(r.instances)))
	r.mu.Unlock()

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if err := inst.module.Close(ctx); err != nil {
		r.logger.Error(ctx, "Closing plugin module", map[string]any{
			"plugin": string(id),
			"error":  err.Error(),
		})
	}
	if err := inst.runtime.Close(ctx); err != nil {
		return plugin.WrapError(plugin.KindExecution, op, id, "closing engine", err)
	}
	return nil
}

// List returns the ids of all loaded plugins.
func (r *Runtime) List() []plugin.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]plugin.ID, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// Lookup returns the instance for id.
func (r *Runtime) Lookup(id plugin.ID) (*Instance, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	return inst, ok
}

// StatsFor snapshots one instance's counters.
func (r *Runtime) StatsFor(id plugin.ID) (Stats, bool) {
	r.mu.RLock()
	inst, ok := r.instances[id]
	r.mu.RUnlock()
	if !ok {
		return Stats{}, false
	}
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return Stats{
		ID:       inst.ID,
		LoadedAt: inst.LoadedAt,
		Calls:    inst.calls,
		BusyTime: inst.busy,
		Unusable: inst.unusable,
	}, true
}

// Close unloads every instance and releases the cache. Used at
// subsystem shutdown; individual unload errors are logged, the first
// is returned.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return nil
	}
	instances := r.instances
	cache := r.cache
	r.instances = make(map[plugin.ID]*Instance)
	r.initialized = false
	r.mu.Unlock()

	var first error
	for id, inst := range instances {
		inst.mu.Lock()
		if err := inst.runtime.Close(ctx); err != nil && first == nil {
			first = plugin.WrapError(plugin.KindExecution, "sandbox.close", id, "closing engine", err)
		}
		inst.mu.Unlock()
	}
	if err := cache.Close(ctx); err != nil && first == nil {
		first = plugin.WrapError(plugin.KindIO, "sandbox.close", "", "closing compilation cache", err)
	}
	r.metrics.SetGauge("nxsh_plugin_loaded", 0)
	return first
}
