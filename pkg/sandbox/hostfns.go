package sandbox

import (
	"context"
	"crypto/rand"
	"os"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/nexus-shell/nxsh/pkg/permission"
	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// hostModuleName is the import namespace plugins use for shell-provided
// functions.
const hostModuleName = "nxsh"

// instantiateHostModule links exactly the host functions the execution
// context grants. An ungranted capability means its functions are never
// exported, so a plugin importing them fails at instantiation instead
// of at call time.
func instantiateHostModule(ctx context.Context, rt wazero.Runtime, id plugin.ID, ectx *permission.ExecutionContext, logger telemetry.Logger) error {
	builder := rt.NewHostModuleBuilder(hostModuleName)
	linked := false

	if ectx.Has(plugin.CapClockRead) {
		builder.NewFunctionBuilder().
			WithFunc(func(context.Context) int64 {
				return time.Now().UnixNano()
			}).
			Export("clock_read")
		linked = true
	}

	if ectx.Has(plugin.CapRandomRead) {
		builder.NewFunctionBuilder().
			WithFunc(func(_ context.Context, m api.Module, ptr, n uint32) uint32 {
				// The destination must lie inside guest memory before any
				// host buffer is sized from the guest-supplied length.
				size := m.Memory().Size()
				if ptr > size || n > size-ptr {
					return 1
				}
				const chunk = 4096
				var buf [chunk]byte
				for n > 0 {
					c := uint32(chunk)
					if n < c {
						c = n
					}
					if _, err := rand.Read(buf[:c]); err != nil {
						return 1
					}
					if !m.Memory().Write(ptr, buf[:c]) {
						return 1
					}
					ptr += c
					n -= c
				}
				return 0
			}).
			Export("random_fill")
		linked = true
	}

	if ectx.Has(plugin.CapEnvRead) {
		builder.NewFunctionBuilder().
			WithFunc(func(_ context.Context, m api.Module, keyPtr, keyLen, outPtr, outCap uint32) uint32 {
				key, ok := m.Memory().Read(keyPtr, keyLen)
				if !ok {
					return 0
				}
				val := os.Getenv(string(key))
				if val == "" {
					return 0
				}
				n := uint32(len(val))
				if n > outCap {
					n = outCap
				}
				if !m.Memory().Write(outPtr, []byte(val)[:n]) {
					return 0
				}
				return n
			}).
			Export("env_get")
		linked = true
	}

	if ectx.Has(plugin.CapLogWrite) {
		builder.NewFunctionBuilder().
			WithFunc(func(ctx context.Context, m api.Module, ptr, n uint32) {
				msg, ok := m.Memory().Read(ptr, n)
				if !ok {
					return
				}
				logger.Info(ctx, string(msg), map[string]any{"plugin": string(id)})
			}).
			Export("log_write")
		linked = true
	}

	if !linked {
		// Nothing granted; an empty host module would shadow nothing, so
		// skip instantiation entirely.
		return nil
	}

	_, err := builder.Instantiate(ctx)
	return err
}
