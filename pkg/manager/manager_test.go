package manager

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"filippo.io/age"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-shell/nxsh/pkg/permission"
	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/sandbox"
	"github.com/nexus-shell/nxsh/pkg/security"
	"github.com/nexus-shell/nxsh/pkg/signature"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// echoModule is the same hand-assembled module the sandbox tests use:
// exports memory, allocate and echo(ptr,len)->(ptr<<32)|len.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	0x01, 0x0c, 0x02,
	0x60, 0x01, 0x7f, 0x01, 0x7f,
	0x60, 0x02, 0x7f, 0x7f, 0x01, 0x7e,
	0x03, 0x03, 0x02, 0x00, 0x01,
	0x05, 0x03, 0x01, 0x00, 0x01,
	0x07, 0x1c, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x08, 'a', 'l', 'l', 'o', 'c', 'a', 't', 'e', 0x00, 0x00,
	0x04, 'e', 'c', 'h', 'o', 0x00, 0x01,
	0x0a, 0x14, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x0c, 0x00, 0x20, 0x00, 0xad, 0x42, 0x20, 0x86, 0x20, 0x01, 0xad, 0x84, 0x0b,
}

type fixture struct {
	cfg     *plugin.Config
	bus     *plugin.Bus
	mgr     *Manager
	rt      *sandbox.Runtime
	events  *[]plugin.Event
	signKey struct {
		id   string
		priv []byte
	}
}

func newFixture(t *testing.T, mutate func(*plugin.Config)) *fixture {
	t.Helper()
	dir := t.TempDir()

	cfg := plugin.DefaultConfig()
	cfg.PluginDir = dir
	cfg.CacheDir = filepath.Join(dir, "cache")
	cfg.TrustStorePath = filepath.Join(dir, "trust_store.yaml")
	cfg.PolicyPath = filepath.Join(dir, "absent_policy.yaml")
	if mutate != nil {
		mutate(cfg)
	}

	pub, priv, err := signature.GenerateKeyPair()
	require.NoError(t, err)
	store, err := signature.LoadTrustStore(cfg.TrustStorePath)
	require.NoError(t, err)
	require.NoError(t, store.Add("k1", pub, ""))

	bus := plugin.NewBus()
	var events []plugin.Event
	bus.Subscribe(plugin.EventHandlerFunc(func(_ context.Context, ev plugin.Event) error {
		events = append(events, ev)
		return nil
	}))

	logger := telemetry.NewNoopLogger()
	ctx := context.Background()

	sec := security.NewManager(cfg,
		signature.NewVerifier(cfg, logger, bus),
		permission.NewManager(cfg, logger, bus))
	require.NoError(t, sec.Initialize(ctx))

	rt := sandbox.NewRuntime(cfg, logger, telemetry.NewNoopMetrics(), bus)
	require.NoError(t, rt.Initialize(ctx))
	t.Cleanup(func() { _ = rt.Close(context.Background()) })

	f := &fixture{
		cfg:    cfg,
		bus:    bus,
		mgr:    NewManager(cfg, logger, bus, sec, rt),
		rt:     rt,
		events: &events,
	}
	f.signKey.id = "k1"
	f.signKey.priv = priv
	return f
}

// writePlugin drops a module, manifest and (optionally) signature into
// the plugin dir and returns the module path.
func (f *fixture) writePlugin(t *testing.T, name, version string, deps map[string]string, sign bool) string {
	t.Helper()

	path := filepath.Join(f.cfg.PluginDir, name+".wasm")
	require.NoError(t, os.WriteFile(path, echoModule, 0o644))

	manifest := fmt.Sprintf(`apiVersion: v1
kind: NxshPlugin
metadata:
  name: %s
  version: %s
spec:
  capabilities:
    - log:write
  exports:
    - echo
`, name, version)
	if len(deps) > 0 {
		manifest += "  dependencies:\n"
		for dep, constraintStr := range deps {
			manifest += fmt.Sprintf("    %s: %q\n", dep, constraintStr)
		}
	}
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(path), []byte(manifest), 0o644))

	if sign {
		meta := &plugin.Metadata{Name: name, Version: version}
		require.NoError(t, signature.SignModule(path, echoModule, meta, f.signKey.priv, f.signKey.id, 0))
	}
	return path
}

func (f *fixture) eventTypes() []plugin.EventType {
	types := make([]plugin.EventType, 0, len(*f.events))
	for _, ev := range *f.events {
		types = append(types, ev.Type)
	}
	return types
}

func TestLoadExecuteUnload(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	path := f.writePlugin(t, "hello", "1.0.0", nil, true)

	id, err := f.mgr.Load(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, plugin.ID("hello@1.0.0"), id)

	rec, ok := f.mgr.Get(id)
	require.True(t, ok)
	assert.True(t, rec.Validation.SignatureValid)
	assert.True(t, rec.Validation.Context.Has(plugin.CapLogWrite))

	out, err := f.mgr.Execute(ctx, id, "echo", []byte("hi"))
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), out)

	require.NoError(t, f.mgr.Unload(ctx, id))
	assert.Empty(t, f.mgr.List())

	assert.Equal(t, []plugin.EventType{
		plugin.EventSignatureVerified,
		plugin.EventPermissionGranted,
		plugin.EventLoaded,
		plugin.EventExecuted,
		plugin.EventUnloaded,
	}, f.eventTypes())
}

func TestLoadDuplicate(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	path := f.writePlugin(t, "hello", "1.0.0", nil, true)

	_, err := f.mgr.Load(ctx, path)
	require.NoError(t, err)

	_, err = f.mgr.Load(ctx, path)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindLoad))
}

func TestLoadTwoVersionsCoexist(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	p1 := f.writePlugin(t, "hello", "1.0.0", nil, true)
	_, err := f.mgr.Load(ctx, p1)
	require.NoError(t, err)

	p2 := f.writePlugin(t, "hello2", "2.0.0", nil, true)
	// Same plugin name, different version.
	manifest := `apiVersion: v1
kind: NxshPlugin
metadata:
  name: hello
  version: 2.0.0
spec:
  exports: [echo]
`
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(p2), []byte(manifest), 0o644))
	meta := &plugin.Metadata{Name: "hello", Version: "2.0.0"}
	require.NoError(t, signature.SignModule(p2, echoModule, meta, f.signKey.priv, f.signKey.id, 0))

	id2, err := f.mgr.Load(ctx, p2)
	require.NoError(t, err)
	assert.Equal(t, plugin.ID("hello@2.0.0"), id2)
	assert.Len(t, f.mgr.List(), 2)
}

func TestLoadUnsignedRequired(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writePlugin(t, "hello", "1.0.0", nil, false)

	_, err := f.mgr.Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindSignature))
	assert.Empty(t, f.mgr.List())
}

func TestLoadUnsignedOptional(t *testing.T) {
	f := newFixture(t, func(cfg *plugin.Config) {
		cfg.RequireSignatures = false
	})
	path := f.writePlugin(t, "hello", "1.0.0", nil, false)

	id, err := f.mgr.Load(context.Background(), path)
	require.NoError(t, err)

	rec, ok := f.mgr.Get(id)
	require.True(t, ok)
	assert.False(t, rec.Validation.SignatureValid)
	// The restrictive unsigned ceiling still leaves log:write.
	assert.True(t, rec.Validation.Context.Has(plugin.CapLogWrite))
}

func TestDependencyResolution(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	user := f.writePlugin(t, "consumer", "1.0.0", map[string]string{"base": ">=1.1.0"}, true)

	_, err := f.mgr.Load(ctx, user)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindDependency))

	// An older version satisfies nothing.
	old := f.writePlugin(t, "base", "1.0.0", nil, true)
	_, err = f.mgr.Load(ctx, old)
	require.NoError(t, err)
	_, err = f.mgr.Load(ctx, user)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindVersion))

	// A matching version unblocks the consumer.
	newer := f.writePlugin(t, "base2", "1.2.0", nil, true)
	manifest := `apiVersion: v1
kind: NxshPlugin
metadata:
  name: base
  version: 1.2.0
spec:
  exports: [echo]
`
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(newer), []byte(manifest), 0o644))
	meta := &plugin.Metadata{Name: "base", Version: "1.2.0"}
	require.NoError(t, signature.SignModule(newer, echoModule, meta, f.signKey.priv, f.signKey.id, 0))
	_, err = f.mgr.Load(ctx, newer)
	require.NoError(t, err)

	id, err := f.mgr.Load(ctx, user)
	require.NoError(t, err)

	// The consumer blocks unloading its dependency.
	err = f.mgr.Unload(ctx, plugin.MakeID("base", "1.2.0"))
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindDependency))

	require.NoError(t, f.mgr.Unload(ctx, id))
	require.NoError(t, f.mgr.Unload(ctx, plugin.MakeID("base", "1.2.0")))
}

func TestUnloadAll(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	base := f.writePlugin(t, "base", "1.0.0", nil, true)
	_, err := f.mgr.Load(ctx, base)
	require.NoError(t, err)

	user := f.writePlugin(t, "consumer", "1.0.0", map[string]string{"base": ">=1.0.0"}, true)
	_, err = f.mgr.Load(ctx, user)
	require.NoError(t, err)

	require.NoError(t, f.mgr.UnloadAll(ctx))
	assert.Empty(t, f.mgr.List())
}

func TestLoadEncryptedModule(t *testing.T) {
	identity, err := age.GenerateX25519Identity()
	require.NoError(t, err)

	var identityPath string
	f := newFixture(t, func(cfg *plugin.Config) {
		cfg.EnableEncryption = true
		identityPath = filepath.Join(cfg.PluginDir, "identity.txt")
		cfg.EncryptionIdentity = identityPath
	})
	require.NoError(t, os.WriteFile(identityPath, []byte(identity.String()+"\n"), 0o600))
	ctx := context.Background()

	// Encrypt the module; manifest and signature sit next to it under
	// the stripped name.
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, identity.Recipient())
	require.NoError(t, err)
	_, err = w.Write(echoModule)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := filepath.Join(f.cfg.PluginDir, "hello.wasm.age")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))

	manifest := `apiVersion: v1
kind: NxshPlugin
metadata:
  name: hello
  version: 1.0.0
spec:
  exports: [echo]
`
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(path), []byte(manifest), 0o644))
	meta := &plugin.Metadata{Name: "hello", Version: "1.0.0"}
	require.NoError(t, signature.SignModule(path, echoModule, meta, f.signKey.priv, f.signKey.id, 0))

	id, err := f.mgr.Load(ctx, path)
	require.NoError(t, err)

	out, err := f.mgr.Execute(ctx, id, "echo", []byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), out)
}

func TestLoadEncryptedModuleWithoutSupport(t *testing.T) {
	f := newFixture(t, nil)

	path := filepath.Join(f.cfg.PluginDir, "hello.wasm.age")
	require.NoError(t, os.WriteFile(path, []byte("not really encrypted"), 0o644))
	manifest := `apiVersion: v1
kind: NxshPlugin
metadata:
  name: hello
  version: 1.0.0
spec: {}
`
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(path), []byte(manifest), 0o644))

	_, err := f.mgr.Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindEncryption))
}

func TestHostVersionWindow(t *testing.T) {
	f := newFixture(t, nil)
	path := f.writePlugin(t, "hello", "1.0.0", nil, true)

	manifest := `apiVersion: v1
kind: NxshPlugin
metadata:
  name: hello
  version: 1.0.0
spec:
  minHostVersion: 99.0.0
`
	require.NoError(t, os.WriteFile(plugin.ManifestPathFor(path), []byte(manifest), 0o644))

	_, err := f.mgr.Load(context.Background(), path)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindVersion))
}

func TestDiscover(t *testing.T) {
	f := newFixture(t, nil)
	f.writePlugin(t, "one", "1.0.0", nil, false)
	f.writePlugin(t, "two", "1.0.0", nil, false)
	require.NoError(t, os.WriteFile(filepath.Join(f.cfg.PluginDir, "notes.txt"), []byte("x"), 0o644))

	paths, err := f.mgr.Discover()
	require.NoError(t, err)
	assert.Len(t, paths, 2)
}

func TestExecuteUnknownPlugin(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.mgr.Execute(context.Background(), "ghost@1.0.0", "echo", nil)
	assert.True(t, plugin.IsNotFound(err))
}

func TestUnloadKeepsRecordWhenSandboxRefuses(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	path := f.writePlugin(t, "hello", "1.0.0", nil, true)

	id, err := f.mgr.Load(ctx, path)
	require.NoError(t, err)

	// A closed sandbox refuses the unload; the manager must keep its
	// record so the two views stay consistent.
	require.NoError(t, f.rt.Close(ctx))

	err = f.mgr.Unload(ctx, id)
	require.Error(t, err)
	assert.False(t, plugin.IsNotFound(err))

	_, ok := f.mgr.Get(id)
	assert.True(t, ok)
	assert.Contains(t, f.mgr.List(), id)
}
