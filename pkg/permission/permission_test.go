package permission

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

func testMeta(caps ...plugin.Capability) *plugin.Metadata {
	return &plugin.Metadata{
		Name:         "hello",
		Version:      "1.0.0",
		Author:       "dev",
		Capabilities: caps,
	}
}

func newTestManager(t *testing.T, cfg *plugin.Config, bus *plugin.Bus) *Manager {
	t.Helper()
	if bus == nil {
		bus = plugin.NewBus()
	}
	m := NewManager(cfg, telemetry.NewNoopLogger(), bus)
	require.NoError(t, m.Initialize(context.Background()))
	return m
}

func collectEvents(bus *plugin.Bus) *[]plugin.Event {
	var events []plugin.Event
	bus.Subscribe(plugin.EventHandlerFunc(func(_ context.Context, ev plugin.Event) error {
		events = append(events, ev)
		return nil
	}))
	return &events
}

func TestRestrictiveDefaults(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml")

	bus := plugin.NewBus()
	events := collectEvents(bus)
	m := newTestManager(t, cfg, bus)

	meta := testMeta(plugin.CapLogWrite, plugin.CapClockRead)
	ectx, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, true)
	require.NoError(t, err)

	assert.True(t, ectx.Has(plugin.CapLogWrite))
	assert.False(t, ectx.Has(plugin.CapClockRead))
	assert.Len(t, ectx.Granted(), 1)

	var granted, denied int
	for _, ev := range *events {
		switch ev.Type {
		case plugin.EventPermissionGranted:
			granted++
		case plugin.EventPermissionDenied:
			denied++
			assert.NotEmpty(t, ev.Reason)
		}
	}
	assert.Equal(t, 1, granted)
	assert.Equal(t, 1, denied)
}

func TestManifestIsHardCeiling(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.SecurityPolicy = "permissive"
	cfg.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml")

	bus := plugin.NewBus()
	events := collectEvents(bus)
	m := newTestManager(t, cfg, bus)

	// clock:read is requested but never declared in the manifest; even
	// the permissive policy cannot grant it.
	meta := testMeta(plugin.CapLogWrite)
	requested := []plugin.Capability{plugin.CapLogWrite, plugin.CapClockRead}
	ectx, err := m.CreateExecutionContext(context.Background(), "hello", meta, requested, true)
	require.NoError(t, err)

	assert.True(t, ectx.Has(plugin.CapLogWrite))
	assert.False(t, ectx.Has(plugin.CapClockRead))

	var deniedReason string
	for _, ev := range *events {
		if ev.Type == plugin.EventPermissionDenied {
			deniedReason = ev.Reason
		}
	}
	assert.Contains(t, deniedReason, "manifest")
}

func TestUnsignedCeiling(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.PolicyPath = filepath.Join(t.TempDir(), "policy.yaml")
	policy := `policies:
  restrictive:
    default: deny
    allow:
      - log:write
      - clock:read
    unsigned:
      allow:
        - log:write
`
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte(policy), 0o644))
	m := newTestManager(t, cfg, nil)

	meta := testMeta(plugin.CapLogWrite, plugin.CapClockRead)

	signed, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, true)
	require.NoError(t, err)
	assert.True(t, signed.Has(plugin.CapClockRead))

	unsigned, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, false)
	require.NoError(t, err)
	assert.True(t, unsigned.Has(plugin.CapLogWrite))
	assert.False(t, unsigned.Has(plugin.CapClockRead))
	assert.False(t, unsigned.SignatureValid)
}

func TestCELRuleConditions(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.SecurityPolicy = "team"
	cfg.PolicyPath = filepath.Join(t.TempDir(), "policy.yaml")
	policy := `policies:
  team:
    default: deny
    rules:
      - capability: env:read
        condition: plugin.author == 'dev' && signature_valid
        effect: allow
      - capability: clock:read
        condition: plugin.name == 'evil'
        effect: deny
      - capability: clock:read
        effect: allow
`
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte(policy), 0o644))
	m := newTestManager(t, cfg, nil)

	meta := testMeta(plugin.CapEnvRead, plugin.CapClockRead)

	ectx, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, true)
	require.NoError(t, err)
	assert.True(t, ectx.Has(plugin.CapEnvRead))
	assert.True(t, ectx.Has(plugin.CapClockRead))

	// Unsigned: the env:read condition no longer holds.
	ectx, err = m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, false)
	require.NoError(t, err)
	assert.False(t, ectx.Has(plugin.CapEnvRead))
	assert.True(t, ectx.Has(plugin.CapClockRead))

	evil := testMeta(plugin.CapClockRead)
	evil.Name = "evil"
	ectx, err = m.CreateExecutionContext(context.Background(), "evil", evil, evil.Capabilities, true)
	require.NoError(t, err)
	assert.False(t, ectx.Has(plugin.CapClockRead))
}

func TestInvalidCELConditionRejectedAtInit(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.PolicyPath = filepath.Join(t.TempDir(), "policy.yaml")
	policy := `policies:
  restrictive:
    default: deny
    rules:
      - capability: log:write
        condition: "this is not CEL ((("
        effect: allow
`
	require.NoError(t, os.WriteFile(cfg.PolicyPath, []byte(policy), 0o644))

	m := NewManager(cfg, telemetry.NewNoopLogger(), plugin.NewBus())
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindConfig))
}

func TestUnknownActivePolicy(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.SecurityPolicy = "no-such-policy"
	cfg.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml")

	m := NewManager(cfg, telemetry.NewNoopLogger(), plugin.NewBus())
	err := m.Initialize(context.Background())
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindPermission))
}

func TestUninitializedManager(t *testing.T) {
	cfg := plugin.DefaultConfig()
	m := NewManager(cfg, telemetry.NewNoopLogger(), plugin.NewBus())
	meta := testMeta(plugin.CapLogWrite)
	_, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, true)
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindConfig))
}

func TestPolicyFileValidation(t *testing.T) {
	dir := t.TempDir()

	write := func(body string) string {
		path := filepath.Join(dir, "policy.yaml")
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		return path
	}

	_, err := LoadPolicyFile(write("policies:\n  p:\n    default: maybe\n"))
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindConfig))

	_, err = LoadPolicyFile(write("policies:\n  p:\n    default: deny\n    rules:\n      - effect: allow\n"))
	require.Error(t, err)
	assert.True(t, plugin.IsKind(err, plugin.KindConfig))

	file, err := LoadPolicyFile(filepath.Join(dir, "absent.yaml"))
	require.NoError(t, err)
	assert.Contains(t, file.Policies, "restrictive")
	assert.Contains(t, file.Policies, "permissive")
}

func TestQuotasCopiedFromConfig(t *testing.T) {
	cfg := plugin.DefaultConfig()
	cfg.PolicyPath = filepath.Join(t.TempDir(), "absent.yaml")
	m := newTestManager(t, cfg, nil)

	meta := testMeta(plugin.CapLogWrite)
	ectx, err := m.CreateExecutionContext(context.Background(), "hello", meta, meta.Capabilities, true)
	require.NoError(t, err)

	assert.Equal(t, cfg.MaxMemoryBytes, ectx.Quotas.MaxMemoryBytes)
	assert.Equal(t, cfg.MaxStackSize, ectx.Quotas.MaxStackSize)
	assert.Equal(t, cfg.ExecutionTimeout, ectx.Quotas.ExecutionTimeout)
}
