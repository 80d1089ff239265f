package plugin

import (
	"fmt"
	"strings"
	"time"
)

// HostVersion is the plugin API version this host implements. Manifests
// may constrain the hosts they load on via minHostVersion/maxHostVersion.
const HostVersion = "0.8.0"

// ID uniquely identifies a loaded plugin within the running process.
// It is derived from the manifest as "name@version", so two versions of
// the same plugin can coexist.
type ID string

// MakeID builds the canonical plugin id from manifest identity.
func MakeID(name, version string) ID {
	return ID(name + "@" + version)
}

// Name returns the name component of the id.
func (id ID) Name() string {
	if i := strings.LastIndex(string(id), "@"); i >= 0 {
		return string(id)[:i]
	}
	return string(id)
}

// Version returns the version component of the id.
func (id ID) Version() string {
	if i := strings.LastIndex(string(id), "@"); i >= 0 {
		return string(id)[i+1:]
	}
	return ""
}

// Capability names one host resource class a plugin may be granted.
// Capabilities are flat: no capability implies another.
type Capability string

const (
	CapClockRead    Capability = "clock:read"
	CapRandomRead   Capability = "random:read"
	CapEnvRead      Capability = "env:read"
	CapLogWrite     Capability = "log:write"
	CapWASIPreview1 Capability = "wasi:preview1"
)

// Metadata is the parsed identity and declaration block of a plugin
// manifest. Capabilities listed here are a hard ceiling: the permission
// layer never grants anything absent from this set.
type Metadata struct {
	Name           string            `yaml:"name" json:"name"`
	Version        string            `yaml:"version" json:"version"`
	Description    string            `yaml:"description" json:"description"`
	Author         string            `yaml:"author" json:"author"`
	License        string            `yaml:"license" json:"license"`
	Capabilities   []Capability      `yaml:"capabilities" json:"capabilities"`
	Dependencies   map[string]string `yaml:"dependencies" json:"dependencies"`
	Exports        []string          `yaml:"exports" json:"exports"`
	MinHostVersion string            `yaml:"minHostVersion" json:"min_host_version"`
	MaxHostVersion string            `yaml:"maxHostVersion" json:"max_host_version"`
}

// DeclaresCapability reports whether cap appears in the manifest.
func (m *Metadata) DeclaresCapability(cap Capability) bool {
	for _, c := range m.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ID returns the canonical id for this metadata.
func (m *Metadata) ID() ID {
	return MakeID(m.Name, m.Version)
}

// Config is the process-wide plugin subsystem configuration. It is
// constructed once at startup (pkg/config) and read-only thereafter.
type Config struct {
	// PluginDir holds plugin modules, manifests and signature sidecars.
	PluginDir string
	// CacheDir backs the shared module compilation cache.
	CacheDir string

	MaxConcurrentExecutions int64
	ExecutionTimeout        time.Duration
	// MaxMemoryBytes caps each instance's linear memory.
	MaxMemoryBytes int64
	// MaxStackSize caps guest call-stack growth. The engine traps an
	// instance that exceeds its call-stack budget.
	MaxStackSize int64

	EnableMultiMemory    bool
	EnableThreads        bool
	EnableComponentModel bool

	// SecurityPolicy names the active policy in the policy file,
	// e.g. "restrictive".
	SecurityPolicy    string
	RequireSignatures bool
	EnableEncryption  bool

	TrustStorePath     string
	PolicyPath         string
	// EncryptionIdentity is the age identity file used to decrypt
	// .wasm.age bundles when EnableEncryption is set.
	EncryptionIdentity string

	// LoadRate and LoadBurst bound how fast load_plugin may be invoked.
	LoadRate  float64
	LoadBurst int
}

// DefaultConfig returns the stock configuration: restrictive policy,
// mandatory signatures, 10 concurrent executions, 30s deadline, 100MB
// memory ceiling.
func DefaultConfig() *Config {
	return &Config{
		PluginDir:               "plugins",
		CacheDir:                "plugin_cache",
		MaxConcurrentExecutions: 10,
		ExecutionTimeout:        30 * time.Second,
		MaxMemoryBytes:          100 << 20,
		MaxStackSize:            1 << 20,
		EnableMultiMemory:       false,
		EnableThreads:           false,
		EnableComponentModel:    false,
		SecurityPolicy:          "restrictive",
		RequireSignatures:       true,
		EnableEncryption:        false,
		TrustStorePath:          "trust_store.yaml",
		PolicyPath:              "plugin_policy.yaml",
		LoadRate:                20,
		LoadBurst:               40,
	}
}

// Validate rejects configurations the runtime cannot honor.
func (c *Config) Validate() error {
	if c.MaxConcurrentExecutions <= 0 {
		return NewError(KindConfig, "config.validate", "", fmt.Sprintf("max_concurrent_executions must be positive, got %d", c.MaxConcurrentExecutions))
	}
	if c.ExecutionTimeout <= 0 {
		return NewError(KindConfig, "config.validate", "", "execution_timeout must be positive")
	}
	if c.MaxMemoryBytes < 1<<16 {
		return NewError(KindConfig, "config.validate", "", "max_memory must be at least one wasm page (64KiB)")
	}
	if c.MaxStackSize <= 0 {
		return NewError(KindConfig, "config.validate", "", "max_stack_size must be positive")
	}
	if c.SecurityPolicy == "" {
		return NewError(KindConfig, "config.validate", "", "security_policy must name a policy")
	}
	return nil
}
