package plugin

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/coreos/go-semver/semver"
	"gopkg.in/yaml.v3"
)

// Manifest is the sidecar description of a plugin module, loaded from
// <module>.manifest.yaml next to the .wasm file.
type Manifest struct {
	// APIVersion for future compatibility.
	APIVersion string `yaml:"apiVersion"`

	// Kind must be "NxshPlugin".
	Kind string `yaml:"kind"`

	// Metadata contains plugin identity.
	Metadata ManifestMetadata `yaml:"metadata"`

	// Spec contains the capability and compatibility declarations.
	Spec ManifestSpec `yaml:"spec"`
}

// ManifestMetadata contains plugin identity fields.
type ManifestMetadata struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Author      string `yaml:"author"`
	Description string `yaml:"description"`
	License     string `yaml:"license"`
}

// ManifestSpec contains the declaration block.
type ManifestSpec struct {
	// Capabilities the plugin may ever be granted. Empty means the
	// plugin runs fully isolated.
	Capabilities []Capability `yaml:"capabilities"`

	// Dependencies maps plugin names to version constraints that must
	// be satisfied by already-loaded plugins, e.g. ">=1.2.0".
	Dependencies map[string]string `yaml:"dependencies"`

	// Exports lists the callable function names.
	Exports []string `yaml:"exports"`

	MinHostVersion string `yaml:"minHostVersion"`
	MaxHostVersion string `yaml:"maxHostVersion"`
}

// ManifestPathFor derives the manifest sidecar path for a module path.
// An .age suffix (encrypted bundle) is stripped first, so
// "hello.wasm.age" and "hello.wasm" share one manifest.
func ManifestPathFor(modulePath string) string {
	p := strings.TrimSuffix(modulePath, ".age")
	ext := filepath.Ext(p)
	return strings.TrimSuffix(p, ext) + ".manifest.yaml"
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapError(KindIO, "manifest.load", "", fmt.Sprintf("reading %s", path), err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, WrapError(KindSerialization, "manifest.load", "", fmt.Sprintf("parsing %s", path), err)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}

	return &m, nil
}

// Validate checks required fields and version syntax.
func (m *Manifest) Validate() error {
	const op = "manifest.validate"
	if m.APIVersion == "" {
		return NewError(KindConfig, op, "", "manifest missing apiVersion")
	}
	if m.Kind != "NxshPlugin" {
		return NewError(KindConfig, op, "", fmt.Sprintf("manifest kind must be 'NxshPlugin', got '%s'", m.Kind))
	}
	if m.Metadata.Name == "" {
		return NewError(KindConfig, op, "", "manifest missing metadata.name")
	}
	if m.Metadata.Version == "" {
		return NewError(KindConfig, op, "", "manifest missing metadata.version")
	}
	if _, err := semver.NewVersion(m.Metadata.Version); err != nil {
		return WrapError(KindVersion, op, "", fmt.Sprintf("invalid metadata.version '%s'", m.Metadata.Version), err)
	}
	for _, v := range []string{m.Spec.MinHostVersion, m.Spec.MaxHostVersion} {
		if v == "" {
			continue
		}
		if _, err := semver.NewVersion(v); err != nil {
			return WrapError(KindVersion, op, "", fmt.Sprintf("invalid host version bound '%s'", v), err)
		}
	}
	seen := make(map[Capability]bool, len(m.Spec.Capabilities))
	for _, c := range m.Spec.Capabilities {
		if c == "" {
			return NewError(KindConfig, op, "", "manifest lists an empty capability")
		}
		if seen[c] {
			return NewError(KindConfig, op, "", fmt.Sprintf("manifest lists capability '%s' twice", c))
		}
		seen[c] = true
	}
	return nil
}

// ToMetadata flattens the manifest into the runtime Metadata record.
func (m *Manifest) ToMetadata() *Metadata {
	deps := make(map[string]string, len(m.Spec.Dependencies))
	for k, v := range m.Spec.Dependencies {
		deps[k] = v
	}
	caps := make([]Capability, len(m.Spec.Capabilities))
	copy(caps, m.Spec.Capabilities)
	exports := make([]string, len(m.Spec.Exports))
	copy(exports, m.Spec.Exports)

	return &Metadata{
		Name:           m.Metadata.Name,
		Version:        m.Metadata.Version,
		Description:    m.Metadata.Description,
		Author:         m.Metadata.Author,
		License:        m.Metadata.License,
		Capabilities:   caps,
		Dependencies:   deps,
		Exports:        exports,
		MinHostVersion: m.Spec.MinHostVersion,
		MaxHostVersion: m.Spec.MaxHostVersion,
	}
}
