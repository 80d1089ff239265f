package manager

import (
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// constraint is one parsed dependency requirement, e.g. ">=1.2.0".
type constraint struct {
	op      string
	version *semver.Version
}

// parseConstraint accepts =, >=, >, <=, <, ^ and ~ prefixes; a bare
// version means exact match.
func parseConstraint(s string) (*constraint, error) {
	s = strings.TrimSpace(s)
	op := "="
	for _, candidate := range []string{">=", "<=", ">", "<", "^", "~", "="} {
		if strings.HasPrefix(s, candidate) {
			op = candidate
			s = strings.TrimSpace(strings.TrimPrefix(s, candidate))
			break
		}
	}
	v, err := semver.NewVersion(s)
	if err != nil {
		return nil, fmt.Errorf("invalid version '%s': %w", s, err)
	}
	return &constraint{op: op, version: v}, nil
}

// matches reports whether candidate satisfies the constraint.
func (c *constraint) matches(candidate *semver.Version) bool {
	cmp := candidate.Compare(*c.version)
	switch c.op {
	case "=":
		return cmp == 0
	case ">=":
		return cmp >= 0
	case ">":
		return cmp > 0
	case "<=":
		return cmp <= 0
	case "<":
		return cmp < 0
	case "^":
		return candidate.Major == c.version.Major && cmp >= 0
	case "~":
		return candidate.Major == c.version.Major &&
			candidate.Minor == c.version.Minor && cmp >= 0
	}
	return false
}

// checkHostCompatibility enforces the manifest's host version window
// against the running host.
func checkHostCompatibility(meta *plugin.Metadata) error {
	const op = "manager.load"
	id := meta.ID()

	host, err := semver.NewVersion(plugin.HostVersion)
	if err != nil {
		return plugin.WrapError(plugin.KindVersion, op, id, "parsing host version", err)
	}

	if meta.MinHostVersion != "" {
		min, err := semver.NewVersion(meta.MinHostVersion)
		if err != nil {
			return plugin.WrapError(plugin.KindVersion, op, id, "parsing minHostVersion", err)
		}
		if host.LessThan(*min) {
			return plugin.NewError(plugin.KindVersion, op, id,
				fmt.Sprintf("requires host >= %s, running %s", meta.MinHostVersion, plugin.HostVersion))
		}
	}
	if meta.MaxHostVersion != "" {
		max, err := semver.NewVersion(meta.MaxHostVersion)
		if err != nil {
			return plugin.WrapError(plugin.KindVersion, op, id, "parsing maxHostVersion", err)
		}
		if max.LessThan(*host) {
			return plugin.NewError(plugin.KindVersion, op, id,
				fmt.Sprintf("requires host <= %s, running %s", meta.MaxHostVersion, plugin.HostVersion))
		}
	}
	return nil
}

// resolveDependencies checks each declared dependency against the set
// of currently loaded plugins. A missing dependency is a
// DependencyError; a loaded-but-unsatisfying version is a VersionError.
func resolveDependencies(meta *plugin.Metadata, loaded map[plugin.ID]*Record) error {
	const op = "manager.load"
	id := meta.ID()

	for depName, req := range meta.Dependencies {
		c, err := parseConstraint(req)
		if err != nil {
			return plugin.WrapError(plugin.KindDependency, op, id,
				fmt.Sprintf("dependency '%s' has invalid constraint '%s'", depName, req), err)
		}

		var found *semver.Version
		for loadedID := range loaded {
			if loadedID.Name() != depName {
				continue
			}
			v, err := semver.NewVersion(loadedID.Version())
			if err != nil {
				continue
			}
			if found == nil || found.LessThan(*v) {
				found = v
			}
		}

		if found == nil {
			return plugin.NewError(plugin.KindDependency, op, id,
				fmt.Sprintf("dependency '%s' (%s) is not loaded", depName, req))
		}
		if !c.matches(found) {
			return plugin.NewError(plugin.KindVersion, op, id,
				fmt.Sprintf("dependency '%s' is loaded at %s, which does not satisfy '%s'", depName, found, req))
		}
	}
	return nil
}
