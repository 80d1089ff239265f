package permission

import (
	"fmt"
	"os"

	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// PolicyFile is the on-disk policy configuration. The active policy is
// selected by plugin.Config.SecurityPolicy, not by this file, so one
// file can ship several named policies.
type PolicyFile struct {
	Policies map[string]PolicySpec `yaml:"policies"`
}

// PolicySpec is one named policy.
type PolicySpec struct {
	// Default is "deny" (restrictive) or "allow" (permissive).
	Default string `yaml:"default"`

	// Allow / Deny are capability lists overriding the default.
	Allow []plugin.Capability `yaml:"allow"`
	Deny  []plugin.Capability `yaml:"deny"`

	// Rules are evaluated before the lists; the first rule whose
	// capability matches and whose condition holds decides.
	Rules []Rule `yaml:"rules"`

	// Unsigned is an additional ceiling applied when the plugin's
	// signature did not verify: only these capabilities survive.
	Unsigned *UnsignedSpec `yaml:"unsigned"`
}

// Rule is a conditional policy entry. Condition is a CEL expression over
// `plugin` (map of manifest identity fields), `capability` (string) and
// `signature_valid` (bool); an empty condition always holds.
type Rule struct {
	Capability plugin.Capability `yaml:"capability"`
	Condition  string            `yaml:"condition"`
	Effect     string            `yaml:"effect"` // "allow" or "deny"
}

// UnsignedSpec lists what an unsigned plugin may keep.
type UnsignedSpec struct {
	Allow []plugin.Capability `yaml:"allow"`
}

// LoadPolicyFile reads and validates a policy file. A missing file
// yields the built-in policies only.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	file := &PolicyFile{Policies: builtinPolicies()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return file, nil
		}
		return nil, plugin.WrapError(plugin.KindIO, "policy.load", "", fmt.Sprintf("reading %s", path), err)
	}

	var parsed PolicyFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, plugin.WrapError(plugin.KindConfig, "policy.load", "", fmt.Sprintf("parsing %s", path), err)
	}

	for name, spec := range parsed.Policies {
		if err := validateSpec(name, spec); err != nil {
			return nil, err
		}
		file.Policies[name] = spec
	}
	return file, nil
}

func validateSpec(name string, spec PolicySpec) error {
	if spec.Default != "allow" && spec.Default != "deny" {
		return plugin.NewError(plugin.KindConfig, "policy.load", "",
			fmt.Sprintf("policy '%s': default must be 'allow' or 'deny', got '%s'", name, spec.Default))
	}
	for i, r := range spec.Rules {
		if r.Capability == "" {
			return plugin.NewError(plugin.KindConfig, "policy.load", "",
				fmt.Sprintf("policy '%s': rule %d missing capability", name, i))
		}
		if r.Effect != "allow" && r.Effect != "deny" {
			return plugin.NewError(plugin.KindConfig, "policy.load", "",
				fmt.Sprintf("policy '%s': rule %d effect must be 'allow' or 'deny', got '%s'", name, i, r.Effect))
		}
	}
	return nil
}

// builtinPolicies supplies "restrictive" (default-deny, log only) and
// "permissive" (default-allow) when no policy file overrides them.
func builtinPolicies() map[string]PolicySpec {
	return map[string]PolicySpec{
		"restrictive": {
			Default: "deny",
			Allow:   []plugin.Capability{plugin.CapLogWrite},
			Unsigned: &UnsignedSpec{
				Allow: []plugin.Capability{plugin.CapLogWrite},
			},
		},
		"permissive": {
			Default: "allow",
		},
	}
}

// engine is one compiled policy: rule programs are compiled once at
// initialization, not per decision.
type engine struct {
	name     string
	spec     PolicySpec
	programs []compiledRule
}

type compiledRule struct {
	rule    Rule
	program cel.Program // nil for unconditional rules
}

func newEngine(name string, spec PolicySpec) (*engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("plugin", cel.MapType(cel.StringType, cel.StringType)),
		cel.Variable("capability", cel.StringType),
		cel.Variable("signature_valid", cel.BoolType),
	)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindPermission, "policy.compile", "", "creating CEL environment", err)
	}

	e := &engine{name: name, spec: spec}
	for _, r := range spec.Rules {
		cr := compiledRule{rule: r}
		if r.Condition != "" {
			ast, issues := env.Compile(r.Condition)
			if issues != nil && issues.Err() != nil {
				return nil, plugin.WrapError(plugin.KindConfig, "policy.compile", "",
					fmt.Sprintf("policy '%s': invalid condition '%s'", name, r.Condition), issues.Err())
			}
			prg, err := env.Program(ast)
			if err != nil {
				return nil, plugin.WrapError(plugin.KindConfig, "policy.compile", "",
					fmt.Sprintf("policy '%s': building condition program", name), err)
			}
			cr.program = prg
		}
		e.programs = append(e.programs, cr)
	}
	return e, nil
}

// decide evaluates one capability request. It returns whether the
// capability is granted and, when denied, the reason.
func (e *engine) decide(meta *plugin.Metadata, cap plugin.Capability, signatureValid bool) (bool, string) {
	vars := map[string]any{
		"plugin": map[string]string{
			"name":    meta.Name,
			"version": meta.Version,
			"author":  meta.Author,
			"license": meta.License,
		},
		"capability":      string(cap),
		"signature_valid": signatureValid,
	}

	allowed, reason := e.base(cap, vars)
	if !allowed {
		return false, reason
	}

	if !signatureValid && e.spec.Unsigned != nil {
		for _, c := range e.spec.Unsigned.Allow {
			if c == cap {
				return true, ""
			}
		}
		return false, fmt.Sprintf("policy '%s' withholds '%s' from unsigned plugins", e.name, cap)
	}
	return true, ""
}

func (e *engine) base(cap plugin.Capability, vars map[string]any) (bool, string) {
	for _, cr := range e.programs {
		if cr.rule.Capability != cap {
			continue
		}
		if cr.program != nil {
			out, _, err := cr.program.Eval(vars)
			if err != nil {
				// An erroring condition never grants.
				if cr.rule.Effect == "allow" {
					continue
				}
				return false, fmt.Sprintf("policy '%s' rule condition failed to evaluate", e.name)
			}
			hold, ok := out.Value().(bool)
			if !ok || !hold {
				continue
			}
		}
		if cr.rule.Effect == "allow" {
			return true, ""
		}
		return false, fmt.Sprintf("policy '%s' rule denies '%s'", e.name, cap)
	}

	for _, c := range e.spec.Deny {
		if c == cap {
			return false, fmt.Sprintf("policy '%s' denies '%s'", e.name, cap)
		}
	}
	for _, c := range e.spec.Allow {
		if c == cap {
			return true, ""
		}
	}

	if e.spec.Default == "allow" {
		return true, ""
	}
	return false, fmt.Sprintf("policy '%s' does not allow '%s'", e.name, cap)
}
