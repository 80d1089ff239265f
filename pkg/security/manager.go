// Package security composes signature verification and permission
// management into the single validation call the plugin manager makes
// before any plugin code is instantiated.
package security

import (
	"context"
	"time"

	"github.com/nexus-shell/nxsh/pkg/permission"
	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/signature"
)

// ValidationResult is the combined outcome of signature verification
// and execution-context creation.
type ValidationResult struct {
	SignatureValid bool
	SignatureKeyID string
	Context        *permission.ExecutionContext
	ValidatedAt    time.Time
}

// Manager is the integrated security manager.
type Manager struct {
	cfg       *plugin.Config
	verifier  *signature.Verifier
	permitter *permission.Manager
}

// NewManager composes the two security components.
func NewManager(cfg *plugin.Config, verifier *signature.Verifier, permitter *permission.Manager) *Manager {
	return &Manager{cfg: cfg, verifier: verifier, permitter: permitter}
}

// Initialize initializes both components in order.
func (m *Manager) Initialize(ctx context.Context) error {
	if err := m.verifier.Initialize(ctx); err != nil {
		return err
	}
	return m.permitter.Initialize(ctx)
}

// ValidatePlugin runs the strict security sequence: signature first,
// permissions second. When signatures are required, a failed check
// aborts before any execution context exists. When they are not, an
// unsigned plugin proceeds with SignatureValid=false and the policy's
// unsigned ceiling applies.
func (m *Manager) ValidatePlugin(ctx context.Context, path string, module []byte, meta *plugin.Metadata) (*ValidationResult, error) {
	sres, err := m.verifier.Verify(ctx, path, module, meta)
	if err != nil {
		return nil, err
	}
	if !sres.Valid && m.cfg.RequireSignatures {
		// The verifier already errors here; no context may exist for an
		// invalid result under required signatures.
		return nil, plugin.NewError(plugin.KindSignature, "security.validate", meta.ID(),
			"signature invalid and signatures are required")
	}

	ectx, err := m.permitter.CreateExecutionContext(ctx, meta.Name, meta, meta.Capabilities, sres.Valid)
	if err != nil {
		return nil, err
	}

	return &ValidationResult{
		SignatureValid: sres.Valid,
		SignatureKeyID: sres.KeyID,
		Context:        ectx,
		ValidatedAt:    time.Now(),
	}, nil
}
