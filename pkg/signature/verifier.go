// Package signature authenticates plugin modules before they are parsed
// as executable code. Signatures are detached JWS (EdDSA) sidecars over
// the SHA-256 of the exact module bytes; signing keys are resolved
// through a YAML trust store.
package signature

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"

	"github.com/nexus-shell/nxsh/pkg/plugin"
	"github.com/nexus-shell/nxsh/pkg/telemetry"
)

// Result reports the outcome of one verification. It is produced per
// load attempt and never cached across process restarts.
type Result struct {
	Valid     bool
	KeyID     string
	Reason    string
	Timestamp time.Time
}

// Verifier validates plugin signatures against the trust store.
type Verifier struct {
	cfg    *plugin.Config
	logger telemetry.Logger
	bus    *plugin.Bus

	mu          sync.RWMutex
	store       *TrustStore
	initialized bool
}

// NewVerifier creates an uninitialized Verifier.
func NewVerifier(cfg *plugin.Config, logger telemetry.Logger, bus *plugin.Bus) *Verifier {
	return &Verifier{cfg: cfg, logger: logger, bus: bus}
}

// Initialize loads the trust store. Idempotent.
func (v *Verifier) Initialize(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.initialized {
		return nil
	}

	store, err := LoadTrustStore(v.cfg.TrustStorePath)
	if err != nil {
		return err
	}
	if store.Len() == 0 && v.cfg.RequireSignatures {
		v.logger.Info(ctx, "Trust store is empty; all signed-plugin loads will fail until keys are added", map[string]any{
			"path": v.cfg.TrustStorePath,
		})
	}
	v.store = store
	v.initialized = true
	return nil
}

// TrustStore exposes the loaded store for key management.
func (v *Verifier) TrustStore() *TrustStore {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.store
}

// Verify authenticates module (the exact bytes the runtime will load)
// against the sidecar signature at SidecarPath(path).
//
// A missing sidecar is a SignatureError when signatures are required;
// otherwise the plugin is accepted with Valid=false so the permission
// layer can restrict it further. A sidecar that is present but corrupt,
// signed by an untrusted key, or bound to different bytes or identity
// is always a SignatureError.
func (v *Verifier) Verify(ctx context.Context, path string, module []byte, meta *plugin.Metadata) (*Result, error) {
	const op = "signature.verify"
	id := meta.ID()

	v.mu.RLock()
	store, initialized := v.store, v.initialized
	v.mu.RUnlock()
	if !initialized {
		return nil, plugin.NewError(plugin.KindConfig, op, id, "verifier not initialized")
	}

	sidecar := SidecarPath(path)
	token, err := os.ReadFile(sidecar)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, plugin.WrapError(plugin.KindIO, op, id, fmt.Sprintf("reading %s", sidecar), err)
		}
		if v.cfg.RequireSignatures {
			return nil, v.fail(ctx, id, "plugin is unsigned and signatures are required")
		}
		v.publishFailed(ctx, id, "unsigned")
		return &Result{Valid: false, Reason: "unsigned", Timestamp: time.Now()}, nil
	}

	object, err := jose.ParseSigned(string(token), []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, v.failWrap(ctx, id, "corrupted signature encoding", err)
	}
	if len(object.Signatures) == 0 {
		return nil, v.fail(ctx, id, "signature carries no signatures")
	}

	keyID := object.Signatures[0].Header.KeyID
	if keyID == "" {
		return nil, v.fail(ctx, id, "signature missing key id header")
	}
	pub, ok := store.Lookup(keyID)
	if !ok {
		return nil, v.fail(ctx, id, fmt.Sprintf("signing key '%s' is not trusted", keyID))
	}

	payloadJSON, err := object.Verify(pub)
	if err != nil {
		return nil, v.failWrap(ctx, id, fmt.Sprintf("signature does not verify under key '%s'", keyID), err)
	}

	var payload signaturePayload
	if err := json.Unmarshal(payloadJSON, &payload); err != nil {
		return nil, v.failWrap(ctx, id, "malformed signature payload", err)
	}

	sum := sha256.Sum256(module)
	if payload.SHA256 != hex.EncodeToString(sum[:]) {
		return nil, v.fail(ctx, id, "module bytes do not match signed digest")
	}
	if payload.Name != meta.Name || payload.Version != meta.Version {
		return nil, v.fail(ctx, id, fmt.Sprintf("signed identity %s@%s does not match manifest", payload.Name, payload.Version))
	}
	if payload.ExpiresAt != nil && time.Now().After(*payload.ExpiresAt) {
		return nil, v.fail(ctx, id, "signature has expired")
	}

	v.bus.Publish(ctx, plugin.Event{
		Type:   plugin.EventSignatureVerified,
		Plugin: id,
		KeyID:  keyID,
	})
	v.logger.Info(ctx, "Plugin signature verified", map[string]any{
		"plugin": string(id),
		"key_id": keyID,
	})

	return &Result{Valid: true, KeyID: keyID, Timestamp: time.Now()}, nil
}

func (v *Verifier) fail(ctx context.Context, id plugin.ID, reason string) error {
	v.publishFailed(ctx, id, reason)
	return plugin.NewError(plugin.KindSignature, "signature.verify", id, reason)
}

func (v *Verifier) failWrap(ctx context.Context, id plugin.ID, reason string, err error) error {
	v.publishFailed(ctx, id, reason)
	return plugin.WrapError(plugin.KindSignature, "signature.verify", id, reason, err)
}

func (v *Verifier) publishFailed(ctx context.Context, id plugin.ID, reason string) {
	v.bus.Publish(ctx, plugin.Event{
		Type:   plugin.EventSignatureVerificationFailed,
		Plugin: id,
		Reason: reason,
	})
}
