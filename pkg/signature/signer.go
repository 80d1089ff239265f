package signature

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"filippo.io/age"
	"github.com/go-jose/go-jose/v4"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// signaturePayload is the signed statement stored in the .sig sidecar.
// It binds the plugin identity to the SHA-256 of the exact module bytes
// the runtime will instantiate.
type signaturePayload struct {
	Name      string     `json:"name"`
	Version   string     `json:"version"`
	SHA256    string     `json:"sha256"`
	Algorithm string     `json:"algorithm"`
	SignedAt  time.Time  `json:"signed_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SidecarPath returns the signature sidecar path for a module path.
func SidecarPath(modulePath string) string {
	return strings.TrimSuffix(modulePath, ".age") + ".sig"
}

// GenerateKeyPair creates a fresh Ed25519 signing key pair.
func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, nil, plugin.WrapError(plugin.KindSecurity, "signature.keygen", "", "generating Ed25519 key", err)
	}
	return pub, priv, nil
}

// SaveSigningKey writes the private key to path, base64-encoded. With a
// non-empty passphrase the file is age-encrypted (scrypt) so a stolen
// file alone cannot sign plugins.
func SaveSigningKey(path string, key ed25519.PrivateKey, passphrase string) error {
	encoded := []byte(base64.StdEncoding.EncodeToString(key))

	if passphrase != "" {
		recipient, err := age.NewScryptRecipient(passphrase)
		if err != nil {
			return plugin.WrapError(plugin.KindEncryption, "signature.savekey", "", "building scrypt recipient", err)
		}
		var buf bytes.Buffer
		w, err := age.Encrypt(&buf, recipient)
		if err != nil {
			return plugin.WrapError(plugin.KindEncryption, "signature.savekey", "", "starting encryption", err)
		}
		if _, err := w.Write(encoded); err != nil {
			return plugin.WrapError(plugin.KindEncryption, "signature.savekey", "", "encrypting key", err)
		}
		if err := w.Close(); err != nil {
			return plugin.WrapError(plugin.KindEncryption, "signature.savekey", "", "finalizing encryption", err)
		}
		encoded = buf.Bytes()
	}

	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return plugin.WrapError(plugin.KindIO, "signature.savekey", "", fmt.Sprintf("writing %s", path), err)
	}
	return nil
}

// LoadSigningKey reads a private key written by SaveSigningKey.
func LoadSigningKey(path, passphrase string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, plugin.WrapError(plugin.KindIO, "signature.loadkey", "", fmt.Sprintf("reading %s", path), err)
	}

	if passphrase != "" {
		identity, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, plugin.WrapError(plugin.KindEncryption, "signature.loadkey", "", "building scrypt identity", err)
		}
		r, err := age.Decrypt(bytes.NewReader(data), identity)
		if err != nil {
			return nil, plugin.WrapError(plugin.KindEncryption, "signature.loadkey", "", "decrypting key file", err)
		}
		data, err = io.ReadAll(r)
		if err != nil {
			return nil, plugin.WrapError(plugin.KindEncryption, "signature.loadkey", "", "reading decrypted key", err)
		}
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, plugin.WrapError(plugin.KindConfig, "signature.loadkey", "", "decoding key material", err)
	}
	if len(raw) != ed25519.PrivateKeySize {
		return nil, plugin.NewError(plugin.KindConfig, "signature.loadkey", "",
			fmt.Sprintf("key material has wrong length %d", len(raw)))
	}
	return ed25519.PrivateKey(raw), nil
}

// SignModule signs the module bytes for the given identity and writes a
// compact JWS to the sidecar next to modulePath. expiry <= 0 means the
// signature never expires.
func SignModule(modulePath string, module []byte, meta *plugin.Metadata, key ed25519.PrivateKey, keyID string, expiry time.Duration) error {
	const op = "signature.sign"

	sum := sha256.Sum256(module)
	payload := signaturePayload{
		Name:      meta.Name,
		Version:   meta.Version,
		SHA256:    hex.EncodeToString(sum[:]),
		Algorithm: "Ed25519",
		SignedAt:  time.Now().UTC(),
	}
	if expiry > 0 {
		exp := payload.SignedAt.Add(expiry)
		payload.ExpiresAt = &exp
	}

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return plugin.WrapError(plugin.KindSerialization, op, meta.ID(), "marshaling signature payload", err)
	}

	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.EdDSA, Key: key},
		(&jose.SignerOptions{}).WithHeader("kid", keyID),
	)
	if err != nil {
		return plugin.WrapError(plugin.KindSignature, op, meta.ID(), "creating signer", err)
	}

	object, err := signer.Sign(payloadJSON)
	if err != nil {
		return plugin.WrapError(plugin.KindSignature, op, meta.ID(), "signing payload", err)
	}

	token, err := object.CompactSerialize()
	if err != nil {
		return plugin.WrapError(plugin.KindSignature, op, meta.ID(), "serializing signature", err)
	}

	sidecar := SidecarPath(modulePath)
	if err := os.WriteFile(sidecar, []byte(token), 0o644); err != nil {
		return plugin.WrapError(plugin.KindIO, op, meta.ID(), fmt.Sprintf("writing %s", sidecar), err)
	}
	return nil
}
