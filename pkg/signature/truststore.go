package signature

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexus-shell/nxsh/pkg/plugin"
)

// TrustedKey is one entry in the trust store file.
type TrustedKey struct {
	KeyID     string    `yaml:"key_id"`
	Algorithm string    `yaml:"algorithm"`
	PublicKey string    `yaml:"public_key"` // base64 raw Ed25519 public key
	AddedAt   time.Time `yaml:"added_at"`
	Comment   string    `yaml:"comment,omitempty"`
}

// TrustStore is the set of public keys accepted as plugin signing
// authorities, persisted as YAML.
type TrustStore struct {
	mu   sync.RWMutex
	keys map[string]ed25519.PublicKey
	path string
}

type trustStoreFile struct {
	Keys []TrustedKey `yaml:"keys"`
}

// LoadTrustStore reads the trust store at path. A missing file yields
// an empty store; a malformed file is a ConfigError.
func LoadTrustStore(path string) (*TrustStore, error) {
	ts := &TrustStore{keys: make(map[string]ed25519.PublicKey), path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ts, nil
		}
		return nil, plugin.WrapError(plugin.KindIO, "truststore.load", "", fmt.Sprintf("reading %s", path), err)
	}

	var file trustStoreFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, plugin.WrapError(plugin.KindConfig, "truststore.load", "", fmt.Sprintf("parsing %s", path), err)
	}

	for _, k := range file.Keys {
		if k.KeyID == "" {
			return nil, plugin.NewError(plugin.KindConfig, "truststore.load", "", "trust store entry missing key_id")
		}
		if k.Algorithm != "Ed25519" {
			return nil, plugin.NewError(plugin.KindConfig, "truststore.load", "",
				fmt.Sprintf("unsupported algorithm '%s' for key '%s'", k.Algorithm, k.KeyID))
		}
		raw, err := base64.StdEncoding.DecodeString(k.PublicKey)
		if err != nil {
			return nil, plugin.WrapError(plugin.KindConfig, "truststore.load", "",
				fmt.Sprintf("decoding public key for '%s'", k.KeyID), err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, plugin.NewError(plugin.KindConfig, "truststore.load", "",
				fmt.Sprintf("public key for '%s' has wrong length %d", k.KeyID, len(raw)))
		}
		ts.keys[k.KeyID] = ed25519.PublicKey(raw)
	}

	return ts, nil
}

// Lookup resolves a key id to its public key.
func (ts *TrustStore) Lookup(keyID string) (ed25519.PublicKey, bool) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	key, ok := ts.keys[keyID]
	return key, ok
}

// Len returns the number of trusted keys.
func (ts *TrustStore) Len() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.keys)
}

// Add inserts a key and rewrites the store file.
func (ts *TrustStore) Add(keyID string, key ed25519.PublicKey, comment string) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if _, exists := ts.keys[keyID]; exists {
		return plugin.NewError(plugin.KindConfig, "truststore.add", "", fmt.Sprintf("key id '%s' already trusted", keyID))
	}
	ts.keys[keyID] = key
	return ts.saveLocked(keyID, comment)
}

func (ts *TrustStore) saveLocked(newKeyID, comment string) error {
	// The file is rewritten from the in-memory key set.
	var file trustStoreFile
	for id, key := range ts.keys {
		entry := TrustedKey{
			KeyID:     id,
			Algorithm: "Ed25519",
			PublicKey: base64.StdEncoding.EncodeToString(key),
			AddedAt:   time.Now().UTC(),
		}
		if id == newKeyID {
			entry.Comment = comment
		}
		file.Keys = append(file.Keys, entry)
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return plugin.WrapError(plugin.KindSerialization, "truststore.save", "", "marshaling trust store", err)
	}
	if err := os.WriteFile(ts.path, data, 0o600); err != nil {
		return plugin.WrapError(plugin.KindIO, "truststore.save", "", fmt.Sprintf("writing %s", ts.path), err)
	}
	return nil
}
