package audit

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Chain computes and verifies the HMAC linkage between records.
type Chain struct {
	secretKey []byte
}

// NewChain creates a Chain keyed with secretKey.
func NewChain(secretKey []byte) *Chain {
	return &Chain{secretKey: secretKey}
}

// ComputeHash computes the HMAC-SHA256 of the record. PreviousHash must
// already be set; the Hash field itself is excluded from the payload.
func (c *Chain) ComputeHash(rec *Record) (string, error) {
	// Canonical payload with a fixed timestamp format so hashing is
	// deterministic across marshal/unmarshal round trips.
	payload := struct {
		ID           string `json:"id"`
		Type         string `json:"type"`
		Plugin       string `json:"plugin"`
		Capability   string `json:"capability,omitempty"`
		KeyID        string `json:"key_id,omitempty"`
		Function     string `json:"function,omitempty"`
		Reason       string `json:"reason,omitempty"`
		DurationNS   int64  `json:"duration_ns,omitempty"`
		Timestamp    string `json:"timestamp"`
		PreviousHash string `json:"previous_hash,omitempty"`
	}{
		ID:           rec.ID,
		Type:         string(rec.Event.Type),
		Plugin:       string(rec.Event.Plugin),
		Capability:   string(rec.Event.Capability),
		KeyID:        rec.Event.KeyID,
		Function:     rec.Event.Function,
		Reason:       rec.Event.Reason,
		DurationNS:   rec.Event.Duration.Nanoseconds(),
		Timestamp:    rec.Event.Time.UTC().Format(time.RFC3339Nano),
		PreviousHash: rec.PreviousHash,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record for hashing: %w", err)
	}

	h := hmac.New(sha256.New, c.secretKey)
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Verify checks the integrity of an ordered slice of records.
func (c *Chain) Verify(records []Record) error {
	for i, rec := range records {
		expected, err := c.ComputeHash(&rec)
		if err != nil {
			return fmt.Errorf("failed to compute hash for record %s: %w", rec.ID, err)
		}
		if rec.Hash != expected {
			return fmt.Errorf("hash mismatch for record %s", rec.ID)
		}
		if i > 0 && rec.PreviousHash != records[i-1].Hash {
			return fmt.Errorf("chain broken at record %s: previous hash does not match record %s", rec.ID, records[i-1].ID)
		}
	}
	return nil
}
