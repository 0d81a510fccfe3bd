package contracts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Side is the trade direction of an intent.
type Side string

// Side constants.
const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether s is BUY or SELL.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Intent is a request to perform an action, created by the caller per
// governance request and never mutated once handed to the gates.
//
// Amount, Timestamp and Coherence are pointers so a missing field can be
// told apart from an explicit zero. Asset and Side are missing when empty.
type Intent struct {
	ID           string         `json:"id,omitempty"`
	Asset        string         `json:"asset,omitempty"`
	Side         Side           `json:"side,omitempty"`
	Amount       *float64       `json:"amount,omitempty"`
	Timestamp    *float64       `json:"timestamp,omitempty"`
	Irreversible bool           `json:"irreversible"`
	Coherence    *float64       `json:"coherence,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Float returns a pointer to v, for building intents in code.
func Float(v float64) *float64 {
	return &v
}

// NewIntent builds a fully populated intent.
func NewIntent(asset string, side Side, amount, timestamp, coherence float64, irreversible bool) Intent {
	return Intent{
		Asset:        asset,
		Side:         side,
		Amount:       Float(amount),
		Timestamp:    Float(timestamp),
		Coherence:    Float(coherence),
		Irreversible: irreversible,
	}
}

// AmountValue returns the amount or zero when missing.
func (i Intent) AmountValue() float64 {
	if i.Amount == nil {
		return 0
	}
	return *i.Amount
}

// TimestampValue returns the timestamp or zero when missing.
func (i Intent) TimestampValue() float64 {
	if i.Timestamp == nil {
		return 0
	}
	return *i.Timestamp
}

// CoherenceValue returns the coherence or zero when missing.
func (i Intent) CoherenceValue() float64 {
	if i.Coherence == nil {
		return 0
	}
	return *i.Coherence
}

// Key identifies the intent in the first-seen registry. Without an ID the
// key digests the whole canonical intent, so identical requests anchor to the
// same t0. An explicit ID is bound to a digest of the order content, which is
// everything except ID, Timestamp and Coherence: reusing an ID for a
// different order starts a new wait.
func (i Intent) Key() (string, error) {
	if i.ID == "" {
		sum, err := digest(i)
		if err != nil {
			return "", err
		}
		return "intent-" + sum, nil
	}
	content := i
	content.ID = ""
	content.Timestamp = nil
	content.Coherence = nil
	sum, err := digest(content)
	if err != nil {
		return "", err
	}
	return i.ID + "|" + sum, nil
}

// digest is the truncated SHA-256 of the RFC 8785 canonical form of i.
func digest(i Intent) (string, error) {
	raw, err := json.Marshal(i)
	if err != nil {
		return "", fmt.Errorf("intent key: marshal: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("intent key: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:16]), nil
}
