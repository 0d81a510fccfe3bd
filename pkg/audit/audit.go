// Package audit keeps a tamper-evident, hash-chained record of every
// decision the engine returns.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

// ErrChainBroken is returned by Verify when the chain does not check out.
var ErrChainBroken = errors.New("audit: chain broken")

// Entry is one decision record.
type Entry struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	DecisionID string    `json:"decision_id"`
	IntentKey  string    `json:"intent_key"`
	Verdict    string    `json:"verdict"`
	Reason     string    `json:"reason"`
	// Details is the canonical JSON of the full decision.
	Details string `json:"details"`

	// PreviousHash links this entry to the preceding one.
	PreviousHash string `json:"previous_hash"`
	// Hash is the SHA-256 digest of this entry, including PreviousHash.
	Hash string `json:"hash"`
}

// Store persists entries. Load must return them in sequence order.
type Store interface {
	Save(ctx context.Context, e Entry) error
	Load(ctx context.Context) ([]Entry, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Log manages a sequence of audit entries.
type Log struct {
	mu      sync.Mutex
	entries []Entry
	store   Store
	clock   Clock
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock used for entry timestamps.
func WithClock(c Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithStore persists entries as they are appended.
func WithStore(s Store) Option {
	return func(l *Log) { l.store = s }
}

// NewLog creates a log. When a store is configured the existing chain is
// loaded and verified first, so appends continue it.
func NewLog(ctx context.Context, opts ...Option) (*Log, error) {
	l := &Log{clock: wallClock{}}
	for _, opt := range opts {
		opt(l)
	}
	if l.store != nil {
		entries, err := l.store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load audit chain: %w", err)
		}
		if err := verify(entries); err != nil {
			return nil, err
		}
		l.entries = entries
	}
	return l, nil
}

// Record appends a decision to the chain.
func (l *Log) Record(ctx context.Context, d contracts.Decision) (Entry, error) {
	details, err := canonical(d)
	if err != nil {
		return Entry{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash := ""
	if n := len(l.entries); n > 0 {
		prevHash = l.entries[n-1].Hash
	}
	seq := int64(len(l.entries)) + 1
	entry := Entry{
		Seq:          seq,
		ID:           fmt.Sprintf("evt_%d", seq),
		Timestamp:    l.clock.Now().UTC(),
		DecisionID:   d.ID,
		IntentKey:    d.IntentKey,
		Verdict:      string(d.Value),
		Reason:       d.Reason,
		Details:      string(details),
		PreviousHash: prevHash,
	}
	if entry.Hash, err = computeEntryHash(&entry); err != nil {
		return Entry{}, err
	}

	if l.store != nil {
		if err := l.store.Save(ctx, entry); err != nil {
			return Entry{}, fmt.Errorf("persist audit entry: %w", err)
		}
	}
	l.entries = append(l.entries, entry)
	return entry, nil
}

// Entries returns a copy of the chain.
func (l *Log) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}

// Head returns the hash of the last entry, or "" for an empty log.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) == 0 {
		return ""
	}
	return l.entries[len(l.entries)-1].Hash
}

// Verify checks the integrity of the whole chain.
func (l *Log) Verify() error {
	return verify(l.Entries())
}

func verify(entries []Entry) error {
	for i := range entries {
		e := &entries[i]
		if i > 0 {
			if e.PreviousHash != entries[i-1].Hash {
				return fmt.Errorf("%w at index %d: previous hash mismatch", ErrChainBroken, i)
			}
		} else if e.PreviousHash != "" {
			return fmt.Errorf("%w: genesis entry has non-empty previous hash", ErrChainBroken)
		}
		computed, err := computeEntryHash(e)
		if err != nil {
			return fmt.Errorf("failed to recompute hash at index %d: %w", i, err)
		}
		if computed != e.Hash {
			return fmt.Errorf("%w at index %d: computed %s, stored %s", ErrChainBroken, i, computed, e.Hash)
		}
	}
	return nil
}

func canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return out, nil
}

// computeEntryHash calculates the SHA-256 of the entry fields.
func computeEntryHash(e *Entry) (string, error) {
	data := map[string]any{
		"seq":           e.Seq,
		"id":            e.ID,
		"timestamp":     e.Timestamp.UTC().Format(time.RFC3339Nano),
		"decision_id":   e.DecisionID,
		"intent_key":    e.IntentKey,
		"verdict":       e.Verdict,
		"reason":        e.Reason,
		"details":       e.Details,
		"previous_hash": e.PreviousHash,
	}
	canonicalBytes, err := canonical(data)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(canonicalBytes)
	return hex.EncodeToString(hash[:]), nil
}
