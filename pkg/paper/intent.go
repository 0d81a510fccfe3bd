// Package paper emits ERC-8004 shaped trade intents for EXECUTE decisions and
// fills them against a dry executor. Nothing here talks to a broker.
package paper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obsidia-labs/x108/pkg/contracts"
)

// Standard and Version identify the intent format.
const (
	Standard = "ERC-8004"
	Version  = "0.1"
)

// amountPlaces is the precision paper amounts are rounded to.
const amountPlaces = 8

var (
	// ErrNotExecutable is returned when building an intent for a decision
	// that is not EXECUTE.
	ErrNotExecutable = errors.New("paper: decision is not EXECUTE")
	// ErrInvalidAmount is returned for a non-positive or non-finite amount.
	ErrInvalidAmount = errors.New("paper: amount must be positive and finite")
)

// intentNamespace scopes trade intent ids derived from decision ids.
var intentNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://obsidia-labs/x108/paper-intent"))

// TradeIntent is the paper trade record.
type TradeIntent struct {
	ID         string          `json:"id"`
	Standard   string          `json:"standard"`
	Version    string          `json:"version"`
	DecisionID string          `json:"decision_id"`
	Asset      string          `json:"asset"`
	Side       contracts.Side  `json:"side"`
	Amount     decimal.Decimal `json:"amount"`
	Timestamp  float64         `json:"timestamp"`
	Metadata   map[string]any  `json:"metadata"`
}

// Build turns an authorized intent into a trade intent. The id is derived
// from the decision id so replays yield the same record.
func Build(intent contracts.Intent, d contracts.Decision, metadata map[string]any) (TradeIntent, error) {
	if !d.Executable() {
		return TradeIntent{}, fmt.Errorf("%w: %s", ErrNotExecutable, d)
	}
	amount := intent.AmountValue()
	if !(amount > 0) || math.IsInf(amount, 0) {
		return TradeIntent{}, fmt.Errorf("%w: %v", ErrInvalidAmount, amount)
	}
	meta := make(map[string]any, len(metadata)+len(intent.Metadata))
	for k, v := range intent.Metadata {
		meta[k] = v
	}
	for k, v := range metadata {
		meta[k] = v
	}
	return TradeIntent{
		ID:         uuid.NewSHA1(intentNamespace, []byte(d.ID)).String(),
		Standard:   Standard,
		Version:    Version,
		DecisionID: d.ID,
		Asset:      intent.Asset,
		Side:       intent.Side,
		Amount:     decimal.NewFromFloat(amount).Round(amountPlaces),
		Timestamp:  intent.TimestampValue(),
		Metadata:   meta,
	}, nil
}

// Sink receives emitted trade intents.
type Sink interface {
	Emit(ctx context.Context, ti TradeIntent) error
}

// JSONLSink appends one JSON object per line to w.
type JSONLSink struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewJSONLSink(w io.Writer) *JSONLSink {
	return &JSONLSink{enc: json.NewEncoder(w)}
}

func (s *JSONLSink) Emit(_ context.Context, ti TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(ti); err != nil {
		return fmt.Errorf("failed to write trade intent: %w", err)
	}
	return nil
}

// MemorySink keeps emitted intents in memory.
type MemorySink struct {
	mu      sync.Mutex
	intents []TradeIntent
}

func (s *MemorySink) Emit(_ context.Context, ti TradeIntent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents = append(s.intents, ti)
	return nil
}

// Intents returns a copy of everything emitted so far.
func (s *MemorySink) Intents() []TradeIntent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]TradeIntent(nil), s.intents...)
}
