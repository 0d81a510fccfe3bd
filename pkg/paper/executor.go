package paper

import (
	"context"
	"fmt"
	"math"
)

// Order statuses.
const (
	StatusFilled = "FILLED"
)

// Fill is the executor's answer for one trade intent.
type Fill struct {
	OrderID  string `json:"order_id"`
	Status   string `json:"status"`
	IntentID string `json:"intent_id"`
}

// Executor places trade intents.
type Executor interface {
	Execute(ctx context.Context, ti TradeIntent) (Fill, error)
}

// DryExecutor fills every intent immediately without a broker.
type DryExecutor struct{}

// Execute returns a FILLED order keyed on the intent timestamp in milliseconds.
func (DryExecutor) Execute(ctx context.Context, ti TradeIntent) (Fill, error) {
	if err := ctx.Err(); err != nil {
		return Fill{}, err
	}
	return Fill{
		OrderID:  fmt.Sprintf("dry-%d", int64(math.Trunc(ti.Timestamp*1000))),
		Status:   StatusFilled,
		IntentID: ti.ID,
	}, nil
}
