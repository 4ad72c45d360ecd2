package order

import (
	"context"

	"github.com/shopspring/decimal"
)

// ListOptions filters order listings.
type ListOptions struct {
	// UserDestination restricts results to one owner when non-empty.
	UserDestination string
	// States restricts results to the given states when non-empty.
	States []State
	// Limit caps the number of results; 0 applies the default of 50.
	Limit int
	// Offset skips results for pagination.
	Offset int
}

// Store persists orders. Every mutating method applies
// compare-and-transition: the record is updated only while it is still in
// the expected source state, and ErrStateChanged reports a lost race.
// Funding, cancellation and poller evaluation all race on the same rows.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, orderID string) (*Order, error)
	// Activate moves pending → active, recording the funding time and the
	// funding transaction hash when one was observed.
	Activate(ctx context.Context, orderID string, fundedAt int64, fundingTxHash string) error
	// Trigger moves active → triggered and records the observed price.
	Trigger(ctx context.Context, orderID string, price decimal.Decimal, triggeredAt int64) error
	// Reactivate moves triggered → active, clearing the trigger marks. Used
	// when the synthetic intent could not be enqueued.
	Reactivate(ctx context.Context, orderID string) error
	// Execute moves triggered → executed with the settlement result.
	Execute(ctx context.Context, orderID, txID, outputAmount string, executedAt int64) error
	// Fail moves triggered → failed with the terminal error.
	Fail(ctx context.Context, orderID, reason string) error
	// Cancel moves pending, active or triggered → cancelled.
	Cancel(ctx context.Context, orderID string) error
	// Expire moves any non-terminal state → expired.
	Expire(ctx context.Context, orderID string) error
	List(ctx context.Context, opts ListOptions) ([]*Order, error)
	ListActive(ctx context.Context) ([]*Order, error)
	// ListExpirable returns non-terminal orders whose expiry has passed.
	ListExpirable(ctx context.Context, now int64) ([]*Order, error)
	Close() error
}
