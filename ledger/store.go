package ledger

import (
	"context"

	"github.com/Colombia-Blockchain/snowrail-core/types"
)

// Store persists intents. Update is a compare-and-swap on Version: it succeeds
// only if the stored version equals expected, and fails with types.ErrConflict
// otherwise.
type Store interface {
	Insert(ctx context.Context, intent *types.PaymentIntent) error
	Get(ctx context.Context, id string) (*types.PaymentIntent, error)
	Update(ctx context.Context, intent *types.PaymentIntent, expected int64) error
	ListByStatus(ctx context.Context, status types.IntentStatus, limit int) ([]*types.PaymentIntent, error)
	Ping(ctx context.Context) error
	Close() error
}

func notFound(id string) error {
	return types.NewError(types.ErrCodeNotFound, "intent %s not found", id)
}

func conflict(id string) error {
	return types.NewError(types.ErrCodeConflict, "intent %s was modified concurrently", id)
}
