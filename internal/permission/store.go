package permission

import (
	"context"
	"errors"
)

// Sentinel errors shared by all store implementations. The service layer
// translates them into the public error taxonomy.
var (
	ErrNotFound          = errors.New("permission record not found")
	ErrOperationNotFound = errors.New("operation not found")
	ErrOperationExecuted = errors.New("operation already executed")
	ErrNonceMismatch     = errors.New("nonce mismatch")
	ErrWalletBound       = errors.New("chain address already bound to another path")
)

// Store abstracts persistence for permission records. Implementations must be
// safe for concurrent use; every mutating call takes the nonce the caller
// verified against and fails with ErrNonceMismatch when the stored next nonce
// moved on, so concurrent mutations of one path cannot both succeed.
type Store interface {
	// Get returns a copy of the record for the path, or ErrNotFound.
	Get(ctx context.Context, derivationPath string) (*Record, error)

	// AppendWallet binds a wallet to the path, creating the record on first
	// use, and advances next_nonce by exactly one. Fails with ErrWalletBound
	// when the chain address belongs to a different path.
	AppendWallet(ctx context.Context, derivationPath string, wallet Wallet, expectedNonce uint64) error

	// AppendOperation stores the operation and advances next_nonce.
	AppendOperation(ctx context.Context, derivationPath string, op Operation, expectedNonce uint64) error

	// DeleteOperation removes the operation and advances next_nonce.
	DeleteOperation(ctx context.Context, derivationPath, operationID string, expectedNonce uint64) error

	// ConsumeOperation flips executed false→true, returning the consumed
	// operation. ErrOperationExecuted when the flag was already set.
	ConsumeOperation(ctx context.Context, derivationPath, operationID string) (*Operation, error)

	// ListActive pages non-executed, non-expired operations across all
	// paths, ordered by creation time then operation id.
	ListActive(ctx context.Context, from, limit int, now int64) ([]Operation, error)

	// PathForWallet resolves a chain address back to its derivation path.
	PathForWallet(ctx context.Context, chainAddress string) (string, error)
}
