package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// ConfigStore persists marketplace configuration records.
type ConfigStore interface {
	Create(ctx context.Context, cfg MarketplaceConfig) error
	Get(ctx context.Context, addr common.Address) (MarketplaceConfig, error)
	// Update rewrites cfg and fails with ErrRecordConflict if cfg.Version no
	// longer matches the stored version.
	Update(ctx context.Context, cfg MarketplaceConfig) error
}

// TradeStore persists open trade records. A record's existence is the sole
// signal that the order is still open; Close removes it.
type TradeStore interface {
	Open(ctx context.Context, rec TradeRecord) error
	Get(ctx context.Context, addr common.Address) (TradeRecord, error)
	// Close retires the record. It returns ErrEmptyTradeState when the record
	// is already closed or never existed.
	Close(ctx context.Context, addr common.Address) error
	ListByOwner(ctx context.Context, marketplace, owner common.Address, opts ListOpts) ([]TradeRecord, error)
	ListOpen(ctx context.Context, marketplace common.Address, side TradeSide, opts ListOpts) ([]TradeRecord, error)
}

// EscrowStore persists escrow balances.
type EscrowStore interface {
	Get(ctx context.Context, addr common.Address) (EscrowAccount, error)
	Create(ctx context.Context, acct EscrowAccount) error
	// Update rewrites the balance and fails with ErrRecordConflict on a
	// version mismatch.
	Update(ctx context.Context, acct EscrowAccount) error
}

// CustodyStore persists per-asset custody records.
type CustodyStore interface {
	Get(ctx context.Context, asset common.Address) (AssetCustody, error)
	Put(ctx context.Context, c AssetCustody) error
	Update(ctx context.Context, c AssetCustody) error
}

// PolicyStore resolves external policy descriptors for policy-gated assets.
type PolicyStore interface {
	Get(ctx context.Context, addr common.Address) (Policy, error)
	Put(ctx context.Context, p Policy) error
}

// ReceiptStore persists settlement receipts.
type ReceiptStore interface {
	Insert(ctx context.Context, r SettlementReceipt) error
	Get(ctx context.Context, id string) (SettlementReceipt, error)
	ListByMarketplace(ctx context.Context, marketplace common.Address, opts ListOpts) ([]SettlementReceipt, error)
	// ListBefore returns receipts settled strictly before the cutoff, oldest
	// first, across all marketplaces. Used by the cold-storage archiver.
	ListBefore(ctx context.Context, before time.Time, limit int) ([]SettlementReceipt, error)
}

// Stores bundles every store interface. A Stores value handed to a unit of
// work is bound to that unit's transaction.
type Stores struct {
	Config   ConfigStore
	Trades   TradeStore
	Escrow   EscrowStore
	Custody  CustodyStore
	Policies PolicyStore
	Receipts ReceiptStore
}

// UnitOfWork runs a function against transactional stores. Execute applies
// every write the function performed, or none of them. The storage substrate
// guarantees at-most-one-successful-writer per record: two concurrent units
// touching the same record cannot both commit; the loser sees
// ErrRecordConflict and its caller decides whether to retry.
type UnitOfWork interface {
	Execute(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
	// View runs a read-only function against a consistent snapshot.
	View(ctx context.Context, fn func(ctx context.Context, s Stores) error) error
}
