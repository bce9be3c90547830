package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EscrowAccount is a custodial balance held by the marketplace on behalf of a
// depositor, one per (marketplace, depositor, currency). It is created on
// first deposit, never holds a negative balance, and persists at zero rather
// than auto-closing. Treasury and settlement payouts are escrow credits too,
// so every party withdraws through the same ledger.
type EscrowAccount struct {
	Address     common.Address
	Marketplace common.Address
	Depositor   common.Address
	Currency    common.Address
	Balance     uint64

	CreatedAt time.Time
	UpdatedAt time.Time
	Version   int64
}
