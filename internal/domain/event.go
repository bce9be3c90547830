package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Event types published on the signal bus after a state change commits.
const (
	EventListingOpened   = "listing.opened"
	EventListingClosed   = "listing.closed"
	EventBidOpened       = "bid.opened"
	EventBidClosed       = "bid.closed"
	EventDeposit         = "escrow.deposit"
	EventWithdrawal      = "escrow.withdrawal"
	EventSettled         = "trade.settled"
	EventConfigUpdated   = "marketplace.updated"
	EventListingMigrated = "listing.migrated"
)

// Event is the envelope pushed to subscribers over the signal bus and the
// websocket hub. Payload is event-type specific JSON.
type Event struct {
	Type        string          `json:"type"`
	Marketplace common.Address  `json:"marketplace"`
	Asset       *common.Address `json:"asset,omitempty"`
	Record      *common.Address `json:"record,omitempty"`
	At          time.Time       `json:"at"`
	Payload     any             `json:"payload,omitempty"`
}
