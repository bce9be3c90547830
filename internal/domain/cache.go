package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListingCache provides fast lookups of open trade records. It is a
// read-through cache over the trade store; the store remains authoritative.
type ListingCache interface {
	Set(ctx context.Context, rec TradeRecord) error
	Get(ctx context.Context, addr common.Address) (TradeRecord, error)
	Invalidate(ctx context.Context, addr common.Address) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// ErrLockHeld reports that a distributed lock is already held. Locks guard
// the HTTP edge only; the core state machine never takes one.
var ErrLockHeld = newErr(6050, ClassResource, "lock already held")

// LockManager provides distributed locking for the settlement edge, so a
// client retrying a settlement does not race its own in-flight request.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// SignalBus provides pub/sub for committed-state events and durable streams
// for the receipt archive pipeline.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}
