package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"

	"github.com/opengrove/marketd/internal/domain"
)

// defaultListingTTL bounds cache staleness; the trade store stays
// authoritative.
const defaultListingTTL = 5 * time.Minute

// ListingCache implements domain.ListingCache using Redis hashes with JSON-
// serialized trade records and a secondary asset index for sell-side records.
//
// Key schema:
//
//	listing:{address}    - hash with field "data" containing JSON
//	listing:asset:{addr} - string value of the listing record address
type ListingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewListingCache creates a ListingCache backed by the given Client. A zero
// ttl falls back to the default.
func NewListingCache(c *Client, ttl time.Duration) *ListingCache {
	if ttl <= 0 {
		ttl = defaultListingTTL
	}
	return &ListingCache{rdb: c.rdb, ttl: ttl}
}

func listingKey(addr common.Address) string      { return "listing:" + addr.Hex() }
func listingAssetKey(addr common.Address) string { return "listing:asset:" + addr.Hex() }

// Set stores a trade record in the cache with the configured TTL. Sell-side
// records additionally get an asset-to-listing index entry.
func (lc *ListingCache) Set(ctx context.Context, rec domain.TradeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redis: marshal trade record %s: %w", rec.Address.Hex(), err)
	}

	key := listingKey(rec.Address)

	pipe := lc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, lc.ttl)
	if rec.Side == domain.SideSeller {
		pipe.Set(ctx, listingAssetKey(rec.Asset), rec.Address.Hex(), lc.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set trade record %s: %w", rec.Address.Hex(), err)
	}
	return nil
}

// Get retrieves a trade record by its address from the cache.
// It returns domain.ErrNotFound when the key does not exist.
func (lc *ListingCache) Get(ctx context.Context, addr common.Address) (domain.TradeRecord, error) {
	data, err := lc.rdb.HGet(ctx, listingKey(addr), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("redis: get trade record %s: %w", addr.Hex(), err)
	}

	var rec domain.TradeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return domain.TradeRecord{}, fmt.Errorf("redis: unmarshal trade record %s: %w", addr.Hex(), err)
	}
	return rec, nil
}

// GetByAsset looks up the cached sell-side listing for an asset.
// It returns domain.ErrNotFound if no listing is indexed for the asset.
func (lc *ListingCache) GetByAsset(ctx context.Context, asset common.Address) (domain.TradeRecord, error) {
	hex, err := lc.rdb.Get(ctx, listingAssetKey(asset)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TradeRecord{}, domain.ErrNotFound
		}
		return domain.TradeRecord{}, fmt.Errorf("redis: get listing by asset %s: %w", asset.Hex(), err)
	}
	return lc.Get(ctx, common.HexToAddress(hex))
}

// Invalidate removes a trade record and its asset index entry from the cache.
func (lc *ListingCache) Invalidate(ctx context.Context, addr common.Address) error {
	// Read the record first so the asset index entry can be cleaned up too.
	rec, err := lc.Get(ctx, addr)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate trade record %s: %w", addr.Hex(), err)
	}

	pipe := lc.rdb.TxPipeline()
	pipe.Del(ctx, listingKey(addr))
	if err == nil && rec.Side == domain.SideSeller {
		pipe.Del(ctx, listingAssetKey(rec.Asset))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate trade record %s: %w", addr.Hex(), err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.ListingCache = (*ListingCache)(nil)
