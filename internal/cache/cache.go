package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"betting-exchange/internal/model"
)

const bookTTL = 30 * time.Second

// BookCache stores the default-order aggregated book per market. Any ledger
// mutation for a market invalidates its entry. A nil *BookCache is a no-op,
// so callers never need to branch on whether Redis is configured.
type BookCache struct {
	rdb *redis.Client
}

func Connect(addr string) (*BookCache, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &BookCache{rdb: rdb}, nil
}

func bookKey(marketID string) string { return "orderbook:" + marketID }

func (c *BookCache) Get(ctx context.Context, marketID string) (*model.OrderBook, bool) {
	if c == nil {
		return nil, false
	}
	raw, err := c.rdb.Get(ctx, bookKey(marketID)).Bytes()
	if err != nil {
		return nil, false
	}
	var book model.OrderBook
	if err := json.Unmarshal(raw, &book); err != nil {
		return nil, false
	}
	return &book, true
}

func (c *BookCache) Set(ctx context.Context, marketID string, book *model.OrderBook) {
	if c == nil {
		return
	}
	raw, err := json.Marshal(book)
	if err != nil {
		return
	}
	c.rdb.Set(ctx, bookKey(marketID), raw, bookTTL)
}

func (c *BookCache) Invalidate(ctx context.Context, marketID string) {
	if c == nil {
		return
	}
	c.rdb.Del(ctx, bookKey(marketID))
}

func (c *BookCache) Ping(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.rdb.Ping(ctx).Err()
}
