// Package redis provides a redis-backed cart store for deployments that keep carts out of sqlite.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

// CartRepository stores each cart as a hash cart:<user> of listing id -> quantity.
// Every write refreshes the key TTL so abandoned carts expire.
type CartRepository struct {
	client *goredis.Client
	ttl    time.Duration
}

func NewCartRepository(client *goredis.Client, ttl time.Duration) repository.CartRepository {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &CartRepository{client: client, ttl: ttl}
}

func (r *CartRepository) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *CartRepository) Get(ctx context.Context, userID int64) ([]domain.CartItem, error) {
	values, err := r.client.HGetAll(ctx, cartKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read cart: %w", err)
	}

	items := make([]domain.CartItem, 0, len(values))
	for field, raw := range values {
		listingID, err := strconv.ParseInt(field, 10, 64)
		if err != nil {
			continue
		}
		qty, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || qty <= 0 {
			continue
		}
		items = append(items, domain.CartItem{UserID: userID, ListingID: listingID, Quantity: qty})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].ListingID < items[j].ListingID })
	return items, nil
}

func (r *CartRepository) Set(ctx context.Context, userID, listingID, quantity int64) error {
	key := cartKey(userID)
	field := strconv.FormatInt(listingID, 10)

	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		if quantity <= 0 {
			pipe.HDel(ctx, key, field)
		} else {
			pipe.HSet(ctx, key, field, quantity)
		}
		pipe.Expire(ctx, key, r.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("write cart item: %w", err)
	}
	return nil
}

func (r *CartRepository) Replace(ctx context.Context, userID int64, items []domain.CartItem) error {
	key := cartKey(userID)
	_, err := r.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, key)
		values := make(map[string]any, len(items))
		for _, item := range items {
			if item.Quantity > 0 {
				values[strconv.FormatInt(item.ListingID, 10)] = item.Quantity
			}
		}
		if len(values) > 0 {
			pipe.HSet(ctx, key, values)
			pipe.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace cart: %w", err)
	}
	return nil
}

func (r *CartRepository) Clear(ctx context.Context, userID int64) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("clear cart: %w", err)
	}
	return nil
}

func cartKey(userID int64) string {
	return "cart:" + strconv.FormatInt(userID, 10)
}
