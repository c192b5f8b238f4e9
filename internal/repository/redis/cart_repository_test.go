package redis

import (
	"context"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agrimarket/internal/domain"
)

func newTestRepo(t *testing.T) (*CartRepository, *goredis.Client) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping redis test in short mode")
	}
	addr := os.Getenv("AGRI_CART_REDISADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })

	repo := NewCartRepository(client, time.Minute).(*CartRepository)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := repo.Init(ctx); err != nil {
		t.Skipf("redis not available at %s: %v", addr, err)
	}
	return repo, client
}

func TestCartRepository_SetReplaceClear(t *testing.T) {
	repo, client := newTestRepo(t)
	ctx := context.Background()
	userID := time.Now().UnixNano()
	t.Cleanup(func() { client.Del(context.Background(), cartKey(userID)) })

	require.NoError(t, repo.Set(ctx, userID, 7, 2))
	require.NoError(t, repo.Set(ctx, userID, 3, 1))
	items, err := repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []domain.CartItem{
		{UserID: userID, ListingID: 3, Quantity: 1},
		{UserID: userID, ListingID: 7, Quantity: 2},
	}, items)

	ttl, err := client.TTL(ctx, cartKey(userID)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, repo.Set(ctx, userID, 7, 0))
	items, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	require.Len(t, items, 1)

	require.NoError(t, repo.Replace(ctx, userID, []domain.CartItem{{ListingID: 9, Quantity: 4}, {ListingID: 10, Quantity: 0}}))
	items, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Equal(t, []domain.CartItem{{UserID: userID, ListingID: 9, Quantity: 4}}, items)

	require.NoError(t, repo.Clear(ctx, userID))
	items, err = repo.Get(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, items)
}
