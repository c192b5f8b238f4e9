package ledger

import (
	"context"
	"sync"
	"testing"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
	"github.com/nspcc-dev/neo-go/pkg/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryContract_ListAndPurchase(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryContract()

	_, _, err := c.ListProduct(ctx, "farmer-a", "Maize", 100, 10)
	require.ErrorIs(t, err, ErrFarmerNotFound)

	r1, err := c.RegisterFarmer(ctx, "farmer-a", "Amina")
	require.NoError(t, err)
	_, err = c.RegisterFarmer(ctx, "farmer-a", "Amina")
	require.ErrorIs(t, err, ErrFarmerExists)

	id, r2, err := c.ListProduct(ctx, "farmer-a", "Maize", 100, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 1, id)
	assert.Greater(t, r2.Sequence, r1.Sequence)
	assert.NotEqual(t, r1.TxHash, r2.TxHash)

	_, err = c.Purchase(ctx, "escrow", id, 3, 299)
	require.ErrorIs(t, err, ErrWrongAmount)
	_, err = c.Purchase(ctx, "escrow", id, 3, 301)
	require.ErrorIs(t, err, ErrWrongAmount)
	_, err = c.Purchase(ctx, "escrow", id, 11, 1100)
	require.ErrorIs(t, err, ErrOutOfStock)
	_, err = c.Purchase(ctx, "escrow", id, 0, 0)
	require.ErrorIs(t, err, ErrInvalidArgument)

	_, err = c.Purchase(ctx, "escrow", id, 3, 300)
	require.NoError(t, err)

	p, err := c.Product(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 7, p.Stock)

	acct, err := c.Farmer(ctx, "farmer-a")
	require.NoError(t, err)
	assert.EqualValues(t, 300, acct.Balance)
}

func TestMemoryContract_OwnerChecksAndWithdraw(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryContract()
	_, err := c.RegisterFarmer(ctx, "a", "A")
	require.NoError(t, err)
	_, err = c.RegisterFarmer(ctx, "b", "B")
	require.NoError(t, err)
	id, _, err := c.ListProduct(ctx, "a", "Beans", 50, 4)
	require.NoError(t, err)

	_, err = c.UpdatePrice(ctx, "b", id, 60)
	assert.ErrorIs(t, err, ErrNotOwner)
	_, err = c.UpdatePrice(ctx, "a", id, 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.UpdateStock(ctx, "a", 99, 1)
	assert.ErrorIs(t, err, ErrProductNotFound)

	_, err = c.UpdatePrice(ctx, "a", id, 60)
	require.NoError(t, err)
	_, err = c.UpdateStock(ctx, "a", id, 2)
	require.NoError(t, err)
	_, err = c.Purchase(ctx, "x", id, 2, 120)
	require.NoError(t, err)

	_, err = c.Withdraw(ctx, "a", 121)
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	_, err = c.Withdraw(ctx, "a", 0)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	_, err = c.Withdraw(ctx, "a", 120)
	require.NoError(t, err)

	acct, err := c.Farmer(ctx, "a")
	require.NoError(t, err)
	assert.Zero(t, acct.Balance)
}

func TestMemoryContract_ConcurrentPurchasesNeverOversell(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryContract()
	_, err := c.RegisterFarmer(ctx, "a", "A")
	require.NoError(t, err)
	id, _, err := c.ListProduct(ctx, "a", "Eggs", 10, 25)
	require.NoError(t, err)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Purchase(ctx, "buyer", id, 1, 10); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 25, ok)
	p, err := c.Product(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, p.Stock)
}

func TestInstrumented_CountsResults(t *testing.T) {
	calls := prometheus.NewCounterVec(prometheus.CounterOpts{Name: "test_ledger_calls_total"}, []string{"method", "result"})
	c := NewInstrumented(NewMemoryContract(), calls)

	_, err := c.RegisterFarmer(context.Background(), "a", "A")
	require.NoError(t, err)
	_, err = c.RegisterFarmer(context.Background(), "a", "A")
	require.Error(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(calls.WithLabelValues("registerFarmer", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(calls.WithLabelValues("registerFarmer", "error")))
}

func TestValidateAddress(t *testing.T) {
	valid := address.Uint160ToString(util.Uint160{1, 2, 3})
	assert.NoError(t, ValidateAddress(valid))
	assert.ErrorIs(t, ValidateAddress("not-an-address"), ErrInvalidArgument)
}
