package ledger

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Instrumented counts contract calls by method and result.
type Instrumented struct {
	next  Contract
	calls *prometheus.CounterVec
}

// NewInstrumented wraps next; calls must have the labels method and result.
func NewInstrumented(next Contract, calls *prometheus.CounterVec) *Instrumented {
	return &Instrumented{next: next, calls: calls}
}

func (i *Instrumented) observe(method string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	i.calls.WithLabelValues(method, result).Inc()
}

func (i *Instrumented) RegisterFarmer(ctx context.Context, addr, name string) (Receipt, error) {
	r, err := i.next.RegisterFarmer(ctx, addr, name)
	i.observe("registerFarmer", err)
	return r, err
}

func (i *Instrumented) ListProduct(ctx context.Context, farmer, name string, price, stock int64) (int64, Receipt, error) {
	id, r, err := i.next.ListProduct(ctx, farmer, name, price, stock)
	i.observe("listProduct", err)
	return id, r, err
}

func (i *Instrumented) UpdateStock(ctx context.Context, farmer string, productID, stock int64) (Receipt, error) {
	r, err := i.next.UpdateStock(ctx, farmer, productID, stock)
	i.observe("updateStock", err)
	return r, err
}

func (i *Instrumented) UpdatePrice(ctx context.Context, farmer string, productID, price int64) (Receipt, error) {
	r, err := i.next.UpdatePrice(ctx, farmer, productID, price)
	i.observe("updatePrice", err)
	return r, err
}

func (i *Instrumented) Purchase(ctx context.Context, buyer string, productID, quantity, amount int64) (Receipt, error) {
	r, err := i.next.Purchase(ctx, buyer, productID, quantity, amount)
	i.observe("purchase", err)
	return r, err
}

func (i *Instrumented) Withdraw(ctx context.Context, farmer string, amount int64) (Receipt, error) {
	r, err := i.next.Withdraw(ctx, farmer, amount)
	i.observe("withdraw", err)
	return r, err
}

func (i *Instrumented) Farmer(ctx context.Context, addr string) (*FarmerAccount, error) {
	acct, err := i.next.Farmer(ctx, addr)
	i.observe("getFarmer", err)
	return acct, err
}

func (i *Instrumented) Product(ctx context.Context, id int64) (*Product, error) {
	p, err := i.next.Product(ctx, id)
	i.observe("getProduct", err)
	return p, err
}

var _ Contract = (*Instrumented)(nil)
