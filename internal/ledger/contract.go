// Package ledger defines the fixed-price marketplace contract that on-chain
// listings are mirrored to, with an in-process reference implementation.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/nspcc-dev/neo-go/pkg/encoding/address"
)

var (
	ErrFarmerExists        = errors.New("farmer already registered")
	ErrFarmerNotFound      = errors.New("farmer not registered")
	ErrProductNotFound     = errors.New("product not found")
	ErrNotOwner            = errors.New("caller does not own the product")
	ErrOutOfStock          = errors.New("product out of stock")
	ErrWrongAmount         = errors.New("amount does not match price times quantity")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidArgument     = errors.New("invalid argument")
)

// Receipt identifies an accepted contract call.
type Receipt struct {
	TxHash   string
	Sequence uint64
}

type FarmerAccount struct {
	Address string
	Name    string
	Balance int64
}

type Product struct {
	ID     int64
	Farmer string
	Name   string
	Price  int64
	Stock  int64
}

// Contract is the marketplace contract surface. Amounts and prices are in the
// smallest currency unit.
type Contract interface {
	RegisterFarmer(ctx context.Context, addr, name string) (Receipt, error)
	ListProduct(ctx context.Context, farmer, name string, price, stock int64) (int64, Receipt, error)
	UpdateStock(ctx context.Context, farmer string, productID, stock int64) (Receipt, error)
	UpdatePrice(ctx context.Context, farmer string, productID, price int64) (Receipt, error)
	Purchase(ctx context.Context, buyer string, productID, quantity, amount int64) (Receipt, error)
	Withdraw(ctx context.Context, farmer string, amount int64) (Receipt, error)
	Farmer(ctx context.Context, addr string) (*FarmerAccount, error)
	Product(ctx context.Context, id int64) (*Product, error)
}

// ValidateAddress checks that addr is a well formed Neo N3 address.
func ValidateAddress(addr string) error {
	if _, err := address.StringToUint160(addr); err != nil {
		return fmt.Errorf("%w: address %q: %v", ErrInvalidArgument, addr, err)
	}
	return nil
}
