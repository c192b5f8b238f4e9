package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"sync"

	"github.com/google/uuid"
)

// MemoryContract is a reference implementation that serialises every call
// behind a single mutex, standing in for ledger ordering.
type MemoryContract struct {
	mu       sync.Mutex
	farmers  map[string]*FarmerAccount
	products map[int64]*Product
	nextID   int64
	seq      uint64
}

func NewMemoryContract() *MemoryContract {
	return &MemoryContract{
		farmers:  make(map[string]*FarmerAccount),
		products: make(map[int64]*Product),
	}
}

func (m *MemoryContract) RegisterFarmer(_ context.Context, addr, name string) (Receipt, error) {
	if addr == "" {
		return Receipt{}, fmt.Errorf("%w: empty address", ErrInvalidArgument)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.farmers[addr]; ok {
		return Receipt{}, ErrFarmerExists
	}
	m.farmers[addr] = &FarmerAccount{Address: addr, Name: name}
	return m.receipt("registerFarmer"), nil
}

func (m *MemoryContract) ListProduct(_ context.Context, farmer, name string, price, stock int64) (int64, Receipt, error) {
	if price <= 0 || stock < 0 {
		return 0, Receipt{}, fmt.Errorf("%w: price %d stock %d", ErrInvalidArgument, price, stock)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.farmers[farmer]; !ok {
		return 0, Receipt{}, ErrFarmerNotFound
	}
	m.nextID++
	m.products[m.nextID] = &Product{ID: m.nextID, Farmer: farmer, Name: name, Price: price, Stock: stock}
	return m.nextID, m.receipt("listProduct"), nil
}

func (m *MemoryContract) UpdateStock(_ context.Context, farmer string, productID, stock int64) (Receipt, error) {
	if stock < 0 {
		return Receipt{}, fmt.Errorf("%w: stock %d", ErrInvalidArgument, stock)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.owned(farmer, productID)
	if err != nil {
		return Receipt{}, err
	}
	p.Stock = stock
	return m.receipt("updateStock"), nil
}

func (m *MemoryContract) UpdatePrice(_ context.Context, farmer string, productID, price int64) (Receipt, error) {
	if price <= 0 {
		return Receipt{}, fmt.Errorf("%w: price %d", ErrInvalidArgument, price)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, err := m.owned(farmer, productID)
	if err != nil {
		return Receipt{}, err
	}
	p.Price = price
	return m.receipt("updatePrice"), nil
}

// Purchase requires the exact amount for the quantity and credits the owning farmer.
func (m *MemoryContract) Purchase(_ context.Context, buyer string, productID, quantity, amount int64) (Receipt, error) {
	if buyer == "" || quantity <= 0 {
		return Receipt{}, fmt.Errorf("%w: buyer %q quantity %d", ErrInvalidArgument, buyer, quantity)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok {
		return Receipt{}, ErrProductNotFound
	}
	if p.Stock < quantity {
		return Receipt{}, ErrOutOfStock
	}
	if p.Price > math.MaxInt64/quantity || amount != p.Price*quantity {
		return Receipt{}, ErrWrongAmount
	}
	p.Stock -= quantity
	m.farmers[p.Farmer].Balance += amount
	return m.receipt("purchase"), nil
}

func (m *MemoryContract) Withdraw(_ context.Context, farmer string, amount int64) (Receipt, error) {
	if amount <= 0 {
		return Receipt{}, fmt.Errorf("%w: amount %d", ErrInvalidArgument, amount)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.farmers[farmer]
	if !ok {
		return Receipt{}, ErrFarmerNotFound
	}
	if acct.Balance < amount {
		return Receipt{}, ErrInsufficientBalance
	}
	acct.Balance -= amount
	return m.receipt("withdraw"), nil
}

func (m *MemoryContract) Farmer(_ context.Context, addr string) (*FarmerAccount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.farmers[addr]
	if !ok {
		return nil, ErrFarmerNotFound
	}
	copied := *acct
	return &copied, nil
}

func (m *MemoryContract) Product(_ context.Context, id int64) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	copied := *p
	return &copied, nil
}

// owned must be called with mu held.
func (m *MemoryContract) owned(farmer string, productID int64) (*Product, error) {
	p, ok := m.products[productID]
	if !ok {
		return nil, ErrProductNotFound
	}
	if p.Farmer != farmer {
		return nil, ErrNotOwner
	}
	return p, nil
}

// receipt must be called with mu held.
func (m *MemoryContract) receipt(method string) Receipt {
	m.seq++
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d:%s", method, m.seq, uuid.NewString())))
	return Receipt{TxHash: "0x" + hex.EncodeToString(sum[:]), Sequence: m.seq}
}

var _ Contract = (*MemoryContract)(nil)
