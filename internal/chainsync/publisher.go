// Package chainsync keeps on-chain listings in step with the marketplace contract.
package chainsync

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/repository"
)

// ErrNotStarted is returned by Enqueue before Start has been called.
var ErrNotStarted = errors.New("publisher not started")

// Publisher pushes listing state to the contract with bounded concurrency.
type Publisher interface {
	Start(ctx context.Context) error
	Shutdown()
	Enqueue(ctx context.Context, listingID int64) error
	Resume(ctx context.Context) error
	Cancel(ctx context.Context, listingID int64) error
}

type Config struct {
	MaxConcurrent int
	Logger        *logrus.Logger
}

type publisher struct {
	cfg      Config
	contract ledger.Contract
	listings repository.ListingRepository
	profiles repository.ProfileRepository

	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	mu     sync.Mutex
	active map[int64]*syncHandle
}

type syncHandle struct {
	cancel context.CancelFunc
	done   chan struct{}
	// rerun is set when the listing changed again while a sync was in flight.
	rerun bool
}

func NewPublisher(cfg Config, contract ledger.Contract, listings repository.ListingRepository, profiles repository.ProfileRepository) Publisher {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 2
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	return &publisher{
		cfg:      cfg,
		contract: contract,
		listings: listings,
		profiles: profiles,
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		active:   make(map[int64]*syncHandle),
	}
}

func (p *publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()
	p.cfg.Logger.Infof("chain publisher started, %d workers", p.cfg.MaxConcurrent)
	return nil
}

func (p *publisher) Shutdown() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.cfg.Logger.Info("chain publisher stopped")
}

func (p *publisher) Enqueue(ctx context.Context, listingID int64) error {
	listing, err := p.listings.Get(ctx, listingID)
	if err != nil {
		return err
	}
	if !listing.OnChain {
		return nil
	}
	return p.spawn(listing.ID)
}

// Resume picks up listings left pending by a previous run.
func (p *publisher) Resume(ctx context.Context) error {
	listings, err := p.listings.ListByChainStatus(ctx, domain.ChainStatusPending)
	if err != nil {
		return err
	}
	for i := range listings {
		if err := p.spawn(listings[i].ID); err != nil {
			return err
		}
	}
	return nil
}

func (p *publisher) spawn(listingID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil {
		return ErrNotStarted
	}
	if handle, ok := p.active[listingID]; ok {
		handle.rerun = true
		return nil
	}

	syncCtx, cancel := context.WithCancel(p.ctx)
	handle := &syncHandle{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	p.active[listingID] = handle

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			cancel()
			close(handle.done)
		}()
		for {
			select {
			case <-syncCtx.Done():
				p.unregister(listingID)
				return
			case p.sem <- struct{}{}:
				p.sync(syncCtx, listingID)
				<-p.sem
			}
			if !p.finish(listingID, handle) {
				return
			}
		}
	}()
	return nil
}

// finish unregisters the handle unless another sync was requested meanwhile.
func (p *publisher) finish(listingID int64, handle *syncHandle) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if handle.rerun {
		handle.rerun = false
		return true
	}
	delete(p.active, listingID)
	return false
}

func (p *publisher) unregister(listingID int64) {
	p.mu.Lock()
	delete(p.active, listingID)
	p.mu.Unlock()
}

func (p *publisher) Cancel(ctx context.Context, listingID int64) error {
	p.mu.Lock()
	handle, ok := p.active[listingID]
	p.mu.Unlock()
	if !ok {
		return nil
	}

	handle.cancel()

	select {
	case <-handle.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *publisher) sync(ctx context.Context, listingID int64) {
	logger := p.cfg.Logger.WithField("listing_id", listingID)

	listing, err := p.listings.Get(ctx, listingID)
	if err != nil {
		logger.Errorf("load listing: %v", err)
		return
	}

	productID, err := p.publish(ctx, listing)
	if err != nil {
		if ctx.Err() != nil {
			logger.Info("chain sync cancelled, listing stays pending")
			return
		}
		p.fail(ctx, listingID, err)
		return
	}

	status := domain.ChainStatusPublished
	if productID == 0 {
		status = domain.ChainStatusNone
	}
	if err := p.listings.UpdateChainState(ctx, listingID, status, productID, ""); err != nil {
		logger.Errorf("persist chain state: %v", err)
		return
	}
	logger.WithField("product_id", productID).Info("listing synced to ledger")
}

// publish lists the product on first sync and reconciles price and stock afterwards.
// Archived listings keep their product with zero stock.
func (p *publisher) publish(ctx context.Context, listing *domain.Listing) (int64, error) {
	stock := listing.Quantity
	if listing.Status == domain.ListingStatusArchived {
		stock = 0
	}

	if listing.ChainProductID != 0 {
		product, err := p.contract.Product(ctx, listing.ChainProductID)
		if err == nil {
			return product.ID, p.reconcile(ctx, product, listing.PriceCents, stock)
		}
		if !errors.Is(err, ledger.ErrProductNotFound) {
			return 0, fmt.Errorf("read product %d: %w", listing.ChainProductID, err)
		}
		// the contract no longer knows the product; list it again
	}

	if listing.Status == domain.ListingStatusArchived {
		return 0, nil
	}
	farmer, err := p.ensureFarmer(ctx, listing.SellerID)
	if err != nil {
		return 0, err
	}
	productID, _, err := p.contract.ListProduct(ctx, farmer, listing.Title, listing.PriceCents, stock)
	if err != nil {
		return 0, fmt.Errorf("list product: %w", err)
	}
	return productID, nil
}

func (p *publisher) reconcile(ctx context.Context, product *ledger.Product, price, stock int64) error {
	if product.Price != price {
		if _, err := p.contract.UpdatePrice(ctx, product.Farmer, product.ID, price); err != nil {
			return fmt.Errorf("update price: %w", err)
		}
	}
	if product.Stock != stock {
		if _, err := p.contract.UpdateStock(ctx, product.Farmer, product.ID, stock); err != nil {
			return fmt.Errorf("update stock: %w", err)
		}
	}
	return nil
}

func (p *publisher) ensureFarmer(ctx context.Context, sellerID int64) (string, error) {
	profile, err := p.profiles.Get(ctx, sellerID)
	if err != nil {
		return "", err
	}
	if profile.WalletAddress == "" {
		return "", errors.New("seller has no wallet address")
	}
	name := profile.FullName
	if name == "" {
		name = fmt.Sprintf("seller-%d", sellerID)
	}
	if _, err := p.contract.RegisterFarmer(ctx, profile.WalletAddress, name); err != nil && !errors.Is(err, ledger.ErrFarmerExists) {
		return "", fmt.Errorf("register farmer: %w", err)
	}
	return profile.WalletAddress, nil
}

func (p *publisher) fail(ctx context.Context, listingID int64, failErr error) {
	msg := failErr.Error()
	if err := p.listings.UpdateChainState(ctx, listingID, domain.ChainStatusFailed, 0, msg); err != nil {
		p.cfg.Logger.WithField("listing_id", listingID).Errorf("persist failure status: %v", err)
	}
	p.cfg.Logger.WithField("listing_id", listingID).Error(msg)
}

var _ Publisher = (*publisher)(nil)
