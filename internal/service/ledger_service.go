package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/ledger"
	"agrimarket/internal/repository"
)

type LedgerService interface {
	RegisterFarmer(ctx context.Context, user *domain.User) (*ledger.FarmerAccount, ledger.Receipt, error)
	Account(ctx context.Context, user *domain.User) (*ledger.FarmerAccount, error)
	Withdraw(ctx context.Context, user *domain.User, amount int64) (ledger.Receipt, error)
	Product(ctx context.Context, id int64) (*ledger.Product, error)
	RecordSale(ctx context.Context, order *domain.Order) error
}

type ledgerService struct {
	contract ledger.Contract
	profiles repository.ProfileRepository
	listings repository.ListingRepository
	escrow   string
	logger   logrus.FieldLogger
}

// NewLedgerService wraps contract, which may be nil when the ledger is disabled.
// Sales are recorded as purchases made by the escrow address.
func NewLedgerService(contract ledger.Contract, profiles repository.ProfileRepository, listings repository.ListingRepository, escrowAddress string, logger logrus.FieldLogger) LedgerService {
	return &ledgerService{
		contract: contract,
		profiles: profiles,
		listings: listings,
		escrow:   escrowAddress,
		logger:   logger,
	}
}

func (s *ledgerService) RegisterFarmer(ctx context.Context, user *domain.User) (*ledger.FarmerAccount, ledger.Receipt, error) {
	if s.contract == nil {
		return nil, ledger.Receipt{}, fmt.Errorf("ledger: %w", domain.ErrUnavailable)
	}
	if !user.Role.CanSell() {
		return nil, ledger.Receipt{}, fmt.Errorf("role %s cannot sell: %w", user.Role, domain.ErrForbidden)
	}
	profile, err := s.wallet(ctx, user.ID)
	if err != nil {
		return nil, ledger.Receipt{}, err
	}
	name := profile.FullName
	if name == "" {
		name = user.Email
	}
	receipt, err := s.contract.RegisterFarmer(ctx, profile.WalletAddress, name)
	if err != nil {
		return nil, ledger.Receipt{}, mapLedgerError(err)
	}
	account, err := s.contract.Farmer(ctx, profile.WalletAddress)
	if err != nil {
		return nil, ledger.Receipt{}, mapLedgerError(err)
	}
	return account, receipt, nil
}

func (s *ledgerService) Account(ctx context.Context, user *domain.User) (*ledger.FarmerAccount, error) {
	if s.contract == nil {
		return nil, fmt.Errorf("ledger: %w", domain.ErrUnavailable)
	}
	profile, err := s.wallet(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	account, err := s.contract.Farmer(ctx, profile.WalletAddress)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return account, nil
}

func (s *ledgerService) Withdraw(ctx context.Context, user *domain.User, amount int64) (ledger.Receipt, error) {
	if s.contract == nil {
		return ledger.Receipt{}, fmt.Errorf("ledger: %w", domain.ErrUnavailable)
	}
	if amount <= 0 {
		return ledger.Receipt{}, domain.Invalid("amount must be positive")
	}
	profile, err := s.wallet(ctx, user.ID)
	if err != nil {
		return ledger.Receipt{}, err
	}
	receipt, err := s.contract.Withdraw(ctx, profile.WalletAddress, amount)
	if err != nil {
		return ledger.Receipt{}, mapLedgerError(err)
	}
	return receipt, nil
}

func (s *ledgerService) Product(ctx context.Context, id int64) (*ledger.Product, error) {
	if s.contract == nil {
		return nil, fmt.Errorf("ledger: %w", domain.ErrUnavailable)
	}
	product, err := s.contract.Product(ctx, id)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return product, nil
}

// RecordSale buys the sold quantity of every on-chain item from the escrow
// address at the checkout price, so the farmer is credited what escrow held.
// The stock taken at checkout is first handed back on chain so the purchase
// can take it again.
func (s *ledgerService) RecordSale(ctx context.Context, order *domain.Order) error {
	if s.contract == nil {
		return nil
	}
	var errs []error
	for _, item := range order.Items {
		listing, err := s.listings.Get(ctx, item.ListingID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !listing.OnChain || listing.ChainProductID == 0 {
			continue
		}
		if err := s.purchase(ctx, listing.ChainProductID, item.Quantity, item.UnitPriceCents); err != nil {
			errs = append(errs, fmt.Errorf("listing %d: %w", listing.ID, err))
			continue
		}
		s.logger.WithFields(logrus.Fields{
			"order_id":   order.ID,
			"listing_id": listing.ID,
			"product_id": listing.ChainProductID,
			"quantity":   item.Quantity,
		}).Info("recorded sale on ledger")
	}
	return errors.Join(errs...)
}

func (s *ledgerService) purchase(ctx context.Context, productID, quantity, unitPrice int64) error {
	amount, err := domain.LineTotal(unitPrice, quantity)
	if err != nil {
		return err
	}
	product, err := s.contract.Product(ctx, productID)
	if err != nil {
		return err
	}
	if _, err := s.contract.UpdateStock(ctx, product.Farmer, productID, product.Stock+quantity); err != nil {
		return err
	}
	if product.Price == unitPrice {
		_, err = s.contract.Purchase(ctx, s.escrow, productID, quantity, amount)
		return err
	}

	// the listing was repriced after checkout; sell at the checkout price and put the current one back
	if _, err := s.contract.UpdatePrice(ctx, product.Farmer, productID, unitPrice); err != nil {
		return fmt.Errorf("set checkout price: %w", err)
	}
	_, err = s.contract.Purchase(ctx, s.escrow, productID, quantity, amount)
	if _, restoreErr := s.contract.UpdatePrice(ctx, product.Farmer, productID, product.Price); restoreErr != nil {
		s.logger.WithError(restoreErr).WithField("product_id", productID).Error("failed to restore product price after sale")
	}
	return err
}

func (s *ledgerService) wallet(ctx context.Context, userID int64) (*domain.Profile, error) {
	profile, err := s.profiles.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if profile.WalletAddress == "" {
		return nil, domain.Invalid("profile has no wallet address")
	}
	return profile, nil
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrFarmerNotFound), errors.Is(err, ledger.ErrProductNotFound):
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	case errors.Is(err, ledger.ErrFarmerExists):
		return fmt.Errorf("%w: %w", domain.ErrConflict, err)
	case errors.Is(err, ledger.ErrNotOwner):
		return fmt.Errorf("%w: %w", domain.ErrForbidden, err)
	case errors.Is(err, ledger.ErrOutOfStock):
		return fmt.Errorf("%w: %w", domain.ErrInsufficientStock, err)
	case errors.Is(err, ledger.ErrWrongAmount), errors.Is(err, ledger.ErrInsufficientBalance), errors.Is(err, ledger.ErrInvalidArgument):
		return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
	}
	return err
}
