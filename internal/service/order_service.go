package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

// CheckoutInput describes a checkout. Without explicit items the stored cart is used.
type CheckoutInput struct {
	ShippingAddress string
	Items           []domain.CartItem
}

type OrderService interface {
	Checkout(ctx context.Context, buyer *domain.User, in CheckoutInput) ([]domain.Order, error)
	Get(ctx context.Context, user *domain.User, id int64) (*domain.Order, error)
	List(ctx context.Context, user *domain.User, asSeller bool) ([]domain.Order, error)
	Cancel(ctx context.Context, user *domain.User, id int64) (*domain.Order, error)
	Confirm(ctx context.Context, user *domain.User, id int64) (*domain.Order, error)
	SetChainSyncer(syncer ChainSyncer)
}

type orderService struct {
	orders     repository.OrderRepository
	listings   repository.ListingRepository
	cart       repository.CartRepository
	deliveries repository.DeliveryRepository
	escrow     EscrowService
	syncer     ChainSyncer
	logger     logrus.FieldLogger
}

func NewOrderService(
	orders repository.OrderRepository,
	listings repository.ListingRepository,
	cart repository.CartRepository,
	deliveries repository.DeliveryRepository,
	escrow EscrowService,
	logger logrus.FieldLogger,
) OrderService {
	return &orderService{
		orders:     orders,
		listings:   listings,
		cart:       cart,
		deliveries: deliveries,
		escrow:     escrow,
		logger:     logger,
	}
}

func (s *orderService) SetChainSyncer(syncer ChainSyncer) {
	s.syncer = syncer
}

// Checkout creates one order per seller. When a later order fails, the
// orders already created in this checkout are cancelled so their stock is restored.
func (s *orderService) Checkout(ctx context.Context, buyer *domain.User, in CheckoutInput) ([]domain.Order, error) {
	if !buyer.Role.CanBuy() {
		return nil, fmt.Errorf("role %s cannot buy: %w", buyer.Role, domain.ErrForbidden)
	}
	address := sanitizeText(in.ShippingAddress)
	if address == "" {
		return nil, domain.Invalid("shipping address is required")
	}

	items := in.Items
	fromCart := len(items) == 0
	if fromCart {
		stored, err := s.cart.Get(ctx, buyer.ID)
		if err != nil {
			return nil, err
		}
		items = stored
	}
	items = mergeItems(items)
	if len(items) == 0 {
		return nil, domain.Invalid("cart is empty")
	}

	groups, onChain, err := s.group(ctx, buyer, items)
	if err != nil {
		return nil, err
	}

	created := make([]domain.Order, 0, len(groups))
	for _, order := range groups {
		order.ShippingAddress = address
		if _, err := s.orders.Create(ctx, order); err != nil {
			s.compensate(ctx, created)
			return nil, err
		}
		created = append(created, *order)
	}

	if fromCart {
		if err := s.cart.Clear(ctx, buyer.ID); err != nil {
			s.logger.WithError(err).WithField("user_id", buyer.ID).Warn("failed to clear cart after checkout")
		}
	}
	s.enqueue(ctx, onChain)
	return created, nil
}

func (s *orderService) group(ctx context.Context, buyer *domain.User, items []domain.CartItem) ([]*domain.Order, []int64, error) {
	bySeller := map[int64]*domain.Order{}
	var onChain []int64
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, nil, domain.Invalid("quantity for listing %d must be positive", item.ListingID)
		}
		listing, err := s.listings.Get(ctx, item.ListingID)
		if err != nil {
			return nil, nil, err
		}
		if listing.SellerID == buyer.ID {
			return nil, nil, domain.Invalid("listing %d is your own", listing.ID)
		}
		if listing.Status != domain.ListingStatusActive || listing.Quantity < item.Quantity {
			return nil, nil, fmt.Errorf("listing %d: %w", listing.ID, domain.ErrInsufficientStock)
		}

		order, ok := bySeller[listing.SellerID]
		if !ok {
			order = &domain.Order{
				BuyerID:  buyer.ID,
				SellerID: listing.SellerID,
				Status:   domain.OrderStatusPendingPayment,
				Currency: listing.Currency,
			}
			bySeller[listing.SellerID] = order
		}
		if order.Currency != listing.Currency {
			return nil, nil, domain.Invalid("listings of seller %d use different currencies", listing.SellerID)
		}
		order.Items = append(order.Items, domain.OrderItem{
			ListingID:      listing.ID,
			Title:          listing.Title,
			Quantity:       item.Quantity,
			UnitPriceCents: listing.PriceCents,
		})
		if listing.OnChain {
			onChain = append(onChain, listing.ID)
		}
	}

	orders := make([]*domain.Order, 0, len(bySeller))
	for _, order := range bySeller {
		total, err := order.CheckedTotal()
		if err != nil {
			return nil, nil, err
		}
		order.TotalCents = total
		orders = append(orders, order)
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].SellerID < orders[j].SellerID })
	return orders, onChain, nil
}

func (s *orderService) compensate(ctx context.Context, created []domain.Order) {
	for _, order := range created {
		if err := s.orders.Cancel(ctx, order.ID, domain.OrderStatusPendingPayment); err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Error("failed to roll back order of a failed checkout")
		}
	}
}

func (s *orderService) Get(ctx context.Context, user *domain.User, id int64) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.canView(ctx, user, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (s *orderService) List(ctx context.Context, user *domain.User, asSeller bool) ([]domain.Order, error) {
	if asSeller {
		return s.orders.ListBySeller(ctx, user.ID)
	}
	return s.orders.ListByBuyer(ctx, user.ID)
}

func (s *orderService) Cancel(ctx context.Context, user *domain.User, id int64) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !order.IsParticipant(user.ID) && user.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrForbidden)
	}

	switch order.Status {
	case domain.OrderStatusPendingPayment:
		if err := s.orders.Cancel(ctx, id, domain.OrderStatusPendingPayment); err != nil {
			return nil, err
		}
	case domain.OrderStatusPaid:
		if err := s.orders.Cancel(ctx, id, domain.OrderStatusPaid); err != nil {
			return nil, err
		}
		if err := s.escrow.Refund(ctx, id); err != nil {
			return nil, fmt.Errorf("refund escrow: %w", err)
		}
		if err := s.stopDelivery(ctx, id); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("order is %s: %w", order.Status, domain.ErrInvalidTransition)
	}

	s.enqueueItems(ctx, order)
	return s.orders.Get(ctx, id)
}

// Confirm is the buyer acknowledging receipt; it releases the escrow early.
func (s *orderService) Confirm(ctx context.Context, user *domain.User, id int64) (*domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.BuyerID != user.ID {
		return nil, fmt.Errorf("order %d: %w", id, domain.ErrForbidden)
	}
	// completed is accepted so a release interrupted before settling can be retried
	if order.Status != domain.OrderStatusDelivered && order.Status != domain.OrderStatusCompleted {
		return nil, fmt.Errorf("order is %s: %w", order.Status, domain.ErrInvalidTransition)
	}
	if err := s.escrow.Release(ctx, id); err != nil {
		return nil, err
	}
	return s.orders.Get(ctx, id)
}

// stopDelivery fails the delivery of a cancelled order so the transporter
// can no longer report progress on it.
func (s *orderService) stopDelivery(ctx context.Context, orderID int64) error {
	delivery, err := s.deliveries.GetByOrder(ctx, orderID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if delivery.Status == domain.DeliveryStatusFailed || delivery.Status == domain.DeliveryStatusDelivered {
		return nil
	}
	event := domain.DeliveryEvent{Status: domain.DeliveryStatusFailed, Note: "order cancelled", At: time.Now().UTC()}
	if err := s.deliveries.AppendEvent(ctx, delivery.ID, event); err != nil {
		return fmt.Errorf("stop delivery: %w", err)
	}
	return nil
}

func (s *orderService) canView(ctx context.Context, user *domain.User, order *domain.Order) error {
	if user.Role == domain.RoleAdmin || order.IsParticipant(user.ID) {
		return nil
	}
	if user.Role == domain.RoleTransporter {
		delivery, err := s.deliveries.GetByOrder(ctx, order.ID)
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			return err
		}
		if delivery != nil && delivery.TransporterID != nil && *delivery.TransporterID == user.ID {
			return nil
		}
	}
	return fmt.Errorf("order %d: %w", order.ID, domain.ErrForbidden)
}

func (s *orderService) enqueueItems(ctx context.Context, order *domain.Order) {
	ids := make([]int64, 0, len(order.Items))
	for _, item := range order.Items {
		listing, err := s.listings.Get(ctx, item.ListingID)
		if err == nil && listing.OnChain {
			ids = append(ids, listing.ID)
		}
	}
	s.enqueue(ctx, ids)
}

// enqueue asks the publisher to reconcile chain stock with the new database stock.
func (s *orderService) enqueue(ctx context.Context, listingIDs []int64) {
	if s.syncer == nil {
		return
	}
	for _, id := range listingIDs {
		if err := s.syncer.Enqueue(ctx, id); err != nil {
			s.logger.WithError(err).WithField("listing_id", id).Warn("failed to enqueue chain sync")
		}
	}
}
