package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"agrimarket/internal/domain"
	"agrimarket/internal/repository"
)

// DeliveryUpdate is a transporter's status report.
type DeliveryUpdate struct {
	Status   domain.DeliveryStatus
	Note     string
	Location string
}

type DeliveryService interface {
	CreateForOrder(ctx context.Context, orderID int64) (*domain.Delivery, error)
	Assign(ctx context.Context, user *domain.User, deliveryID, transporterID int64) (*domain.Delivery, error)
	UpdateStatus(ctx context.Context, user *domain.User, deliveryID int64, update DeliveryUpdate) (*domain.Delivery, error)
	GetForOrder(ctx context.Context, user *domain.User, orderID int64) (*domain.Delivery, error)
	ListMine(ctx context.Context, user *domain.User) ([]domain.Delivery, error)
}

type deliveryService struct {
	deliveries repository.DeliveryRepository
	orders     repository.OrderRepository
	users      repository.UserRepository
	profiles   ProfileService
	escrow     EscrowService
	logger     logrus.FieldLogger
}

func NewDeliveryService(
	deliveries repository.DeliveryRepository,
	orders repository.OrderRepository,
	users repository.UserRepository,
	profiles ProfileService,
	escrow EscrowService,
	logger logrus.FieldLogger,
) DeliveryService {
	return &deliveryService{
		deliveries: deliveries,
		orders:     orders,
		users:      users,
		profiles:   profiles,
		escrow:     escrow,
		logger:     logger,
	}
}

func (s *deliveryService) CreateForOrder(ctx context.Context, orderID int64) (*domain.Delivery, error) {
	delivery := &domain.Delivery{
		OrderID: orderID,
		Status:  domain.DeliveryStatusPending,
	}
	_, err := s.deliveries.Create(ctx, delivery)
	if errors.Is(err, domain.ErrConflict) {
		return s.deliveries.GetByOrder(ctx, orderID)
	}
	if err != nil {
		return nil, err
	}
	return s.deliveries.Get(ctx, delivery.ID)
}

func (s *deliveryService) Assign(ctx context.Context, user *domain.User, deliveryID, transporterID int64) (*domain.Delivery, error) {
	delivery, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	order, err := s.orders.Get(ctx, delivery.OrderID)
	if err != nil {
		return nil, err
	}
	if order.SellerID != user.ID && user.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("delivery %d: %w", deliveryID, domain.ErrForbidden)
	}
	if order.Status != domain.OrderStatusPaid && order.Status != domain.OrderStatusInTransit {
		return nil, fmt.Errorf("order is %s: %w", order.Status, domain.ErrInvalidTransition)
	}
	if !domain.CanTransition(delivery.Status, domain.DeliveryStatusAssigned) {
		return nil, fmt.Errorf("delivery is %s: %w", delivery.Status, domain.ErrInvalidTransition)
	}

	transporter, err := s.users.GetByID(ctx, transporterID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, domain.Invalid("transporter %d does not exist", transporterID)
	}
	if err != nil {
		return nil, err
	}
	if transporter.Role != domain.RoleTransporter {
		return nil, domain.Invalid("user %d is not a transporter", transporterID)
	}
	if err := s.profiles.RequireVerified(ctx, transporter); err != nil {
		return nil, err
	}

	event := domain.DeliveryEvent{Note: fmt.Sprintf("assigned to transporter %d", transporterID), At: time.Now().UTC()}
	if err := s.deliveries.Assign(ctx, deliveryID, transporterID, event); err != nil {
		return nil, err
	}
	return s.deliveries.Get(ctx, deliveryID)
}

func (s *deliveryService) UpdateStatus(ctx context.Context, user *domain.User, deliveryID int64, update DeliveryUpdate) (*domain.Delivery, error) {
	switch update.Status {
	case domain.DeliveryStatusPickedUp, domain.DeliveryStatusInTransit, domain.DeliveryStatusDelivered, domain.DeliveryStatusFailed:
	default:
		return nil, domain.Invalid("status %q cannot be reported", update.Status)
	}

	delivery, err := s.deliveries.Get(ctx, deliveryID)
	if err != nil {
		return nil, err
	}
	assigned := delivery.TransporterID != nil && *delivery.TransporterID == user.ID
	if !assigned && user.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("delivery %d: %w", deliveryID, domain.ErrForbidden)
	}
	if !domain.CanTransition(delivery.Status, update.Status) {
		return nil, fmt.Errorf("delivery %s to %s: %w", delivery.Status, update.Status, domain.ErrInvalidTransition)
	}
	order, err := s.orders.Get(ctx, delivery.OrderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPaid && order.Status != domain.OrderStatusInTransit {
		return nil, fmt.Errorf("order is %s: %w", order.Status, domain.ErrInvalidTransition)
	}

	event := domain.DeliveryEvent{
		Status:   update.Status,
		Note:     sanitizeText(update.Note),
		Location: sanitizeText(update.Location),
		At:       time.Now().UTC(),
	}
	if err := s.deliveries.AppendEvent(ctx, deliveryID, event); err != nil {
		return nil, err
	}

	if err := s.advanceOrder(ctx, delivery.OrderID, update.Status); err != nil {
		return nil, err
	}
	return s.deliveries.Get(ctx, deliveryID)
}

func (s *deliveryService) advanceOrder(ctx context.Context, orderID int64, status domain.DeliveryStatus) error {
	switch status {
	case domain.DeliveryStatusPickedUp, domain.DeliveryStatusInTransit:
		err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusInTransit, domain.OrderStatusPaid)
		if errors.Is(err, domain.ErrInvalidTransition) {
			return nil
		}
		return err
	case domain.DeliveryStatusDelivered:
		if err := s.orders.TransitionStatus(ctx, orderID, domain.OrderStatusDelivered, domain.OrderStatusPaid, domain.OrderStatusInTransit); err != nil {
			return err
		}
		if err := s.escrow.MarkDelivered(ctx, orderID); err != nil {
			s.logger.WithError(err).WithField("order_id", orderID).Error("failed to open escrow release window")
		}
	}
	return nil
}

func (s *deliveryService) GetForOrder(ctx context.Context, user *domain.User, orderID int64) (*domain.Delivery, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	delivery, err := s.deliveries.GetByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	assigned := delivery.TransporterID != nil && *delivery.TransporterID == user.ID
	if !order.IsParticipant(user.ID) && !assigned && user.Role != domain.RoleAdmin {
		return nil, fmt.Errorf("order %d: %w", orderID, domain.ErrForbidden)
	}
	return delivery, nil
}

func (s *deliveryService) ListMine(ctx context.Context, user *domain.User) ([]domain.Delivery, error) {
	if user.Role != domain.RoleTransporter {
		return nil, fmt.Errorf("role %s has no deliveries: %w", user.Role, domain.ErrForbidden)
	}
	return s.deliveries.ListByTransporter(ctx, user.ID)
}
