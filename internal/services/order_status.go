package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// EventOrderStatusChanged is broadcast after a committed status change.
const EventOrderStatusChanged = "order_status_changed"

var allowedTransitions = map[OrderStatus][]OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
	domain.OrderStatusDelivered:  {domain.OrderStatusCancelled},
	domain.OrderStatusCompleted:  {domain.OrderStatusCancelled},
	domain.OrderStatusCancelled:  {},
	domain.OrderStatusRefunded:   {},
}

// CanTransition reports whether an order may move from one status to another.
// Self-transitions are always allowed.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderStatusServiceDeps bundles collaborators required by the status machine.
type OrderStatusServiceDeps struct {
	UnitOfWork repositories.UnitOfWork
	Orders     repositories.OrderRepository
	Notifier   Notifier
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type orderStatusService struct {
	uow      repositories.UnitOfWork
	orders   repositories.OrderRepository
	notifier Notifier
	now      func() time.Time
	logger   func(context.Context, string, map[string]any)
}

// NewOrderStatusService constructs the order status machine.
func NewOrderStatusService(deps OrderStatusServiceDeps) (OrderStatusService, error) {
	if deps.UnitOfWork == nil {
		return nil, errors.New("order status service: unit of work is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("order status service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderStatusService{
		uow:      deps.UnitOfWork,
		orders:   deps.Orders,
		notifier: deps.Notifier,
		now: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *orderStatusService) Transition(ctx context.Context, cmd TransitionCommand) (TransitionResult, error) {
	orderNumber := strings.TrimSpace(cmd.OrderNumber)
	if orderNumber == "" {
		return TransitionResult{}, invalid("order_number", "Order number is required")
	}
	target := OrderStatus(strings.ToLower(strings.TrimSpace(string(cmd.Target))))
	if !target.Valid() {
		return TransitionResult{}, invalid("status", fmt.Sprintf("Invalid status %q", cmd.Target))
	}

	tracking := optionalText(cmd.TrackingNumber)
	carrier := optionalText(cmd.Carrier)
	if (tracking != nil || carrier != nil) &&
		target != domain.OrderStatusShipped && target != domain.OrderStatusDelivered {
		field := "tracking_number"
		if tracking == nil {
			field = "carrier"
		}
		return TransitionResult{}, invalid(field, "Tracking details can only be set for shipped or delivered orders")
	}
	var address *string
	if cmd.ShippingAddress != nil {
		cleaned := plainText(*cmd.ShippingAddress)
		address = &cleaned
	}

	result := TransitionResult{OrderNumber: orderNumber, To: target}
	err := s.uow.RunInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockedReadByNumber(txCtx, orderNumber)
		if err != nil {
			if isRepositoryNotFound(err) {
				return &NotFoundError{Resource: "order", Key: orderNumber}
			}
			return &PersistenceError{Op: "order_status.lock_order", Err: err}
		}
		result.From = order.Status
		if !CanTransition(order.Status, target) {
			return &TransitionError{From: order.Status, To: target}
		}

		now := s.now()
		update := domain.OrderStatusUpdate{
			OrderID:         order.ID,
			Status:          target,
			ShippingAddress: address,
			TrackingNumber:  tracking,
			Carrier:         carrier,
			UpdatedAt:       now,
		}
		switch target {
		case domain.OrderStatusShipped:
			update.ShippedAt = &now
		case domain.OrderStatusDelivered:
			update.DeliveredAt = &now
		}

		affected, err := s.orders.UpdateStatus(txCtx, update)
		if err != nil {
			return &PersistenceError{Op: "order_status.update", Err: err}
		}
		if affected == 0 {
			return &NotFoundError{Resource: "order", Key: orderNumber}
		}
		result.Updated = affected
		return nil
	})
	if err != nil {
		err = persistenceError("order_status.transaction", err)
		if errors.Is(err, ErrPersistence) {
			s.logger(ctx, "order.status.failed", map[string]any{"orderNumber": orderNumber, "error": err.Error()})
		}
		return TransitionResult{Updated: 0, OrderNumber: orderNumber, From: result.From, To: target}, err
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"orderNumber": orderNumber,
		"from":        string(result.From),
		"to":          string(result.To),
		"actorId":     cmd.ActorID,
	})
	if result.From != result.To && s.notifier != nil {
		s.notifier.Broadcast(context.WithoutCancel(ctx), EventOrderStatusChanged, "Order status updated",
			fmt.Sprintf("Order %s moved from %s to %s", orderNumber, result.From, result.To),
			"/admin/orders/"+orderNumber)
	}
	return result, nil
}

func (s *orderStatusService) GetOrder(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, invalid("order_number", "Order number is required")
	}
	order, err := s.orders.FindByNumber(ctx, orderNumber)
	if err != nil {
		if isRepositoryNotFound(err) {
			return Order{}, &NotFoundError{Resource: "order", Key: orderNumber}
		}
		return Order{}, &PersistenceError{Op: "order.find", Err: err}
	}
	return order, nil
}

func optionalText(value *string) *string {
	if value == nil {
		return nil
	}
	cleaned := plainText(*value)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
