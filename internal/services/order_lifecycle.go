package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	domain "github.com/storefront-shop/api/internal/domain"
	"github.com/storefront-shop/api/internal/repositories"
)

var customerCancellableStatuses = map[OrderStatus]bool{
	domain.OrderStatusPending:   true,
	domain.OrderStatusConfirmed: true,
}

var orderItemTransitions = map[OrderItemStatus][]OrderItemStatus{
	domain.OrderItemStatusPending:   {domain.OrderItemStatusShipped},
	domain.OrderItemStatusShipped:   {domain.OrderItemStatusDelivered},
	domain.OrderItemStatusDelivered: {domain.OrderItemStatusReturned, domain.OrderItemStatusRefunded},
	domain.OrderItemStatusReturned:  {domain.OrderItemStatusRefunded},
}

func canTransitionItem(current, target OrderItemStatus) bool {
	for _, next := range orderItemTransitions[current] {
		if next == target {
			return true
		}
	}
	return false
}

// GetOrder loads an order the actor is allowed to see.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByID(ctx, cmd.OrderID)
	if err != nil {
		return Order{}, s.mapRepositoryError(err)
	}
	if err := authorizeRead(cmd.Actor, order); err != nil {
		return Order{}, err
	}
	return order, nil
}

// ListOrders returns the newest orders first, scoped to what the actor may see.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.Page[Order], error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.Page[Order]{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, filter.Status)
	}
	if filter.PaymentStatus != "" && !filter.PaymentStatus.Valid() {
		return domain.Page[Order]{}, fmt.Errorf("%w: unknown payment status %q", ErrOrderInvalidInput, filter.PaymentStatus)
	}

	repoFilter := repositories.OrderListFilter{
		Status:        filter.Status,
		PaymentStatus: filter.PaymentStatus,
		Page:          filter.Page,
		Limit:         filter.Limit,
	}
	userID := filter.Actor.UserID
	switch filter.Actor.Role {
	case domain.RoleAdmin:
	case domain.RoleSeller:
		repoFilter.SellerID = &userID
	case domain.RoleCustomer:
		repoFilter.UserID = &userID
	default:
		return domain.Page[Order]{}, ErrOrderPermissionDenied
	}

	page, err := s.orders.List(ctx, repoFilter)
	if err != nil {
		return domain.Page[Order]{}, s.mapRepositoryError(err)
	}
	return page, nil
}

// UpdateStatus moves a non-terminal order to any other status. Only staff may do this; sellers only for
// orders containing their products. Moving to cancelled restores stock like Cancel does.
func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (Order, error) {
	target := OrderStatus(strings.TrimSpace(string(cmd.Status)))
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if !target.Valid() {
		return Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if !cmd.Actor.Role.IsStaff() {
		return Order{}, ErrOrderPermissionDenied
	}
	if target == domain.OrderStatusCancelled {
		return s.cancel(ctx, CancelOrderCommand{OrderID: cmd.OrderID, Actor: cmd.Actor}, orderEventStatusChanged)
	}

	var (
		updated  Order
		previous OrderStatus
		changed  bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := authorizeManage(cmd.Actor, order); err != nil {
			return err
		}
		previous = order.Status
		if order.Status == target {
			updated = order
			return nil
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: %s → %s", ErrOrderInvalidTransition, order.Status, target)
		}

		now := s.now()
		update := repositories.OrderStatusUpdate{OrderID: order.ID, From: order.Status, To: target, UpdatedAt: now}
		if target == domain.OrderStatusDelivered {
			update.DeliveredAt = &now
		}
		ok, err := s.orders.UpdateStatus(txCtx, update)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !ok {
			return fmt.Errorf("%w: order %d changed concurrently", ErrOrderConflict, order.ID)
		}

		order.Status = target
		order.UpdatedAt = now
		if update.DeliveredAt != nil && order.DeliveredAt == nil {
			order.DeliveredAt = &now
		}
		updated = order
		changed = true
		return nil
	})
	if err != nil {
		s.metrics.ObserveOrderOperation("update_status", outcomeOf(err))
		return Order{}, err
	}
	s.metrics.ObserveOrderOperation("update_status", "success")
	if !changed {
		return updated, nil
	}

	s.logger(ctx, "order.status.updated", map[string]any{
		"order": updated.ID,
		"from":  previous,
		"to":    updated.Status,
		"actor": cmd.Actor.UserID,
	})
	s.publishEvent(ctx, OrderEvent{
		Type:           orderEventStatusChanged,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		PaymentStatus:  string(updated.PaymentStatus),
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     updated.UpdatedAt,
	})
	return updated, nil
}

// Cancel sets the order to cancelled and restores stock for every item in the same transaction.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	return s.cancel(ctx, cmd, orderEventCancelled)
}

func (s *orderService) cancel(ctx context.Context, cmd CancelOrderCommand, eventType string) (Order, error) {
	var (
		updated   Order
		previous  OrderStatus
		unchanged bool
	)
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if eventType == orderEventStatusChanged && order.Status == domain.OrderStatusCancelled {
			if err := authorizeManage(cmd.Actor, order); err != nil {
				return err
			}
			updated = order
			unchanged = true
			return nil
		}
		if err := authorizeCancel(cmd.Actor, order); err != nil {
			return err
		}

		now := s.now()
		ok, err := s.orders.UpdateStatus(txCtx, repositories.OrderStatusUpdate{
			OrderID:   order.ID,
			From:      order.Status,
			To:        domain.OrderStatusCancelled,
			UpdatedAt: now,
		})
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if !ok {
			return fmt.Errorf("%w: order %d changed concurrently", ErrOrderConflict, order.ID)
		}

		for _, item := range order.Items {
			if err := s.products.IncrementStock(txCtx, item.ProductID, item.Quantity); err != nil {
				var invErr *repositories.InventoryError
				if errors.As(err, &invErr) && invErr.Code == repositories.InventoryErrorProductNotFound {
					// The product was removed from the catalog; nothing to restore.
					s.logger(txCtx, "order.cancel.restock.skipped", map[string]any{
						"order":   order.ID,
						"product": item.ProductID,
					})
					continue
				}
				return s.mapRepositoryError(err)
			}
		}

		previous = order.Status
		order.Status = domain.OrderStatusCancelled
		order.UpdatedAt = now
		updated = order
		return nil
	})
	if err != nil {
		s.metrics.ObserveOrderOperation("cancel", outcomeOf(err))
		return Order{}, err
	}
	s.metrics.ObserveOrderOperation("cancel", "success")
	if unchanged {
		return updated, nil
	}

	s.cancelOutstandingIntent(ctx, updated)
	s.logger(ctx, "order.cancelled", map[string]any{
		"order":  updated.ID,
		"from":   previous,
		"actor":  cmd.Actor.UserID,
		"reason": cmd.Reason,
	})
	metadata := map[string]any{}
	if reason := strings.TrimSpace(cmd.Reason); reason != "" {
		metadata["reason"] = reason
	}
	s.publishEvent(ctx, OrderEvent{
		Type:           eventType,
		OrderID:        updated.ID,
		OrderNumber:    updated.OrderNumber,
		UserID:         updated.UserID,
		PreviousStatus: string(previous),
		CurrentStatus:  string(updated.Status),
		PaymentStatus:  string(updated.PaymentStatus),
		ActorID:        cmd.Actor.UserID,
		OccurredAt:     updated.UpdatedAt,
		Metadata:       metadata,
	})
	return updated, nil
}

// cancelOutstandingIntent is best effort; a failure leaves the intent to expire at the provider.
func (s *orderService) cancelOutstandingIntent(ctx context.Context, order Order) {
	if s.payments == nil || order.PaymentIntentID == "" || order.PaymentStatus != domain.PaymentStatusPending {
		return
	}
	if _, err := s.payments.CancelIntent(ctx, order.PaymentIntentID); err != nil {
		s.logger(ctx, "order.cancel.intent.failed", map[string]any{
			"order":         order.ID,
			"paymentIntent": order.PaymentIntentID,
			"error":         err.Error(),
		})
	}
}

// UpdateShipping records carrier details. Only provided fields change.
func (s *orderService) UpdateShipping(ctx context.Context, cmd UpdateShippingCommand) (Order, error) {
	if cmd.OrderID <= 0 {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	if cmd.TrackingNumber == nil && cmd.ShippingCarrier == nil && cmd.EstimatedDelivery == nil {
		return Order{}, fmt.Errorf("%w: no shipping fields provided", ErrOrderInvalidInput)
	}
	if !cmd.Actor.Role.IsStaff() {
		return Order{}, ErrOrderPermissionDenied
	}

	var updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		if err := authorizeManage(cmd.Actor, order); err != nil {
			return err
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: order is %s", ErrOrderInvalidTransition, order.Status)
		}

		now := s.now()
		update := repositories.OrderShippingUpdate{OrderID: order.ID, UpdatedAt: now}
		if cmd.TrackingNumber != nil {
			v := strings.TrimSpace(*cmd.TrackingNumber)
			update.TrackingNumber = &v
			order.TrackingNumber = v
		}
		if cmd.ShippingCarrier != nil {
			v := strings.TrimSpace(*cmd.ShippingCarrier)
			update.ShippingCarrier = &v
			order.ShippingCarrier = v
		}
		if cmd.EstimatedDelivery != nil {
			v := cmd.EstimatedDelivery.UTC()
			update.EstimatedDelivery = &v
			order.EstimatedDelivery = &v
		}
		if err := s.orders.UpdateShipping(txCtx, update); err != nil {
			return s.mapRepositoryError(err)
		}
		order.UpdatedAt = now
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}

	s.logger(ctx, "order.shipping.updated", map[string]any{
		"order":   updated.ID,
		"carrier": updated.ShippingCarrier,
		"actor":   cmd.Actor.UserID,
	})
	return updated, nil
}

// UpdateItemStatus advances a single line through pending → shipped → delivered → returned/refunded.
// Sellers may only touch their own lines.
func (s *orderService) UpdateItemStatus(ctx context.Context, cmd UpdateOrderItemStatusCommand) (Order, error) {
	if cmd.OrderID <= 0 || cmd.ItemID <= 0 {
		return Order{}, fmt.Errorf("%w: order id and item id are required", ErrOrderInvalidInput)
	}
	if !cmd.Status.Valid() {
		return Order{}, fmt.Errorf("%w: unknown item status %q", ErrOrderInvalidInput, cmd.Status)
	}
	if !cmd.Actor.Role.IsStaff() {
		return Order{}, ErrOrderPermissionDenied
	}

	var updated Order
	err := s.runInTx(ctx, func(txCtx context.Context) error {
		order, err := s.orders.LockByID(txCtx, cmd.OrderID)
		if err != nil {
			return s.mapRepositoryError(err)
		}
		idx := -1
		for i, item := range order.Items {
			if item.ID == cmd.ItemID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return fmt.Errorf("%w: item %d not in order %d", ErrOrderNotFound, cmd.ItemID, cmd.OrderID)
		}
		item := order.Items[idx]
		if cmd.Actor.Role == domain.RoleSeller && item.SellerID != cmd.Actor.UserID {
			return ErrOrderPermissionDenied
		}
		if order.Status.Terminal() {
			return fmt.Errorf("%w: order is %s", ErrOrderInvalidTransition, order.Status)
		}
		if item.Status == cmd.Status {
			updated = order
			return nil
		}
		if !canTransitionItem(item.Status, cmd.Status) {
			return fmt.Errorf("%w: item %s → %s", ErrOrderInvalidTransition, item.Status, cmd.Status)
		}

		now := s.now()
		if err := s.orders.UpdateItemStatus(txCtx, order.ID, item.ID, cmd.Status, now); err != nil {
			return s.mapRepositoryError(err)
		}
		order.Items[idx].Status = cmd.Status
		order.Items[idx].UpdatedAt = now
		updated = order
		return nil
	})
	if err != nil {
		return Order{}, err
	}
	return updated, nil
}

func authorizeRead(actor Actor, order Order) error {
	switch actor.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleSeller:
		if order.HasSeller(actor.UserID) || order.UserID == actor.UserID {
			return nil
		}
	case domain.RoleCustomer:
		if order.UserID == actor.UserID {
			return nil
		}
	}
	return ErrOrderPermissionDenied
}

func authorizeManage(actor Actor, order Order) error {
	switch actor.Role {
	case domain.RoleAdmin:
		return nil
	case domain.RoleSeller:
		if order.HasSeller(actor.UserID) {
			return nil
		}
	}
	return ErrOrderPermissionDenied
}

func authorizeCancel(actor Actor, order Order) error {
	if actor.Role == domain.RoleCustomer {
		if order.UserID != actor.UserID {
			return ErrOrderPermissionDenied
		}
		if !customerCancellableStatuses[order.Status] {
			return fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
		}
		return nil
	}
	if err := authorizeManage(actor, order); err != nil {
		return err
	}
	if order.Status.Terminal() {
		return fmt.Errorf("%w: order is %s", ErrOrderNotCancellable, order.Status)
	}
	return nil
}
