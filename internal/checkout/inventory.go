package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"

	"github.com/jcmexdev/ecommerce-fulfillment/internal/order"
	"github.com/jcmexdev/ecommerce-fulfillment/internal/pkg/telemetry"
)

// DefaultStock seeds the in-memory inventory.
func DefaultStock() map[string]int {
	return map[string]int{
		"prod_1": 15,
		"prod_2": 10,
		"prod_3": 0,
	}
}

// Inventory is an in-memory InventoryService.
type Inventory struct {
	mu           sync.Mutex
	stock        map[string]int
	reservations map[string][]order.Item
	logger       *slog.Logger
}

func NewInventory(stock map[string]int, logger *slog.Logger) *Inventory {
	return &Inventory{
		stock:        maps.Clone(stock),
		reservations: make(map[string][]order.Item),
		logger:       telemetry.OrDefault(logger),
	}
}

// Reserve takes all items or nothing. Reserving an order twice is a no-op.
func (i *Inventory) Reserve(ctx context.Context, orderID string, items []order.Item) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.reservations[orderID]; ok {
		i.logger.InfoContext(ctx, "reservation already held", "order_id", orderID)
		return nil
	}

	for _, item := range items {
		available, ok := i.stock[item.ProductID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownProduct, item.ProductID)
		}
		if available < item.Quantity {
			return fmt.Errorf("%w: %s has %d, %d requested",
				ErrInsufficientStock, item.ProductID, available, item.Quantity)
		}
	}

	for _, item := range items {
		i.stock[item.ProductID] -= item.Quantity
	}
	i.reservations[orderID] = append([]order.Item(nil), items...)
	i.logger.InfoContext(ctx, "stock reserved", "order_id", orderID, "lines", len(items))
	return nil
}

// Release returns the reserved stock. Releasing an unknown order succeeds.
func (i *Inventory) Release(ctx context.Context, orderID string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	items, ok := i.reservations[orderID]
	if !ok {
		i.logger.WarnContext(ctx, "no reservation to release", "order_id", orderID)
		return nil
	}
	for _, item := range items {
		i.stock[item.ProductID] += item.Quantity
	}
	delete(i.reservations, orderID)
	i.logger.InfoContext(ctx, "stock released", "order_id", orderID)
	return nil
}

// Available returns the unreserved stock of a product.
func (i *Inventory) Available(productID string) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.stock[productID]
}
