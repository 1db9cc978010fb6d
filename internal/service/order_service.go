package service

import (
	"context"
	"os"
	"sort"

	"github.com/rs/zerolog"
	"github.com/tr0ublekat/marketplace/internal/entity"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger()

// PriceLookup resolves product prices from the shared cache. Absent ids are
// missing from the result; a transport failure is an error.
type PriceLookup interface {
	GetBulk(ctx context.Context, productIDs []int) (map[int]float64, error)
}

// OrderStore persists an order and its items as one atomic unit.
type OrderStore interface {
	CreateOrder(ctx context.Context, order *entity.Order) (*entity.Order, error)
}

// EventPublisher publishes persistent JSON messages to the marketplace
// exchange.
type EventPublisher interface {
	PublishJSON(ctx context.Context, routingKey string, payload interface{}) error
}

// OrderService orchestrates order intake: price snapshot from the cache,
// atomic persistence, then an order.created publish.
type OrderService struct {
	prices PriceLookup
	orders OrderStore
	bus    EventPublisher
}

func NewOrderService(prices PriceLookup, orders OrderStore, bus EventPublisher) *OrderService {
	return &OrderService{
		prices: prices,
		orders: orders,
		bus:    bus,
	}
}

// CreateOrder creates a new order. Prices are captured at creation time and
// written with the order; later catalog changes never alter it. A publish
// failure after the commit is logged and swallowed: the order exists, and
// downstream consumers catch up through the eventual-consistency window.
func (s *OrderService) CreateOrder(ctx context.Context, userID int, items []entity.ItemRequest) (*entity.OrderSummary, error) {
	if len(items) == 0 {
		logger.Error().Int("user_id", userID).Msg("Rejected empty order")
		return nil, ErrEmptyOrder
	}

	productIDs := make([]int, len(items))
	for i, item := range items {
		productIDs[i] = item.ProductID
	}

	prices, err := s.prices.GetBulk(ctx, productIDs)
	if err != nil {
		logger.Error().Err(err).Msg("Price lookup failed")
		return nil, err
	}

	var missing []int
	for _, id := range productIDs {
		if _, ok := prices[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		sort.Ints(missing)
		logger.Error().Ints("product_ids", missing).Msg("Products not found in cache")
		return nil, &PriceNotFoundError{Missing: missing}
	}

	order := &entity.Order{
		UserID: userID,
		Status: "created",
		Items:  make([]entity.OrderItem, 0, len(items)),
	}
	for _, item := range items {
		unitPrice := prices[item.ProductID]
		lineTotal := unitPrice * float64(item.Quantity)
		order.Total += lineTotal
		order.Items = append(order.Items, entity.OrderItem{
			ProductID: item.ProductID,
			Quantity:  item.Quantity,
			UnitPrice: unitPrice,
			LineTotal: lineTotal,
		})
	}

	created, err := s.orders.CreateOrder(ctx, order)
	if err != nil {
		logger.Error().Err(err).Msg("Error creating order")
		return nil, &TransactionError{Err: err}
	}

	event := entity.OrderCreatedEvent{
		OrderID:    created.ID,
		UserID:     created.UserID,
		TotalPrice: created.Total,
		Status:     created.Status,
	}
	if err := s.bus.PublishJSON(ctx, entity.EventOrderCreated, event); err != nil {
		// The order is committed; failing the request now would lose it.
		logger.Error().Err(err).Int("order_id", created.ID).Msg("Failed to publish order.created")
	}

	return &entity.OrderSummary{
		OrderID:    created.ID,
		UserID:     created.UserID,
		Items:      created.Items,
		TotalPrice: created.Total,
		Status:     created.Status,
	}, nil
}
