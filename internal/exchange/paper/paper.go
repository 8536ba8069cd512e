// Package paper provides a dry-run exchange. Market data comes from a real source;
// orders live in memory and fill when the last seen close crosses their limit.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tierbot/internal/domain"
)

// MarketData is the read-only part of an exchange the paper venue delegates to.
type MarketData interface {
	GetProduct(ctx context.Context, productID string) (domain.ProductConstraints, error)
	GetCandles(ctx context.Context, productID string, granularity string, start, end time.Time) (domain.Candles, error)
}

type simOrder struct {
	order domain.Order
	size  decimal.Decimal
	price decimal.Decimal
}

// Exchange simulates order execution. Safe for concurrent use.
type Exchange struct {
	market MarketData
	logger *zap.Logger
	now    func() time.Time

	mu        sync.Mutex
	orders    map[string]*simOrder
	byClient  map[string]string
	lastClose map[string]decimal.Decimal
}

// Config holds configuration for the paper exchange.
type Config struct {
	// Market supplies products and candles.
	Market MarketData
	// Logger is the logger instance.
	Logger *zap.Logger
	// Now overrides the clock.
	Now func() time.Time
}

// New creates a paper exchange.
func New(cfg Config) *Exchange {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Exchange{
		market:    cfg.Market,
		logger:    logger,
		now:       now,
		orders:    make(map[string]*simOrder),
		byClient:  make(map[string]string),
		lastClose: make(map[string]decimal.Decimal),
	}
}

// Name returns the exchange identifier.
func (e *Exchange) Name() string {
	return "paper"
}

// GetProduct delegates to the market data source.
func (e *Exchange) GetProduct(ctx context.Context, productID string) (domain.ProductConstraints, error) {
	if e.market == nil {
		return domain.ProductConstraints{}, fmt.Errorf("%w: no market data source", domain.ErrProductNotFound)
	}
	return e.market.GetProduct(ctx, productID)
}

// GetCandles delegates to the market data source and remembers the last close.
func (e *Exchange) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) (domain.Candles, error) {
	if e.market == nil {
		return nil, fmt.Errorf("%w: no market data source", domain.ErrProductNotFound)
	}
	candles, err := e.market.GetCandles(ctx, productID, granularity, start, end)
	if err != nil {
		return nil, err
	}
	if last, ok := candles.Last(); ok {
		e.SetPrice(productID, last.Close)
	}
	return candles, nil
}

// SetPrice records the latest traded price and fills any crossed orders.
func (e *Exchange) SetPrice(productID string, price decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastClose[productID] = price
	for _, so := range e.orders {
		if so.order.ProductID == productID {
			e.tryFill(so)
		}
	}
}

// tryFill must be called with mu held.
func (e *Exchange) tryFill(so *simOrder) {
	if so.order.Status != domain.OrderStatusOpen {
		return
	}
	price, ok := e.lastClose[so.order.ProductID]
	if !ok {
		return
	}

	crossed := false
	switch so.order.Side {
	case domain.OrderSideBuy:
		crossed = price.LessThanOrEqual(so.price)
	case domain.OrderSideSell:
		crossed = price.GreaterThanOrEqual(so.price)
	}
	if !crossed {
		return
	}

	so.order.Status = domain.OrderStatusFilled
	so.order.FilledSize = so.size
	so.order.AverageFilledPrice = so.price

	e.logger.Info("paper order filled",
		zap.String("order_id", so.order.ID),
		zap.String("product", so.order.ProductID),
		zap.String("side", string(so.order.Side)),
		zap.Stringer("price", so.price),
		zap.Stringer("size", so.size))
}

// PlaceLimitOrder records a simulated order. Repeating a client order id returns the original order.
func (e *Exchange) PlaceLimitOrder(_ context.Context, req domain.LimitOrderRequest) (domain.PlaceResult, error) {
	if req.ProductID == "" || req.ClientOrderID == "" {
		return domain.PlaceResult{}, fmt.Errorf("incomplete limit order request")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return domain.PlaceResult{}, fmt.Errorf("invalid order side %q", req.Side)
	}

	size, err := decimal.NewFromString(req.Size)
	if err != nil || !size.IsPositive() {
		return domain.PlaceResult{Success: false, FailureReason: "INVALID_SIZE"}, nil
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil || !price.IsPositive() {
		return domain.PlaceResult{Success: false, FailureReason: "INVALID_LIMIT_PRICE"}, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if id, ok := e.byClient[req.ClientOrderID]; ok {
		return domain.PlaceResult{Success: true, OrderID: id}, nil
	}

	so := &simOrder{
		order: domain.Order{
			ID:        uuid.NewString(),
			ProductID: req.ProductID,
			Side:      req.Side,
			Status:    domain.OrderStatusOpen,
			CreatedAt: e.now().UTC(),
		},
		size:  size,
		price: price,
	}
	e.orders[so.order.ID] = so
	e.byClient[req.ClientOrderID] = so.order.ID

	e.logger.Info("paper order placed",
		zap.String("order_id", so.order.ID),
		zap.String("product", req.ProductID),
		zap.String("side", string(req.Side)),
		zap.String("size", req.Size),
		zap.String("price", req.Price))

	e.tryFill(so)

	return domain.PlaceResult{Success: true, OrderID: so.order.ID}, nil
}

// GetOrder returns the simulated order.
func (e *Exchange) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	so, ok := e.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	e.tryFill(so)
	return so.order, nil
}

// CancelOrders cancels open simulated orders.
func (e *Exchange) CancelOrders(_ context.Context, orderIDs []string) ([]domain.CancelResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	results := make([]domain.CancelResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		so, ok := e.orders[id]
		switch {
		case !ok:
			results = append(results, domain.CancelResult{OrderID: id, FailureReason: "UNKNOWN_CANCEL_ORDER"})
		case so.order.Status != domain.OrderStatusOpen:
			results = append(results, domain.CancelResult{OrderID: id, FailureReason: "ORDER_NOT_OPEN"})
		default:
			so.order.Status = domain.OrderStatusCancelled
			results = append(results, domain.CancelResult{OrderID: id, Success: true})
			e.logger.Info("paper order cancelled", zap.String("order_id", id))
		}
	}
	return results, nil
}
