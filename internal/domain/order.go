// Package domain contains core business entities and value objects.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderSide represents the direction of an order (buy or sell).
type OrderSide string

const (
	// OrderSideBuy indicates a buy order.
	OrderSideBuy OrderSide = "BUY"
	// OrderSideSell indicates a sell order.
	OrderSideSell OrderSide = "SELL"
)

// OrderStatus is the normalised status of an order on the exchange.
type OrderStatus string

const (
	// OrderStatusOpen indicates the order is resting on the book or still being accepted.
	OrderStatusOpen OrderStatus = "OPEN"
	// OrderStatusFilled indicates the order has been completely filled.
	OrderStatusFilled OrderStatus = "FILLED"
	// OrderStatusCancelled indicates the order was cancelled before being filled.
	OrderStatusCancelled OrderStatus = "CANCELLED"
	// OrderStatusExpired indicates the order expired before being filled.
	OrderStatusExpired OrderStatus = "EXPIRED"
	// OrderStatusFailed indicates the exchange rejected or failed the order.
	OrderStatusFailed OrderStatus = "FAILED"
	// OrderStatusUnknown is reported when the exchange returns a status we do not recognise.
	OrderStatusUnknown OrderStatus = "UNKNOWN"
)

// IsTerminal reports whether the order can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusExpired, OrderStatusFailed:
		return true
	default:
		return false
	}
}

// IsDead reports whether the order ended without filling.
func (s OrderStatus) IsDead() bool {
	return s == OrderStatusCancelled || s == OrderStatusExpired || s == OrderStatusFailed
}

// ProductConstraints are the exchange precision rules for one product.
type ProductConstraints struct {
	// ProductID is the exchange product identifier (e.g., "BTC-USD").
	ProductID string
	// QuoteIncrement is the smallest price step.
	QuoteIncrement decimal.Decimal
	// BaseIncrement is the smallest quantity step.
	BaseIncrement decimal.Decimal
	// BaseMinSize is the minimum tradable quantity.
	BaseMinSize decimal.Decimal
}

// Valid reports whether every constraint is strictly positive.
func (p ProductConstraints) Valid() bool {
	return p.QuoteIncrement.IsPositive() && p.BaseIncrement.IsPositive() && p.BaseMinSize.IsPositive()
}

// FormatPrice renders a price with exactly as many decimals as the quote increment.
func (p ProductConstraints) FormatPrice(price decimal.Decimal) string {
	return price.StringFixed(places(p.QuoteIncrement))
}

// FormatSize renders a size with exactly as many decimals as the base increment.
func (p ProductConstraints) FormatSize(size decimal.Decimal) string {
	return size.StringFixed(places(p.BaseIncrement))
}

func places(increment decimal.Decimal) int32 {
	if exp := increment.Exponent(); exp < 0 {
		return -exp
	}
	return 0
}

// Order is the exchange's view of a single order.
type Order struct {
	// ID is the unique identifier assigned by the exchange.
	ID string
	// ProductID is the product the order trades.
	ProductID string
	// Side indicates whether this is a buy or sell order.
	Side OrderSide
	// Status is the normalised order status.
	Status OrderStatus
	// FilledSize is the filled base quantity. Zero when unknown.
	FilledSize decimal.Decimal
	// AverageFilledPrice is the volume weighted fill price. Zero when unknown.
	AverageFilledPrice decimal.Decimal
	// CreatedAt is when the exchange accepted the order.
	CreatedAt time.Time
}

// LimitOrderRequest describes a limit order to place.
type LimitOrderRequest struct {
	// ProductID is the product to trade.
	ProductID string
	// Side indicates buy or sell.
	Side OrderSide
	// Size is the base quantity, already rounded to the base increment.
	Size string
	// Price is the limit price, already rounded to the quote increment.
	Price string
	// ClientOrderID is the idempotency token for this placement attempt.
	ClientOrderID string
}

// PlaceResult is the normalised outcome of a placement call that reached the exchange.
type PlaceResult struct {
	// Success is true when the exchange accepted the order.
	Success bool
	// OrderID is set when Success is true.
	OrderID string
	// FailureReason is set when Success is false.
	FailureReason string
}

// CancelResult is the per-order outcome of a cancel request.
type CancelResult struct {
	OrderID       string
	Success       bool
	FailureReason string
}
