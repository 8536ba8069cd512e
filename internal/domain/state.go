package domain

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrAmbiguousState is returned when a record holds both a pending buy and an open position.
var ErrAmbiguousState = errors.New("trade state holds both open_buy_order and filled_buy_trade")

// Phase classifies a TradeState.
type Phase string

const (
	// PhaseIdle means no position and no pending order.
	PhaseIdle Phase = "idle"
	// PhasePendingBuy means a buy order is outstanding.
	PhasePendingBuy Phase = "pending_buy"
	// PhasePositionOpen means the buy filled and the position is being sold down.
	PhasePositionOpen Phase = "position_open"
)

// PendingBuy is an outstanding limit buy.
type PendingBuy struct {
	OrderID        string          `json:"order_id"`
	RequestedSize  decimal.Decimal `json:"requested_size"`
	RequestedPrice decimal.Decimal `json:"requested_price"`
	PlacedAt       time.Time       `json:"placed_at"`
}

// SellOrderRecord tracks one tiered sell order.
type SellOrderRecord struct {
	OrderID  string          `json:"order_id"`
	Size     decimal.Decimal `json:"size"`
	Price    decimal.Decimal `json:"price"`
	Status   OrderStatus     `json:"status"`
	PlacedAt time.Time       `json:"placed_at"`
}

// Position is a filled buy and the sell orders placed against it.
type Position struct {
	BuyOrderID  string            `json:"buy_order_id"`
	BuyPrice    decimal.Decimal   `json:"buy_price"`
	BuyQuantity decimal.Decimal   `json:"buy_quantity"`
	SellOrders  []SellOrderRecord `json:"sell_orders"`
}

// AllFilled reports whether sell orders exist and every one of them is filled.
func (p *Position) AllFilled() bool {
	if len(p.SellOrders) == 0 {
		return false
	}
	for _, so := range p.SellOrders {
		if so.Status != OrderStatusFilled {
			return false
		}
	}
	return true
}

// TradeState is the persisted per-asset state. At most one of the two fields is set;
// neither set means Idle. The JSON keys are the on-disk record format.
type TradeState struct {
	PendingBuy *PendingBuy `json:"open_buy_order,omitempty"`
	Position   *Position   `json:"filled_buy_trade,omitempty"`
}

// Idle returns the rest state.
func Idle() TradeState {
	return TradeState{}
}

// NewPendingBuyState returns a state holding a freshly placed buy.
func NewPendingBuyState(orderID string, size, price decimal.Decimal, placedAt time.Time) TradeState {
	return TradeState{PendingBuy: &PendingBuy{
		OrderID:        orderID,
		RequestedSize:  size,
		RequestedPrice: price,
		PlacedAt:       placedAt,
	}}
}

// NewPositionState returns a state holding a filled buy with no sell orders yet.
func NewPositionState(buyOrderID string, price, quantity decimal.Decimal) TradeState {
	return TradeState{Position: &Position{
		BuyOrderID:  buyOrderID,
		BuyPrice:    price,
		BuyQuantity: quantity,
		SellOrders:  []SellOrderRecord{},
	}}
}

// Phase classifies the state.
func (s TradeState) Phase() Phase {
	switch {
	case s.Position != nil:
		return PhasePositionOpen
	case s.PendingBuy != nil:
		return PhasePendingBuy
	default:
		return PhaseIdle
	}
}

// Validate checks the union invariant.
func (s TradeState) Validate() error {
	if s.PendingBuy != nil && s.Position != nil {
		return ErrAmbiguousState
	}
	return nil
}

// Clone returns a deep copy so handlers can transform state without touching what was loaded.
func (s TradeState) Clone() TradeState {
	var out TradeState
	if s.PendingBuy != nil {
		pb := *s.PendingBuy
		out.PendingBuy = &pb
	}
	if s.Position != nil {
		pos := *s.Position
		pos.SellOrders = append([]SellOrderRecord{}, s.Position.SellOrders...)
		out.Position = &pos
	}
	return out
}

// Equal compares two states by value. Decimals compare numerically and times by instant,
// so a state survives a JSON round trip as equal.
func (s TradeState) Equal(o TradeState) bool {
	if (s.PendingBuy == nil) != (o.PendingBuy == nil) || (s.Position == nil) != (o.Position == nil) {
		return false
	}
	if s.PendingBuy != nil {
		a, b := s.PendingBuy, o.PendingBuy
		if a.OrderID != b.OrderID || !a.RequestedSize.Equal(b.RequestedSize) ||
			!a.RequestedPrice.Equal(b.RequestedPrice) || !a.PlacedAt.Equal(b.PlacedAt) {
			return false
		}
	}
	if s.Position != nil {
		a, b := s.Position, o.Position
		if a.BuyOrderID != b.BuyOrderID || !a.BuyPrice.Equal(b.BuyPrice) ||
			!a.BuyQuantity.Equal(b.BuyQuantity) || len(a.SellOrders) != len(b.SellOrders) {
			return false
		}
		for i := range a.SellOrders {
			x, y := a.SellOrders[i], b.SellOrders[i]
			if x.OrderID != y.OrderID || !x.Size.Equal(y.Size) || !x.Price.Equal(y.Price) ||
				x.Status != y.Status || !x.PlacedAt.Equal(y.PlacedAt) {
				return false
			}
		}
	}
	return true
}
