package lifecycle_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tierbot/internal/domain"
	"tierbot/pkg/config"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// crossingCloses yields RSI(2) of [.., 0, 50]: an upward crossing of 30.
var crossingCloses = []string{"100", "99", "98", "97", "98"}

// risingCloses yields RSI(2) pinned at 100: no crossing.
var risingCloses = []string{"100", "101", "102", "103", "104"}

func testAsset(id string) config.AssetConfig {
	return config.AssetConfig{
		ID:                   id,
		RSIPeriod:            2,
		RSIOversoldThreshold: 30,
		CandleGranularity:    "ONE_HOUR",
		BuyAmount:            "98",
		SellTiers: []config.TierConfig{
			{Profit: "0.01", Quantity: "0.3333"},
			{Profit: "0.02", Quantity: "0.3333"},
			{Profit: "0.03", Terminal: true},
		},
	}
}

// mockExchange implements exchange.Exchange for testing.
type mockExchange struct {
	mu sync.Mutex

	product      domain.ProductConstraints
	productErr   error
	productCalls int

	closes      []string
	candlesErr  error
	candlesHook func()

	orders      map[string]domain.Order
	getOrderErr map[string]error

	placed  []domain.LimitOrderRequest
	placeFn func(n int, req domain.LimitOrderRequest) (domain.PlaceResult, error)
	nextID  int

	cancelled     []string
	cancelResults []domain.CancelResult
	cancelErr     error
}

func newMockExchange() *mockExchange {
	return &mockExchange{
		product: domain.ProductConstraints{
			ProductID:      "BTC-USD",
			QuoteIncrement: d("0.01"),
			BaseIncrement:  d("0.0001"),
			BaseMinSize:    d("0.001"),
		},
		closes:      crossingCloses,
		orders:      make(map[string]domain.Order),
		getOrderErr: make(map[string]error),
	}
}

func (m *mockExchange) Name() string { return "mock" }

func (m *mockExchange) GetProduct(_ context.Context, productID string) (domain.ProductConstraints, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.productCalls++
	if m.productErr != nil {
		return domain.ProductConstraints{}, m.productErr
	}
	pc := m.product
	pc.ProductID = productID
	return pc, nil
}

func (m *mockExchange) GetCandles(_ context.Context, _ string, _ string, start, _ time.Time) (domain.Candles, error) {
	if m.candlesHook != nil {
		m.candlesHook()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.candlesErr != nil {
		return nil, m.candlesErr
	}
	out := make(domain.Candles, 0, len(m.closes))
	for i, c := range m.closes {
		out = append(out, domain.Candle{Start: start.Add(time.Duration(i) * time.Hour), Close: d(c)})
	}
	return out, nil
}

func (m *mockExchange) GetOrder(_ context.Context, orderID string) (domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.getOrderErr[orderID]; err != nil {
		return domain.Order{}, err
	}
	o, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
	}
	return o, nil
}

func (m *mockExchange) PlaceLimitOrder(_ context.Context, req domain.LimitOrderRequest) (domain.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := len(m.placed)
	m.placed = append(m.placed, req)

	if m.placeFn != nil {
		res, err := m.placeFn(n, req)
		if err != nil || !res.Success {
			return res, err
		}
	}

	m.nextID++
	id := fmt.Sprintf("ord-%d", m.nextID)
	m.orders[id] = domain.Order{ID: id, ProductID: req.ProductID, Side: req.Side, Status: domain.OrderStatusOpen}
	return domain.PlaceResult{Success: true, OrderID: id}, nil
}

func (m *mockExchange) CancelOrders(_ context.Context, orderIDs []string) ([]domain.CancelResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, orderIDs...)
	if m.cancelErr != nil {
		return nil, m.cancelErr
	}
	if m.cancelResults != nil {
		return m.cancelResults, nil
	}
	out := make([]domain.CancelResult, 0, len(orderIDs))
	for _, id := range orderIDs {
		out = append(out, domain.CancelResult{OrderID: id, Success: true})
	}
	return out, nil
}

func (m *mockExchange) setOrder(id string, status domain.OrderStatus, size, price string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o := m.orders[id]
	o.ID = id
	o.Status = status
	if size != "" {
		o.FilledSize = d(size)
	}
	if price != "" {
		o.AverageFilledPrice = d(price)
	}
	m.orders[id] = o
}

func (m *mockExchange) placedRequests() []domain.LimitOrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.LimitOrderRequest(nil), m.placed...)
}

// memStore is an in-memory StateStore.
type memStore struct {
	mu      sync.Mutex
	states  map[string]domain.TradeState
	saves   int
	loadErr error
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]domain.TradeState)}
}

func (s *memStore) Load(_ context.Context, assetID string) (domain.TradeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return domain.TradeState{}, s.loadErr
	}
	st, ok := s.states[assetID]
	if !ok {
		return domain.Idle(), nil
	}
	return st.Clone(), nil
}

func (s *memStore) Save(_ context.Context, assetID string, state domain.TradeState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.states[assetID] = state.Clone()
	return nil
}

func (s *memStore) get(assetID string) domain.TradeState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[assetID].Clone()
}

func (s *memStore) put(assetID string, state domain.TradeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[assetID] = state.Clone()
}

func (s *memStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
