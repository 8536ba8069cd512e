// Package lifecycle drives each asset through Idle, PendingBuy and PositionOpen.
//
// One tick loads the asset's state, runs the handler for its phase and persists
// the result at most once. Every failure is classified and absorbed per asset.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"tierbot/internal/calculator"
	"tierbot/internal/domain"
	"tierbot/internal/exchange"
	"tierbot/internal/indicator"
	"tierbot/internal/metrics"
	"tierbot/internal/signal"
	"tierbot/internal/storage"
	"tierbot/pkg/config"
)

// maxCandles bounds one candle request.
const maxCandles = 300

// StateStore is the persistence the lifecycle needs.
type StateStore interface {
	Load(ctx context.Context, assetID string) (domain.TradeState, error)
	Save(ctx context.Context, assetID string, state domain.TradeState) error
}

// Config holds the collaborators of a Manager.
type Config struct {
	// Exchange is the trading venue.
	Exchange exchange.Exchange
	// Store persists trade state.
	Store StateStore
	// Logger is the logger instance.
	Logger *zap.Logger
	// Metrics records tick outcomes. May be nil.
	Metrics *metrics.Metrics
	// NewToken generates idempotency tokens. Defaults to random UUIDs.
	NewToken func() string
	// Now overrides the clock.
	Now func() time.Time
}

// Result describes what one asset tick did.
type Result struct {
	Asset   string
	From    domain.Phase
	To      domain.Phase
	Changed bool
	Err     error
}

// Manager owns the per-asset state machine. Safe for concurrent use across assets;
// ticks of the same asset are serialised.
type Manager struct {
	exchange exchange.Exchange
	store    StateStore
	logger   *zap.Logger
	metrics  *metrics.Metrics
	newToken func() string
	now      func() time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	productsMu sync.RWMutex
	products   map[string]domain.ProductConstraints
	fetches    singleflight.Group
}

// NewManager creates a Manager. If logger is nil, a no-op logger is used.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Exchange == nil {
		return nil, errors.New("lifecycle: exchange is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("lifecycle: store is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	newToken := cfg.NewToken
	if newToken == nil {
		newToken = uuid.NewString
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Manager{
		exchange: cfg.Exchange,
		store:    cfg.Store,
		logger:   logger,
		metrics:  cfg.Metrics,
		newToken: newToken,
		now:      now,
		locks:    make(map[string]*sync.Mutex),
		products: make(map[string]domain.ProductConstraints),
	}, nil
}

func (m *Manager) assetLock(assetID string) *sync.Mutex {
	m.locksMu.Lock()
	defer m.locksMu.Unlock()

	l, ok := m.locks[assetID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[assetID] = l
	}
	return l
}

// ProcessOneTick advances one asset by at most one transition. It never returns an
// error and never panics; failures are logged, counted and absorbed.
func (m *Manager) ProcessOneTick(ctx context.Context, asset config.AssetConfig) {
	_ = m.Process(ctx, asset)
}

// Process is ProcessOneTick with the outcome reported back to the caller.
func (m *Manager) Process(ctx context.Context, asset config.AssetConfig) (res Result) {
	res.Asset = asset.ID
	log := m.logger.With(zap.String("asset", asset.ID))

	l := m.assetLock(asset.ID)
	l.Lock()
	defer l.Unlock()

	defer func() {
		if r := recover(); r != nil {
			err := newError(KindIntegrity, asset.ID, "tick", fmt.Errorf("%w: panic: %v", ErrIntegrity, r))
			log.Error("tick panicked",
				zap.String("kind", string(KindIntegrity)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			m.metrics.Error(string(KindIntegrity))
			m.metrics.Tick(asset.ID, "panic")
			res.To = res.From
			res.Changed = false
			res.Err = err
		}
	}()

	m.process(ctx, asset, log, &res)

	outcome := "ok"
	if res.Err != nil {
		outcome = "error"
		m.report(log, res.Err)
	}
	m.metrics.Tick(asset.ID, outcome)
	return res
}

// process fills res as it goes so a recovered panic still reports the loaded phase.
func (m *Manager) process(ctx context.Context, asset config.AssetConfig, log *zap.Logger, res *Result) {
	if err := asset.Validate(); err != nil {
		res.Err = newError(KindConfig, asset.ID, "validate", err)
		return
	}
	tiers, err := ProfitTiers(asset)
	if err != nil {
		res.Err = newError(KindConfig, asset.ID, "tiers", err)
		return
	}

	state, err := m.store.Load(ctx, asset.ID)
	if err != nil {
		kind := KindPersistence
		if errors.Is(err, storage.ErrCorruptState) {
			kind = KindIntegrity
		}
		res.Err = newError(kind, asset.ID, "load", err)
		return
	}
	res.From = state.Phase()
	res.To = res.From
	m.metrics.SetPhase(asset.ID, string(res.From))

	t := &tick{asset: asset, tiers: tiers, state: state.Clone(), log: log.With(zap.String("phase", string(res.From)))}

	var (
		next    domain.TradeState
		changed bool
	)
	switch res.From {
	case domain.PhaseIdle:
		next, changed, err = m.handleIdle(ctx, t)
	case domain.PhasePendingBuy:
		next, changed, err = m.handlePendingBuy(ctx, t)
	case domain.PhasePositionOpen:
		next, changed, err = m.handlePosition(ctx, t)
	}
	res.Err = err

	if !changed {
		return
	}

	if saveErr := m.store.Save(ctx, asset.ID, next); saveErr != nil {
		perr := newError(KindPersistence, asset.ID, "save", saveErr)
		if res.Err != nil {
			m.report(log, res.Err)
		}
		res.Err = perr
		return
	}

	res.Changed = true
	res.To = next.Phase()
	if res.To != res.From {
		m.metrics.Transition(asset.ID, string(res.From), string(res.To))
		log.Info("phase changed",
			zap.String("from", string(res.From)),
			zap.String("to", string(res.To)))
	}
}

// report logs a classified error at the level its kind deserves.
func (m *Manager) report(log *zap.Logger, err error) {
	kind := KindOf(err)
	if kind == "" {
		kind = KindTransient
	}
	m.metrics.Error(string(kind))

	fields := []zap.Field{zap.String("kind", string(kind)), zap.Error(err)}
	switch kind {
	case KindPersistence:
		log.Error("tick failed", append(fields, zap.Bool("critical", true))...)
	case KindIntegrity, KindConfig:
		log.Error("tick failed", fields...)
	default:
		log.Warn("tick made no progress", fields...)
	}
}

type tick struct {
	asset config.AssetConfig
	tiers []calculator.ProfitTier
	state domain.TradeState
	log   *zap.Logger
}

// ProfitTiers converts configured tiers to calculator tiers.
func ProfitTiers(asset config.AssetConfig) ([]calculator.ProfitTier, error) {
	tiers := make([]calculator.ProfitTier, 0, len(asset.SellTiers))
	for i, t := range asset.SellTiers {
		profit, err := decimal.NewFromString(t.Profit)
		if err != nil {
			return nil, fmt.Errorf("tier %d profit: %w", i+1, err)
		}
		tier := calculator.ProfitTier{ProfitFraction: profit, Terminal: t.Terminal}
		if !t.Terminal {
			qty, err := decimal.NewFromString(t.Quantity)
			if err != nil {
				return nil, fmt.Errorf("tier %d quantity: %w", i+1, err)
			}
			tier.QuantityFraction = qty
		}
		tiers = append(tiers, tier)
	}
	return tiers, nil
}

// product returns cached constraints, fetching them once per process.
func (m *Manager) product(ctx context.Context, productID string) (domain.ProductConstraints, error) {
	m.productsMu.RLock()
	pc, ok := m.products[productID]
	m.productsMu.RUnlock()
	if ok {
		return pc, nil
	}

	v, err, _ := m.fetches.Do(productID, func() (any, error) {
		pc, err := m.exchange.GetProduct(ctx, productID)
		if err != nil {
			return nil, err
		}
		if !pc.Valid() {
			return nil, fmt.Errorf("%w: constraints for %s", domain.ErrMalformedResponse, productID)
		}
		m.productsMu.Lock()
		m.products[productID] = pc
		m.productsMu.Unlock()
		return pc, nil
	})
	if err != nil {
		return domain.ProductConstraints{}, err
	}
	return v.(domain.ProductConstraints), nil
}

func candleCount(period int) int {
	n := period * 5
	if n < period+signal.MinReadings {
		n = period + signal.MinReadings
	}
	if n > maxCandles {
		n = maxCandles
	}
	return n
}

// handleIdle evaluates the signal and places a buy when it fires.
func (m *Manager) handleIdle(ctx context.Context, t *tick) (domain.TradeState, bool, error) {
	id := t.asset.ID
	now := m.now()
	start := now.Add(-t.asset.Granularity() * time.Duration(candleCount(t.asset.RSIPeriod)))

	candles, err := m.exchange.GetCandles(ctx, id, t.asset.CandleGranularity, start, now)
	if err != nil {
		return t.state, false, newError(KindTransient, id, "get_candles", err)
	}
	last, ok := candles.Last()
	if !ok {
		return t.state, false, newError(KindTransient, id, "get_candles", errors.New("no candles returned"))
	}

	rsi, err := indicator.RSI(candles.Closes(), t.asset.RSIPeriod)
	if err != nil {
		m.metrics.Signal("invalid")
		return t.state, false, newError(KindTransient, id, "rsi", err)
	}

	acquire, err := signal.ShouldAcquire(indicator.Tail(rsi, signal.MinReadings), t.asset.RSIOversoldThreshold)
	if err != nil {
		m.metrics.Signal("invalid")
		return t.state, false, newError(KindTransient, id, "signal", err)
	}
	if !acquire {
		m.metrics.Signal("hold")
		t.log.Debug("no signal", zap.Float64s("rsi", indicator.Tail(rsi, signal.MinReadings)))
		return t.state, false, nil
	}
	m.metrics.Signal("acquire")

	pc, err := m.product(ctx, id)
	if err != nil {
		return t.state, false, newError(KindTransient, id, "get_product", err)
	}

	buy, err := calculator.ComputeBuyOrder(t.asset.BuyAmountDecimal(), last.Close, pc)
	if err != nil {
		return t.state, false, newError(KindValidation, id, "compute_buy", err)
	}

	req := domain.LimitOrderRequest{
		ProductID:     id,
		Side:          domain.OrderSideBuy,
		Size:          pc.FormatSize(buy.Size),
		Price:         pc.FormatPrice(buy.Price),
		ClientOrderID: m.newToken(),
	}
	t.log.Info("signal fired, placing buy",
		zap.Float64s("rsi", indicator.Tail(rsi, signal.MinReadings)),
		zap.String("size", req.Size),
		zap.String("price", req.Price),
		zap.String("client_order_id", req.ClientOrderID))

	placed, err := m.exchange.PlaceLimitOrder(ctx, req)
	if err != nil {
		m.metrics.Order(string(domain.OrderSideBuy), "error")
		return t.state, false, newError(KindTransient, id, "place_buy", err)
	}
	if !placed.Success {
		m.metrics.Order(string(domain.OrderSideBuy), "rejected")
		return t.state, false, newError(KindTransient, id, "place_buy", fmt.Errorf("rejected: %s", placed.FailureReason))
	}
	m.metrics.Order(string(domain.OrderSideBuy), "placed")

	return domain.NewPendingBuyState(placed.OrderID, buy.Size, buy.Price, now.UTC()), true, nil
}

// handlePendingBuy polls the outstanding buy.
func (m *Manager) handlePendingBuy(ctx context.Context, t *tick) (domain.TradeState, bool, error) {
	id := t.asset.ID
	pending := t.state.PendingBuy
	log := t.log.With(zap.String("order_id", pending.OrderID))

	order, err := m.exchange.GetOrder(ctx, pending.OrderID)
	if err != nil {
		return t.state, false, newError(KindTransient, id, "get_order", err)
	}

	switch {
	case order.Status == domain.OrderStatusFilled:
		if !order.FilledSize.IsPositive() || !order.AverageFilledPrice.IsPositive() {
			// Stays PendingBuy until someone inspects the order by hand.
			return t.state, false, newError(KindIntegrity, id, "buy_filled",
				fmt.Errorf("%w: order %s filled with size %s and price %s", ErrIntegrity,
					pending.OrderID, order.FilledSize, order.AverageFilledPrice))
		}
		log.Info("buy filled",
			zap.Stringer("size", order.FilledSize),
			zap.Stringer("price", order.AverageFilledPrice))
		return domain.NewPositionState(pending.OrderID, order.AverageFilledPrice, order.FilledSize), true, nil

	case order.Status.IsDead():
		log.Info("buy ended without fill, clearing", zap.String("status", string(order.Status)))
		return domain.Idle(), true, nil

	case order.Status == domain.OrderStatusUnknown:
		log.Warn("buy status not recognised, waiting")
		return t.state, false, nil

	default:
		log.Debug("buy still open")
		return t.state, false, nil
	}
}

// handlePosition places the tiered sells, or polls them once placed.
func (m *Manager) handlePosition(ctx context.Context, t *tick) (domain.TradeState, bool, error) {
	if len(t.state.Position.SellOrders) == 0 {
		return m.placeSells(ctx, t)
	}
	return m.pollSells(ctx, t)
}

func (m *Manager) placeSells(ctx context.Context, t *tick) (domain.TradeState, bool, error) {
	id := t.asset.ID
	pos := t.state.Position

	pc, err := m.product(ctx, id)
	if err != nil {
		return t.state, false, newError(KindTransient, id, "get_product", err)
	}

	plan, err := calculator.ComputeSellTiers(pos.BuyPrice, pos.BuyQuantity, t.tiers, pc)
	if err != nil {
		kind := KindValidation
		if errors.Is(err, calculator.ErrRemainderOverspent) {
			kind = KindIntegrity
		}
		return t.state, false, newError(kind, id, "compute_sells", err)
	}

	for _, s := range plan.Skipped {
		t.log.Warn("sell tier skipped, size below minimum",
			zap.Int("tier", s.Tier+1),
			zap.Stringer("size", s.Size),
			zap.Stringer("min", pc.BaseMinSize))
	}
	if plan.UnsoldRemainder {
		t.log.Warn("quantity left unallocated after all tiers", zap.Stringer("remaining", plan.Remaining))
	}
	if len(plan.Orders) == 0 {
		return t.state, false, newError(KindValidation, id, "compute_sells",
			fmt.Errorf("no sell order large enough for quantity %s", pos.BuyQuantity))
	}

	next := t.state.Clone()
	var failures []error
	for _, o := range plan.Orders {
		req := domain.LimitOrderRequest{
			ProductID:     id,
			Side:          domain.OrderSideSell,
			Size:          pc.FormatSize(o.Size),
			Price:         pc.FormatPrice(o.Price),
			ClientOrderID: m.newToken(),
		}

		placed, err := m.exchange.PlaceLimitOrder(ctx, req)
		switch {
		case err != nil:
			// The order may still be live on the exchange; it is not tracked from here on.
			m.metrics.Order(string(domain.OrderSideSell), "error")
			t.log.Error("sell placement outcome unknown, reconcile by client order id",
				zap.Int("tier", o.Tier+1),
				zap.String("client_order_id", req.ClientOrderID),
				zap.String("size", req.Size),
				zap.String("price", req.Price),
				zap.Error(err))
			failures = append(failures, fmt.Errorf("tier %d (client order %s): %w", o.Tier+1, req.ClientOrderID, err))
			continue
		case !placed.Success:
			m.metrics.Order(string(domain.OrderSideSell), "rejected")
			failures = append(failures, fmt.Errorf("tier %d rejected: %s", o.Tier+1, placed.FailureReason))
			continue
		}

		m.metrics.Order(string(domain.OrderSideSell), "placed")
		t.log.Info("sell placed",
			zap.Int("tier", o.Tier+1),
			zap.String("order_id", placed.OrderID),
			zap.String("size", req.Size),
			zap.String("price", req.Price))

		next.Position.SellOrders = append(next.Position.SellOrders, domain.SellOrderRecord{
			OrderID:  placed.OrderID,
			Size:     o.Size,
			Price:    o.Price,
			Status:   domain.OrderStatusOpen,
			PlacedAt: m.now().UTC(),
		})
	}

	placedAny := len(next.Position.SellOrders) > 0
	if len(failures) == 0 {
		return next, placedAny, nil
	}

	err = newError(KindTransient, id, "place_sells",
		fmt.Errorf("%d of %d sells failed: %w", len(failures), len(plan.Orders), errors.Join(failures...)))
	return next, placedAny, err
}

func (m *Manager) pollSells(ctx context.Context, t *tick) (domain.TradeState, bool, error) {
	id := t.asset.ID
	next := t.state.Clone()
	changed := false
	var failures []error

	for i := range next.Position.SellOrders {
		rec := &next.Position.SellOrders[i]
		if rec.Status.IsTerminal() {
			continue
		}

		order, err := m.exchange.GetOrder(ctx, rec.OrderID)
		if err != nil {
			failures = append(failures, fmt.Errorf("order %s: %w", rec.OrderID, err))
			continue
		}
		if order.Status == domain.OrderStatusUnknown || order.Status == rec.Status {
			continue
		}

		log := t.log.With(zap.String("order_id", rec.OrderID))
		if order.Status.IsDead() {
			log.Error("sell ended without fill, position needs manual attention",
				zap.String("status", string(order.Status)))
		} else {
			log.Info("sell status changed", zap.String("status", string(order.Status)))
		}
		rec.Status = order.Status
		changed = true
	}

	if next.Position.AllFilled() {
		t.log.Info("all sells filled, position closed", zap.String("buy_order_id", next.Position.BuyOrderID))
		return domain.Idle(), true, nil
	}

	if len(failures) > 0 {
		return next, changed, newError(KindTransient, id, "get_order", errors.Join(failures...))
	}
	return next, changed, nil
}

// CancelPending cancels the asset's outstanding buy and clears its state once the
// exchange confirms. It returns the resulting phase.
func (m *Manager) CancelPending(ctx context.Context, assetID string) (domain.Phase, error) {
	l := m.assetLock(assetID)
	l.Lock()
	defer l.Unlock()

	log := m.logger.With(zap.String("asset", assetID))

	state, err := m.store.Load(ctx, assetID)
	if err != nil {
		return "", newError(KindPersistence, assetID, "load", err)
	}
	if state.PendingBuy == nil {
		return state.Phase(), nil
	}

	orderID := state.PendingBuy.OrderID
	results, err := m.exchange.CancelOrders(ctx, []string{orderID})
	if err != nil {
		return state.Phase(), newError(KindTransient, assetID, "cancel", err)
	}

	for _, r := range results {
		if r.OrderID != orderID {
			continue
		}
		if !r.Success {
			return state.Phase(), newError(KindTransient, assetID, "cancel",
				fmt.Errorf("cancel of %s refused: %s", orderID, r.FailureReason))
		}
		return m.settleCancelled(ctx, assetID, orderID, log)
	}

	return state.Phase(), newError(KindTransient, assetID, "cancel",
		fmt.Errorf("no cancel result for %s", orderID))
}

// settleCancelled records the outcome of a confirmed cancel. A partly filled buy
// becomes an open position so the filled quantity still gets its sells.
func (m *Manager) settleCancelled(ctx context.Context, assetID, orderID string, log *zap.Logger) (domain.Phase, error) {
	order, err := m.exchange.GetOrder(ctx, orderID)
	if err != nil {
		return domain.PhasePendingBuy, newError(KindTransient, assetID, "cancel",
			fmt.Errorf("cancelled %s but could not read its fill: %w", orderID, err))
	}

	next := domain.Idle()
	if order.FilledSize.IsPositive() && order.AverageFilledPrice.IsPositive() {
		next = domain.NewPositionState(orderID, order.AverageFilledPrice, order.FilledSize)
	}

	if err := m.store.Save(ctx, assetID, next); err != nil {
		return domain.PhasePendingBuy, newError(KindPersistence, assetID, "save", err)
	}
	m.metrics.Transition(assetID, string(domain.PhasePendingBuy), string(next.Phase()))
	log.Info("pending buy cancelled",
		zap.String("order_id", orderID),
		zap.Stringer("filled_size", order.FilledSize),
		zap.String("phase", string(next.Phase())))
	return next.Phase(), nil
}
