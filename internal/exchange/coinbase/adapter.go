package coinbase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tierbot/internal/domain"
)

const (
	productsPath    = "/api/v3/brokerage/products/"
	ordersPath      = "/api/v3/brokerage/orders"
	orderPath       = "/api/v3/brokerage/orders/historical/"
	batchCancelPath = "/api/v3/brokerage/orders/batch_cancel"
)

// Adapter implements the exchange.Exchange interface for Coinbase Advanced Trade.
type Adapter struct {
	client *Client
	logger *zap.Logger
}

// Config holds configuration for the Coinbase adapter.
type Config struct {
	// KeyName is the API key name.
	KeyName string
	// PrivateKeyPEM is the API private key.
	PrivateKeyPEM string
	// BaseURL overrides the API endpoint.
	BaseURL string
	// RateLimit is the maximum API requests per minute.
	RateLimit int
	// Timeout bounds one HTTP round trip.
	Timeout time.Duration
	// Retry configures read retries.
	Retry RetryConfig
	// Logger is the logger instance.
	Logger *zap.Logger
}

// NewAdapter creates a new Coinbase adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	client, err := NewClient(ClientConfig{
		KeyName:       cfg.KeyName,
		PrivateKeyPEM: cfg.PrivateKeyPEM,
		BaseURL:       cfg.BaseURL,
		RateLimit:     cfg.RateLimit,
		Timeout:       cfg.Timeout,
		Retry:         cfg.Retry,
		Logger:        logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create coinbase client: %w", err)
	}

	return &Adapter{client: client, logger: logger}, nil
}

// Name returns the exchange identifier.
func (a *Adapter) Name() string {
	return "coinbase"
}

// Client exposes the underlying HTTP client.
func (a *Adapter) Client() *Client {
	return a.client
}

type productResponse struct {
	ProductID      string `json:"product_id"`
	QuoteIncrement string `json:"quote_increment"`
	BaseIncrement  string `json:"base_increment"`
	BaseMinSize    string `json:"base_min_size"`
}

// GetProduct fetches the precision rules for a product.
func (a *Adapter) GetProduct(ctx context.Context, productID string) (domain.ProductConstraints, error) {
	if productID == "" {
		return domain.ProductConstraints{}, fmt.Errorf("product id is required")
	}

	body, err := a.client.Get(ctx, productsPath+url.PathEscape(productID), nil)
	if err != nil {
		if isNotFound(err) {
			return domain.ProductConstraints{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
		}
		return domain.ProductConstraints{}, fmt.Errorf("get product %s: %w", productID, err)
	}

	var resp productResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.ProductConstraints{}, fmt.Errorf("%w: parse product: %v", domain.ErrMalformedResponse, err)
	}

	if resp.ProductID != productID {
		return domain.ProductConstraints{}, fmt.Errorf("%w: asked %s, got %q", domain.ErrProductMismatch, productID, resp.ProductID)
	}

	pc := domain.ProductConstraints{ProductID: resp.ProductID}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"quote_increment", resp.QuoteIncrement, &pc.QuoteIncrement},
		{"base_increment", resp.BaseIncrement, &pc.BaseIncrement},
		{"base_min_size", resp.BaseMinSize, &pc.BaseMinSize},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return domain.ProductConstraints{}, fmt.Errorf("%w: %s %q: %v", domain.ErrMalformedResponse, f.name, f.raw, err)
		}
		*f.dst = v
	}

	if !pc.Valid() {
		return domain.ProductConstraints{}, fmt.Errorf("%w: non-positive constraints for %s", domain.ErrMalformedResponse, productID)
	}

	return pc, nil
}

type orderResponse struct {
	Order struct {
		OrderID            string `json:"order_id"`
		ProductID          string `json:"product_id"`
		Side               string `json:"side"`
		Status             string `json:"status"`
		FilledSize         string `json:"filled_size"`
		AverageFilledPrice string `json:"average_filled_price"`
		CreatedTime        string `json:"created_time"`
	} `json:"order"`
}

// GetOrder retrieves an order by id.
func (a *Adapter) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("order id is required")
	}

	body, err := a.client.Get(ctx, orderPath+url.PathEscape(orderID), nil)
	if err != nil {
		if isNotFound(err) {
			return domain.Order{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, orderID)
		}
		return domain.Order{}, fmt.Errorf("get order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Order{}, fmt.Errorf("%w: parse order: %v", domain.ErrMalformedResponse, err)
	}
	if resp.Order.OrderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order payload missing for %s", domain.ErrMalformedResponse, orderID)
	}

	o := resp.Order
	order := domain.Order{
		ID:                 o.OrderID,
		ProductID:          o.ProductID,
		Side:               domain.OrderSide(strings.ToUpper(o.Side)),
		Status:             normalizeStatus(o.Status),
		FilledSize:         parseDecimal(o.FilledSize),
		AverageFilledPrice: parseDecimal(o.AverageFilledPrice),
	}
	if ts, err := time.Parse(time.RFC3339Nano, o.CreatedTime); err == nil {
		order.CreatedAt = ts
	}

	return order, nil
}

// normalizeStatus maps Advanced Trade order statuses to domain statuses.
func normalizeStatus(s string) domain.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN", "PENDING", "QUEUED", "CANCEL_QUEUED":
		return domain.OrderStatusOpen
	case "FILLED":
		return domain.OrderStatusFilled
	case "CANCELLED":
		return domain.OrderStatusCancelled
	case "EXPIRED":
		return domain.OrderStatusExpired
	case "FAILED":
		return domain.OrderStatusFailed
	default:
		return domain.OrderStatusUnknown
	}
}

// parseDecimal returns zero for empty or malformed values. Callers treat zero as unknown.
func parseDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

type limitGTC struct {
	BaseSize   string `json:"base_size"`
	LimitPrice string `json:"limit_price"`
	PostOnly   bool   `json:"post_only"`
}

type createOrderRequest struct {
	ClientOrderID      string `json:"client_order_id"`
	ProductID          string `json:"product_id"`
	Side               string `json:"side"`
	OrderConfiguration struct {
		LimitLimitGTC limitGTC `json:"limit_limit_gtc"`
	} `json:"order_configuration"`
}

type createOrderResponse struct {
	Success         bool   `json:"success"`
	OrderID         string `json:"order_id"`
	FailureReason   string `json:"failure_reason"`
	SuccessResponse *struct {
		OrderID string `json:"order_id"`
	} `json:"success_response"`
	ErrorResponse *struct {
		Error                string `json:"error"`
		Message              string `json:"message"`
		PreviewFailureReason string `json:"preview_failure_reason"`
	} `json:"error_response"`
}

// PlaceLimitOrder submits a good-till-cancelled limit order. It is never retried.
func (a *Adapter) PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.PlaceResult, error) {
	if req.ProductID == "" || req.Size == "" || req.Price == "" || req.ClientOrderID == "" {
		return domain.PlaceResult{}, fmt.Errorf("incomplete limit order request")
	}
	if req.Side != domain.OrderSideBuy && req.Side != domain.OrderSideSell {
		return domain.PlaceResult{}, fmt.Errorf("invalid order side %q", req.Side)
	}

	payload := createOrderRequest{
		ClientOrderID: req.ClientOrderID,
		ProductID:     req.ProductID,
		Side:          string(req.Side),
	}
	payload.OrderConfiguration.LimitLimitGTC = limitGTC{BaseSize: req.Size, LimitPrice: req.Price}

	body, err := a.client.Post(ctx, ordersPath, payload)
	if err != nil {
		return domain.PlaceResult{}, fmt.Errorf("place %s order for %s: %w", strings.ToLower(string(req.Side)), req.ProductID, err)
	}

	var resp createOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.PlaceResult{}, fmt.Errorf("%w: parse create order: %v", domain.ErrMalformedResponse, err)
	}

	result := normalizeCreateOrder(resp)
	if result.Success {
		a.logger.Info("order placed",
			zap.String("product", req.ProductID),
			zap.String("side", string(req.Side)),
			zap.String("order_id", result.OrderID),
			zap.String("size", req.Size),
			zap.String("price", req.Price))
	} else {
		a.logger.Warn("order rejected",
			zap.String("product", req.ProductID),
			zap.String("side", string(req.Side)),
			zap.String("reason", result.FailureReason))
	}
	return result, nil
}

func normalizeCreateOrder(resp createOrderResponse) domain.PlaceResult {
	orderID := resp.OrderID
	if orderID == "" && resp.SuccessResponse != nil {
		orderID = resp.SuccessResponse.OrderID
	}
	if resp.Success && orderID != "" {
		return domain.PlaceResult{Success: true, OrderID: orderID}
	}

	reason := resp.FailureReason
	if resp.ErrorResponse != nil {
		for _, r := range []string{resp.ErrorResponse.Message, resp.ErrorResponse.PreviewFailureReason, resp.ErrorResponse.Error} {
			if reason == "" && r != "" {
				reason = r
			}
		}
	}
	if reason == "" {
		if resp.Success {
			reason = "accepted without order id"
		} else {
			reason = "unknown failure"
		}
	}
	return domain.PlaceResult{Success: false, FailureReason: reason}
}

type candlesResponse struct {
	Candles []struct {
		Start  string `json:"start"`
		Low    string `json:"low"`
		High   string `json:"high"`
		Open   string `json:"open"`
		Close  string `json:"close"`
		Volume string `json:"volume"`
	} `json:"candles"`
}

// GetCandles returns candles for the window, oldest first.
func (a *Adapter) GetCandles(ctx context.Context, productID, granularity string, start, end time.Time) (domain.Candles, error) {
	if productID == "" {
		return nil, fmt.Errorf("product id is required")
	}

	params := url.Values{}
	params.Set("start", strconv.FormatInt(start.Unix(), 10))
	params.Set("end", strconv.FormatInt(end.Unix(), 10))
	params.Set("granularity", granularity)

	body, err := a.client.Get(ctx, productsPath+url.PathEscape(productID)+"/candles", params)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
		}
		return nil, fmt.Errorf("get candles %s: %w", productID, err)
	}

	var resp candlesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse candles: %v", domain.ErrMalformedResponse, err)
	}

	candles := make(domain.Candles, 0, len(resp.Candles))
	for _, c := range resp.Candles {
		sec, err := strconv.ParseInt(c.Start, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: candle start %q", domain.ErrMalformedResponse, c.Start)
		}
		closePrice, err := decimal.NewFromString(c.Close)
		if err != nil {
			return nil, fmt.Errorf("%w: candle close %q", domain.ErrMalformedResponse, c.Close)
		}
		candles = append(candles, domain.Candle{
			Start:  time.Unix(sec, 0).UTC(),
			Open:   parseDecimal(c.Open),
			High:   parseDecimal(c.High),
			Low:    parseDecimal(c.Low),
			Close:  closePrice,
			Volume: parseDecimal(c.Volume),
		})
	}

	// The API returns newest first.
	sort.Slice(candles, func(i, j int) bool { return candles[i].Start.Before(candles[j].Start) })

	return candles, nil
}

type batchCancelResponse struct {
	Results []struct {
		Success       bool   `json:"success"`
		FailureReason string `json:"failure_reason"`
		OrderID       string `json:"order_id"`
	} `json:"results"`
}

// CancelOrders requests cancellation of the given orders.
func (a *Adapter) CancelOrders(ctx context.Context, orderIDs []string) ([]domain.CancelResult, error) {
	if len(orderIDs) == 0 {
		return nil, nil
	}

	body, err := a.client.Post(ctx, batchCancelPath, map[string][]string{"order_ids": orderIDs})
	if err != nil {
		return nil, fmt.Errorf("cancel orders: %w", err)
	}

	var resp batchCancelResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("%w: parse cancel: %v", domain.ErrMalformedResponse, err)
	}

	results := make([]domain.CancelResult, 0, len(resp.Results))
	for _, r := range resp.Results {
		results = append(results, domain.CancelResult{
			OrderID:       r.OrderID,
			Success:       r.Success,
			FailureReason: r.FailureReason,
		})
	}
	return results, nil
}

func isNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.NotFound()
}
