// Package exchange provides a unified interface for interacting with the trading venue.
// It defines the Exchange interface that the Coinbase and paper adapters implement,
// and the factory that selects one from configuration.
package exchange

import (
	"context"
	"time"

	"tierbot/internal/domain"
)

// Sentinel errors for exchange operations. Adapters wrap the domain values so
// errors.Is works against either name.
var (
	// ErrProductNotFound is returned when the product id is unknown to the exchange.
	ErrProductNotFound = domain.ErrProductNotFound
	// ErrProductMismatch is returned when the exchange answers for a different product than asked.
	ErrProductMismatch = domain.ErrProductMismatch
	// ErrOrderNotFound is returned when an order ID doesn't exist on the exchange.
	ErrOrderNotFound = domain.ErrOrderNotFound
	// ErrRateLimitExceeded is returned when the API rate limit has been exceeded.
	ErrRateLimitExceeded = domain.ErrRateLimitExceeded
	// ErrUnauthorized is returned when credentials are missing or rejected.
	ErrUnauthorized = domain.ErrUnauthorized
	// ErrMalformedResponse is returned when a response cannot be normalised.
	ErrMalformedResponse = domain.ErrMalformedResponse
)

// Exchange defines the operations the trade lifecycle needs from a venue.
// Implementations must be safe for concurrent use. Every error is a recoverable
// failure from the caller's point of view; nothing here retries placements.
type Exchange interface {
	// GetProduct returns the precision rules for a product.
	// Returns ErrProductNotFound if the product is unknown.
	GetProduct(ctx context.Context, productID string) (domain.ProductConstraints, error)

	// GetOrder retrieves the current state of an order by its ID.
	// Returns ErrOrderNotFound if the order doesn't exist.
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)

	// PlaceLimitOrder submits a good-till-cancelled limit order.
	// A nil error with Success false means the exchange rejected the order.
	PlaceLimitOrder(ctx context.Context, req domain.LimitOrderRequest) (domain.PlaceResult, error)

	// GetCandles returns candles in [start, end] ordered oldest first.
	GetCandles(ctx context.Context, productID string, granularity string, start, end time.Time) (domain.Candles, error)

	// CancelOrders requests cancellation and reports the outcome per order.
	CancelOrders(ctx context.Context, orderIDs []string) ([]domain.CancelResult, error)

	// Name returns the unique identifier of this exchange (e.g., "coinbase", "paper").
	Name() string
}
