package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLCV bar for a product.
type Candle struct {
	// Start is the opening time of the bar.
	Start time.Time
	// Open is the first traded price in the bar.
	Open decimal.Decimal
	// High is the highest traded price in the bar.
	High decimal.Decimal
	// Low is the lowest traded price in the bar.
	Low decimal.Decimal
	// Close is the last traded price in the bar.
	Close decimal.Decimal
	// Volume is the traded base volume in the bar.
	Volume decimal.Decimal
}

// Candles is an ordered series of bars, oldest first.
type Candles []Candle

// Closes returns the close prices as floats for indicator math.
func (c Candles) Closes() []float64 {
	out := make([]float64, len(c))
	for i, bar := range c {
		out[i] = bar.Close.InexactFloat64()
	}
	return out
}

// Last returns the newest bar.
// Returns false if the series is empty.
func (c Candles) Last() (Candle, bool) {
	if len(c) == 0 {
		return Candle{}, false
	}
	return c[len(c)-1], true
}
