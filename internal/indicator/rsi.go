// Package indicator implements the momentum oscillator fed to the signal evaluator.
package indicator

import (
	"errors"
	"fmt"
	"math"
)

// ErrInsufficientData is returned when the series is too short for the requested period.
var ErrInsufficientData = errors.New("insufficient data for indicator")

// RSI returns the n-period Relative Strength Index of closes using Wilder's smoothing.
// The output is aligned to closes; indices before the first full window are NaN.
func RSI(closes []float64, n int) ([]float64, error) {
	if n <= 0 {
		return nil, fmt.Errorf("rsi period must be positive, got %d", n)
	}
	if len(closes) < n+1 {
		return nil, fmt.Errorf("%w: rsi(%d) needs %d closes, got %d", ErrInsufficientData, n, n+1, len(closes))
	}

	out := make([]float64, len(closes))
	for i := 0; i < n && i < len(out); i++ {
		out[i] = math.NaN()
	}

	var gain, loss float64
	for i := 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		if math.IsNaN(d) {
			return nil, fmt.Errorf("rsi: non-numeric close at index %d", i)
		}
		if i <= n {
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
			if i == n {
				gain /= float64(n)
				loss /= float64(n)
				out[i] = rsiValue(gain, loss)
			}
			continue
		}
		// Wilder smoothing
		up, down := 0.0, 0.0
		if d > 0 {
			up = d
		} else {
			down = -d
		}
		gain = (gain*float64(n-1) + up) / float64(n)
		loss = (loss*float64(n-1) + down) / float64(n)
		out[i] = rsiValue(gain, loss)
	}
	return out, nil
}

func rsiValue(avgGain, avgLoss float64) float64 {
	switch {
	case avgLoss == 0 && avgGain == 0:
		return 50
	case avgLoss == 0:
		return 100
	}
	rs := avgGain / avgLoss
	return 100.0 - (100.0 / (1.0 + rs))
}

// Tail returns the last k values of series, or all of it when shorter.
func Tail(series []float64, k int) []float64 {
	if k >= len(series) {
		return series
	}
	return series[len(series)-k:]
}
