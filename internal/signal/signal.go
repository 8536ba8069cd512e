// Package signal decides when an asset should be acquired.
//
// The policy is a two-point oversold crossing: the previous reading is at or below
// the threshold and the latest reading is strictly above it.
package signal

import (
	"errors"
	"fmt"
	"math"
)

// MinReadings is the shortest history ShouldAcquire accepts.
const MinReadings = 2

// ErrInvalidInput is returned when the history or threshold cannot be evaluated.
// Callers use it to tell "could not evaluate" apart from "no signal".
var ErrInvalidInput = errors.New("invalid signal input")

// ShouldAcquire reports whether the last two readings of history cross threshold upwards.
func ShouldAcquire(history []float64, threshold float64) (bool, error) {
	if math.IsNaN(threshold) || threshold <= 0 || threshold >= 100 {
		return false, fmt.Errorf("%w: threshold %v outside (0,100)", ErrInvalidInput, threshold)
	}
	if len(history) < MinReadings {
		return false, fmt.Errorf("%w: need %d readings, got %d", ErrInvalidInput, MinReadings, len(history))
	}

	previous := history[len(history)-2]
	current := history[len(history)-1]
	if !finite(previous) || !finite(current) {
		return false, fmt.Errorf("%w: non-numeric reading (previous=%v, current=%v)", ErrInvalidInput, previous, current)
	}

	return previous <= threshold && current > threshold, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
