package lifecycle

import (
	"errors"
	"fmt"
)

// Kind classifies a tick failure so callers can apply a recovery policy per kind.
type Kind string

const (
	// KindConfig is a missing or malformed asset configuration. Detected before any collaborator call.
	KindConfig Kind = "config"
	// KindTransient is a network, HTTP or malformed-response failure. Retried next tick.
	KindTransient Kind = "transient"
	// KindValidation is an expected rejection such as a size below the product minimum.
	KindValidation Kind = "validation"
	// KindIntegrity is a logic or exchange-side anomaly. Nothing is persisted.
	KindIntegrity Kind = "integrity"
	// KindPersistence is a failed state write or read. Critical.
	KindPersistence Kind = "persistence"
)

// Error is a classified failure of one asset's tick.
type Error struct {
	Kind  Kind
	Asset string
	Op    string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s [%s]: %v", e.Asset, e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(kind Kind, asset, op string, err error) *Error {
	return &Error{Kind: kind, Asset: asset, Op: op, Err: err}
}

// KindOf returns the kind of a classified error, or "" when err is not one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// ErrIntegrity marks anomalies detected by the lifecycle itself.
var ErrIntegrity = errors.New("integrity violation")
