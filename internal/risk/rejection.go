package risk

import (
	"errors"
	"fmt"
)

type Reason string

const (
	MaxPosition        Reason = "MAX_POSITION"
	MaxDrawdown        Reason = "MAX_DRAWDOWN"
	CooldownActive     Reason = "COOLDOWN_ACTIVE"
	InsufficientMargin Reason = "INSUFFICIENT_MARGIN"
	LeverageCap        Reason = "LEVERAGE_CAP"
)

var (
	ErrUnknownMarket     = errors.New("unknown market")
	ErrNoReferencePrice  = errors.New("no reference price")
	ErrAlreadyReserved   = errors.New("order already reserved")
	ErrInvalidSizedOrder = errors.New("sized intent was not produced by the risk engine")
)

// Rejection is a normal risk outcome, not a failure.
type Rejection struct {
	Reason Reason
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return "risk rejected: " + string(r.Reason)
	}
	return fmt.Sprintf("risk rejected: %s (%s)", r.Reason, r.Detail)
}

func reject(reason Reason, format string, args ...any) *Rejection {
	return &Rejection{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

func ReasonOf(err error) (Reason, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej.Reason, true
	}
	return "", false
}
