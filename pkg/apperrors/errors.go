package apperrors

import "errors"

// Standardized exchange and engine errors
var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrOrderRejected        = errors.New("order rejected")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrNetwork              = errors.New("network error")
	ErrInvalidMarket        = errors.New("invalid market")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrOrderNotFound        = errors.New("order not found")
	ErrDuplicateOrder       = errors.New("duplicate order")
	ErrBelowMinNotional     = errors.New("order notional below exchange minimum")
	ErrHalted               = errors.New("portfolio halted")
	ErrPositionLimit        = errors.New("max concurrent positions reached")
	ErrPositionValue        = errors.New("position value limit exceeded")
	ErrCooldown             = errors.New("market in cooldown")
	ErrOutsideHours         = errors.New("outside allowed trading hours")
	ErrInsufficientHistory  = errors.New("insufficient bar history")
)

// IsTransient reports whether an error is worth retrying. Rate limits and
// network failures qualify; everything else (auth, validation, rejection)
// is terminal.
func IsTransient(err error) bool {
	return errors.Is(err, ErrRateLimitExceeded) || errors.Is(err, ErrNetwork)
}
