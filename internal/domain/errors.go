package domain

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrMarketClosed      = errors.New("market closed")
	ErrStaleSnapshot     = errors.New("snapshot stale")
	ErrDuplicatePosition = errors.New("open position already exists")
	ErrPositionClosed    = errors.New("position already closed")
	ErrOrderRejected     = errors.New("order rejected by gateway")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrDailyLimit        = errors.New("daily trade limit reached")
	ErrLockHeld          = errors.New("lock already held")
)
