package models

import "errors"

var (
	ErrUserNotFound          = errors.New("user not found")
	ErrInsufficientBalance   = errors.New("insufficient ozhivashki balance")
	ErrPaymentNotFound       = errors.New("payment not found")
	ErrDailyBonusUnavailable = errors.New("daily bonus unavailable")
	// ErrStorageUnavailable marks a lost or refused database connection.
	ErrStorageUnavailable = errors.New("storage unavailable")
)
