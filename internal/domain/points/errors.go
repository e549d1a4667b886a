package points

import "errors"

var (
	ErrInsufficientPoints = errors.New("insufficient points")
	ErrUpgradeRequired    = errors.New("plan batch limit exceeded")
	ErrPackNotFound       = errors.New("point pack not found")
	ErrOrderNotFound      = errors.New("order not found")
	ErrAlreadyProcessed   = errors.New("order already processed")
	ErrInvalidDelta       = errors.New("invalid ledger delta")
	ErrInvalidAmount      = errors.New("amount must be positive")
	ErrInternal           = errors.New("internal points error")
)
