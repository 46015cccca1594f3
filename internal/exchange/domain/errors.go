package domain

import "errors"

var (
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMarketNotOpen        = errors.New("market not open")
	ErrMarketAlreadySettled = errors.New("market already settled")
	ErrNotMatchable         = errors.New("bet not matchable")
	ErrBetNotCancellable    = errors.New("bet not cancellable")
	ErrNotOwner             = errors.New("bet does not belong to user")
	ErrInvalidSelection     = errors.New("invalid selection")
	ErrInvalidBet           = errors.New("invalid bet")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidTransition    = errors.New("invalid status transition")
	ErrNotFound             = errors.New("not found")

	// ErrConcurrencyConflict é o erro definitivo após esgotar as tentativas
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// Erros transitórios: nunca chegam ao chamador sem passar pelo retrier
	ErrVersionConflict      = errors.New("version conflict")
	ErrSerializationFailure = errors.New("serialization failure")
	ErrMarketLocked         = errors.New("market locked")
)
