package store

import "errors"

// Sentinel errors shared across repositories, checked with errors.Is at
// call sites.
var (
	ErrNotFound            = errors.New("record not found")
	ErrAlreadyExists       = errors.New("record already exists")
	ErrSessionExists       = errors.New("session already exists for (user_pubkey, action_id)")
	ErrVTXONotAvailable    = errors.New("vtxo is not available")
	ErrChallengeUsed       = errors.New("challenge already used")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrNegativeBalance     = errors.New("operation would drive balance negative")
)
