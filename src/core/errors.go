package main

import "errors"

// Mintette-side validation errors. Each check failure in the
// transaction acceptance path maps to exactly one of these.
var (
	ErrInvalidTxInput        = errors.New("addrid is not an input of the transaction")
	ErrNotUnspent            = errors.New("addrid is not in the unspent set")
	ErrDoubleSpend           = errors.New("addrid already spent this period")
	ErrInvalidSum            = errors.New("transaction input and output sums differ")
	ErrUnauthorizedSpend     = errors.New("spend does not satisfy the address strategy")
	ErrBadSignature          = errors.New("signature verification failed")
	ErrNotAllOwnersConfirmed = errors.New("missing or invalid owner confirmation")
	ErrCommitWithoutCheck    = errors.New("commit of inputs that were never checked")
	ErrWrongPeriod           = errors.New("request does not match the current period")
)

// Bank-side errors.
var (
	ErrInconsistentResponse = errors.New("period results do not match the mintette roster")
	ErrUnknownMintette      = errors.New("unknown mintette")
	ErrUnknownExplorer      = errors.New("unknown explorer")
	ErrBadPeriodResult      = errors.New("period result failed validation")
)

// ErrInternal is the generic variant surfaced to callers when a
// handler fails in a way the taxonomy does not cover.
var ErrInternal = errors.New("internal error")
