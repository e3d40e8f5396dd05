package clearing

import "errors"

// Definitive business rejections. Every rejection is detected before any
// mutation: a failed call leaves no partial effects. Wrapped instances
// carry the offending operands (amounts, IDs) in the message.
//
// Infrastructure failures (the registry being unreachable) are NOT part
// of this taxonomy: they surface as registry.ErrUnavailable, a transient
// category callers may retry. Business rejections must not be retried
// blindly.
var (
	// ErrInsufficientFunds means a withdrawal exceeds the free (unlocked)
	// balance. Locked collateral is never withdrawable.
	ErrInsufficientFunds = errors.New("clearing: insufficient free balance")

	// ErrMarginInsufficient means a trade or transfer acceptance would
	// under-collateralize a party.
	ErrMarginInsufficient = errors.New("clearing: insufficient margin")

	// ErrInsufficientPosition means a freeze requested more than the
	// issuer's transferable exposure.
	ErrInsufficientPosition = errors.New("clearing: insufficient position")

	// ErrSeriesNotFound means the registry has no such series.
	ErrSeriesNotFound = errors.New("clearing: series not found")

	// ErrSeriesExpired means the series has passed expiry and no longer
	// accepts trades.
	ErrSeriesExpired = errors.New("clearing: series expired")

	// ErrSeriesNotExpired means settlement was attempted before expiry.
	ErrSeriesNotExpired = errors.New("clearing: series not yet expired")

	// ErrAlreadySettled means the series has already been settled;
	// settlement is exactly-once.
	ErrAlreadySettled = errors.New("clearing: series already settled")

	// ErrDuplicateTrade means the trade_id was already applied with a
	// conflicting payload.
	ErrDuplicateTrade = errors.New("clearing: duplicate trade")

	// ErrInvalidProof means a transfer proof is unknown, already
	// consumed, voided, or references a settled series.
	ErrInvalidProof = errors.New("clearing: invalid transfer proof")

	// ErrNotAuthorized means the caller may not perform the operation.
	ErrNotAuthorized = errors.New("clearing: not authorized")

	// ErrInvalidInput means a request failed basic validation.
	ErrInvalidInput = errors.New("clearing: invalid input")
)
