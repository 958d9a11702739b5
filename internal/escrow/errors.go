package escrow

import "errors"

// Error kinds surfaced by the client. None are recovered internally: every
// failure propagates to the caller wrapped with the operation name and, where
// applicable, the channel id and attempted amount, so the caller can decide
// whether a retry is safe. Retrying a read always is; retrying a mutating
// operation after an unknown outcome is not, without re-reading ledger state
// first, because the submitted transaction may still land.
var (
	// ErrInsufficientFunds is a transfer, open or add-funds rejected for a
	// balance shortfall.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientAllowance is a transfer exceeding the approved
	// allowance. The mandated approve-before-open ordering makes this
	// unreachable in normal operation, but it is surfaced rather than
	// masked if the ledger reports it.
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// ErrChannelPrecondition is a channel-state precondition the ledger
	// rejected, such as claiming an unexpired channel or extending to a
	// lower expiration.
	ErrChannelPrecondition = errors.New("channel precondition failed")

	// ErrTransactionFailed is a generic ledger revert or a network failure
	// while submitting a transaction.
	ErrTransactionFailed = errors.New("transaction failed")

	// ErrQueryFailed is a read or event-log query failure.
	ErrQueryFailed = errors.New("query failed")

	// ErrInvalidArgument is a malformed input caught before submission:
	// a non-positive amount, or a malformed address or channel id.
	ErrInvalidArgument = errors.New("invalid argument")
)

var kinds = []error{
	ErrInsufficientFunds,
	ErrInsufficientAllowance,
	ErrChannelPrecondition,
	ErrTransactionFailed,
	ErrQueryFailed,
	ErrInvalidArgument,
}

// classified reports whether err already carries one of the error kinds, in
// which case wrapping must preserve it instead of re-labelling.
func classified(err error) bool {
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return true
		}
	}
	return false
}
