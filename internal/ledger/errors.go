package ledger

import "errors"

// Sentinel errors forming the operation failure taxonomy. Callers match with
// errors.Is; the HTTP boundary maps them onto status codes.
var (
	// ErrNotFound: the referenced account, policy or claim does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: a commit-time version mismatch on optimistic concurrency.
	// Retryable from a fresh read.
	ErrConflict = errors.New("version conflict")

	// ErrContention: retries exhausted under sustained conflict. Retryable
	// by the caller after backoff.
	ErrContention = errors.New("contention")

	// ErrInvalidAmount: zero, negative or otherwise malformed amount.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPolicyTerms: policy economics rejected at creation.
	ErrInvalidPolicyTerms = errors.New("invalid policy terms")

	// ErrInvalidTransition: the requested lifecycle edge does not exist.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrAccountNotActive: the account's status forbids fund mutations.
	ErrAccountNotActive = errors.New("account not active")

	// ErrInsufficientStake: unstake amount exceeds the account's stake.
	ErrInsufficientStake = errors.New("insufficient stake")

	// ErrReserveUnderfunded: the operation would breach reserve solvency.
	ErrReserveUnderfunded = errors.New("reserve underfunded")

	// ErrNoYieldAvailable: nothing accrued to claim.
	ErrNoYieldAvailable = errors.New("no yield available")

	// ErrClaimNotApproved: payout requested for a claim not in APPROVED.
	ErrClaimNotApproved = errors.New("claim not approved")

	// ErrAlreadySettled: payout replay against a PAID claim.
	ErrAlreadySettled = errors.New("claim already settled")

	// ErrInternal: unexpected failure; nothing was applied.
	ErrInternal = errors.New("internal error")
)

// IsTransient reports whether the caller may retry the identical request and
// reasonably expect success.
func IsTransient(err error) bool {
	return errors.Is(err, ErrConflict) || errors.Is(err, ErrContention)
}

// IsValidation reports whether the failure is a malformed or semantically
// invalid request, as opposed to a state or infrastructure problem.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPolicyTerms) ||
		errors.Is(err, ErrInvalidTransition)
}
