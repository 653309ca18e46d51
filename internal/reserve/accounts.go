package reserve

import (
	"fmt"

	"CoverLedger/internal/ledger"
)

// Admin-controlled account management. Authorization happens at the boundary;
// these methods only enforce the status state machine.

// SetAccountStatus moves an account along the admin status edges. Accounts
// are never deleted, only deactivated or banned.
func (e *Engine) SetAccountStatus(addr ledger.Address, next ledger.AccountStatus) error {
	return e.store.WithAccount(addr, func(a *ledger.Account) error {
		if !a.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: account %s -> %s", ledger.ErrInvalidTransition, a.Status, next)
		}
		a.Status = next
		return nil
	})
}

// SetKYC flags the account as identity-verified (or clears the flag).
func (e *Engine) SetKYC(addr ledger.Address, verified bool) error {
	return e.store.WithAccount(addr, func(a *ledger.Account) error {
		a.KYCVerified = verified
		return nil
	})
}
