package ledger

import "fmt"

// Address identifies a funder/user account. Identities arrive already
// authenticated from the boundary adapter; the ledger treats them as opaque.
type Address string

// AccountStatus is the admin-controlled account state.
type AccountStatus uint8

const (
	AccountInactive AccountStatus = iota
	AccountActive
	AccountBanned
)

func (s AccountStatus) String() string {
	switch s {
	case AccountInactive:
		return "INACTIVE"
	case AccountActive:
		return "ACTIVE"
	case AccountBanned:
		return "BANNED"
	default:
		return "UNKNOWN"
	}
}

// ParseAccountStatus maps the wire spelling back to a status.
func ParseAccountStatus(s string) (AccountStatus, error) {
	switch s {
	case "INACTIVE":
		return AccountInactive, nil
	case "ACTIVE":
		return AccountActive, nil
	case "BANNED":
		return AccountBanned, nil
	default:
		return 0, fmt.Errorf("%w: account status %q", ErrInvalidTransition, s)
	}
}

// CanTransitionTo enumerates the admin-controlled status edges. Accounts are
// never deleted, only deactivated.
func (s AccountStatus) CanTransitionTo(next AccountStatus) bool {
	switch s {
	case AccountInactive:
		return next == AccountActive
	case AccountActive:
		return next == AccountInactive || next == AccountBanned
	case AccountBanned:
		return next == AccountActive
	}
	return false
}

// Account is a funder's position against the Reserve. Stake and AccruedYield
// are claims against the pooled capital, not separately-held balances.
type Account struct {
	Address          Address
	Status           AccountStatus
	KYCVerified      bool
	PoliciesCount    uint32
	Stake            int64 // fixed-point, token scale
	AccruedYield     int64 // staged yield, zero after every claim-out
	LastYieldClaimed int64 // epoch microseconds
	Version          int64
}

// CanMutateFunds reports whether stake/accruedYield mutations are permitted.
// BANNED accounts are frozen.
func (a *Account) CanMutateFunds() bool {
	return a.Status == AccountActive
}

func (a *Account) Clone() *Account {
	c := *a
	return &c
}
