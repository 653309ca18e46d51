package ledger

import "fmt"

// InvariantValidator checks the conservation invariants after mutations.
type InvariantValidator struct {
	store *Store
}

func NewInvariantValidator(store *Store) *InvariantValidator {
	return &InvariantValidator{store: store}
}

// ValidateConservation verifies the fund-conservation invariants:
//
//	TotalFunds  == Σ Account.Stake + Surplus, Surplus ≥ 0
//	TotalStaked == Σ Account.Stake
//	TotalStakers == count(Account where Stake > 0)
//	OutstandingLiabilities ≥ 0
func (v *InvariantValidator) ValidateConservation() error {
	res := v.store.GetReserve()
	sumStake, stakers := v.store.SumStake()

	if res.TotalStaked != sumStake {
		return fmt.Errorf("reserve totalStaked %d != Σ stake %d", res.TotalStaked, sumStake)
	}
	if res.Surplus() < 0 {
		return fmt.Errorf("reserve surplus negative: totalFunds=%d totalStaked=%d",
			res.TotalFunds, res.TotalStaked)
	}
	if res.TotalStakers != stakers {
		return fmt.Errorf("reserve totalStakers %d != count(stake>0) %d", res.TotalStakers, stakers)
	}
	if res.OutstandingLiabilities < 0 {
		return fmt.Errorf("negative outstanding liabilities: %d", res.OutstandingLiabilities)
	}
	if res.TotalFunds < 0 {
		return fmt.Errorf("negative totalFunds: %d", res.TotalFunds)
	}
	return nil
}

// ValidateLiabilities verifies OutstandingLiabilities matches the sum of
// APPROVED-but-unpaid claims. Quadratic in claims; used by tests and the
// periodic integrity check, not the per-operation hot path.
func (v *InvariantValidator) ValidateLiabilities() error {
	var approved int64
	for _, c := range v.store.Claims() {
		if c.Status == ClaimApproved {
			approved += c.Amount
		}
	}
	res := v.store.GetReserve()
	if res.OutstandingLiabilities != approved {
		return fmt.Errorf("outstanding liabilities %d != Σ approved unpaid %d",
			res.OutstandingLiabilities, approved)
	}
	return nil
}
