package ledger

// Reserve is the single global pool of staked capital plus accumulated
// premium surplus. It is initialized once and mutated by every stake,
// unstake, premium, yield and payout operation — never destroyed.
type Reserve struct {
	TotalFunds   int64  // staked principal + premium surplus
	TotalStaked  int64  // Σ Account.Stake, maintained alongside TotalFunds
	TotalStakers uint32 // count(Account where Stake > 0)

	// Σ APPROVED-but-unpaid claim amounts. Funds earmarked here may not be
	// drained by unstaking.
	OutstandingLiabilities int64

	LastYieldDistribution int64 // epoch microseconds
	YieldRateBps          uint16

	Version int64
}

// Surplus is the non-principal portion of the pool: premium income not yet
// distributed as yield or payouts.
func (r *Reserve) Surplus() int64 {
	return r.TotalFunds - r.TotalStaked
}

// AvailableFunds is the surplus not earmarked for approved payouts. Yield is
// paid from here, never from staked principal.
func (r *Reserve) AvailableFunds() int64 {
	return r.Surplus() - r.OutstandingLiabilities
}

func (r *Reserve) Clone() *Reserve {
	c := *r
	return &c
}
