package claims

import (
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// Pipeline drives claim intake, administrative review and payout settlement.
// Review is a human/oracle decision arriving from outside; the pipeline only
// enforces the state machine and the reserve accounting around it.
type Pipeline struct {
	store *ledger.Store
}

func NewPipeline(store *ledger.Store) *Pipeline {
	return &Pipeline{store: store}
}

// Submit records a PENDING claim against an ACTIVE policy. The claimed
// amount is capped by the policy's payout amount at submission time.
func (p *Pipeline) Submit(user ledger.Address, policyID, amount int64, evidenceHash string, nowMicros int64) (int64, error) {
	if amount <= 0 {
		return 0, fmt.Errorf("%w: claim amount %d", ledger.ErrInvalidAmount, amount)
	}
	var id int64
	err := p.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		pol, err := tx.Policy(policyID)
		if err != nil {
			return err
		}
		if pol.Status != ledger.PolicyActive {
			return fmt.Errorf("%w: policy %d is %s, claims require ACTIVE",
				ledger.ErrInvalidTransition, policyID, pol.Status)
		}
		if amount > pol.Metadata.PayoutAmount {
			return fmt.Errorf("%w: claim %d exceeds policy payout %d",
				ledger.ErrInvalidAmount, amount, pol.Metadata.PayoutAmount)
		}
		acc := tx.AccountOrCreate(user)
		if acc.Status == ledger.AccountBanned {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAccountNotActive, user, acc.Status)
		}

		c := tx.CreateClaim(&ledger.Claim{
			PolicyID:       policyID,
			User:           user,
			Amount:         amount,
			Status:         ledger.ClaimPending,
			EvidenceHash:   evidenceHash,
			SubmissionTime: nowMicros,
		})
		id = c.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Process adjudicates a PENDING claim against oracle evidence. Approval
// earmarks the claim amount as an outstanding liability so unstaking cannot
// drain funds a payout depends on.
func (p *Pipeline) Process(claimID int64, externalDataHash string, approved bool, nowMicros int64) (ledger.ClaimStatus, error) {
	next := ledger.ClaimRejected
	if approved {
		next = ledger.ClaimApproved
	}
	err := p.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		c, err := tx.Claim(claimID)
		if err != nil {
			return err
		}
		if !c.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: claim %d %s -> %s", ledger.ErrInvalidTransition, claimID, c.Status, next)
		}
		pol, err := tx.Policy(c.PolicyID)
		if err != nil {
			return err
		}
		if pol.Status != ledger.PolicyActive {
			return fmt.Errorf("%w: policy %d is %s, review requires ACTIVE",
				ledger.ErrInvalidTransition, c.PolicyID, pol.Status)
		}

		c.Status = next
		c.ExternalDataHash = externalDataHash
		c.ProcessingTime = nowMicros
		if approved {
			res := tx.Reserve()
			liab, err := fpmath.CheckedAdd(res.OutstandingLiabilities, c.Amount)
			if err != nil {
				return fmt.Errorf("liabilities: %w", err)
			}
			res.OutstandingLiabilities = liab
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// Payout settles an APPROVED claim, moving the amount out of the pool. A
// repeat call against the same claim fails with ErrAlreadySettled and leaves
// state untouched.
//
// The payout draws from premium surplus first. Any shortfall is socialized
// across staker principal pro-rata by stake, with the write-down apportioned
// so the conservation identity holds exactly.
func (p *Pipeline) Payout(claimID int64, nowMicros int64) (int64, error) {
	var paid int64
	err := p.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		paid = 0
		c, err := tx.Claim(claimID)
		if err != nil {
			return err
		}
		switch c.Status {
		case ledger.ClaimPaid:
			return fmt.Errorf("%w: claim %d", ledger.ErrAlreadySettled, claimID)
		case ledger.ClaimApproved:
		default:
			return fmt.Errorf("%w: claim %d is %s", ledger.ErrClaimNotApproved, claimID, c.Status)
		}

		res := tx.Reserve()
		if res.TotalFunds < c.Amount {
			return fmt.Errorf("%w: payout %d exceeds pool %d",
				ledger.ErrReserveUnderfunded, c.Amount, res.TotalFunds)
		}

		shortfall := c.Amount - res.Surplus()
		if shortfall > 0 {
			if err := socializeShortfall(tx, res, shortfall); err != nil {
				return err
			}
		}

		c.Status = ledger.ClaimPaid
		c.SettlementTime = nowMicros
		res.TotalFunds -= c.Amount
		res.OutstandingLiabilities -= c.Amount
		paid = c.Amount
		return nil
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

// socializeShortfall writes down staker principal pro-rata by stake so the
// surplus can absorb the payout. Largest-remainder apportionment keeps the
// total write-down exact to the unit. Every positive stake participates,
// banned accounts included: loss allocation is a pool-level event, not an
// account operation.
func socializeShortfall(tx *ledger.Tx, res *ledger.Reserve, shortfall int64) error {
	staked := tx.StakedAccounts()
	if len(staked) == 0 || res.TotalStaked < shortfall {
		return fmt.Errorf("%w: shortfall %d exceeds staked principal %d",
			ledger.ErrReserveUnderfunded, shortfall, res.TotalStaked)
	}

	weights := make([]int64, len(staked))
	for i, a := range staked {
		weights[i] = a.Stake
	}
	shares := fpmath.ProRataShares(shortfall, weights)
	for i, a := range staked {
		a.Stake -= shares[i]
		if a.Stake == 0 && shares[i] > 0 {
			res.TotalStakers--
		}
	}
	res.TotalStaked -= shortfall
	return nil
}
