package reserve

import (
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// Engine implements the staking, yield and premium operations against the
// shared store. Each method is one atomic read-modify-write: it either
// applies completely or leaves every entity untouched.
type Engine struct {
	store *ledger.Store
}

func NewEngine(store *ledger.Store) *Engine {
	return &Engine{store: store}
}

// Stake moves amount of the funder's capital into the reserve. The account
// is created ACTIVE on first interaction.
func (e *Engine) Stake(addr ledger.Address, amount, nowMicros int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: stake amount %d", ledger.ErrInvalidAmount, amount)
	}
	return e.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		acc := tx.AccountOrCreate(addr)
		if !acc.CanMutateFunds() {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAccountNotActive, addr, acc.Status)
		}

		newStake, err := fpmath.CheckedAdd(acc.Stake, amount)
		if err != nil {
			return fmt.Errorf("stake %s: %w", addr, err)
		}
		res := tx.Reserve()
		newFunds, err := fpmath.CheckedAdd(res.TotalFunds, amount)
		if err != nil {
			return fmt.Errorf("reserve funds: %w", err)
		}
		newStaked, err := fpmath.CheckedAdd(res.TotalStaked, amount)
		if err != nil {
			return fmt.Errorf("reserve staked: %w", err)
		}

		wasZero := acc.Stake == 0
		acc.Stake = newStake
		if acc.LastYieldClaimed == 0 {
			// Accrual clock starts at first stake, not at epoch zero.
			acc.LastYieldClaimed = nowMicros
		}
		res.TotalFunds = newFunds
		res.TotalStaked = newStaked
		if wasZero {
			res.TotalStakers++
		}
		return nil
	})
}

// Unstake returns amount of staked principal to the funder. Capital earmarked
// for approved payouts may not be drained.
func (e *Engine) Unstake(addr ledger.Address, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: unstake amount %d", ledger.ErrInvalidAmount, amount)
	}
	return e.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		acc, err := tx.Account(addr)
		if err != nil {
			return err
		}
		if !acc.CanMutateFunds() {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAccountNotActive, addr, acc.Status)
		}
		if acc.Stake < amount {
			return fmt.Errorf("%w: have %d, want %d", ledger.ErrInsufficientStake, acc.Stake, amount)
		}

		res := tx.Reserve()
		if res.TotalFunds-amount < res.OutstandingLiabilities {
			return fmt.Errorf("%w: withdrawal would breach %d earmarked for payouts",
				ledger.ErrReserveUnderfunded, res.OutstandingLiabilities)
		}

		acc.Stake -= amount
		res.TotalFunds -= amount
		res.TotalStaked -= amount
		if acc.Stake == 0 {
			res.TotalStakers--
		}
		return nil
	})
}

// PendingYield computes the funder's claimable yield at nowMicros without
// mutating anything: staged accrual plus whole elapsed periods since the
// last claim-out.
func (e *Engine) PendingYield(addr ledger.Address, nowMicros int64) (int64, error) {
	acc, err := e.store.GetAccount(addr)
	if err != nil {
		return 0, err
	}
	res := e.store.GetReserve()
	periods := fpmath.ElapsedPeriods(acc.LastYieldClaimed, nowMicros)
	accrued, err := fpmath.PendingYield(acc.Stake, res.YieldRateBps, periods)
	if err != nil {
		return 0, fmt.Errorf("yield for %s: %w", addr, err)
	}
	return fpmath.CheckedAdd(acc.AccruedYield, accrued)
}

// ClaimYield pays out all pending yield. Yield comes from surplus only;
// staked principal and earmarked payout funds are never touched.
func (e *Engine) ClaimYield(addr ledger.Address, nowMicros int64) (int64, error) {
	var paid int64
	err := e.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		paid = 0
		acc, err := tx.Account(addr)
		if err != nil {
			return err
		}
		if !acc.CanMutateFunds() {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAccountNotActive, addr, acc.Status)
		}

		res := tx.Reserve()
		periods := fpmath.ElapsedPeriods(acc.LastYieldClaimed, nowMicros)
		accrued, err := fpmath.PendingYield(acc.Stake, res.YieldRateBps, periods)
		if err != nil {
			return fmt.Errorf("yield for %s: %w", addr, err)
		}
		pending, err := fpmath.CheckedAdd(acc.AccruedYield, accrued)
		if err != nil {
			return fmt.Errorf("yield for %s: %w", addr, err)
		}
		if pending <= 0 {
			return ledger.ErrNoYieldAvailable
		}
		if res.AvailableFunds() < pending {
			return fmt.Errorf("%w: yield %d exceeds available surplus %d",
				ledger.ErrReserveUnderfunded, pending, res.AvailableFunds())
		}

		acc.AccruedYield = 0
		acc.LastYieldClaimed = nowMicros
		res.TotalFunds -= pending
		res.LastYieldDistribution = nowMicros
		paid = pending
		return nil
	})
	if err != nil {
		return 0, err
	}
	return paid, nil
}

// CollectPremium records a premium payment against an ACTIVE policy. The
// amount must match the policy's premium exactly; premiums grow the surplus,
// not any individual stake.
func (e *Engine) CollectPremium(payer ledger.Address, policyID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("%w: premium amount %d", ledger.ErrInvalidAmount, amount)
	}
	return e.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		pol, err := tx.Policy(policyID)
		if err != nil {
			return err
		}
		if pol.Status != ledger.PolicyActive {
			return fmt.Errorf("%w: policy %d is %s, premiums require ACTIVE",
				ledger.ErrInvalidTransition, policyID, pol.Status)
		}
		if amount != pol.Metadata.PremiumAmount {
			return fmt.Errorf("%w: premium %d != policy premium %d",
				ledger.ErrInvalidAmount, amount, pol.Metadata.PremiumAmount)
		}

		acc := tx.AccountOrCreate(payer)
		if acc.Status == ledger.AccountBanned {
			return fmt.Errorf("%w: %s is %s", ledger.ErrAccountNotActive, payer, acc.Status)
		}

		res := tx.Reserve()
		newFunds, err := fpmath.CheckedAdd(res.TotalFunds, amount)
		if err != nil {
			return fmt.Errorf("reserve funds: %w", err)
		}
		res.TotalFunds = newFunds
		acc.PoliciesCount++
		return nil
	})
}

// SetYieldRate updates the accrual rate. Rates above 100% per period are
// rejected outright.
func (e *Engine) SetYieldRate(bps uint16) error {
	if int64(bps) > fpmath.BpsDenominator {
		return fmt.Errorf("%w: yield rate %d bps exceeds %d", ledger.ErrInvalidAmount, bps, fpmath.BpsDenominator)
	}
	return e.store.WithReserve(func(r *ledger.Reserve) error {
		r.YieldRateBps = bps
		return nil
	})
}
