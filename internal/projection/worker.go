package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	"CoverLedger/internal/observability"
)

// Worker maintains the queryable projection tables from applied events. The
// projection channel is non-blocking with drop; a worker that falls behind
// is rebuilt from the event log, so every update here is an idempotent
// upsert of the store's current view.
type Worker struct {
	db        *sql.DB
	store     *ledger.Store
	inputChan <-chan core.Output
	logger    zerolog.Logger
	lastSeq   int64
}

func NewWorker(db *sql.DB, store *ledger.Store, inputChan <-chan core.Output) *Worker {
	return &Worker{
		db:        db,
		store:     store,
		inputChan: inputChan,
		logger:    observability.NewLogger("projection"),
	}
}

// Run starts the projection worker loop.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case output, ok := <-w.inputChan:
			if !ok {
				return nil
			}

			if err := w.processOutput(ctx, output); err != nil {
				// Projections are eventually consistent; keep going and
				// let a rebuild repair the gap.
				w.logger.Warn().
					Err(err).
					Int64("sequence", output.Envelope.Sequence).
					Msg("projection update failed")
			}

			w.lastSeq = output.Envelope.Sequence
		}
	}
}

// payloadFields is the union of the identity fields across all payloads;
// JSON decoding fills whichever the event carries.
type payloadFields struct {
	Address  string `json:"Address"`
	Payer    string `json:"Payer"`
	User     string `json:"User"`
	Creator  string `json:"Creator"`
	PolicyID int64  `json:"PolicyID"`
	ClaimID  int64  `json:"ClaimID"`
}

func (w *Worker) processOutput(ctx context.Context, output core.Output) error {
	env := output.Envelope

	var fields payloadFields
	if err := json.Unmarshal(env.Payload, &fields); err != nil {
		return fmt.Errorf("decode payload seq %d: %w", env.Sequence, err)
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	switch env.EventType {
	case event.EventTypeFundsStaked, event.EventTypeFundsUnstaked, event.EventTypeYieldClaimed:
		if err := w.upsertAccount(ctx, tx, ledger.Address(fields.Address), env.Sequence); err != nil {
			return err
		}
		if err := w.upsertReserve(ctx, tx, env.Sequence); err != nil {
			return err
		}
		if err := w.insertHistory(ctx, tx, env, fields.Address, output.Result.Amount); err != nil {
			return err
		}

	case event.EventTypeYieldRateUpdated:
		if err := w.upsertReserve(ctx, tx, env.Sequence); err != nil {
			return err
		}

	case event.EventTypePremiumCollected:
		if err := w.upsertAccount(ctx, tx, ledger.Address(fields.Payer), env.Sequence); err != nil {
			return err
		}
		if err := w.upsertReserve(ctx, tx, env.Sequence); err != nil {
			return err
		}
		if err := w.insertHistory(ctx, tx, env, fields.Payer, output.Result.Amount); err != nil {
			return err
		}

	case event.EventTypePolicyCreated, event.EventTypePolicyActivated,
		event.EventTypePolicyPaused, event.EventTypePolicyExpired:
		policyID := output.Result.ID
		if policyID == 0 {
			policyID = fields.PolicyID
		}
		if err := w.upsertPolicy(ctx, tx, policyID, env.Sequence); err != nil {
			return err
		}

	case event.EventTypeClaimSubmitted, event.EventTypeClaimProcessed, event.EventTypeClaimPaid:
		claimID := output.Result.ID
		if claimID == 0 {
			claimID = fields.ClaimID
		}
		if err := w.upsertClaim(ctx, tx, claimID, env.Sequence); err != nil {
			return err
		}
		if err := w.upsertReserve(ctx, tx, env.Sequence); err != nil {
			return err
		}

	case event.EventTypeAccountStatusChanged, event.EventTypeAccountKYCSet:
		if err := w.upsertAccount(ctx, tx, ledger.Address(fields.Address), env.Sequence); err != nil {
			return err
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO projections.watermark (worker_id, last_sequence, updated_at)
		VALUES ('main', $1, NOW())
		ON CONFLICT (worker_id) DO UPDATE SET last_sequence = $1, updated_at = NOW()
	`, env.Sequence); err != nil {
		return fmt.Errorf("watermark update: %w", err)
	}

	return tx.Commit()
}

func (w *Worker) upsertAccount(ctx context.Context, tx *sql.Tx, addr ledger.Address, seq int64) error {
	acc, err := w.store.GetAccount(addr)
	if err != nil {
		return fmt.Errorf("account projection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.accounts
			(address, status, kyc_verified, policies_count, stake, accrued_yield, last_yield_claimed_us, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (address) DO UPDATE SET
			status = $2, kyc_verified = $3, policies_count = $4, stake = $5,
			accrued_yield = $6, last_yield_claimed_us = $7, version = $8, last_sequence = $9
	`, string(acc.Address), acc.Status.String(), acc.KYCVerified, acc.PoliciesCount,
		acc.Stake, acc.AccruedYield, acc.LastYieldClaimed, acc.Version, seq)
	return err
}

func (w *Worker) upsertReserve(ctx context.Context, tx *sql.Tx, seq int64) error {
	res := w.store.GetReserve()
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserve
			(id, total_funds, total_staked, total_stakers, outstanding_liabilities, last_yield_distribution_us, yield_rate_bps, version, last_sequence)
		VALUES (1, $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			total_funds = $1, total_staked = $2, total_stakers = $3,
			outstanding_liabilities = $4, last_yield_distribution_us = $5,
			yield_rate_bps = $6, version = $7, last_sequence = $8
	`, res.TotalFunds, res.TotalStaked, res.TotalStakers, res.OutstandingLiabilities,
		res.LastYieldDistribution, res.YieldRateBps, res.Version, seq)
	return err
}

func (w *Worker) upsertPolicy(ctx context.Context, tx *sql.Tx, id, seq int64) error {
	p, err := w.store.GetPolicy(id)
	if err != nil {
		return fmt.Errorf("policy projection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.policies
			(id, creator, coverage_amount, premium_amount, payout_amount, term_days,
			 trigger_description, details, status, creation_time_us, approval_time_us, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO UPDATE SET
			status = $9, approval_time_us = $11, version = $12, last_sequence = $13
	`, p.ID, string(p.Creator), p.Metadata.CoverageAmount, p.Metadata.PremiumAmount,
		p.Metadata.PayoutAmount, p.Metadata.TermDays, p.Metadata.TriggerDescription,
		p.Metadata.Details, p.Status.String(), p.CreationTime, p.ApprovalTime, p.Version, seq)
	return err
}

func (w *Worker) upsertClaim(ctx context.Context, tx *sql.Tx, id, seq int64) error {
	c, err := w.store.GetClaim(id)
	if err != nil {
		return fmt.Errorf("claim projection: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO projections.claims
			(id, policy_id, user_address, amount, status, evidence_hash, external_data_hash,
			 submission_time_us, processing_time_us, settlement_time_us, version, last_sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			status = $5, external_data_hash = $7, processing_time_us = $9,
			settlement_time_us = $10, version = $11, last_sequence = $12
	`, c.ID, c.PolicyID, string(c.User), c.Amount, c.Status.String(), c.EvidenceHash,
		c.ExternalDataHash, c.SubmissionTime, c.ProcessingTime, c.SettlementTime, c.Version, seq)
	return err
}

// insertHistory appends to the funder activity feed used by the read API.
func (w *Worker) insertHistory(ctx context.Context, tx *sql.Tx, env *event.Envelope, addr string, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projections.reserve_history (sequence, event_type, address, amount, ts_us)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (sequence) DO NOTHING
	`, env.Sequence, env.EventType.String(), addr, amount, env.Timestamp)
	return err
}
