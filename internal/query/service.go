package query

import (
	"context"
	"database/sql"
	"fmt"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
)

// SequenceSource reports the engine's applied-event frontier. Reads served
// from the in-memory store are stamped with it for freshness semantics.
type SequenceSource interface {
	Sequence() int64
}

// QueryService provides read-only access to ledger state. Authoritative
// entity reads come straight from the in-memory store; histories and
// paginated listings are served from PostgreSQL projection tables, which
// lag the store by the projection watermark.
type QueryService struct {
	db    *sql.DB
	store *ledger.Store
	seq   SequenceSource
}

func NewQueryService(db *sql.DB, store *ledger.Store, seq SequenceSource) *QueryService {
	return &QueryService{db: db, store: store, seq: seq}
}

// GetReserveInfo returns the pool state with derived values computed at
// query time.
func (qs *QueryService) GetReserveInfo(ctx context.Context) (*ReserveInfo, error) {
	res := qs.store.GetReserve()
	return &ReserveInfo{
		TotalFunds:             res.TotalFunds,
		TotalStaked:            res.TotalStaked,
		TotalStakers:           res.TotalStakers,
		Surplus:                res.Surplus(),
		OutstandingLiabilities: res.OutstandingLiabilities,
		AvailableFunds:         res.AvailableFunds(),
		YieldRateBps:           res.YieldRateBps,
		LastYieldDistribution:  res.LastYieldDistribution,
		Version:                res.Version,
		AsOfSequence:           qs.seq.Sequence(),
	}, nil
}

// GetUserProfile returns a user's account record.
func (qs *QueryService) GetUserProfile(ctx context.Context, address ledger.Address) (*UserProfile, error) {
	acc, err := qs.store.GetAccount(address)
	if err != nil {
		return nil, err
	}
	return &UserProfile{
		Address:       string(acc.Address),
		Status:        acc.Status.String(),
		KYCVerified:   acc.KYCVerified,
		PoliciesCount: int64(acc.PoliciesCount),
		Stake:         acc.Stake,
		AccruedYield:  acc.AccruedYield,
		Version:       acc.Version,
		AsOfSequence:  qs.seq.Sequence(),
	}, nil
}

// GetFunderStake returns a funder's position including their pro-rata share
// of the staked principal in basis points.
func (qs *QueryService) GetFunderStake(ctx context.Context, address ledger.Address) (*StakeInfo, error) {
	acc, err := qs.store.GetAccount(address)
	if err != nil {
		return nil, err
	}
	res := qs.store.GetReserve()

	var shareBps int64
	if res.TotalStaked > 0 {
		// stake <= totalStaked, so the quotient is at most BpsDenominator.
		shareBps, err = fpmath.MulDiv(acc.Stake, fpmath.BpsDenominator, res.TotalStaked)
		if err != nil {
			return nil, err
		}
	}

	return &StakeInfo{
		Address:      string(acc.Address),
		Stake:        acc.Stake,
		TotalStaked:  res.TotalStaked,
		ShareBps:     shareBps,
		AsOfSequence: qs.seq.Sequence(),
	}, nil
}

// GetYieldInfo returns realized plus unrealized yield for a funder. The
// pending component is a pure function of the current rate and the periods
// elapsed since the funder last claimed.
func (qs *QueryService) GetYieldInfo(ctx context.Context, address ledger.Address, nowMicros int64) (*YieldInfo, error) {
	acc, err := qs.store.GetAccount(address)
	if err != nil {
		return nil, err
	}
	res := qs.store.GetReserve()

	pending := acc.AccruedYield
	if acc.Stake > 0 {
		periods := fpmath.ElapsedPeriods(acc.LastYieldClaimed, nowMicros)
		unrealized, err := fpmath.PendingYield(acc.Stake, res.YieldRateBps, periods)
		if err != nil {
			return nil, err
		}
		pending, err = fpmath.CheckedAdd(pending, unrealized)
		if err != nil {
			return nil, err
		}
	}

	return &YieldInfo{
		Address:          string(acc.Address),
		AccruedYield:     acc.AccruedYield,
		PendingYield:     pending,
		YieldRateBps:     res.YieldRateBps,
		LastYieldClaimed: acc.LastYieldClaimed,
		AsOfSequence:     qs.seq.Sequence(),
	}, nil
}

// GetPolicy returns a single policy by id.
func (qs *QueryService) GetPolicy(ctx context.Context, id int64) (*PolicyResponse, error) {
	p, err := qs.store.GetPolicy(id)
	if err != nil {
		return nil, err
	}
	return policyResponse(&p, qs.seq.Sequence()), nil
}

// GetClaim returns a single claim by id.
func (qs *QueryService) GetClaim(ctx context.Context, id int64) (*ClaimResponse, error) {
	c, err := qs.store.GetClaim(id)
	if err != nil {
		return nil, err
	}
	return claimResponse(&c, qs.seq.Sequence()), nil
}

// ListPolicies returns policies from the projection tables with optional
// status filter and cursor-based pagination.
func (qs *QueryService) ListPolicies(ctx context.Context, status string, limit int, afterID *int64) ([]PolicyResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, creator, coverage_amount, premium_amount, payout_amount, term_days,
		       trigger_description, details, status, creation_time_us, approval_time_us, version
		FROM projections.policies
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, status)
		argIdx++
	}
	if afterID != nil {
		query += fmt.Sprintf(" AND id > $%d", argIdx)
		args = append(args, *afterID)
		argIdx++
	}

	query += " ORDER BY id"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var policies []PolicyResponse
	for rows.Next() {
		var p PolicyResponse
		p.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&p.ID, &p.Creator, &p.CoverageAmount, &p.PremiumAmount, &p.PayoutAmount,
			&p.TermDays, &p.TriggerDescription, &p.Details, &p.Status,
			&p.CreationTime, &p.ApprovalTime, &p.Version,
		); err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}

	return policies, rows.Err()
}

// ListClaims returns claims from the projection tables, filtered by policy
// or claimant.
func (qs *QueryService) ListClaims(ctx context.Context, policyID *int64, user string, limit int) ([]ClaimResponse, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, policy_id, user_address, amount, status, evidence_hash, external_data_hash,
		       submission_time_us, processing_time_us, settlement_time_us, version
		FROM projections.claims
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if policyID != nil {
		query += fmt.Sprintf(" AND policy_id = $%d", argIdx)
		args = append(args, *policyID)
		argIdx++
	}
	if user != "" {
		query += fmt.Sprintf(" AND user_address = $%d", argIdx)
		args = append(args, user)
		argIdx++
	}

	query += " ORDER BY id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []ClaimResponse
	for rows.Next() {
		var c ClaimResponse
		c.AsOfSequence = asOfSeq
		if err := rows.Scan(
			&c.ID, &c.PolicyID, &c.User, &c.Amount, &c.Status, &c.EvidenceHash,
			&c.ExternalDataHash, &c.SubmissionTime, &c.ProcessingTime,
			&c.SettlementTime, &c.Version,
		); err != nil {
			return nil, err
		}
		claims = append(claims, c)
	}

	return claims, rows.Err()
}

// GetReserveHistory returns the funder activity feed with cursor-based
// pagination, newest first.
func (qs *QueryService) GetReserveHistory(ctx context.Context, address string, limit int, afterSequence *int64) ([]HistoryEntry, error) {
	asOfSeq, err := qs.getWatermark(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT sequence, event_type, address, amount, ts_us
		FROM projections.reserve_history
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if address != "" {
		query += fmt.Sprintf(" AND address = $%d", argIdx)
		args = append(args, address)
		argIdx++
	}
	if afterSequence != nil {
		query += fmt.Sprintf(" AND sequence < $%d", argIdx)
		args = append(args, *afterSequence)
		argIdx++
	}

	query += " ORDER BY sequence DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		e.AsOfSequence = asOfSeq
		if err := rows.Scan(&e.Sequence, &e.EventType, &e.Address, &e.Amount, &e.Timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// --- Admin APIs ---

// VerifyIntegrity checks hash chain continuity in the event log and the
// conservation invariants of the live store.
func (qs *QueryService) VerifyIntegrity(ctx context.Context) (*IntegrityReport, error) {
	report := &IntegrityReport{}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT e1.sequence, e1.prev_hash, e2.state_hash
		FROM ledger_log.events e1
		LEFT JOIN ledger_log.events e2 ON e2.sequence = e1.sequence - 1
		WHERE e1.sequence > 0 AND e1.prev_hash != COALESCE(e2.state_hash, e1.prev_hash)
		LIMIT 10
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var seq int64
		var prevHash, expectedHash []byte
		if err := rows.Scan(&seq, &prevHash, &expectedHash); err != nil {
			return nil, err
		}
		report.HashChainBreaks = append(report.HashChainBreaks, seq)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	validator := ledger.NewInvariantValidator(qs.store)
	if err := validator.ValidateConservation(); err != nil {
		report.ConservationErr = err.Error()
	}
	if err := validator.ValidateLiabilities(); err != nil {
		report.LiabilitiesErr = err.Error()
	}

	report.IsHealthy = len(report.HashChainBreaks) == 0 &&
		report.ConservationErr == "" && report.LiabilitiesErr == ""
	return report, nil
}

// --- helpers ---

func (qs *QueryService) getWatermark(ctx context.Context) (int64, error) {
	var seq int64
	err := qs.db.QueryRowContext(ctx, `
		SELECT COALESCE(last_sequence, 0) FROM projections.watermark WHERE worker_id = 'main'
	`).Scan(&seq)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return seq, err
}

func policyResponse(p *ledger.Policy, asOfSeq int64) *PolicyResponse {
	return &PolicyResponse{
		ID:                 p.ID,
		Creator:            string(p.Creator),
		CoverageAmount:     p.Metadata.CoverageAmount,
		PremiumAmount:      p.Metadata.PremiumAmount,
		PayoutAmount:       p.Metadata.PayoutAmount,
		TermDays:           p.Metadata.TermDays,
		TriggerDescription: p.Metadata.TriggerDescription,
		Details:            p.Metadata.Details,
		Status:             p.Status.String(),
		CreationTime:       p.CreationTime,
		ApprovalTime:       p.ApprovalTime,
		Version:            p.Version,
		AsOfSequence:       asOfSeq,
	}
}

func claimResponse(c *ledger.Claim, asOfSeq int64) *ClaimResponse {
	return &ClaimResponse{
		ID:               c.ID,
		PolicyID:         c.PolicyID,
		User:             string(c.User),
		Amount:           c.Amount,
		Status:           c.Status.String(),
		EvidenceHash:     c.EvidenceHash,
		ExternalDataHash: c.ExternalDataHash,
		SubmissionTime:   c.SubmissionTime,
		ProcessingTime:   c.ProcessingTime,
		SettlementTime:   c.SettlementTime,
		Version:          c.Version,
		AsOfSequence:     asOfSeq,
	}
}
