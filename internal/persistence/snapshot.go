package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"CoverLedger/internal/ledger"
)

// SnapshotManager creates and loads state snapshots for warm restart:
// load the latest snapshot, then replay events from snapshot.sequence on.
type SnapshotManager struct {
	db *sql.DB
}

// SnapshotData contains the full in-memory state at a point in time.
type SnapshotData struct {
	Sequence        int64             `json:"sequence"`
	StateHash       []byte            `json:"state_hash"`
	Accounts        []AccountSnapshot `json:"accounts"`
	Reserve         ReserveSnapshot   `json:"reserve"`
	Policies        []PolicySnapshot  `json:"policies"`
	Claims          []ClaimSnapshot   `json:"claims"`
	NextPolicyID    int64             `json:"next_policy_id"`
	NextClaimID     int64             `json:"next_claim_id"`
	IdempotencyKeys []string          `json:"idempotency_keys"` // recent keys for LRU warming
	CreatedAt       time.Time         `json:"created_at"`
}

type AccountSnapshot struct {
	Address          string `json:"address"`
	Status           uint8  `json:"status"`
	KYCVerified      bool   `json:"kyc_verified"`
	PoliciesCount    uint32 `json:"policies_count"`
	Stake            int64  `json:"stake"`
	AccruedYield     int64  `json:"accrued_yield"`
	LastYieldClaimed int64  `json:"last_yield_claimed"`
	Version          int64  `json:"version"`
}

type ReserveSnapshot struct {
	TotalFunds             int64  `json:"total_funds"`
	TotalStaked            int64  `json:"total_staked"`
	TotalStakers           uint32 `json:"total_stakers"`
	OutstandingLiabilities int64  `json:"outstanding_liabilities"`
	LastYieldDistribution  int64  `json:"last_yield_distribution"`
	YieldRateBps           uint16 `json:"yield_rate_bps"`
	Version                int64  `json:"version"`
}

type PolicySnapshot struct {
	ID                 int64  `json:"id"`
	Creator            string `json:"creator"`
	CoverageAmount     int64  `json:"coverage_amount"`
	PremiumAmount      int64  `json:"premium_amount"`
	PayoutAmount       int64  `json:"payout_amount"`
	TermDays           uint32 `json:"term_days"`
	TriggerDescription string `json:"trigger_description"`
	Details            string `json:"details"`
	Status             uint8  `json:"status"`
	CreationTime       int64  `json:"creation_time"`
	ApprovalTime       int64  `json:"approval_time"`
	Version            int64  `json:"version"`
}

type ClaimSnapshot struct {
	ID               int64  `json:"id"`
	PolicyID         int64  `json:"policy_id"`
	User             string `json:"user"`
	Amount           int64  `json:"amount"`
	Status           uint8  `json:"status"`
	EvidenceHash     string `json:"evidence_hash"`
	ExternalDataHash string `json:"external_data_hash"`
	SubmissionTime   int64  `json:"submission_time"`
	ProcessingTime   int64  `json:"processing_time"`
	SettlementTime   int64  `json:"settlement_time"`
	Version          int64  `json:"version"`
}

func NewSnapshotManager(db *sql.DB) *SnapshotManager {
	return &SnapshotManager{db: db}
}

// CaptureStore serializes the current store contents into a SnapshotData.
func CaptureStore(store *ledger.Store, sequence int64, stateHash []byte, idempotencyKeys []string) *SnapshotData {
	snap := &SnapshotData{
		Sequence:        sequence,
		StateHash:       stateHash,
		IdempotencyKeys: idempotencyKeys,
		CreatedAt:       time.Now().UTC(),
	}

	for _, a := range store.Accounts() {
		snap.Accounts = append(snap.Accounts, AccountSnapshot{
			Address:          string(a.Address),
			Status:           uint8(a.Status),
			KYCVerified:      a.KYCVerified,
			PoliciesCount:    a.PoliciesCount,
			Stake:            a.Stake,
			AccruedYield:     a.AccruedYield,
			LastYieldClaimed: a.LastYieldClaimed,
			Version:          a.Version,
		})
	}

	res := store.GetReserve()
	snap.Reserve = ReserveSnapshot{
		TotalFunds:             res.TotalFunds,
		TotalStaked:            res.TotalStaked,
		TotalStakers:           res.TotalStakers,
		OutstandingLiabilities: res.OutstandingLiabilities,
		LastYieldDistribution:  res.LastYieldDistribution,
		YieldRateBps:           res.YieldRateBps,
		Version:                res.Version,
	}

	for _, p := range store.Policies() {
		snap.Policies = append(snap.Policies, PolicySnapshot{
			ID:                 p.ID,
			Creator:            string(p.Creator),
			CoverageAmount:     p.Metadata.CoverageAmount,
			PremiumAmount:      p.Metadata.PremiumAmount,
			PayoutAmount:       p.Metadata.PayoutAmount,
			TermDays:           p.Metadata.TermDays,
			TriggerDescription: p.Metadata.TriggerDescription,
			Details:            p.Metadata.Details,
			Status:             uint8(p.Status),
			CreationTime:       p.CreationTime,
			ApprovalTime:       p.ApprovalTime,
			Version:            p.Version,
		})
	}

	for _, c := range store.Claims() {
		snap.Claims = append(snap.Claims, ClaimSnapshot{
			ID:               c.ID,
			PolicyID:         c.PolicyID,
			User:             string(c.User),
			Amount:           c.Amount,
			Status:           uint8(c.Status),
			EvidenceHash:     c.EvidenceHash,
			ExternalDataHash: c.ExternalDataHash,
			SubmissionTime:   c.SubmissionTime,
			ProcessingTime:   c.ProcessingTime,
			SettlementTime:   c.SettlementTime,
			Version:          c.Version,
		})
	}

	snap.NextPolicyID, snap.NextClaimID = store.NextIDs()
	return snap
}

// RestoreStore loads a SnapshotData back into a store.
func RestoreStore(store *ledger.Store, snap *SnapshotData) {
	accounts := make([]ledger.Account, 0, len(snap.Accounts))
	for _, a := range snap.Accounts {
		accounts = append(accounts, ledger.Account{
			Address:          ledger.Address(a.Address),
			Status:           ledger.AccountStatus(a.Status),
			KYCVerified:      a.KYCVerified,
			PoliciesCount:    a.PoliciesCount,
			Stake:            a.Stake,
			AccruedYield:     a.AccruedYield,
			LastYieldClaimed: a.LastYieldClaimed,
			Version:          a.Version,
		})
	}

	reserve := ledger.Reserve{
		TotalFunds:             snap.Reserve.TotalFunds,
		TotalStaked:            snap.Reserve.TotalStaked,
		TotalStakers:           snap.Reserve.TotalStakers,
		OutstandingLiabilities: snap.Reserve.OutstandingLiabilities,
		LastYieldDistribution:  snap.Reserve.LastYieldDistribution,
		YieldRateBps:           snap.Reserve.YieldRateBps,
		Version:                snap.Reserve.Version,
	}

	policies := make([]ledger.Policy, 0, len(snap.Policies))
	for _, p := range snap.Policies {
		policies = append(policies, ledger.Policy{
			ID:      p.ID,
			Creator: ledger.Address(p.Creator),
			Metadata: ledger.PolicyMetadata{
				CoverageAmount:     p.CoverageAmount,
				PremiumAmount:      p.PremiumAmount,
				PayoutAmount:       p.PayoutAmount,
				TermDays:           p.TermDays,
				TriggerDescription: p.TriggerDescription,
				Details:            p.Details,
			},
			Status:       ledger.PolicyStatus(p.Status),
			CreationTime: p.CreationTime,
			ApprovalTime: p.ApprovalTime,
			Version:      p.Version,
		})
	}

	claims := make([]ledger.Claim, 0, len(snap.Claims))
	for _, c := range snap.Claims {
		claims = append(claims, ledger.Claim{
			ID:               c.ID,
			PolicyID:         c.PolicyID,
			User:             ledger.Address(c.User),
			Amount:           c.Amount,
			Status:           ledger.ClaimStatus(c.Status),
			EvidenceHash:     c.EvidenceHash,
			ExternalDataHash: c.ExternalDataHash,
			SubmissionTime:   c.SubmissionTime,
			ProcessingTime:   c.ProcessingTime,
			SettlementTime:   c.SettlementTime,
			Version:          c.Version,
		})
	}

	store.Restore(accounts, reserve, policies, claims, snap.NextPolicyID, snap.NextClaimID)
}

// SaveSnapshot persists a snapshot to Postgres.
func (sm *SnapshotManager) SaveSnapshot(ctx context.Context, snap *SnapshotData) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}

	snapshotID := uuid.New()
	formatVersion := int32(1) // v1: JSON-encoded SnapshotData

	_, err = sm.db.ExecContext(ctx, `
		INSERT INTO ledger_log.snapshots
			(snapshot_id, sequence, data, state_hash, format_version, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (sequence) DO UPDATE SET data = $3, state_hash = $4, size_bytes = $6
	`, snapshotID, snap.Sequence, data, snap.StateHash, formatVersion, len(data), snap.CreatedAt)

	return err
}

// LoadLatestSnapshot loads the most recent snapshot, or nil on cold start.
func (sm *SnapshotManager) LoadLatestSnapshot(ctx context.Context) (*SnapshotData, error) {
	row := sm.db.QueryRowContext(ctx, `
		SELECT data FROM ledger_log.snapshots
		ORDER BY sequence DESC
		LIMIT 1
	`)

	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap SnapshotData
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// LoadEventsFrom loads envelopes from a given sequence for replay.
func (sm *SnapshotManager) LoadEventsFrom(ctx context.Context, fromSequence int64, limit int) ([]EventRow, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT sequence, event_type, idempotency_key, payload, state_hash, prev_hash, ts_us
		FROM ledger_log.events
		WHERE sequence >= $1
		ORDER BY sequence ASC
		LIMIT $2
	`, fromSequence, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []EventRow
	for rows.Next() {
		var e EventRow
		if err := rows.Scan(
			&e.Sequence, &e.EventType, &e.IdempotencyKey,
			&e.Payload, &e.StateHash, &e.PrevHash, &e.TimestampUs,
		); err != nil {
			return nil, err
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// LoadRecentIdempotencyKeys returns composite keys for LRU warming.
func (sm *SnapshotManager) LoadRecentIdempotencyKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := sm.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM ledger_log.events
		ORDER BY sequence DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}

// GetLatestSequence returns the highest sequence in the event log.
func (sm *SnapshotManager) GetLatestSequence(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	err := sm.db.QueryRowContext(ctx, `
		SELECT MAX(sequence) FROM ledger_log.events
	`).Scan(&seq)
	if err != nil {
		return 0, err
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}
