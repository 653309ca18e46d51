package ingestion

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"CoverLedger/internal/event"
)

// ParseRawEvent converts a RawEvent (JSON bytes + event type string) into a
// typed event.Event. The shell validates and parses before anything reaches
// the deterministic core; a message that fails here is terminally rejected,
// never retried.
func ParseRawEvent(raw RawEvent, eventType string) (event.Event, error) {
	switch eventType {
	case "ClaimSubmitted":
		return parseClaimSubmitted(raw.Data)
	case "ClaimProcessed":
		return parseClaimProcessed(raw.Data)
	case "PremiumCollected":
		return parsePremiumCollected(raw.Data)
	case "PolicyExpired":
		return parsePolicyExpired(raw.Data)
	case "YieldRateUpdated":
		return parseYieldRateUpdated(raw.Data)
	default:
		return nil, fmt.Errorf("unknown event type: %s", eventType)
	}
}

// --- JSON wire formats ---
// Field names use snake_case to match upstream producers. Timestamps are
// producer-assigned epoch microseconds; the core never reads the clock.

type claimSubmittedJSON struct {
	RequestID    string `json:"request_id"`
	User         string `json:"user"`
	PolicyID     int64  `json:"policy_id"`
	Amount       int64  `json:"amount"`
	EvidenceHash string `json:"evidence_hash"`
	TimestampUs  int64  `json:"timestamp_us"`
}

func parseClaimSubmitted(data []byte) (*event.ClaimSubmitted, error) {
	var j claimSubmittedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimSubmitted: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.User == "" {
		return nil, fmt.Errorf("parse ClaimSubmitted: empty user")
	}

	return &event.ClaimSubmitted{
		RequestID:    requestID,
		User:         j.User,
		PolicyID:     j.PolicyID,
		Amount:       j.Amount,
		EvidenceHash: j.EvidenceHash,
		Timestamp:    j.TimestampUs,
	}, nil
}

type claimProcessedJSON struct {
	RequestID        string `json:"request_id"`
	Admin            string `json:"admin"`
	ClaimID          int64  `json:"claim_id"`
	ExternalDataHash string `json:"external_data_hash"`
	Approved         bool   `json:"approved"`
	TimestampUs      int64  `json:"timestamp_us"`
}

func parseClaimProcessed(data []byte) (*event.ClaimProcessed, error) {
	var j claimProcessedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse ClaimProcessed: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	return &event.ClaimProcessed{
		RequestID:        requestID,
		Admin:            j.Admin,
		ClaimID:          j.ClaimID,
		ExternalDataHash: j.ExternalDataHash,
		Approved:         j.Approved,
		Timestamp:        j.TimestampUs,
	}, nil
}

type premiumCollectedJSON struct {
	RequestID   string `json:"request_id"`
	Payer       string `json:"payer"`
	PolicyID    int64  `json:"policy_id"`
	Amount      int64  `json:"amount"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePremiumCollected(data []byte) (*event.PremiumCollected, error) {
	var j premiumCollectedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PremiumCollected: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}
	if j.Payer == "" {
		return nil, fmt.Errorf("parse PremiumCollected: empty payer")
	}

	return &event.PremiumCollected{
		RequestID: requestID,
		Payer:     j.Payer,
		PolicyID:  j.PolicyID,
		Amount:    j.Amount,
		Timestamp: j.TimestampUs,
	}, nil
}

type policyExpiredJSON struct {
	RequestID   string `json:"request_id"`
	PolicyID    int64  `json:"policy_id"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parsePolicyExpired(data []byte) (*event.PolicyExpired, error) {
	var j policyExpiredJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PolicyExpired: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	return &event.PolicyExpired{PolicyTransition: event.PolicyTransition{
		RequestID: requestID,
		Admin:     "expiry-sweeper",
		PolicyID:  j.PolicyID,
		Timestamp: j.TimestampUs,
	}}, nil
}

type yieldRateUpdatedJSON struct {
	RequestID   string `json:"request_id"`
	Admin       string `json:"admin"`
	RateBps     uint16 `json:"rate_bps"`
	TimestampUs int64  `json:"timestamp_us"`
}

func parseYieldRateUpdated(data []byte) (*event.YieldRateUpdated, error) {
	var j yieldRateUpdatedJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse YieldRateUpdated: %w", err)
	}
	requestID, err := uuid.Parse(j.RequestID)
	if err != nil {
		return nil, fmt.Errorf("parse request_id: %w", err)
	}

	return &event.YieldRateUpdated{
		RequestID: requestID,
		Admin:     j.Admin,
		RateBps:   j.RateBps,
		Timestamp: j.TimestampUs,
	}, nil
}
