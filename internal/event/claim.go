package event

import "github.com/google/uuid"

// ClaimSubmitted records user claim intake against an active policy.
type ClaimSubmitted struct {
	RequestID    uuid.UUID
	User         string
	PolicyID     int64
	Amount       int64
	EvidenceHash string
	Timestamp    int64
}

func (e *ClaimSubmitted) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *ClaimSubmitted) EventType() EventType {
	return EventTypeClaimSubmitted
}

// ClaimProcessed records the admin adjudication decision.
type ClaimProcessed struct {
	RequestID        uuid.UUID
	Admin            string
	ClaimID          int64
	ExternalDataHash string
	Approved         bool
	Timestamp        int64
}

func (e *ClaimProcessed) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *ClaimProcessed) EventType() EventType {
	return EventTypeClaimProcessed
}

// ClaimPaid records payout settlement of an approved claim.
type ClaimPaid struct {
	RequestID uuid.UUID
	Admin     string
	ClaimID   int64
	Timestamp int64
}

func (e *ClaimPaid) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *ClaimPaid) EventType() EventType {
	return EventTypeClaimPaid
}
