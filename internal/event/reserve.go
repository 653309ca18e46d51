package event

import "github.com/google/uuid"

// FundsStaked records a funder moving capital into the reserve.
type FundsStaked struct {
	RequestID uuid.UUID
	Address   string
	Amount    int64 // Fixed-point
	Timestamp int64 // epoch microseconds
}

func (e *FundsStaked) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *FundsStaked) EventType() EventType {
	return EventTypeFundsStaked
}

// FundsUnstaked records principal returned to a funder.
type FundsUnstaked struct {
	RequestID uuid.UUID
	Address   string
	Amount    int64
	Timestamp int64
}

func (e *FundsUnstaked) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *FundsUnstaked) EventType() EventType {
	return EventTypeFundsUnstaked
}

// YieldClaimed records a yield payout from premium surplus.
type YieldClaimed struct {
	RequestID uuid.UUID
	Address   string
	Timestamp int64
}

func (e *YieldClaimed) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *YieldClaimed) EventType() EventType {
	return EventTypeYieldClaimed
}

// YieldRateUpdated records an admin rate change.
type YieldRateUpdated struct {
	RequestID uuid.UUID
	Admin     string
	RateBps   uint16
	Timestamp int64
}

func (e *YieldRateUpdated) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *YieldRateUpdated) EventType() EventType {
	return EventTypeYieldRateUpdated
}

// PremiumCollected records a premium payment against an active policy.
type PremiumCollected struct {
	RequestID uuid.UUID
	Payer     string
	PolicyID  int64
	Amount    int64
	Timestamp int64
}

func (e *PremiumCollected) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *PremiumCollected) EventType() EventType {
	return EventTypePremiumCollected
}
