package event

import "github.com/google/uuid"

// PolicyCreated records a new DRAFT policy definition.
type PolicyCreated struct {
	RequestID          uuid.UUID
	Creator            string
	CoverageAmount     int64
	PremiumAmount      int64
	PayoutAmount       int64
	TermDays           uint32
	TriggerDescription string
	Details            string
	Timestamp          int64
}

func (e *PolicyCreated) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *PolicyCreated) EventType() EventType {
	return EventTypePolicyCreated
}

// PolicyTransition carries the shared shape of activate/pause/expire.
type PolicyTransition struct {
	RequestID uuid.UUID
	Admin     string
	PolicyID  int64
	Timestamp int64
}

func (e *PolicyTransition) IdempotencyKey() string {
	return e.RequestID.String()
}

type PolicyActivated struct{ PolicyTransition }

func (e *PolicyActivated) EventType() EventType {
	return EventTypePolicyActivated
}

type PolicyPaused struct{ PolicyTransition }

func (e *PolicyPaused) EventType() EventType {
	return EventTypePolicyPaused
}

type PolicyExpired struct{ PolicyTransition }

func (e *PolicyExpired) EventType() EventType {
	return EventTypePolicyExpired
}
