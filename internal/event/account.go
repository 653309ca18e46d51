package event

import "github.com/google/uuid"

// AccountStatusChanged records an admin-driven status transition.
type AccountStatusChanged struct {
	RequestID uuid.UUID
	Admin     string
	Address   string
	NewStatus string
	Timestamp int64
}

func (e *AccountStatusChanged) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *AccountStatusChanged) EventType() EventType {
	return EventTypeAccountStatusChanged
}

// AccountKYCSet records the identity-verification flag change.
type AccountKYCSet struct {
	RequestID uuid.UUID
	Admin     string
	Address   string
	Verified  bool
	Timestamp int64
}

func (e *AccountKYCSet) IdempotencyKey() string {
	return e.RequestID.String()
}

func (e *AccountKYCSet) EventType() EventType {
	return EventTypeAccountKYCSet
}
