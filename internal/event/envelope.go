package event

// EventType discriminator for event payloads
type EventType int32

const (
	EventTypeUnknown EventType = iota
	EventTypeAccountStatusChanged
	EventTypeAccountKYCSet
	EventTypeFundsStaked
	EventTypeFundsUnstaked
	EventTypeYieldClaimed
	EventTypeYieldRateUpdated
	EventTypePremiumCollected
	EventTypePolicyCreated
	EventTypePolicyActivated
	EventTypePolicyPaused
	EventTypePolicyExpired
	EventTypeClaimSubmitted
	EventTypeClaimProcessed
	EventTypeClaimPaid
)

// Envelope wraps every event in the log.
type Envelope struct {
	// Global monotonic sequence assigned by the engine
	Sequence int64

	// Stable idempotency key from upstream
	IdempotencyKey string

	// Event type discriminator
	EventType EventType

	// Versioned input timestamp in epoch microseconds (NOT wall-clock)
	Timestamp int64

	// JSON-encoded event-specific data
	Payload []byte

	// SHA-256 of state AFTER applying this event
	StateHash [32]byte

	// Previous event's state hash (chain integrity)
	PrevHash [32]byte
}

// Event is the interface all event payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() EventType
}

func (et EventType) String() string {
	switch et {
	case EventTypeAccountStatusChanged:
		return "AccountStatusChanged"
	case EventTypeAccountKYCSet:
		return "AccountKYCSet"
	case EventTypeFundsStaked:
		return "FundsStaked"
	case EventTypeFundsUnstaked:
		return "FundsUnstaked"
	case EventTypeYieldClaimed:
		return "YieldClaimed"
	case EventTypeYieldRateUpdated:
		return "YieldRateUpdated"
	case EventTypePremiumCollected:
		return "PremiumCollected"
	case EventTypePolicyCreated:
		return "PolicyCreated"
	case EventTypePolicyActivated:
		return "PolicyActivated"
	case EventTypePolicyPaused:
		return "PolicyPaused"
	case EventTypePolicyExpired:
		return "PolicyExpired"
	case EventTypeClaimSubmitted:
		return "ClaimSubmitted"
	case EventTypeClaimProcessed:
		return "ClaimProcessed"
	case EventTypeClaimPaid:
		return "ClaimPaid"
	default:
		return "Unknown"
	}
}

// ParseEventType is the inverse of String, used when rebuilding envelopes
// from the durable log.
func ParseEventType(s string) EventType {
	switch s {
	case "AccountStatusChanged":
		return EventTypeAccountStatusChanged
	case "AccountKYCSet":
		return EventTypeAccountKYCSet
	case "FundsStaked":
		return EventTypeFundsStaked
	case "FundsUnstaked":
		return EventTypeFundsUnstaked
	case "YieldClaimed":
		return EventTypeYieldClaimed
	case "YieldRateUpdated":
		return EventTypeYieldRateUpdated
	case "PremiumCollected":
		return EventTypePremiumCollected
	case "PolicyCreated":
		return EventTypePolicyCreated
	case "PolicyActivated":
		return EventTypePolicyActivated
	case "PolicyPaused":
		return EventTypePolicyPaused
	case "PolicyExpired":
		return EventTypePolicyExpired
	case "ClaimSubmitted":
		return EventTypeClaimSubmitted
	case "ClaimProcessed":
		return EventTypeClaimProcessed
	case "ClaimPaid":
		return EventTypeClaimPaid
	default:
		return EventTypeUnknown
	}
}
