package ledger

import "fmt"

// PolicyStatus is the policy lifecycle state. EXPIRED is terminal.
type PolicyStatus uint8

const (
	PolicyDraft PolicyStatus = iota
	PolicyActive
	PolicyPaused
	PolicyExpired
)

func (s PolicyStatus) String() string {
	switch s {
	case PolicyDraft:
		return "DRAFT"
	case PolicyActive:
		return "ACTIVE"
	case PolicyPaused:
		return "PAUSED"
	case PolicyExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo enumerates the lifecycle edges:
//
//	DRAFT  --activate--> ACTIVE
//	ACTIVE --pause-----> PAUSED
//	PAUSED --activate--> ACTIVE
//	ACTIVE --expire----> EXPIRED
//	PAUSED --expire----> EXPIRED
//
// No edge leaves EXPIRED.
func (s PolicyStatus) CanTransitionTo(next PolicyStatus) bool {
	switch s {
	case PolicyDraft:
		return next == PolicyActive
	case PolicyActive:
		return next == PolicyPaused || next == PolicyExpired
	case PolicyPaused:
		return next == PolicyActive || next == PolicyExpired
	case PolicyExpired:
		return false
	}
	return false
}

// PolicyMetadata holds the economic terms of a parametric policy. All
// monetary fields are fixed-point at token scale.
type PolicyMetadata struct {
	CoverageAmount     int64
	PremiumAmount      int64
	PayoutAmount       int64
	TermDays           uint32
	TriggerDescription string
	Details            string
}

// Validate checks policy economics at creation time: payout must not exceed
// coverage (boundary inclusive), all amounts positive, term positive.
func (m PolicyMetadata) Validate() error {
	if m.CoverageAmount <= 0 || m.PremiumAmount <= 0 || m.PayoutAmount <= 0 {
		return fmt.Errorf("%w: monetary fields must be positive", ErrInvalidPolicyTerms)
	}
	if m.PayoutAmount > m.CoverageAmount {
		return fmt.Errorf("%w: payout %d exceeds coverage %d",
			ErrInvalidPolicyTerms, m.PayoutAmount, m.CoverageAmount)
	}
	if m.TermDays == 0 {
		return fmt.Errorf("%w: term must be positive", ErrInvalidPolicyTerms)
	}
	return nil
}

// Policy is an insurance policy definition. IDs are unique and monotonic.
type Policy struct {
	ID           int64
	Creator      Address
	Metadata     PolicyMetadata
	Status       PolicyStatus
	CreationTime int64 // epoch microseconds
	ApprovalTime int64 // first activation; zero while DRAFT
	Version      int64
}

const microsPerDay = int64(24) * 60 * 60 * 1_000_000

// ExpiryDue reports whether the policy's term has elapsed. The term runs
// from first activation. Expiry scheduling is a caller/cron concern; the
// manager only validates the transition.
func (p *Policy) ExpiryDue(nowMicros int64) bool {
	if p.Status != PolicyActive && p.Status != PolicyPaused {
		return false
	}
	start := p.ApprovalTime
	if start == 0 {
		start = p.CreationTime
	}
	return nowMicros >= start+int64(p.Metadata.TermDays)*microsPerDay
}

func (p *Policy) Clone() *Policy {
	c := *p
	return &c
}
