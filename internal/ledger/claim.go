package ledger

// ClaimStatus is the adjudication state. REJECTED and PAID are terminal;
// the PAID terminal state is what prevents payout replay.
type ClaimStatus uint8

const (
	ClaimPending ClaimStatus = iota
	ClaimApproved
	ClaimRejected
	ClaimPaid
)

func (s ClaimStatus) String() string {
	switch s {
	case ClaimPending:
		return "PENDING"
	case ClaimApproved:
		return "APPROVED"
	case ClaimRejected:
		return "REJECTED"
	case ClaimPaid:
		return "PAID"
	default:
		return "UNKNOWN"
	}
}

// CanTransitionTo enumerates the adjudication edges:
//
//	PENDING  --approve--> APPROVED
//	PENDING  --reject---> REJECTED
//	APPROVED --payout---> PAID
func (s ClaimStatus) CanTransitionTo(next ClaimStatus) bool {
	switch s {
	case ClaimPending:
		return next == ClaimApproved || next == ClaimRejected
	case ClaimApproved:
		return next == ClaimPaid
	case ClaimRejected, ClaimPaid:
		return false
	}
	return false
}

// Claim references its Policy and Account by identifier only — never a live
// handle; both are looked up at operation time.
type Claim struct {
	ID       int64
	PolicyID int64
	User     Address
	Amount   int64
	Status   ClaimStatus

	EvidenceHash     string // submitted by the claimant
	ExternalDataHash string // attested oracle evidence, recorded at review

	SubmissionTime int64 // epoch microseconds
	ProcessingTime int64 // stamped at approve/reject
	SettlementTime int64 // stamped at payout

	Version int64
}

func (c *Claim) Clone() *Claim {
	cp := *c
	return &cp
}
