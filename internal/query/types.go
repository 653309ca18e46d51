package query

// ReserveInfo is the pool-level read model. Derived values (surplus,
// available funds) are computed at query time from the authoritative state.
type ReserveInfo struct {
	TotalFunds            int64  `json:"total_funds"`
	TotalStaked           int64  `json:"total_staked"`
	TotalStakers          uint32 `json:"total_stakers"`
	Surplus               int64  `json:"surplus"`
	OutstandingLiabilities int64 `json:"outstanding_liabilities"`
	AvailableFunds        int64  `json:"available_funds"`
	YieldRateBps          uint16 `json:"yield_rate_bps"`
	LastYieldDistribution int64  `json:"last_yield_distribution_us"`
	Version               int64  `json:"version"`
	AsOfSequence          int64  `json:"as_of_sequence"`
}

// UserProfile represents an account for API queries.
type UserProfile struct {
	Address       string `json:"address"`
	Status        string `json:"status"`
	KYCVerified   bool   `json:"kyc_verified"`
	PoliciesCount int64  `json:"policies_count"`
	Stake         int64  `json:"stake"`
	AccruedYield  int64  `json:"accrued_yield"`
	Version       int64  `json:"version"`
	AsOfSequence  int64  `json:"as_of_sequence"`
}

// StakeInfo is a funder's position in the pool, including their share of
// the staked principal expressed in basis points.
type StakeInfo struct {
	Address      string `json:"address"`
	Stake        int64  `json:"stake"`
	TotalStaked  int64  `json:"total_staked"`
	ShareBps     int64  `json:"share_bps"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// YieldInfo reports realized and unrealized yield for a funder. Pending
// yield is computed lazily from the current rate and elapsed periods.
type YieldInfo struct {
	Address          string `json:"address"`
	AccruedYield     int64  `json:"accrued_yield"`
	PendingYield     int64  `json:"pending_yield"`
	YieldRateBps     uint16 `json:"yield_rate_bps"`
	LastYieldClaimed int64  `json:"last_yield_claimed_us"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// PolicyResponse represents a policy for API queries.
type PolicyResponse struct {
	ID                 int64  `json:"id"`
	Creator            string `json:"creator"`
	CoverageAmount     int64  `json:"coverage_amount"`
	PremiumAmount      int64  `json:"premium_amount"`
	PayoutAmount       int64  `json:"payout_amount"`
	TermDays           uint32 `json:"term_days"`
	TriggerDescription string `json:"trigger_description"`
	Details            string `json:"details"`
	Status             string `json:"status"`
	CreationTime       int64  `json:"creation_time_us"`
	ApprovalTime       int64  `json:"approval_time_us"`
	Version            int64  `json:"version"`
	AsOfSequence       int64  `json:"as_of_sequence"`
}

// ClaimResponse represents a claim for API queries.
type ClaimResponse struct {
	ID               int64  `json:"id"`
	PolicyID         int64  `json:"policy_id"`
	User             string `json:"user"`
	Amount           int64  `json:"amount"`
	Status           string `json:"status"`
	EvidenceHash     string `json:"evidence_hash"`
	ExternalDataHash string `json:"external_data_hash"`
	SubmissionTime   int64  `json:"submission_time_us"`
	ProcessingTime   int64  `json:"processing_time_us"`
	SettlementTime   int64  `json:"settlement_time_us"`
	Version          int64  `json:"version"`
	AsOfSequence     int64  `json:"as_of_sequence"`
}

// HistoryEntry is one row of the funder activity feed.
type HistoryEntry struct {
	Sequence     int64  `json:"sequence"`
	EventType    string `json:"event_type"`
	Address      string `json:"address"`
	Amount       int64  `json:"amount"`
	Timestamp    int64  `json:"timestamp_us"`
	AsOfSequence int64  `json:"as_of_sequence"`
}

// IntegrityReport is the result of an integrity verification check.
type IntegrityReport struct {
	IsHealthy       bool    `json:"is_healthy"`
	HashChainBreaks []int64 `json:"hash_chain_breaks,omitempty"`
	ConservationErr string  `json:"conservation_error,omitempty"`
	LiabilitiesErr  string  `json:"liabilities_error,omitempty"`
}
