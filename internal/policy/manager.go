package policy

import (
	"fmt"

	"CoverLedger/internal/ledger"
)

// Manager drives the policy lifecycle. Creation validates economics; every
// transition goes through the status state machine, so EXPIRED stays
// terminal no matter who calls.
type Manager struct {
	store *ledger.Store
}

func NewManager(store *ledger.Store) *Manager {
	return &Manager{store: store}
}

// Create registers a new DRAFT policy and returns its id. Fails with
// ErrInvalidPolicyTerms before anything is written.
func (m *Manager) Create(creator ledger.Address, meta ledger.PolicyMetadata, nowMicros int64) (int64, error) {
	if err := meta.Validate(); err != nil {
		return 0, err
	}
	var id int64
	err := m.store.UpdateWithRetry(func(tx *ledger.Tx) error {
		p := tx.CreatePolicy(&ledger.Policy{
			Creator:      creator,
			Metadata:     meta,
			Status:       ledger.PolicyDraft,
			CreationTime: nowMicros,
		})
		id = p.ID
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Activate moves DRAFT or PAUSED to ACTIVE. The first activation stamps
// ApprovalTime, which starts the policy term.
func (m *Manager) Activate(id int64, nowMicros int64) (ledger.PolicyStatus, error) {
	return m.transition(id, ledger.PolicyActive, nowMicros)
}

// Pause suspends an ACTIVE policy. Reversible.
func (m *Manager) Pause(id int64, nowMicros int64) (ledger.PolicyStatus, error) {
	return m.transition(id, ledger.PolicyPaused, nowMicros)
}

// Expire retires an ACTIVE or PAUSED policy. Terminal.
func (m *Manager) Expire(id int64, nowMicros int64) (ledger.PolicyStatus, error) {
	return m.transition(id, ledger.PolicyExpired, nowMicros)
}

func (m *Manager) transition(id int64, next ledger.PolicyStatus, nowMicros int64) (ledger.PolicyStatus, error) {
	err := m.store.WithPolicy(id, func(p *ledger.Policy) error {
		if !p.Status.CanTransitionTo(next) {
			return fmt.Errorf("%w: policy %d %s -> %s", ledger.ErrInvalidTransition, id, p.Status, next)
		}
		if next == ledger.PolicyActive && p.ApprovalTime == 0 {
			p.ApprovalTime = nowMicros
		}
		p.Status = next
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

// ExpireDue sweeps every non-terminal policy whose term has elapsed and
// returns the ids it expired. Fed by the scheduler's expiry-due signal.
func (m *Manager) ExpireDue(nowMicros int64) ([]int64, error) {
	var expired []int64
	for _, p := range m.store.Policies() {
		if !p.ExpiryDue(nowMicros) {
			continue
		}
		if _, err := m.Expire(p.ID, nowMicros); err != nil {
			return expired, fmt.Errorf("expire policy %d: %w", p.ID, err)
		}
		expired = append(expired, p.ID)
	}
	return expired, nil
}
