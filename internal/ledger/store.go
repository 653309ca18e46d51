package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Store is the single shared mutable resource: durable keyed storage for
// accounts, the reserve aggregate, policies and claims. Every mutation goes
// through a Tx whose commit is all-or-nothing and optimistically versioned —
// if a concurrent writer advanced any entity the Tx read, the commit fails
// with ErrConflict and the caller retries from a fresh read.
//
// The command engine serializes writers in production, which makes conflicts
// rare; the versioning discipline still holds for any direct caller.
type Store struct {
	mu sync.RWMutex

	accounts map[Address]*Account
	reserve  *Reserve
	policies map[int64]*Policy
	claims   map[int64]*Claim

	nextPolicyID int64
	nextClaimID  int64
}

func NewStore() *Store {
	return &Store{
		accounts:     make(map[Address]*Account),
		reserve:      &Reserve{Version: 1},
		policies:     make(map[int64]*Policy),
		claims:       make(map[int64]*Claim),
		nextPolicyID: 1,
		nextClaimID:  1,
	}
}

// DefaultMaxRetries bounds automatic retry of conflicted transactions before
// the operation fails with ErrContention. No operation blocks indefinitely.
const DefaultMaxRetries = 5

// Tx is a working snapshot of the entities one logical operation touches.
// Reads pull versioned copies out of the store; mutations happen on the
// copies; Commit installs every touched copy as one indivisible step, so no
// observer sees the Reserve updated without its paired Account update.
type Tx struct {
	store *Store

	accounts map[Address]*Account
	accVers  map[Address]int64
	policies map[int64]*Policy
	polVers  map[int64]int64
	claims   map[int64]*Claim
	clmVers  map[int64]int64

	reserve    *Reserve
	reserveVer int64

	created map[Address]bool // accounts created by this Tx
}

// Begin opens a transaction. Entities are loaded lazily on first access.
func (s *Store) Begin() *Tx {
	return &Tx{
		store:    s,
		accounts: make(map[Address]*Account),
		accVers:  make(map[Address]int64),
		policies: make(map[int64]*Policy),
		polVers:  make(map[int64]int64),
		claims:   make(map[int64]*Claim),
		clmVers:  make(map[int64]int64),
		created:  make(map[Address]bool),
	}
}

// Account returns the working copy for addr, loading it on first access.
// Fails with ErrNotFound when the address is unknown.
func (tx *Tx) Account(addr Address) (*Account, error) {
	if a, ok := tx.accounts[addr]; ok {
		return a, nil
	}

	tx.store.mu.RLock()
	stored, ok := tx.store.accounts[addr]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: account %s", ErrNotFound, addr)
	}

	cp := stored.Clone()
	tx.accounts[addr] = cp
	tx.accVers[addr] = stored.Version
	return cp, nil
}

// AccountOrCreate returns the working copy for addr, creating an ACTIVE
// account on first interaction.
func (tx *Tx) AccountOrCreate(addr Address) *Account {
	if a, err := tx.Account(addr); err == nil {
		return a
	}
	a := &Account{Address: addr, Status: AccountActive}
	tx.accounts[addr] = a
	tx.created[addr] = true
	return a
}

// Reserve returns the working copy of the reserve singleton.
func (tx *Tx) Reserve() *Reserve {
	if tx.reserve != nil {
		return tx.reserve
	}
	tx.store.mu.RLock()
	tx.reserve = tx.store.reserve.Clone()
	tx.reserveVer = tx.store.reserve.Version
	tx.store.mu.RUnlock()
	return tx.reserve
}

// Policy returns the working copy for id. Fails with ErrNotFound.
func (tx *Tx) Policy(id int64) (*Policy, error) {
	if p, ok := tx.policies[id]; ok {
		return p, nil
	}
	tx.store.mu.RLock()
	stored, ok := tx.store.policies[id]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: policy %d", ErrNotFound, id)
	}
	cp := stored.Clone()
	tx.policies[id] = cp
	tx.polVers[id] = stored.Version
	return cp, nil
}

// Claim returns the working copy for id. Fails with ErrNotFound.
func (tx *Tx) Claim(id int64) (*Claim, error) {
	if c, ok := tx.claims[id]; ok {
		return c, nil
	}
	tx.store.mu.RLock()
	stored, ok := tx.store.claims[id]
	tx.store.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: claim %d", ErrNotFound, id)
	}
	cp := stored.Clone()
	tx.claims[id] = cp
	tx.clmVers[id] = stored.Version
	return cp, nil
}

// CreatePolicy allocates a monotonic id and registers a new policy with the
// transaction. Ids burned by aborted transactions leave gaps, never reuse.
func (tx *Tx) CreatePolicy(p *Policy) *Policy {
	tx.store.mu.Lock()
	p.ID = tx.store.nextPolicyID
	tx.store.nextPolicyID++
	tx.store.mu.Unlock()

	tx.policies[p.ID] = p
	tx.polVers[p.ID] = 0
	return p
}

// CreateClaim allocates a monotonic id and registers a new claim.
func (tx *Tx) CreateClaim(c *Claim) *Claim {
	tx.store.mu.Lock()
	c.ID = tx.store.nextClaimID
	tx.store.nextClaimID++
	tx.store.mu.Unlock()

	tx.claims[c.ID] = c
	tx.clmVers[c.ID] = 0
	return c
}

// StakedAccounts loads every account with positive stake into the Tx and
// returns the working copies sorted by address for deterministic iteration.
// Used by payout socialization.
func (tx *Tx) StakedAccounts() []*Account {
	tx.store.mu.RLock()
	addrs := make([]Address, 0, len(tx.store.accounts))
	for addr, a := range tx.store.accounts {
		if a.Stake > 0 {
			addrs = append(addrs, addr)
		}
	}
	tx.store.mu.RUnlock()

	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })

	out := make([]*Account, 0, len(addrs))
	for _, addr := range addrs {
		a, err := tx.Account(addr)
		if err != nil {
			// Deleted between scan and load is impossible: accounts are
			// never removed from the store.
			continue
		}
		out = append(out, a)
	}
	return out
}

// Commit installs every entity the transaction touched as a single
// indivisible step, or fails with ErrConflict leaving the store unchanged.
func (s *Store) Commit(tx *Tx) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate versions first — all-or-nothing.
	for addr, readVer := range tx.accVers {
		stored, ok := s.accounts[addr]
		if readVer == 0 {
			if ok {
				return fmt.Errorf("%w: account %s created concurrently", ErrConflict, addr)
			}
			continue
		}
		if !ok || stored.Version != readVer {
			return fmt.Errorf("%w: account %s", ErrConflict, addr)
		}
	}
	for addr := range tx.created {
		if _, ok := s.accounts[addr]; ok {
			return fmt.Errorf("%w: account %s created concurrently", ErrConflict, addr)
		}
	}
	if tx.reserve != nil && s.reserve.Version != tx.reserveVer {
		return fmt.Errorf("%w: reserve", ErrConflict)
	}
	for id, readVer := range tx.polVers {
		if readVer == 0 {
			continue // created by this Tx; ids are never reused
		}
		stored, ok := s.policies[id]
		if !ok || stored.Version != readVer {
			return fmt.Errorf("%w: policy %d", ErrConflict, id)
		}
	}
	for id, readVer := range tx.clmVers {
		if readVer == 0 {
			continue
		}
		stored, ok := s.claims[id]
		if !ok || stored.Version != readVer {
			return fmt.Errorf("%w: claim %d", ErrConflict, id)
		}
	}

	// Install.
	for addr, a := range tx.accounts {
		a.Version = tx.accVers[addr] + 1
		s.accounts[addr] = a
	}
	if tx.reserve != nil {
		tx.reserve.Version = tx.reserveVer + 1
		s.reserve = tx.reserve
	}
	for id, p := range tx.policies {
		p.Version = tx.polVers[id] + 1
		s.policies[id] = p
	}
	for id, c := range tx.claims {
		c.Version = tx.clmVers[id] + 1
		s.claims[id] = c
	}

	return nil
}

// Update runs fn inside a single transaction attempt. Any error from fn
// aborts with no pending writes applied.
func (s *Store) Update(fn func(tx *Tx) error) error {
	tx := s.Begin()
	if err := fn(tx); err != nil {
		return err
	}
	return s.Commit(tx)
}

// UpdateWithRetry retries conflicted transactions from a fresh read, up to
// DefaultMaxRetries attempts, then fails with ErrContention.
func (s *Store) UpdateWithRetry(fn func(tx *Tx) error) error {
	var err error
	for attempt := 0; attempt < DefaultMaxRetries; attempt++ {
		err = s.Update(fn)
		if !IsConflict(err) {
			return err
		}
	}
	return fmt.Errorf("%w after %d attempts: %v", ErrContention, DefaultMaxRetries, err)
}

// IsConflict reports whether err is a commit-time version conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// --- Atomic read-modify-write per logical entity group (§ operation API) ---

// WithAccount executes fn against the current account value and commits the
// result as one indivisible step, retrying conflicts.
func (s *Store) WithAccount(addr Address, fn func(a *Account) error) error {
	return s.UpdateWithRetry(func(tx *Tx) error {
		a, err := tx.Account(addr)
		if err != nil {
			return err
		}
		return fn(a)
	})
}

// WithReserve executes fn against the reserve singleton.
func (s *Store) WithReserve(fn func(r *Reserve) error) error {
	return s.UpdateWithRetry(func(tx *Tx) error {
		return fn(tx.Reserve())
	})
}

// WithPolicy executes fn against the policy identified by id.
func (s *Store) WithPolicy(id int64, fn func(p *Policy) error) error {
	return s.UpdateWithRetry(func(tx *Tx) error {
		p, err := tx.Policy(id)
		if err != nil {
			return err
		}
		return fn(p)
	})
}

// WithClaim executes fn against the claim identified by id.
func (s *Store) WithClaim(id int64, fn func(c *Claim) error) error {
	return s.UpdateWithRetry(func(tx *Tx) error {
		c, err := tx.Claim(id)
		if err != nil {
			return err
		}
		return fn(c)
	})
}

// WithAccountAndReserve applies a composite mutation across an account and
// the reserve as one indivisible step — stake, unstake, yield claim.
func (s *Store) WithAccountAndReserve(addr Address, fn func(a *Account, r *Reserve) error) error {
	return s.UpdateWithRetry(func(tx *Tx) error {
		a, err := tx.Account(addr)
		if err != nil {
			return err
		}
		return fn(a, tx.Reserve())
	})
}

// --- Read-only snapshots ---

// GetAccount returns a copy of the account. Fails with ErrNotFound.
func (s *Store) GetAccount(addr Address) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[addr]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, addr)
	}
	return *a, nil
}

// GetReserve returns a copy of the reserve singleton.
func (s *Store) GetReserve() Reserve {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return *s.reserve
}

// GetPolicy returns a copy of the policy. Fails with ErrNotFound.
func (s *Store) GetPolicy(id int64) (Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[id]
	if !ok {
		return Policy{}, fmt.Errorf("%w: policy %d", ErrNotFound, id)
	}
	return *p, nil
}

// GetClaim returns a copy of the claim. Fails with ErrNotFound.
func (s *Store) GetClaim(id int64) (Claim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.claims[id]
	if !ok {
		return Claim{}, fmt.Errorf("%w: claim %d", ErrNotFound, id)
	}
	return *c, nil
}

// SumStake returns Σ Account.Stake and the count of accounts with positive
// stake — the two sides of the conservation checks.
func (s *Store) SumStake() (total int64, stakers uint32) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.accounts {
		total += a.Stake
		if a.Stake > 0 {
			stakers++
		}
	}
	return total, stakers
}

// Accounts returns copies of all accounts sorted by address.
func (s *Store) Accounts() []Account {
	s.mu.RLock()
	out := make([]Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, *a)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Policies returns copies of all policies sorted by id.
func (s *Store) Policies() []Policy {
	s.mu.RLock()
	out := make([]Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, *p)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Claims returns copies of all claims sorted by id.
func (s *Store) Claims() []Claim {
	s.mu.RLock()
	out := make([]Claim, 0, len(s.claims))
	for _, c := range s.claims {
		out = append(out, *c)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// NextIDs returns the id counters, for snapshotting.
func (s *Store) NextIDs() (policyID, claimID int64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextPolicyID, s.nextClaimID
}

// Restore replaces the whole store state from a snapshot. Used on warm
// restart before event replay.
func (s *Store) Restore(accounts []Account, reserve Reserve, policies []Policy, claims []Claim, nextPolicyID, nextClaimID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.accounts = make(map[Address]*Account, len(accounts))
	for i := range accounts {
		a := accounts[i]
		s.accounts[a.Address] = &a
	}
	r := reserve
	s.reserve = &r
	s.policies = make(map[int64]*Policy, len(policies))
	for i := range policies {
		p := policies[i]
		s.policies[p.ID] = &p
	}
	s.claims = make(map[int64]*Claim, len(claims))
	for i := range claims {
		c := claims[i]
		s.claims[c.ID] = &c
	}
	s.nextPolicyID = nextPolicyID
	s.nextClaimID = nextClaimID
}
