package core_test

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"CoverLedger/internal/core"
	"CoverLedger/internal/event"
	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"

	"github.com/google/uuid"
)

const tok = fpmath.TokenScale

func newEngine(outputs chan core.Output) (*core.Engine, *ledger.Store) {
	store := ledger.NewStore()
	var persist chan core.Output
	if outputs != nil {
		persist = outputs
	}
	return core.NewEngine(0, store, persist, nil, nil, nil), store
}

func mustStake(t *testing.T, e *core.Engine, addr string, amount, ts int64) core.Result {
	t.Helper()
	res, err := e.ProcessEvent(&event.FundsStaked{
		RequestID: uuid.New(), Address: addr, Amount: amount, Timestamp: ts,
	})
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	return res
}

func mustCreatePolicy(t *testing.T, e *core.Engine, coverage, premium, payout int64) int64 {
	t.Helper()
	res, err := e.ProcessEvent(&event.PolicyCreated{
		RequestID:      uuid.New(),
		Creator:        "0xadmin",
		CoverageAmount: coverage,
		PremiumAmount:  premium,
		PayoutAmount:   payout,
		TermDays:       30,
		Timestamp:      1,
	})
	if err != nil {
		t.Fatalf("create policy: %v", err)
	}
	return res.ID
}

// ============================================================================
// Test: Idempotency
// ============================================================================

func TestEngine_DuplicateRequestShortCircuits(t *testing.T) {
	e, store := newEngine(nil)
	req := uuid.New()
	evt := &event.FundsStaked{RequestID: req, Address: "0xa", Amount: 10 * tok, Timestamp: 1}

	res, err := e.ProcessEvent(evt)
	if err != nil || res.Duplicate {
		t.Fatalf("first apply: %+v, %v", res, err)
	}
	res, err = e.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("duplicate apply: %v", err)
	}
	if !res.Duplicate {
		t.Error("second apply not flagged duplicate")
	}
	acc, err := store.GetAccount("0xa")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Stake != 10*tok {
		t.Errorf("stake %d, duplicate was applied", acc.Stake)
	}
	if e.Sequence() != 1 {
		t.Errorf("sequence %d, want 1", e.Sequence())
	}
}

func TestEngine_RejectedRequestNotMarkedProcessed(t *testing.T) {
	e, _ := newEngine(nil)
	req := uuid.New()
	// Unstake with no account fails...
	evt := &event.FundsUnstaked{RequestID: req, Address: "0xa", Amount: tok, Timestamp: 1}
	if _, err := e.ProcessEvent(evt); !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("got %v", err)
	}
	// ...and the same request id may be retried after fixing state.
	mustStake(t, e, "0xa", 5*tok, 1)
	res, err := e.ProcessEvent(evt)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if res.Duplicate {
		t.Error("failed request id must not dedupe a later retry")
	}
}

// ============================================================================
// Test: Hash chain
// ============================================================================

func TestEngine_HashChainLinks(t *testing.T) {
	outputs := make(chan core.Output, 16)
	e, _ := newEngine(outputs)

	mustStake(t, e, "0xa", 10*tok, 1)
	mustStake(t, e, "0xb", 20*tok, 2)
	mustStake(t, e, "0xc", 30*tok, 3)
	close(outputs)

	var envs []*event.Envelope
	for out := range outputs {
		envs = append(envs, out.Envelope)
	}
	if len(envs) != 3 {
		t.Fatalf("outputs %d, want 3", len(envs))
	}
	for i, env := range envs {
		if env.Sequence != int64(i) {
			t.Errorf("envelope %d sequence %d", i, env.Sequence)
		}
		if i > 0 && env.PrevHash != envs[i-1].StateHash {
			t.Errorf("envelope %d prevHash does not link to %d", i, i-1)
		}
		if env.StateHash == env.PrevHash {
			t.Errorf("envelope %d hash did not advance", i)
		}
	}
	if e.ChainTip() != envs[2].StateHash {
		t.Error("chain tip != last state hash")
	}
}

func TestEngine_ReplayReproducesChain(t *testing.T) {
	outputs := make(chan core.Output, 16)
	e, _ := newEngine(outputs)

	mustStake(t, e, "0xa", 10*tok, 1)
	pid := mustCreatePolicy(t, e, 100*tok, 5*tok, 80*tok)
	if _, err := e.ProcessEvent(&event.PolicyActivated{PolicyTransition: event.PolicyTransition{
		RequestID: uuid.New(), Admin: "0xadmin", PolicyID: pid, Timestamp: 2,
	}}); err != nil {
		t.Fatal(err)
	}
	close(outputs)

	var envs []*event.Envelope
	for out := range outputs {
		envs = append(envs, out.Envelope)
	}

	// Fresh engine, replay the log: same state, same chain.
	e2, store2 := newEngine(nil)
	for _, env := range envs {
		if err := e2.Replay(env); err != nil {
			t.Fatalf("replay: %v", err)
		}
	}
	if e2.ChainTip() != e.ChainTip() {
		t.Error("replayed chain tip diverged")
	}
	acc, err := store2.GetAccount("0xa")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Stake != 10*tok {
		t.Errorf("replayed stake %d", acc.Stake)
	}
	p, err := store2.GetPolicy(pid)
	if err != nil {
		t.Fatal(err)
	}
	if p.Status != ledger.PolicyActive {
		t.Errorf("replayed policy status %s", p.Status)
	}
}

func TestEngine_RestoreChainContinues(t *testing.T) {
	e, _ := newEngine(nil)
	mustStake(t, e, "0xa", 10*tok, 1)
	seq, tip := e.Sequence(), e.ChainTip()

	e2, _ := newEngine(nil)
	e2.RestoreChain(seq, tip)
	if e2.Sequence() != seq || e2.ChainTip() != tip {
		t.Fatal("restore did not take")
	}
}

// ============================================================================
// Test: Snapshot capture consistency
// ============================================================================

func TestEngine_FreezeConsistentUnderLoad(t *testing.T) {
	e, store := newEngine(nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 300; i++ {
			_, err := e.Submit(ctx, &event.FundsStaked{
				RequestID: uuid.New(), Address: "0xa", Amount: 5 * tok, Timestamp: int64(i + 1),
			})
			if err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	// Every applied event stakes the same amount, so funds observed under
	// Freeze must equal sequence * amount. A capture interleaving with an
	// apply would pair a mutated store with a stale sequence and break the
	// equality.
	for i := 0; i < 100; i++ {
		e.Freeze(func(sequence int64, tip [32]byte) {
			if funds := store.GetReserve().TotalFunds; funds != sequence*5*tok {
				t.Errorf("capture at seq %d saw funds %d, want %d", sequence, funds, sequence*5*tok)
			}
		})
	}
	if err := <-done; err != nil {
		t.Fatalf("stake: %v", err)
	}
}

// ============================================================================
// Test: Full cycle through the engine
// ============================================================================

func TestEngine_FullCycle(t *testing.T) {
	e, store := newEngine(nil)
	day := fpmath.YieldPeriodMicros

	if _, err := e.ProcessEvent(&event.YieldRateUpdated{
		RequestID: uuid.New(), Admin: "0xadmin", RateBps: 100, Timestamp: 0,
	}); err != nil {
		t.Fatal(err)
	}
	mustStake(t, e, "0xalice", 600*tok, 0)
	mustStake(t, e, "0xbob", 400*tok, 0)

	pid := mustCreatePolicy(t, e, 1000*tok, 30*tok, 900*tok)
	if _, err := e.ProcessEvent(&event.PolicyActivated{PolicyTransition: event.PolicyTransition{
		RequestID: uuid.New(), Admin: "0xadmin", PolicyID: pid, Timestamp: 1,
	}}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.ProcessEvent(&event.PremiumCollected{
		RequestID: uuid.New(), Payer: "0xcarol", PolicyID: pid, Amount: 30 * tok, Timestamp: 2,
	}); err != nil {
		t.Fatal(err)
	}

	res, err := e.ProcessEvent(&event.YieldClaimed{
		RequestID: uuid.New(), Address: "0xalice", Timestamp: day,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.Amount != 6*tok {
		t.Errorf("yield %d, want %d", res.Amount, 6*tok)
	}

	sub, err := e.ProcessEvent(&event.ClaimSubmitted{
		RequestID: uuid.New(), User: "0xcarol", PolicyID: pid,
		Amount: 900 * tok, EvidenceHash: "evidence", Timestamp: day,
	})
	if err != nil {
		t.Fatal(err)
	}
	if sub.Status != "PENDING" {
		t.Errorf("submit status %s", sub.Status)
	}

	proc, err := e.ProcessEvent(&event.ClaimProcessed{
		RequestID: uuid.New(), Admin: "0xadmin", ClaimID: sub.ID,
		ExternalDataHash: "oracle", Approved: true, Timestamp: day + 1,
	})
	if err != nil {
		t.Fatal(err)
	}
	if proc.Status != "APPROVED" {
		t.Errorf("process status %s", proc.Status)
	}

	payEvt := &event.ClaimPaid{
		RequestID: uuid.New(), Admin: "0xadmin", ClaimID: sub.ID, Timestamp: day + 2,
	}
	pay, err := e.ProcessEvent(payEvt)
	if err != nil {
		t.Fatal(err)
	}
	if pay.Amount != 900*tok || pay.Status != "PAID" {
		t.Errorf("payout = %+v", pay)
	}

	// Replaying the settlement request is a dedup no-op, not AlreadySettled.
	dup, err := e.ProcessEvent(payEvt)
	if err != nil || !dup.Duplicate {
		t.Errorf("settlement replay: %+v, %v", dup, err)
	}
	// A distinct request against the PAID claim surfaces AlreadySettled.
	if _, err := e.ProcessEvent(&event.ClaimPaid{
		RequestID: uuid.New(), Admin: "0xadmin", ClaimID: sub.ID, Timestamp: day + 3,
	}); !errors.Is(err, ledger.ErrAlreadySettled) {
		t.Errorf("second settlement: %v", err)
	}

	if err := ledger.NewInvariantValidator(store).ValidateConservation(); err != nil {
		t.Fatalf("conservation: %v", err)
	}
}

// ============================================================================
// Test: Hasher
// ============================================================================

func TestChainHasher_Deterministic(t *testing.T) {
	h1 := core.NewChainHasher()
	h2 := core.NewChainHasher()
	digest := []byte("digest")
	if h1.Next(0, digest) != h2.Next(0, digest) {
		t.Error("same inputs, different hashes")
	}
	if h1.Next(1, digest) == h2.Next(2, digest) {
		t.Error("sequence not mixed into hash")
	}
}

func TestChainHasher_GenesisSeed(t *testing.T) {
	h := core.NewChainHasher()
	tip := h.Tip()
	var zero [32]byte
	if bytes.Equal(tip[:], zero[:]) {
		t.Error("genesis tip must not be zero")
	}
}

// ============================================================================
// Test: Idempotency LRU
// ============================================================================

func TestIdempotencyLRU_EvictsOldest(t *testing.T) {
	lru := core.NewIdempotencyLRU(2)
	lru.Add("a")
	lru.Add("b")
	lru.Add("c")
	if lru.Contains("a") {
		t.Error("oldest not evicted")
	}
	if !lru.Contains("b") || !lru.Contains("c") {
		t.Error("recent entries missing")
	}
	if lru.Evictions() != 1 {
		t.Errorf("evictions %d", lru.Evictions())
	}
}

func TestIdempotencyChecker_WarmFromKeys(t *testing.T) {
	ic := core.NewIdempotencyChecker(10, nil)
	ic.WarmFromKeys([]string{"FundsStaked:x", "FundsStaked:y"})
	if !ic.IsDuplicate("FundsStaked", "x") {
		t.Error("warmed key not recognized")
	}
	if ic.IsDuplicate("FundsStaked", "z") {
		t.Error("unseen key flagged duplicate")
	}
}

type fakeDBChecker struct {
	keys map[string]bool
	err  error
}

func (f *fakeDBChecker) IsDuplicate(eventType, key string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.keys[eventType+":"+key], nil
}

func TestIdempotencyChecker_TwoTier(t *testing.T) {
	db := &fakeDBChecker{keys: map[string]bool{"FundsStaked:k1": true}}
	ic := core.NewIdempotencyChecker(10, db)

	if !ic.IsDuplicate("FundsStaked", "k1") {
		t.Error("durable tier missed")
	}
	// Promoted into the LRU: answerable without the DB now.
	db.err = errors.New("db down")
	if !ic.IsDuplicate("FundsStaked", "k1") {
		t.Error("LRU promotion missed")
	}
	// Unknown key with DB down: conservative non-duplicate.
	if ic.IsDuplicate("FundsStaked", "k2") {
		t.Error("DB fault must not fabricate duplicates")
	}
}
