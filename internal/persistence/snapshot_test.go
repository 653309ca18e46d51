package persistence_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"CoverLedger/internal/ledger"
	"CoverLedger/internal/persistence"
	"CoverLedger/internal/reserve"
	"CoverLedger/internal/testutil"
)

const tok = int64(1_000_000)

// ============================================================================
// Test: Snapshot save/load round-trip
// ============================================================================

func TestSnapshot_SaveLoadRoundTrip(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	store := ledger.NewStore()
	eng := reserve.NewEngine(store)
	if err := eng.Stake("0xalice", 500*tok, 1); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stake("0xbob", 250*tok, 2); err != nil {
		t.Fatal(err)
	}

	stateHash := []byte{0xAA, 0xBB, 0xCC}
	keys := []string{"FundsStaked:k1", "FundsStaked:k2"}
	snap := persistence.CaptureStore(store, 42, stateHash, keys)

	snapMgr := persistence.NewSnapshotManager(db)
	if err := snapMgr.SaveSnapshot(ctx, snap); err != nil {
		t.Fatalf("save snapshot: %v", err)
	}

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load snapshot: %v", err)
	}
	if loaded == nil {
		t.Fatal("expected a snapshot, got nil")
	}
	if loaded.Sequence != 42 {
		t.Errorf("sequence %d, want 42", loaded.Sequence)
	}
	if !bytes.Equal(loaded.StateHash, stateHash) {
		t.Errorf("state hash %x, want %x", loaded.StateHash, stateHash)
	}
	if len(loaded.IdempotencyKeys) != 2 {
		t.Errorf("idempotency keys %d, want 2", len(loaded.IdempotencyKeys))
	}

	restored := ledger.NewStore()
	persistence.RestoreStore(restored, loaded)
	acc, err := restored.GetAccount("0xalice")
	if err != nil {
		t.Fatal(err)
	}
	if acc.Stake != 500*tok {
		t.Errorf("restored stake %d, want %d", acc.Stake, 500*tok)
	}
	res := restored.GetReserve()
	if res.TotalFunds != 750*tok || res.TotalStakers != 2 {
		t.Errorf("restored reserve %+v", res)
	}
}

func TestSnapshot_UpsertOnSameSequence(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	store := ledger.NewStore()
	snapMgr := persistence.NewSnapshotManager(db)

	first := persistence.CaptureStore(store, 7, []byte{0x01}, nil)
	if err := snapMgr.SaveSnapshot(ctx, first); err != nil {
		t.Fatalf("first save: %v", err)
	}

	// A retried capture at the same sequence must replace, not fail.
	second := persistence.CaptureStore(store, 7, []byte{0x02}, nil)
	if err := snapMgr.SaveSnapshot(ctx, second); err != nil {
		t.Fatalf("second save: %v", err)
	}

	loaded, err := snapMgr.LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(loaded.StateHash, []byte{0x02}) {
		t.Errorf("state hash %x, want 02", loaded.StateHash)
	}
}

func TestSnapshot_ColdStartReturnsNil(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	snap, err := persistence.NewSnapshotManager(db).LoadLatestSnapshot(ctx)
	if err != nil {
		t.Fatalf("load on empty table: %v", err)
	}
	if snap != nil {
		t.Fatalf("expected nil snapshot on cold start, got sequence %d", snap.Sequence)
	}
}

// ============================================================================
// Test: Event log writer + replay loader
// ============================================================================

func TestEventLog_WriteAndLoad(t *testing.T) {
	db, cleanup := testutil.SetupTestDB(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := persistence.NewMigrator(db, "../../migrations").Up(ctx); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	rows := []persistence.EventRow{
		{Sequence: 0, EventType: "FundsStaked", IdempotencyKey: "k0", Payload: []byte(`{"Amount":1}`), StateHash: []byte{0x01}, PrevHash: []byte{0x00}, TimestampUs: 10},
		{Sequence: 1, EventType: "FundsStaked", IdempotencyKey: "k1", Payload: []byte(`{"Amount":2}`), StateHash: []byte{0x02}, PrevHash: []byte{0x01}, TimestampUs: 20},
	}

	writer := persistence.NewEventLogWriter(db)
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := writer.WriteEventBatch(ctx, tx, rows); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	// Replaying the same batch is a no-op, not a constraint violation.
	if err := writer.WriteEventBatch(ctx, tx, rows); err != nil {
		t.Fatalf("idempotent rewrite: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	loaded, err := persistence.NewSnapshotManager(db).LoadEventsFrom(ctx, 1, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(loaded) != 1 || loaded[0].Sequence != 1 || loaded[0].IdempotencyKey != "k1" {
		t.Errorf("loaded %+v, want single row at sequence 1", loaded)
	}

	latest, err := persistence.NewSnapshotManager(db).GetLatestSequence(ctx)
	if err != nil || latest != 1 {
		t.Errorf("latest sequence %d, %v, want 1", latest, err)
	}

	dup, err := persistence.NewPostgresIdempotencyChecker(db).IsDuplicate("FundsStaked", "k0")
	if err != nil || !dup {
		t.Errorf("dedup lookup: %v, %v, want duplicate", dup, err)
	}
}
