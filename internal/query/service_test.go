package query_test

import (
	"context"
	"errors"
	"testing"

	"CoverLedger/internal/ledger"
	fpmath "CoverLedger/internal/math"
	"CoverLedger/internal/query"
	"CoverLedger/internal/reserve"
)

const tok = fpmath.TokenScale

type fixedSequence int64

func (s fixedSequence) Sequence() int64 { return int64(s) }

// newService builds a query service over a live store with no database;
// only the store-backed read paths are exercised here.
func newService(t *testing.T) (*query.QueryService, *ledger.Store, *reserve.Engine) {
	t.Helper()
	store := ledger.NewStore()
	return query.NewQueryService(nil, store, fixedSequence(42)), store, reserve.NewEngine(store)
}

// ============================================================
// Reserve info
// ============================================================

func TestGetReserveInfo_DerivedValues(t *testing.T) {
	qs, store, eng := newService(t)

	if err := eng.Stake("0xalice", 100*tok, 0); err != nil {
		t.Fatal(err)
	}
	// earmark a liability directly
	err := store.WithReserve(func(res *ledger.Reserve) error {
		res.TotalFunds += 40 * tok // premium income
		res.OutstandingLiabilities = 25 * tok
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	info, err := qs.GetReserveInfo(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if info.TotalFunds != 140*tok || info.TotalStaked != 100*tok {
		t.Fatalf("funds=%d staked=%d", info.TotalFunds, info.TotalStaked)
	}
	if info.Surplus != 40*tok {
		t.Fatalf("surplus = %d, want %d", info.Surplus, 40*tok)
	}
	if info.AvailableFunds != 15*tok {
		t.Fatalf("available = %d, want %d", info.AvailableFunds, 15*tok)
	}
	if info.TotalStakers != 1 {
		t.Fatalf("stakers = %d", info.TotalStakers)
	}
	if info.AsOfSequence != 42 {
		t.Fatalf("as_of_sequence = %d", info.AsOfSequence)
	}
}

// ============================================================
// User profile and stake share
// ============================================================

func TestGetUserProfile_NotFound(t *testing.T) {
	qs, _, _ := newService(t)

	_, err := qs.GetUserProfile(context.Background(), "0xghost")
	if !errors.Is(err, ledger.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetFunderStake_ShareBps(t *testing.T) {
	qs, _, eng := newService(t)

	if err := eng.Stake("0xalice", 300*tok, 0); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stake("0xbob", 100*tok, 0); err != nil {
		t.Fatal(err)
	}

	info, err := qs.GetFunderStake(context.Background(), "0xalice")
	if err != nil {
		t.Fatal(err)
	}
	if info.ShareBps != 7500 {
		t.Fatalf("share = %d bps, want 7500", info.ShareBps)
	}
	if info.TotalStaked != 400*tok {
		t.Fatalf("total staked = %d", info.TotalStaked)
	}
}

// ============================================================
// Yield info
// ============================================================

func TestGetYieldInfo_LazyPending(t *testing.T) {
	qs, _, eng := newService(t)
	day := fpmath.YieldPeriodMicros

	if err := eng.SetYieldRate(500); err != nil {
		t.Fatal(err)
	}
	if err := eng.Stake("0xalice", 1000*tok, 0); err != nil {
		t.Fatal(err)
	}

	// mid-period: nothing accrued yet
	info, err := qs.GetYieldInfo(context.Background(), "0xalice", day/2)
	if err != nil {
		t.Fatal(err)
	}
	if info.PendingYield != 0 {
		t.Fatalf("pending = %d mid-period, want 0", info.PendingYield)
	}

	// two full periods at 5%/period on 1000 tokens
	info, err = qs.GetYieldInfo(context.Background(), "0xalice", 2*day)
	if err != nil {
		t.Fatal(err)
	}
	if info.PendingYield != 100*tok {
		t.Fatalf("pending = %d, want %d", info.PendingYield, 100*tok)
	}
	if info.YieldRateBps != 500 {
		t.Fatalf("rate = %d", info.YieldRateBps)
	}
}
