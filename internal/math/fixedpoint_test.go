package math_test

import (
	"errors"
	gomath "math"
	"testing"

	fp "CoverLedger/internal/math"
)

// ============================================================================
// Test: Checked arithmetic
// ============================================================================

func TestCheckedAdd(t *testing.T) {
	if got, err := fp.CheckedAdd(2_000_000, 3_000_000); err != nil || got != 5_000_000 {
		t.Errorf("got %d, %v", got, err)
	}
	if _, err := fp.CheckedAdd(gomath.MaxInt64, 1); !errors.Is(err, fp.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
	if _, err := fp.CheckedAdd(gomath.MinInt64, -1); !errors.Is(err, fp.ErrOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
}

func TestCheckedSub(t *testing.T) {
	if got, err := fp.CheckedSub(5_000_000, 3_000_000); err != nil || got != 2_000_000 {
		t.Errorf("got %d, %v", got, err)
	}
	if _, err := fp.CheckedSub(gomath.MinInt64, 1); !errors.Is(err, fp.ErrOverflow) {
		t.Errorf("expected underflow, got %v", err)
	}
}

func TestMulDiv_WideIntermediate(t *testing.T) {
	// 3e18 * 2 / 3 overflows int64 in the middle but not at the edges.
	got, err := fp.MulDiv(3_000_000_000_000_000_000, 2, 3)
	if err != nil || got != 2_000_000_000_000_000_000 {
		t.Errorf("got %d, %v", got, err)
	}
	if got, err := fp.MulDiv(7, 3, 2); err != nil || got != 10 { // truncates toward zero
		t.Errorf("expected truncation, got %d, %v", got, err)
	}
}

func TestMulDiv_QuotientOverflow(t *testing.T) {
	if _, err := fp.MulDiv(gomath.MaxInt64, 3, 1); !errors.Is(err, fp.ErrOverflow) {
		t.Errorf("expected overflow, got %v", err)
	}
}

// ============================================================================
// Test: Yield accrual
// ============================================================================

func TestPendingYield(t *testing.T) {
	// 1000 tokens at 500 bps for 1 period = 50 tokens.
	stake := 1000 * fp.TokenScale
	if got, err := fp.PendingYield(stake, 500, 1); err != nil || got != 50*fp.TokenScale {
		t.Errorf("got %d, %v, want %d", got, err, 50*fp.TokenScale)
	}
	// Two periods doubles it.
	if got, err := fp.PendingYield(stake, 500, 2); err != nil || got != 100*fp.TokenScale {
		t.Errorf("got %d, %v, want %d", got, err, 100*fp.TokenScale)
	}
	// Sub-unit dust truncates: 1 stored unit at 1 bps.
	if got, err := fp.PendingYield(1, 1, 1); err != nil || got != 0 {
		t.Errorf("dust should truncate to 0, got %d, %v", got, err)
	}
	for _, in := range [][3]int64{{0, 500, 1}, {stake, 0, 1}, {stake, 500, 0}} {
		if got, err := fp.PendingYield(in[0], uint16(in[1]), in[2]); err != nil || got != 0 {
			t.Errorf("degenerate %v: got %d, %v", in, got, err)
		}
	}
}

func TestPendingYield_FailsClosedOnOverflow(t *testing.T) {
	// 9e18 at 10000 bps for 3 periods is 27e18 — past int64. Wrapping here
	// would hand a funder garbage yield; the computation must abort instead.
	if got, err := fp.PendingYield(9_000_000_000_000_000_000, 10_000, 3); !errors.Is(err, fp.ErrOverflow) {
		t.Errorf("expected overflow, got %d, %v", got, err)
	}
	// One period of the same stake stays in range.
	if got, err := fp.PendingYield(9_000_000_000_000_000_000, 10_000, 1); err != nil || got != 9_000_000_000_000_000_000 {
		t.Errorf("in-range yield: got %d, %v", got, err)
	}
}

func TestElapsedPeriods(t *testing.T) {
	day := fp.YieldPeriodMicros
	if got := fp.ElapsedPeriods(0, day-1); got != 0 {
		t.Errorf("partial period: got %d, want 0", got)
	}
	if got := fp.ElapsedPeriods(0, day); got != 1 {
		t.Errorf("exact boundary: got %d, want 1", got)
	}
	if got := fp.ElapsedPeriods(0, 3*day+day/2); got != 3 {
		t.Errorf("got %d, want 3", got)
	}
	if got := fp.ElapsedPeriods(day, 0); got != 0 {
		t.Errorf("clock behind: got %d, want 0", got)
	}
}

// ============================================================================
// Test: Pro-rata apportionment
// ============================================================================

func TestProRataShares_SumsExactly(t *testing.T) {
	cases := []struct {
		name    string
		total   int64
		weights []int64
	}{
		{"even split", 99, []int64{1, 1, 1}},
		{"uneven weights", 100, []int64{3, 3, 3}},
		{"one dominant", 1_000_001, []int64{1, 999_999}},
		{"zero weight member", 10, []int64{5, 0, 5}},
		{"single member", 7, []int64{42}},
	}
	for _, c := range cases {
		shares := fp.ProRataShares(c.total, c.weights)
		if len(shares) != len(c.weights) {
			t.Fatalf("%s: len %d", c.name, len(shares))
		}
		var sum int64
		for i, s := range shares {
			sum += s
			if s < 0 {
				t.Errorf("%s: negative share[%d]=%d", c.name, i, s)
			}
			if c.weights[i] == 0 && s != 0 {
				t.Errorf("%s: zero weight received %d", c.name, s)
			}
		}
		if sum != c.total {
			t.Errorf("%s: shares sum %d, want %d", c.name, sum, c.total)
		}
	}
}

func TestProRataShares_NeverExceedsWeight(t *testing.T) {
	// When total ≤ Σ weights, no share may exceed its weight — a stake
	// write-down can never turn a stake negative.
	weights := []int64{10, 20, 70}
	for total := int64(0); total <= 100; total++ {
		shares := fp.ProRataShares(total, weights)
		for i, s := range shares {
			if s > weights[i] {
				t.Fatalf("total=%d: share[%d]=%d exceeds weight %d", total, i, s, weights[i])
			}
		}
	}
}

func TestProRataShares_Deterministic(t *testing.T) {
	a := fp.ProRataShares(10, []int64{1, 1, 1})
	b := fp.ProRataShares(10, []int64{1, 1, 1})
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("apportionment is not deterministic")
		}
	}
}

func TestProRataShares_Degenerate(t *testing.T) {
	if got := fp.ProRataShares(0, []int64{1, 2}); got[0] != 0 || got[1] != 0 {
		t.Error("zero total should produce zero shares")
	}
	if got := fp.ProRataShares(10, nil); len(got) != 0 {
		t.Error("empty weights should produce empty shares")
	}
	got := fp.ProRataShares(10, []int64{0, 0})
	if got[0] != 0 || got[1] != 0 {
		t.Error("zero weight sum should produce zero shares")
	}
}
