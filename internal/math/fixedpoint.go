package math

import (
	"errors"
	"math/big"
	"sync"
)

// All monetary quantities are fixed-point integers at TokenScale: one token
// unit equals 10^TokenDecimals stored units. No floats anywhere in the core.
const (
	TokenDecimals = 6
	TokenScale    = int64(1_000_000)

	// BpsDenominator converts a basis-point rate to a fraction.
	BpsDenominator = int64(10_000)

	// YieldPeriodMicros is one accrual period in epoch microseconds.
	YieldPeriodMicros = int64(24) * 60 * 60 * 1_000_000
)

// ErrOverflow is returned when a checked int64 operation would wrap.
var ErrOverflow = errors.New("int64 overflow")

// Pooled big.Int for widened intermediates.
var intPool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt() *big.Int {
	return intPool.Get().(*big.Int)
}

func putInt(v *big.Int) {
	v.SetInt64(0)
	intPool.Put(v)
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b int64) (int64, error) {
	sum := a + b
	if (b > 0 && sum < a) || (b < 0 && sum > a) {
		return 0, ErrOverflow
	}
	return sum, nil
}

// CheckedSub returns a-b or ErrOverflow.
func CheckedSub(a, b int64) (int64, error) {
	diff := a - b
	if (b < 0 && diff < a) || (b > 0 && diff > a) {
		return 0, ErrOverflow
	}
	return diff, nil
}

// MulDiv computes a*b/denom with the product widened through big.Int, so the
// intermediate never wraps. Truncates toward zero; a quotient outside int64
// range is ErrOverflow.
func MulDiv(a, b, denom int64) (int64, error) {
	if denom == 0 {
		panic("math: MulDiv by zero")
	}
	num := getInt()
	defer putInt(num)
	num.Mul(big.NewInt(a), big.NewInt(b))
	num.Quo(num, big.NewInt(denom))
	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// PendingYield computes stake * rateBps * periods / BpsDenominator, widened
// so the intermediate cannot wrap; a result outside int64 range is
// ErrOverflow. Truncation keeps the payout conservative: sub-unit dust stays
// in the surplus.
func PendingYield(stake int64, rateBps uint16, periods int64) (int64, error) {
	if stake <= 0 || rateBps == 0 || periods <= 0 {
		return 0, nil
	}
	num := getInt()
	defer putInt(num)
	num.Mul(big.NewInt(stake), big.NewInt(int64(rateBps)))
	num.Mul(num, big.NewInt(periods))
	num.Quo(num, big.NewInt(BpsDenominator))
	if !num.IsInt64() {
		return 0, ErrOverflow
	}
	return num.Int64(), nil
}

// ElapsedPeriods returns the number of whole accrual periods between two
// timestamps. Zero when now precedes last.
func ElapsedPeriods(lastMicros, nowMicros int64) int64 {
	if nowMicros <= lastMicros {
		return 0
	}
	return (nowMicros - lastMicros) / YieldPeriodMicros
}

// ProRataShares apportions total across weights so the shares sum to exactly
// total (largest-remainder method). A zero weight sum yields all-zero shares.
// Negative inputs are the caller's bug.
func ProRataShares(total int64, weights []int64) []int64 {
	shares := make([]int64, len(weights))
	if total <= 0 || len(weights) == 0 {
		return shares
	}

	var weightSum int64
	for _, w := range weights {
		weightSum += w
	}
	if weightSum <= 0 {
		return shares
	}

	// First pass: truncated proportional share, remembering each remainder.
	type rem struct {
		idx int
		val int64
	}
	remainders := make([]rem, len(weights))
	var assigned int64
	for i, w := range weights {
		num := getInt()
		num.Mul(big.NewInt(total), big.NewInt(w))
		q := getInt()
		r := getInt()
		q.QuoRem(num, big.NewInt(weightSum), r)
		shares[i] = q.Int64()
		assigned += shares[i]
		remainders[i] = rem{idx: i, val: r.Int64()}
		putInt(num)
		putInt(q)
		putInt(r)
	}

	// Second pass: hand the leftover units to the largest remainders, index
	// order breaking ties so the result is deterministic.
	leftover := total - assigned
	for leftover > 0 {
		best := -1
		for i := range remainders {
			if remainders[i].val < 0 {
				continue
			}
			if best == -1 || remainders[i].val > remainders[best].val {
				best = i
			}
		}
		if best == -1 {
			break
		}
		shares[remainders[best].idx]++
		remainders[best].val = -1
		leftover--
	}
	return shares
}

// Min returns the smaller of a and b.
func Min(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
