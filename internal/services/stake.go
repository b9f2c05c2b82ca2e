package services

import (
	"encoding/json"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"reflex-pvp/internal/models"
)

// LamportsPerSOL is the number of lamports in one SOL
const LamportsPerSOL = 1_000_000_000

// maxSafeInteger bounds stakes to values every JSON client can represent exactly
const maxSafeInteger = 1<<53 - 1

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// ToStakeLamports normalizes a lamport amount given as a number or numeric string.
// The value is rounded to the nearest integer. ok is false for negative, non-finite
// or unsafe values. Zero is accepted here; callers reject non-positive stakes.
func ToStakeLamports(value interface{}) (int64, bool) {
	d, ok := toDecimal(value)
	if !ok {
		return 0, false
	}
	return roundLamports(d)
}

// StakeInputToLamports prefers StakeLamports and falls back to Stake given in SOL
func StakeInputToLamports(in models.StakeInput) (int64, bool) {
	if lamports, ok := ToStakeLamports(in.StakeLamports); ok {
		return lamports, true
	}
	sol, ok := toDecimal(in.Stake)
	if !ok {
		return 0, false
	}
	return roundLamports(sol.Mul(lamportsPerSOL))
}

// LamportsToSOL renders a lamport amount in SOL for logs and responses
func LamportsToSOL(lamports int64) string {
	return decimal.NewFromInt(lamports).Div(lamportsPerSOL).String()
}

func roundLamports(d decimal.Decimal) (int64, bool) {
	if d.IsNegative() {
		return 0, false
	}
	rounded := d.Round(0)
	if rounded.GreaterThan(decimal.NewFromInt(maxSafeInteger)) {
		return 0, false
	}
	return rounded.IntPart(), true
}

func toDecimal(value interface{}) (decimal.Decimal, bool) {
	switch v := value.(type) {
	case nil:
		return decimal.Zero, false
	case int:
		return decimal.NewFromInt(int64(v)), true
	case int64:
		return decimal.NewFromInt(v), true
	case uint64:
		if v > math.MaxInt64 {
			return decimal.Zero, false
		}
		return decimal.NewFromInt(int64(v)), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, false
		}
		return decimal.NewFromFloat(v), true
	case json.Number:
		return parseDecimal(v.String())
	case string:
		return parseDecimal(v)
	}
	return decimal.Zero, false
}

func parseDecimal(s string) (decimal.Decimal, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, false
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, false
	}
	return d, true
}
