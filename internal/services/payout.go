package services

import "github.com/shopspring/decimal"

// PayoutBreakdown is how a settled pot is split between the winner and the fee vault
type PayoutBreakdown struct {
	TotalPotLamports int64  `json:"totalPotLamports"`
	FeeLamports      int64  `json:"feeLamports"`
	PayoutLamports   int64  `json:"payoutLamports"`
	FeeBps           int64  `json:"feeBps"`
	PayoutSOL        string `json:"payoutSol"`
}

// CalculatePayout mirrors the program's integer fee math: both stakes form the pot and
// the fee is floor(pot * bps / 10000).
func CalculatePayout(stakeLamports, feeBps int64) PayoutBreakdown {
	total := stakeLamports * 2
	fee := decimal.NewFromInt(total).
		Mul(decimal.NewFromInt(feeBps)).
		Div(decimal.NewFromInt(10_000)).
		Floor().
		IntPart()
	payout := total - fee
	return PayoutBreakdown{
		TotalPotLamports: total,
		FeeLamports:      fee,
		PayoutLamports:   payout,
		FeeBps:           feeBps,
		PayoutSOL:        LamportsToSOL(payout),
	}
}

// Details flattens the breakdown into an audit log payload
func (p PayoutBreakdown) Details() map[string]interface{} {
	return map[string]interface{}{
		"totalPotLamports": p.TotalPotLamports,
		"feeLamports":      p.FeeLamports,
		"payoutLamports":   p.PayoutLamports,
		"feeBps":           p.FeeBps,
	}
}
