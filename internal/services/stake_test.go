package services

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"reflex-pvp/internal/models"
)

func TestStakeInputToLamports(t *testing.T) {
	tests := []struct {
		name string
		in   models.StakeInput
		want int64
		ok   bool
	}{
		{name: "lamports number", in: models.StakeInput{StakeLamports: float64(1_000_000)}, want: 1_000_000, ok: true},
		{name: "lamports string", in: models.StakeInput{StakeLamports: " 2500 "}, want: 2500, ok: true},
		{name: "lamports rounded", in: models.StakeInput{StakeLamports: 10.6}, want: 11, ok: true},
		{name: "json number", in: models.StakeInput{StakeLamports: json.Number("42")}, want: 42, ok: true},
		{name: "sol fallback", in: models.StakeInput{Stake: "0.25"}, want: 250_000_000, ok: true},
		{name: "lamports win over sol", in: models.StakeInput{StakeLamports: 7, Stake: 1}, want: 7, ok: true},
		{name: "negative", in: models.StakeInput{StakeLamports: -1}, ok: false},
		{name: "garbage", in: models.StakeInput{StakeLamports: "abc"}, ok: false},
		{name: "infinite", in: models.StakeInput{StakeLamports: math.Inf(1)}, ok: false},
		{name: "unsafe", in: models.StakeInput{StakeLamports: float64(maxSafeInteger) * 4}, ok: false},
		{name: "missing", in: models.StakeInput{}, ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := StakeInputToLamports(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestLamportsToSOL(t *testing.T) {
	assert.Equal(t, "0.001", LamportsToSOL(1_000_000))
	assert.Equal(t, "2", LamportsToSOL(2_000_000_000))
}
