package utils

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

var botNames = []string{
	"SolanaSlayer", "CryptoViking", "ChainRunner", "NFTNomad", "BlockBlitz",
	"GaslessGuru", "PhantomPulse", "LamportLion", "AnchorAce", "SatoshiSprint",
}

// GenerateBotName creates a bot opponent name in the format "Name_XXXX"
// where XXXX is a random 4-digit number
func GenerateBotName() (string, error) {
	nameIdx, err := rand.Int(rand.Reader, big.NewInt(int64(len(botNames))))
	if err != nil {
		return "", fmt.Errorf("failed to generate random bot name: %w", err)
	}

	suffix, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("failed to generate random suffix: %w", err)
	}

	return fmt.Sprintf("%s_%04d", botNames[nameIdx.Int64()], suffix.Int64()), nil
}
