package blockchain

import (
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Seeds used by the escrow program for its derived addresses
var (
	configSeed = []byte("config")
	vaultSeed  = []byte("vault")
	matchSeed  = []byte("match")
)

// MatchAccountState mirrors the program's match state enum
type MatchAccountState uint8

const (
	MatchStateWaitingForB MatchAccountState = iota
	MatchStateActive
	MatchStateSettled
	MatchStateRefunded
	MatchStateCancelled
)

func (s MatchAccountState) String() string {
	switch s {
	case MatchStateWaitingForB:
		return "waiting_for_b"
	case MatchStateActive:
		return "active"
	case MatchStateSettled:
		return "settled"
	case MatchStateRefunded:
		return "refunded"
	case MatchStateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// ConfigAccount is the program-wide config account
type ConfigAccount struct {
	Admin           solana.PublicKey
	ServerAuthority solana.PublicKey
	FeeBps          uint64
	FeeVault        solana.PublicKey
	Bump            uint8
}

// MatchAccount is the on-chain state of one escrowed match
type MatchAccount struct {
	PlayerA          solana.PublicKey
	PlayerB          solana.PublicKey
	Stake            uint64
	State            uint8
	CreatedAt        int64
	JoinExpiryTs     int64
	SettleDeadlineTs int64
	VaultBump        uint8
}

// AccountState returns the decoded state enum
func (m *MatchAccount) AccountState() MatchAccountState {
	return MatchAccountState(m.State)
}

type createMatchArgs struct {
	Stake          uint64
	JoinExpirySecs int64
}

type joinMatchArgs struct {
	SettleDeadlineSecs int64
}

type settleArgs struct {
	Winner solana.PublicKey
}

// instructionDiscriminator is the first 8 bytes of sha256("global:<name>")
func instructionDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("global:" + name))
	return sum[:8]
}

// accountDiscriminator is the first 8 bytes of sha256("account:<Name>")
func accountDiscriminator(name string) []byte {
	sum := sha256.Sum256([]byte("account:" + name))
	return sum[:8]
}

func encodeInstruction(name string, args interface{}) ([]byte, error) {
	data := append([]byte{}, instructionDiscriminator(name)...)
	if args == nil {
		return data, nil
	}
	encoded, err := bin.MarshalBorsh(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s args: %w", name, err)
	}
	return append(data, encoded...), nil
}

func decodeAccount(name string, data []byte, out interface{}) error {
	disc := accountDiscriminator(name)
	if len(data) < len(disc) {
		return fmt.Errorf("%s account too short: %d bytes", name, len(data))
	}
	for i := range disc {
		if data[i] != disc[i] {
			return fmt.Errorf("%s account discriminator mismatch", name)
		}
	}
	if err := bin.NewBorshDecoder(data[len(disc):]).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s account: %w", name, err)
	}
	return nil
}

func writable(key solana.PublicKey) *solana.AccountMeta {
	return solana.NewAccountMeta(key, true, false)
}

func readonly(key solana.PublicKey) *solana.AccountMeta {
	return solana.NewAccountMeta(key, false, false)
}

func signer(key solana.PublicKey, isWritable bool) *solana.AccountMeta {
	return solana.NewAccountMeta(key, isWritable, true)
}
