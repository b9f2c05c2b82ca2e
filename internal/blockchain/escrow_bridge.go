package blockchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// SettlementSkippedSignature is returned by SettleMatch when the bridge has no signing key
const SettlementSkippedSignature = "settlement_skipped_unconfigured"

// Escrow program defaults
const (
	DefaultJoinExpirySecs     int64 = 120
	DefaultSettleDeadlineSecs int64 = 900
	DefaultFeeBps             int64 = 1500
)

var (
	ErrNotConfigured       = errors.New("escrow bridge is not configured")
	ErrConfigNotFound      = errors.New("escrow config account not found")
	ErrMatchAccountMissing = errors.New("escrow match account not found")
	ErrInvalidPublicKey    = errors.New("invalid public key")
	ErrInvalidAuthorityKey = errors.New("invalid server authority secret key")
)

// LedgerRPC is the subset of the Solana RPC client the bridge needs
type LedgerRPC interface {
	GetLatestBlockhash(ctx context.Context, commitment rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error)
	GetAccountInfo(ctx context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error)
	GetBalance(ctx context.Context, account solana.PublicKey, commitment rpc.CommitmentType) (*rpc.GetBalanceResult, error)
	SendTransactionWithOpts(ctx context.Context, tx *solana.Transaction, opts rpc.TransactionOpts) (solana.Signature, error)
}

// EscrowConfig configures the bridge
type EscrowConfig struct {
	RPCURL          string
	ProgramID       string
	AuthoritySecret string
	FeeVault        string
	FeeBps          int64
}

// EscrowBridge builds and submits instructions against the escrow program
type EscrowBridge struct {
	rpc        LedgerRPC
	rpcURL     string
	programID  solana.PublicKey
	hasProgram bool
	authority  *solana.PrivateKey
	feeVault   *solana.PublicKey
	feeBps     int64
	logger     *zap.Logger
}

// NewEscrowBridge never fails: a missing or malformed program id or key leaves the
// bridge unconfigured and every server-signed call degrades to a skip.
func NewEscrowBridge(client LedgerRPC, cfg EscrowConfig, logger *zap.Logger) *EscrowBridge {
	b := &EscrowBridge{
		rpc:    client,
		rpcURL: cfg.RPCURL,
		feeBps: cfg.FeeBps,
		logger: logger.Named("escrow"),
	}
	if b.feeBps <= 0 {
		b.feeBps = DefaultFeeBps
	}

	if cfg.ProgramID != "" {
		programID, err := solana.PublicKeyFromBase58(cfg.ProgramID)
		if err != nil {
			b.logger.Warn("invalid escrow program id, bridge unconfigured", zap.Error(err))
		} else {
			b.programID = programID
			b.hasProgram = true
		}
	}

	if cfg.AuthoritySecret != "" {
		key, err := ParseAuthorityKey(cfg.AuthoritySecret)
		if err != nil {
			b.logger.Warn("invalid server authority key, bridge unconfigured", zap.Error(err))
		} else {
			b.authority = &key
		}
	}

	if cfg.FeeVault != "" {
		feeVault, err := solana.PublicKeyFromBase58(cfg.FeeVault)
		if err != nil {
			b.logger.Warn("invalid fee vault, falling back to config account", zap.Error(err))
		} else {
			b.feeVault = &feeVault
		}
	}

	if !b.IsConfigured() {
		b.logger.Warn("escrow bridge running unconfigured, settlements will be skipped")
	}
	return b
}

// ParseAuthorityKey accepts a JSON byte array (solana-keygen format) or a base58 string
func ParseAuthorityKey(secret string) (solana.PrivateKey, error) {
	secret = strings.TrimSpace(secret)
	var raw []byte
	if strings.HasPrefix(secret, "[") {
		var ints []int
		if err := json.Unmarshal([]byte(secret), &ints); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAuthorityKey, err)
		}
		raw = make([]byte, len(ints))
		for i, v := range ints {
			if v < 0 || v > 255 {
				return nil, fmt.Errorf("%w: byte %d out of range", ErrInvalidAuthorityKey, i)
			}
			raw[i] = byte(v)
		}
	} else {
		decoded, err := base58.Decode(secret)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAuthorityKey, err)
		}
		raw = decoded
	}
	if len(raw) != 64 {
		return nil, fmt.Errorf("%w: expected 64 bytes, got %d", ErrInvalidAuthorityKey, len(raw))
	}
	return solana.PrivateKey(raw), nil
}

// IsConfigured reports whether the bridge can sign and submit
func (b *EscrowBridge) IsConfigured() bool {
	return b.hasProgram && b.authority != nil && b.rpc != nil
}

// CanBuildTransactions reports whether client-signed transactions can be built
func (b *EscrowBridge) CanBuildTransactions() bool {
	return b.hasProgram && b.rpc != nil
}

func (b *EscrowBridge) ProgramID() solana.PublicKey { return b.programID }

// FeeBps is the program fee in basis points used for payout breakdowns
func (b *EscrowBridge) FeeBps() int64 { return b.feeBps }

// AuthorityPublicKey returns the server authority, if configured
func (b *EscrowBridge) AuthorityPublicKey() (solana.PublicKey, bool) {
	if b.authority == nil {
		return solana.PublicKey{}, false
	}
	return b.authority.PublicKey(), true
}

func (b *EscrowBridge) ConfigAddress() (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{configSeed}, b.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive config address: %w", err)
	}
	return addr, nil
}

// GameMatchAddress resolves an on-chain match identifier. Identifiers that are valid
// public keys are the account itself; anything else maps to the ["match", id] PDA.
func (b *EscrowBridge) GameMatchAddress(onChainMatch string) (solana.PublicKey, error) {
	if key, err := solana.PublicKeyFromBase58(onChainMatch); err == nil {
		return key, nil
	}
	if onChainMatch == "" || len(onChainMatch) > solana.MaxSeedLength {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidPublicKey, onChainMatch)
	}
	addr, _, err := solana.FindProgramAddress([][]byte{matchSeed, []byte(onChainMatch)}, b.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive match address: %w", err)
	}
	return addr, nil
}

func (b *EscrowBridge) VaultAddress(gameMatch solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{vaultSeed, gameMatch.Bytes()}, b.programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("failed to derive vault address: %w", err)
	}
	return addr, nil
}

// ResolveFeeVault prefers the explicit address, then the configured one, then the config account
func (b *EscrowBridge) ResolveFeeVault(ctx context.Context, explicit string) (solana.PublicKey, error) {
	if explicit != "" {
		key, err := ParsePublicKey(explicit)
		if err != nil {
			return solana.PublicKey{}, err
		}
		return key, nil
	}
	if b.feeVault != nil {
		return *b.feeVault, nil
	}

	cfg, err := b.FetchConfig(ctx)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return cfg.FeeVault, nil
}

// FetchConfig loads and decodes the program config account
func (b *EscrowBridge) FetchConfig(ctx context.Context) (*ConfigAccount, error) {
	if !b.CanBuildTransactions() {
		return nil, ErrNotConfigured
	}
	addr, err := b.ConfigAddress()
	if err != nil {
		return nil, err
	}
	data, err := b.accountData(ctx, addr)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrConfigNotFound
		}
		return nil, fmt.Errorf("failed to fetch config account: %w", err)
	}
	if data == nil {
		return nil, ErrConfigNotFound
	}

	var cfg ConfigAccount
	if err := decodeAccount("Config", data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FetchMatchAccount loads and decodes an on-chain match
func (b *EscrowBridge) FetchMatchAccount(ctx context.Context, gameMatch solana.PublicKey) (*MatchAccount, error) {
	if !b.CanBuildTransactions() {
		return nil, ErrNotConfigured
	}
	data, err := b.accountData(ctx, gameMatch)
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return nil, ErrMatchAccountMissing
		}
		return nil, fmt.Errorf("failed to fetch match account: %w", err)
	}
	if data == nil {
		return nil, ErrMatchAccountMissing
	}

	var m MatchAccount
	if err := decodeAccount("Match", data, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// LookupMatchAccount resolves an on-chain match identifier and fetches its account
func (b *EscrowBridge) LookupMatchAccount(ctx context.Context, onChainMatch string) (*MatchAccount, error) {
	if !b.CanBuildTransactions() {
		return nil, ErrNotConfigured
	}
	gameMatch, err := b.GameMatchAddress(onChainMatch)
	if err != nil {
		return nil, err
	}
	return b.FetchMatchAccount(ctx, gameMatch)
}

func (b *EscrowBridge) accountData(ctx context.Context, addr solana.PublicKey) ([]byte, error) {
	info, err := b.rpc.GetAccountInfo(ctx, addr)
	if err != nil {
		return nil, err
	}
	if info == nil || info.Value == nil || info.Value.Data == nil {
		return nil, nil
	}
	return info.Value.Data.GetBinary(), nil
}

// SettleRequest names the accounts of a settlement
type SettleRequest struct {
	GameMatch string
	Winner    string
	PlayerA   string
	PlayerB   string
	FeeVault  string
}

// SettleResult carries the transaction signature, or the skip sentinel
type SettleResult struct {
	Signature string
	Skipped   bool
}

// SettleMatch pays the vault out to the winner. It does not retry.
func (b *EscrowBridge) SettleMatch(ctx context.Context, req SettleRequest) (*SettleResult, error) {
	if !b.IsConfigured() {
		b.logger.Info("settlement skipped, bridge unconfigured",
			zap.String("gameMatch", req.GameMatch),
			zap.String("winner", req.Winner),
		)
		return &SettleResult{Signature: SettlementSkippedSignature, Skipped: true}, nil
	}

	gameMatch, err := b.GameMatchAddress(req.GameMatch)
	if err != nil {
		return nil, err
	}
	winner, err := ParsePublicKey(req.Winner)
	if err != nil {
		return nil, err
	}
	playerA, err := ParsePublicKey(req.PlayerA)
	if err != nil {
		return nil, err
	}
	playerB, err := ParsePublicKey(req.PlayerB)
	if err != nil {
		return nil, err
	}
	configAddr, err := b.ConfigAddress()
	if err != nil {
		return nil, err
	}
	vault, err := b.VaultAddress(gameMatch)
	if err != nil {
		return nil, err
	}
	feeVault, err := b.ResolveFeeVault(ctx, req.FeeVault)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("settle", settleArgs{Winner: winner})
	if err != nil {
		return nil, err
	}
	authority := b.authority.PublicKey()
	ix := solana.NewInstruction(b.programID, solana.AccountMetaSlice{
		signer(authority, false),
		readonly(configAddr),
		writable(gameMatch),
		writable(vault),
		writable(playerA),
		writable(playerB),
		writable(feeVault),
		readonly(solana.SystemProgramID),
	}, data)

	sig, err := b.submit(ctx, ix)
	if err != nil {
		return nil, fmt.Errorf("settle transaction failed: %w", err)
	}

	b.logger.Info("match settled on-chain",
		zap.String("gameMatch", gameMatch.String()),
		zap.String("winner", winner.String()),
		zap.String("signature", sig),
	)
	return &SettleResult{Signature: sig}, nil
}

// CancelRequest names the accounts of a refund
type CancelRequest struct {
	GameMatch string
	PlayerA   string
	PlayerB   string
}

// CancelActiveMatch refunds an expired match through the server authority. A match
// still waiting for player B refunds A only; the program ignores playerB then.
func (b *EscrowBridge) CancelActiveMatch(ctx context.Context, req CancelRequest) (*SettleResult, error) {
	if !b.IsConfigured() {
		b.logger.Info("cancel skipped, bridge unconfigured", zap.String("gameMatch", req.GameMatch))
		return &SettleResult{Signature: SettlementSkippedSignature, Skipped: true}, nil
	}

	gameMatch, err := b.GameMatchAddress(req.GameMatch)
	if err != nil {
		return nil, err
	}
	playerA, err := ParsePublicKey(req.PlayerA)
	if err != nil {
		return nil, err
	}
	playerB := playerA
	if req.PlayerB != "" {
		if playerB, err = ParsePublicKey(req.PlayerB); err != nil {
			return nil, err
		}
	}
	configAddr, err := b.ConfigAddress()
	if err != nil {
		return nil, err
	}
	vault, err := b.VaultAddress(gameMatch)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("cancel_active_match", nil)
	if err != nil {
		return nil, err
	}
	ix := solana.NewInstruction(b.programID, solana.AccountMetaSlice{
		signer(b.authority.PublicKey(), false),
		readonly(configAddr),
		writable(gameMatch),
		writable(vault),
		writable(playerA),
		writable(playerB),
		readonly(solana.SystemProgramID),
	}, data)

	sig, err := b.submit(ctx, ix)
	if err != nil {
		return nil, fmt.Errorf("cancel transaction failed: %w", err)
	}

	b.logger.Info("match refunded on-chain",
		zap.String("gameMatch", gameMatch.String()),
		zap.String("signature", sig),
	)
	return &SettleResult{Signature: sig}, nil
}

func (b *EscrowBridge) submit(ctx context.Context, ix solana.Instruction) (string, error) {
	authority := *b.authority
	blockhash, err := b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		blockhash.Value.Blockhash,
		solana.TransactionPayer(authority.PublicKey()),
	)
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	if _, err := tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(authority.PublicKey()) {
			return &authority
		}
		return nil
	}); err != nil {
		return "", fmt.Errorf("failed to sign transaction: %w", err)
	}

	sig, err := b.rpc.SendTransactionWithOpts(ctx, tx, rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: rpc.CommitmentConfirmed,
	})
	if err != nil {
		return "", err
	}
	return sig.String(), nil
}

// BuiltTransaction is a base64 wire transaction for a wallet to sign and send
type BuiltTransaction struct {
	SerializedTransaction string `json:"serializedTransaction"`
	GameMatch             string `json:"gameMatch,omitempty"`
	Vault                 string `json:"vault,omitempty"`
}

// BuildCreateMatchTx builds create_match for player A. The fresh game-match account
// signs here; player A signs and pays in the wallet.
func (b *EscrowBridge) BuildCreateMatchTx(ctx context.Context, playerA string, stakeLamports, joinExpirySecs int64) (*BuiltTransaction, error) {
	if !b.CanBuildTransactions() {
		return nil, ErrNotConfigured
	}
	if stakeLamports <= 0 {
		return nil, fmt.Errorf("invalid stake amount: %d", stakeLamports)
	}
	if joinExpirySecs <= 0 {
		joinExpirySecs = DefaultJoinExpirySecs
	}
	payer, err := ParsePublicKey(playerA)
	if err != nil {
		return nil, err
	}

	gameMatchKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate game match key: %w", err)
	}
	gameMatch := gameMatchKey.PublicKey()

	configAddr, err := b.ConfigAddress()
	if err != nil {
		return nil, err
	}
	vault, err := b.VaultAddress(gameMatch)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("create_match", createMatchArgs{
		Stake:          uint64(stakeLamports),
		JoinExpirySecs: joinExpirySecs,
	})
	if err != nil {
		return nil, err
	}
	ix := solana.NewInstruction(b.programID, solana.AccountMetaSlice{
		signer(payer, true),
		readonly(configAddr),
		signer(gameMatch, true),
		writable(vault),
		readonly(solana.SystemProgramID),
	}, data)

	serialized, err := b.buildPartiallySigned(ctx, ix, payer, gameMatchKey)
	if err != nil {
		return nil, err
	}

	b.logger.Info("create_match transaction built",
		zap.String("playerA", payer.String()),
		zap.String("gameMatch", gameMatch.String()),
		zap.String("stakeSol", decimal.NewFromInt(stakeLamports).Shift(-9).String()),
	)
	return &BuiltTransaction{
		SerializedTransaction: serialized,
		GameMatch:             gameMatch.String(),
		Vault:                 vault.String(),
	}, nil
}

// BuildJoinMatchTx builds join_match for player B, unsigned
func (b *EscrowBridge) BuildJoinMatchTx(ctx context.Context, gameMatch, playerB string, settleDeadlineSecs int64) (*BuiltTransaction, error) {
	if !b.CanBuildTransactions() {
		return nil, ErrNotConfigured
	}
	if settleDeadlineSecs <= 0 {
		settleDeadlineSecs = DefaultSettleDeadlineSecs
	}
	matchKey, err := b.GameMatchAddress(gameMatch)
	if err != nil {
		return nil, err
	}
	payer, err := ParsePublicKey(playerB)
	if err != nil {
		return nil, err
	}
	vault, err := b.VaultAddress(matchKey)
	if err != nil {
		return nil, err
	}

	data, err := encodeInstruction("join_match", joinMatchArgs{SettleDeadlineSecs: settleDeadlineSecs})
	if err != nil {
		return nil, err
	}
	ix := solana.NewInstruction(b.programID, solana.AccountMetaSlice{
		signer(payer, true),
		writable(matchKey),
		writable(vault),
		readonly(solana.SystemProgramID),
	}, data)

	serialized, err := b.buildPartiallySigned(ctx, ix, payer)
	if err != nil {
		return nil, err
	}
	return &BuiltTransaction{
		SerializedTransaction: serialized,
		GameMatch:             matchKey.String(),
		Vault:                 vault.String(),
	}, nil
}

// buildPartiallySigned fills the signature slots owned by the given keys and leaves
// the rest zeroed for the wallet.
func (b *EscrowBridge) buildPartiallySigned(ctx context.Context, ix solana.Instruction, payer solana.PublicKey, keys ...solana.PrivateKey) (string, error) {
	blockhash, err := b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return "", fmt.Errorf("failed to get blockhash: %w", err)
	}

	tx, err := solana.NewTransaction([]solana.Instruction{ix}, blockhash.Value.Blockhash, solana.TransactionPayer(payer))
	if err != nil {
		return "", fmt.Errorf("failed to build transaction: %w", err)
	}

	message, err := tx.Message.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}

	required := int(tx.Message.Header.NumRequiredSignatures)
	tx.Signatures = make([]solana.Signature, required)
	for _, key := range keys {
		idx := -1
		for i := 0; i < required && i < len(tx.Message.AccountKeys); i++ {
			if tx.Message.AccountKeys[i].Equals(key.PublicKey()) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return "", fmt.Errorf("signer %s is not required by the transaction", key.PublicKey())
		}
		sig, err := key.Sign(message)
		if err != nil {
			return "", fmt.Errorf("failed to sign transaction: %w", err)
		}
		tx.Signatures[idx] = sig
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		return "", fmt.Errorf("failed to serialize transaction: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// ParsePublicKey validates a base58 wallet or account address
func ParsePublicKey(value string) (solana.PublicKey, error) {
	key, err := solana.PublicKeyFromBase58(strings.TrimSpace(value))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("%w: %q", ErrInvalidPublicKey, value)
	}
	return key, nil
}

// IsValidPublicKey reports whether value is a base58 public key
func IsValidPublicKey(value string) bool {
	_, err := ParsePublicKey(value)
	return err == nil
}

// GetSOLBalance returns an account balance in SOL
func (b *EscrowBridge) GetSOLBalance(ctx context.Context, account solana.PublicKey) (decimal.Decimal, error) {
	if b.rpc == nil {
		return decimal.Zero, ErrNotConfigured
	}
	balance, err := b.rpc.GetBalance(ctx, account, rpc.CommitmentConfirmed)
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromInt(int64(balance.Value)).Shift(-9), nil
}
