package blockchain

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeLedger struct {
	mu        sync.Mutex
	accounts  map[solana.PublicKey][]byte
	sent      []*solana.Transaction
	sendErr   error
	blockhash solana.Hash
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		accounts:  make(map[solana.PublicKey][]byte),
		blockhash: solana.HashFromBytes(make([]byte, 32)),
	}
}

func (f *fakeLedger) GetLatestBlockhash(context.Context, rpc.CommitmentType) (*rpc.GetLatestBlockhashResult, error) {
	return &rpc.GetLatestBlockhashResult{
		Value: &rpc.LatestBlockhashResult{Blockhash: f.blockhash, LastValidBlockHeight: 100},
	}, nil
}

func (f *fakeLedger) GetAccountInfo(_ context.Context, account solana.PublicKey) (*rpc.GetAccountInfoResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{
		Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
	}, nil
}

func (f *fakeLedger) GetBalance(context.Context, solana.PublicKey, rpc.CommitmentType) (*rpc.GetBalanceResult, error) {
	return &rpc.GetBalanceResult{Value: 2_500_000_000}, nil
}

func (f *fakeLedger) SendTransactionWithOpts(_ context.Context, tx *solana.Transaction, _ rpc.TransactionOpts) (solana.Signature, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return solana.Signature{}, f.sendErr
	}
	f.sent = append(f.sent, tx)
	return tx.Signatures[0], nil
}

func (f *fakeLedger) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestBridge(t *testing.T, ledger LedgerRPC, withAuthority bool, feeVault string) (*EscrowBridge, solana.PrivateKey) {
	t.Helper()
	program := solana.NewWallet().PublicKey()
	authority := solana.NewWallet().PrivateKey
	cfg := EscrowConfig{
		RPCURL:    "http://localhost:8899",
		ProgramID: program.String(),
		FeeVault:  feeVault,
	}
	if withAuthority {
		cfg.AuthoritySecret = authority.String()
	}
	return NewEscrowBridge(ledger, cfg, zap.NewNop()), authority
}

func encodeTestAccount(t *testing.T, name string, v interface{}) []byte {
	t.Helper()
	body, err := bin.MarshalBorsh(v)
	require.NoError(t, err)
	return append(accountDiscriminator(name), body...)
}

func TestParseAuthorityKeyFormats(t *testing.T) {
	key := solana.NewWallet().PrivateKey

	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	asJSON, err := json.Marshal(ints)
	require.NoError(t, err)

	fromJSON, err := ParseAuthorityKey(string(asJSON))
	require.NoError(t, err)
	fromBase58, err := ParseAuthorityKey(base58.Encode(key))
	require.NoError(t, err)

	assert.Equal(t, key.PublicKey(), fromJSON.PublicKey())
	assert.Equal(t, key.PublicKey(), fromBase58.PublicKey())

	_, err = ParseAuthorityKey("[1,2,3]")
	assert.ErrorIs(t, err, ErrInvalidAuthorityKey)
	_, err = ParseAuthorityKey("not-a-key-0OIl")
	assert.ErrorIs(t, err, ErrInvalidAuthorityKey)
}

func TestSettleMatchSkipsWhenUnconfigured(t *testing.T) {
	ledger := newFakeLedger()
	bridge, _ := newTestBridge(t, ledger, false, "")
	require.False(t, bridge.IsConfigured())

	result, err := bridge.SettleMatch(context.Background(), SettleRequest{
		GameMatch: "abc",
		Winner:    solana.NewWallet().PublicKey().String(),
	})
	require.NoError(t, err)
	assert.True(t, result.Skipped)
	assert.Equal(t, SettlementSkippedSignature, result.Signature)
	assert.Zero(t, ledger.sentCount())
}

func TestGameMatchAddress(t *testing.T) {
	bridge, _ := newTestBridge(t, newFakeLedger(), true, "")

	account := solana.NewWallet().PublicKey()
	got, err := bridge.GameMatchAddress(account.String())
	require.NoError(t, err)
	assert.Equal(t, account, got)

	id := "3f2b8c9d4e5a6b7c8d9e0f1a2b3c4d5e"
	pda, err := bridge.GameMatchAddress(id)
	require.NoError(t, err)
	want, _, err := solana.FindProgramAddress([][]byte{[]byte("match"), []byte(id)}, bridge.ProgramID())
	require.NoError(t, err)
	assert.Equal(t, want, pda)

	vault1, err := bridge.VaultAddress(pda)
	require.NoError(t, err)
	vault2, err := bridge.VaultAddress(pda)
	require.NoError(t, err)
	assert.Equal(t, vault1, vault2)
}

func TestSettleMatchSubmitsSignedInstruction(t *testing.T) {
	ledger := newFakeLedger()
	feeVault := solana.NewWallet().PublicKey()
	bridge, authority := newTestBridge(t, ledger, true, "")
	require.True(t, bridge.IsConfigured())

	gameMatch := solana.NewWallet().PublicKey()
	playerA := solana.NewWallet().PublicKey()
	playerB := solana.NewWallet().PublicKey()

	result, err := bridge.SettleMatch(context.Background(), SettleRequest{
		GameMatch: gameMatch.String(),
		Winner:    playerB.String(),
		PlayerA:   playerA.String(),
		PlayerB:   playerB.String(),
		FeeVault:  feeVault.String(),
	})
	require.NoError(t, err)
	assert.False(t, result.Skipped)
	require.Equal(t, 1, ledger.sentCount())

	tx := ledger.sent[0]
	assert.Equal(t, tx.Signatures[0].String(), result.Signature)
	require.NoError(t, tx.VerifySignatures())
	assert.Equal(t, authority.PublicKey(), tx.Message.AccountKeys[0])

	require.Len(t, tx.Message.Instructions, 1)
	ix := tx.Message.Instructions[0]
	data := []byte(ix.Data)
	assert.Equal(t, instructionDiscriminator("settle"), data[:8])
	assert.Equal(t, playerB.Bytes(), data[8:40])

	configAddr, err := bridge.ConfigAddress()
	require.NoError(t, err)
	vault, err := bridge.VaultAddress(gameMatch)
	require.NoError(t, err)

	var accounts []solana.PublicKey
	for _, idx := range ix.Accounts {
		accounts = append(accounts, tx.Message.AccountKeys[idx])
	}
	assert.Equal(t, []solana.PublicKey{
		authority.PublicKey(), configAddr, gameMatch, vault, playerA, playerB, feeVault, solana.SystemProgramID,
	}, accounts)
}

func TestSettleMatchPropagatesSubmitFailure(t *testing.T) {
	ledger := newFakeLedger()
	ledger.sendErr = errors.New("insufficient funds in vault")
	bridge, _ := newTestBridge(t, ledger, true, solana.NewWallet().PublicKey().String())

	_, err := bridge.SettleMatch(context.Background(), SettleRequest{
		GameMatch: solana.NewWallet().PublicKey().String(),
		Winner:    solana.NewWallet().PublicKey().String(),
		PlayerA:   solana.NewWallet().PublicKey().String(),
		PlayerB:   solana.NewWallet().PublicKey().String(),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insufficient funds")
}

func TestResolveFeeVault(t *testing.T) {
	ledger := newFakeLedger()
	bridge, authority := newTestBridge(t, ledger, true, "")
	ctx := context.Background()

	_, err := bridge.ResolveFeeVault(ctx, "")
	assert.ErrorIs(t, err, ErrConfigNotFound)

	explicit := solana.NewWallet().PublicKey()
	got, err := bridge.ResolveFeeVault(ctx, explicit.String())
	require.NoError(t, err)
	assert.Equal(t, explicit, got)

	onChain := solana.NewWallet().PublicKey()
	configAddr, err := bridge.ConfigAddress()
	require.NoError(t, err)
	ledger.accounts[configAddr] = encodeTestAccount(t, "Config", ConfigAccount{
		Admin:           solana.NewWallet().PublicKey(),
		ServerAuthority: authority.PublicKey(),
		FeeBps:          1500,
		FeeVault:        onChain,
		Bump:            254,
	})

	got, err = bridge.ResolveFeeVault(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, onChain, got)
}

func TestBuildCreateMatchTxPartiallySigned(t *testing.T) {
	ledger := newFakeLedger()
	bridge, _ := newTestBridge(t, ledger, false, "")
	playerA := solana.NewWallet().PublicKey()

	built, err := bridge.BuildCreateMatchTx(context.Background(), playerA.String(), 100_000_000, 0)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(built.SerializedTransaction)
	require.NoError(t, err)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)

	gameMatch, err := solana.PublicKeyFromBase58(built.GameMatch)
	require.NoError(t, err)
	vault, err := bridge.VaultAddress(gameMatch)
	require.NoError(t, err)
	assert.Equal(t, vault.String(), built.Vault)

	require.Len(t, tx.Signatures, 2)
	assert.Equal(t, playerA, tx.Message.AccountKeys[0])
	assert.True(t, tx.Signatures[0].IsZero())

	message, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.Equal(t, gameMatch, tx.Message.AccountKeys[1])
	assert.True(t, tx.Signatures[1].Verify(gameMatch, message))

	data := []byte(tx.Message.Instructions[0].Data)
	assert.Equal(t, instructionDiscriminator("create_match"), data[:8])
	var args createMatchArgs
	require.NoError(t, bin.NewBorshDecoder(data[8:]).Decode(&args))
	assert.Equal(t, uint64(100_000_000), args.Stake)
	assert.Equal(t, DefaultJoinExpirySecs, args.JoinExpirySecs)
	assert.Zero(t, ledger.sentCount())
}

func TestBuildJoinMatchTxUnsigned(t *testing.T) {
	bridge, _ := newTestBridge(t, newFakeLedger(), false, "")
	gameMatch := solana.NewWallet().PublicKey()
	playerB := solana.NewWallet().PublicKey()

	built, err := bridge.BuildJoinMatchTx(context.Background(), gameMatch.String(), playerB.String(), 0)
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(built.SerializedTransaction)
	require.NoError(t, err)
	tx, err := solana.TransactionFromDecoder(bin.NewBinDecoder(raw))
	require.NoError(t, err)
	require.Len(t, tx.Signatures, 1)
	assert.True(t, tx.Signatures[0].IsZero())
	assert.Equal(t, playerB, tx.Message.AccountKeys[0])

	_, err = bridge.BuildJoinMatchTx(context.Background(), gameMatch.String(), "bogus", 0)
	assert.ErrorIs(t, err, ErrInvalidPublicKey)
}

func TestFetchMatchAccount(t *testing.T) {
	ledger := newFakeLedger()
	bridge, _ := newTestBridge(t, ledger, true, "")
	gameMatch := solana.NewWallet().PublicKey()

	_, err := bridge.FetchMatchAccount(context.Background(), gameMatch)
	assert.ErrorIs(t, err, ErrMatchAccountMissing)

	want := MatchAccount{
		PlayerA:          solana.NewWallet().PublicKey(),
		PlayerB:          solana.NewWallet().PublicKey(),
		Stake:            50_000_000,
		State:            uint8(MatchStateActive),
		CreatedAt:        1_700_000_000,
		JoinExpiryTs:     1_700_000_120,
		SettleDeadlineTs: 1_700_000_900,
		VaultBump:        253,
	}
	ledger.accounts[gameMatch] = encodeTestAccount(t, "Match", want)

	got, err := bridge.FetchMatchAccount(context.Background(), gameMatch)
	require.NoError(t, err)
	assert.Equal(t, want, *got)
	assert.Equal(t, MatchStateActive, got.AccountState())
}

func TestRunDiagnostics(t *testing.T) {
	bridge, authority := newTestBridge(t, newFakeLedger(), true, solana.NewWallet().PublicKey().String())

	result := bridge.RunDiagnostics(context.Background())
	assert.True(t, result.Configured)
	assert.True(t, result.RPCConnected)
	assert.Equal(t, authority.PublicKey().String(), result.AuthorityPubkey)
	assert.Equal(t, "2.5", result.AuthorityBalance)
	assert.NotEmpty(t, result.ConfigPDA)
	assert.NotEmpty(t, result.FeeVault)
	assert.Equal(t, DefaultFeeBps, result.FeeBps)
}
