package blockchain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go/rpc"
	"go.uber.org/zap"
)

// DiagnosticResult holds the result of a Solana connectivity diagnostic
type DiagnosticResult struct {
	Configured       bool   `json:"configured"`
	RPCConnected     bool   `json:"rpc_connected"`
	RPCURL           string `json:"rpc_url"`
	RPCError         string `json:"rpc_error,omitempty"`
	LatestBlockhash  string `json:"latest_blockhash,omitempty"`
	AuthorityKeySet  bool   `json:"authority_key_set"`
	AuthorityPubkey  string `json:"authority_pubkey,omitempty"`
	AuthorityBalance string `json:"authority_balance_sol,omitempty"`
	ProgramID        string `json:"program_id,omitempty"`
	ConfigPDA        string `json:"config_pda,omitempty"`
	PDAError         string `json:"pda_error,omitempty"`
	FeeVault         string `json:"fee_vault,omitempty"`
	FeeVaultError    string `json:"fee_vault_error,omitempty"`
	FeeBps           int64  `json:"fee_bps"`
	Timestamp        string `json:"timestamp"`
}

// RunDiagnostics checks RPC connectivity, the authority key, PDA derivation and the fee vault
func (b *EscrowBridge) RunDiagnostics(ctx context.Context) *DiagnosticResult {
	result := &DiagnosticResult{
		Configured: b.IsConfigured(),
		RPCURL:     b.rpcURL,
		FeeBps:     b.feeBps,
		Timestamp:  time.Now().Format(time.RFC3339),
	}
	if b.hasProgram {
		result.ProgramID = b.programID.String()
	}

	if b.rpc == nil {
		result.RPCError = "rpc client not configured"
	} else {
		blockhash, err := b.rpc.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
		if err != nil {
			result.RPCError = err.Error()
			b.logger.Warn("diagnostics: rpc unreachable", zap.Error(err))
		} else {
			result.RPCConnected = true
			result.LatestBlockhash = blockhash.Value.Blockhash.String()
		}
	}

	if authority, ok := b.AuthorityPublicKey(); ok {
		result.AuthorityKeySet = true
		result.AuthorityPubkey = authority.String()
		if result.RPCConnected {
			if balance, err := b.GetSOLBalance(ctx, authority); err == nil {
				result.AuthorityBalance = balance.String()
			}
		}
	}

	if b.hasProgram {
		configAddr, err := b.ConfigAddress()
		if err != nil {
			result.PDAError = err.Error()
		} else {
			result.ConfigPDA = configAddr.String()
		}

		if result.RPCConnected {
			feeVault, err := b.ResolveFeeVault(ctx, "")
			if err != nil {
				result.FeeVaultError = err.Error()
			} else {
				result.FeeVault = feeVault.String()
			}
		}
	}

	b.logger.Info("diagnostics complete",
		zap.Bool("configured", result.Configured),
		zap.Bool("rpcConnected", result.RPCConnected),
		zap.Bool("authorityKeySet", result.AuthorityKeySet),
	)
	return result
}
