package escrow

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrowchan/internal/cogs"
	"escrowchan/internal/contracts"
)

// EthAccount is a funding identity backed by a single ECDSA key. The same
// key funds channels and signs channel payments, so Address and
// SignerAddress coincide. Allowance is re-read from the token contract on
// every call; nothing is cached.
type EthAccount struct {
	client     *ethclient.Client
	key        *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	transacts  *bind.TransactOpts
	escrowAddr common.Address
	tokenAddr  common.Address
	token      *bind.BoundContract

	// contracts routes SendTransaction targets to their bound contract.
	contracts map[common.Address]*bind.BoundContract
}

type EthAccountConfig struct {
	PrivateKeyHex string
	EscrowAddress string
	TokenAddress  string
}

func NewEthAccount(ctx context.Context, cli *ethclient.Client, cfg EthAccountConfig) (*EthAccount, error) {
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting transactions")
	}
	if cfg.EscrowAddress == "" || cfg.TokenAddress == "" {
		return nil, fmt.Errorf("escrow and token contract addresses are required")
	}

	key, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	escrowABI, err := abi.JSON(strings.NewReader(contracts.MultiPartyEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}
	tokenABI, err := abi.JSON(strings.NewReader(contracts.TokenABI))
	if err != nil {
		return nil, fmt.Errorf("parse token abi: %w", err)
	}

	escrowAddr := common.HexToAddress(cfg.EscrowAddress)
	tokenAddr := common.HexToAddress(cfg.TokenAddress)
	escrow := bind.NewBoundContract(escrowAddr, escrowABI, cli, cli, cli)
	token := bind.NewBoundContract(tokenAddr, tokenABI, cli, cli, cli)

	return &EthAccount{
		client:     cli,
		key:        key,
		address:    crypto.PubkeyToAddress(key.PublicKey),
		chainID:    chainID,
		transacts:  txOpts,
		escrowAddr: escrowAddr,
		tokenAddr:  tokenAddr,
		token:      token,
		contracts: map[common.Address]*bind.BoundContract{
			escrowAddr: escrow,
			tokenAddr:  token,
		},
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (a *EthAccount) Address() common.Address {
	return a.address
}

func (a *EthAccount) SignerAddress() common.Address {
	return a.address
}

func (a *EthAccount) Allowance(ctx context.Context) (cogs.Amount, error) {
	var out []interface{}
	if err := a.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", a.address, a.escrowAddr); err != nil {
		return cogs.Zero, fmt.Errorf("call allowance: %w", err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return cogs.Zero, fmt.Errorf("unexpected allowance return type %T", out[0])
	}
	return cogs.FromBig(raw)
}

func (a *EthAccount) ApproveTransfer(ctx context.Context, amount cogs.Amount) (*types.Receipt, error) {
	log.Printf("approving escrow transfer of %scogs", amount)
	return a.SendTransaction(ctx, a.tokenAddr, "approve", a.escrowAddr, amount.String())
}

// DepositToEscrowAccount moves amount from the wallet into the escrow
// balance, first raising the token allowance when it is short. Equality
// skips the approval; an allowance covering the amount needs no raise.
func (a *EthAccount) DepositToEscrowAccount(ctx context.Context, amount cogs.Amount) (*types.Receipt, error) {
	approved, err := a.Allowance(ctx)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(approved) > 0 {
		if _, err := a.ApproveTransfer(ctx, amount); err != nil {
			return nil, err
		}
	}
	return a.SendTransaction(ctx, a.escrowAddr, "deposit", amount.String())
}

// SendTransaction signs and submits one contract call and blocks until it is
// mined, returning the receipt. Decimal-string arguments are decoded to
// big integers at this boundary; a mined-but-reverted transaction is an
// error, since the caller's operation did not take effect.
func (a *EthAccount) SendTransaction(ctx context.Context, target common.Address, operation string, args ...interface{}) (*types.Receipt, error) {
	contract, ok := a.contracts[target]
	if !ok {
		return nil, fmt.Errorf("no contract bound at %s", target.Hex())
	}

	packed, err := decodeArgs(args)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}

	opts := *a.transacts
	opts.Context = ctx

	tx, err := contract.Transact(&opts, operation, packed...)
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", operation, err)
	}

	receipt, err := WaitForReceipt(ctx, a.client, tx.Hash())
	if err != nil {
		return nil, fmt.Errorf("await %s: %w", operation, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return receipt, fmt.Errorf("%s reverted in tx %s", operation, tx.Hash().Hex())
	}
	return receipt, nil
}

// decodeArgs maps wire arguments to ABI values. Numeric quantities cross the
// boundary as decimal strings and become big integers here; addresses and
// byte arrays pass through.
func decodeArgs(args []interface{}) ([]interface{}, error) {
	out := make([]interface{}, 0, len(args))
	for _, arg := range args {
		s, ok := arg.(string)
		if !ok {
			out = append(out, arg)
			continue
		}
		v, valid := new(big.Int).SetString(s, 10)
		if !valid || v.Sign() < 0 {
			return nil, fmt.Errorf("invalid numeric argument %q", s)
		}
		out = append(out, v)
	}
	return out, nil
}
