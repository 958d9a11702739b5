package escrow

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"escrowchan/internal/cogs"
	"escrowchan/internal/contracts"
)

// EthLedger is the read and receipt surface of the deployed MultiPartyEscrow
// contract over an Ethereum JSON-RPC endpoint.
type EthLedger struct {
	client     *ethclient.Client
	escrowABI  abi.ABI
	escrow     *bind.BoundContract
	escrowAddr common.Address
	deployTx   common.Hash
}

type EthLedgerConfig struct {
	RPCURL           string
	EscrowAddress    string
	DeploymentTxHash string
}

func NewEthLedger(ctx context.Context, cfg EthLedgerConfig) (*EthLedger, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.EscrowAddress == "" {
		return nil, fmt.Errorf("escrow contract address is required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.MultiPartyEscrowABI))
	if err != nil {
		return nil, fmt.Errorf("parse escrow abi: %w", err)
	}

	address := common.HexToAddress(cfg.EscrowAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	return &EthLedger{
		client:     cli,
		escrowABI:  parsedABI,
		escrow:     bound,
		escrowAddr: address,
		deployTx:   common.HexToHash(cfg.DeploymentTxHash),
	}, nil
}

func (l *EthLedger) EscrowAddress() common.Address {
	return l.escrowAddr
}

// RPCClient exposes the underlying connection for account construction and
// health checks.
func (l *EthLedger) RPCClient() *ethclient.Client {
	return l.client
}

func (l *EthLedger) Balance(ctx context.Context, addr common.Address) (cogs.Amount, error) {
	var out []interface{}
	if err := l.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "balances", addr); err != nil {
		return cogs.Zero, fmt.Errorf("call balances: %w", err)
	}
	raw, ok := out[0].(*big.Int)
	if !ok {
		return cogs.Zero, fmt.Errorf("unexpected balances return type %T", out[0])
	}
	return cogs.FromBig(raw)
}

func (l *EthLedger) Channel(ctx context.Context, id cogs.Amount) (ChannelState, error) {
	var out []interface{}
	if err := l.escrow.Call(&bind.CallOpts{Context: ctx}, &out, "channels", id.BigInt()); err != nil {
		return ChannelState{}, fmt.Errorf("call channels: %w", err)
	}
	if len(out) != 7 {
		return ChannelState{}, fmt.Errorf("unexpected channels return arity %d", len(out))
	}

	value, err := cogs.FromBig(out[4].(*big.Int))
	if err != nil {
		return ChannelState{}, fmt.Errorf("channel value: %w", err)
	}
	nonce, err := cogs.FromBig(out[5].(*big.Int))
	if err != nil {
		return ChannelState{}, fmt.Errorf("channel nonce: %w", err)
	}
	expiration, err := cogs.FromBig(out[6].(*big.Int))
	if err != nil {
		return ChannelState{}, fmt.Errorf("channel expiration: %w", err)
	}

	return ChannelState{
		Sender:     out[0].(common.Address),
		Signer:     out[1].(common.Address),
		Recipient:  out[2].(common.Address),
		GroupID:    out[3].([32]byte),
		Value:      value,
		Nonce:      nonce,
		Expiration: expiration,
	}, nil
}

func (l *EthLedger) ChannelOpenLogs(ctx context.Context, fromBlock uint64, sender common.Address, group ServiceGroup) ([]ChannelOpenEvent, error) {
	event, ok := l.escrowABI.Events["ChannelOpen"]
	if !ok {
		return nil, fmt.Errorf("escrow abi is missing the ChannelOpen event")
	}

	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   nil, // latest
		Addresses: []common.Address{l.escrowAddr},
		Topics: [][]common.Hash{
			{event.ID},
			{common.BytesToHash(sender.Bytes())},
			{common.BytesToHash(group.Recipient.Bytes())},
			{common.Hash(group.GroupID)},
		},
	}

	logs, err := l.client.FilterLogs(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("filter channel open logs: %w", err)
	}

	events := make([]ChannelOpenEvent, 0, len(logs))
	for _, lg := range logs {
		if lg.Removed {
			continue
		}
		ev, err := l.parseChannelOpen(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, nil
}

func (l *EthLedger) parseChannelOpen(lg types.Log) (ChannelOpenEvent, error) {
	// Non-indexed data fields, in declaration order:
	// channelId, nonce, signer, amount, expiration.
	vals, err := l.escrowABI.Unpack("ChannelOpen", lg.Data)
	if err != nil {
		return ChannelOpenEvent{}, fmt.Errorf("unpack channel open event: %w", err)
	}
	if len(vals) != 5 {
		return ChannelOpenEvent{}, fmt.Errorf("unexpected channel open arity %d", len(vals))
	}
	if len(lg.Topics) != 4 {
		return ChannelOpenEvent{}, fmt.Errorf("unexpected channel open topic count %d", len(lg.Topics))
	}

	channelID, err := cogs.FromBig(vals[0].(*big.Int))
	if err != nil {
		return ChannelOpenEvent{}, fmt.Errorf("channel id: %w", err)
	}
	nonce, err := cogs.FromBig(vals[1].(*big.Int))
	if err != nil {
		return ChannelOpenEvent{}, fmt.Errorf("channel nonce: %w", err)
	}
	amount, err := cogs.FromBig(vals[3].(*big.Int))
	if err != nil {
		return ChannelOpenEvent{}, fmt.Errorf("channel amount: %w", err)
	}
	expiration, err := cogs.FromBig(vals[4].(*big.Int))
	if err != nil {
		return ChannelOpenEvent{}, fmt.Errorf("channel expiration: %w", err)
	}

	return ChannelOpenEvent{
		ChannelID:   channelID,
		Nonce:       nonce,
		Sender:      common.BytesToAddress(lg.Topics[1].Bytes()),
		Signer:      vals[2].(common.Address),
		Recipient:   common.BytesToAddress(lg.Topics[2].Bytes()),
		GroupID:     lg.Topics[3],
		Amount:      amount,
		Expiration:  expiration,
		BlockNumber: lg.BlockNumber,
		TxHash:      lg.TxHash,
	}, nil
}

func (l *EthLedger) DeploymentBlock(ctx context.Context) (uint64, error) {
	if l.deployTx == (common.Hash{}) {
		return 0, fmt.Errorf("deployment transaction hash not configured")
	}
	receipt, err := l.client.TransactionReceipt(ctx, l.deployTx)
	if err != nil {
		return 0, fmt.Errorf("fetch deployment receipt: %w", err)
	}
	return receipt.BlockNumber.Uint64(), nil
}

func (l *EthLedger) BlockNumber(ctx context.Context) (uint64, error) {
	return l.client.BlockNumber(ctx)
}

// Ping verifies the RPC endpoint answers.
func (l *EthLedger) Ping(ctx context.Context) error {
	if l.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := l.client.BlockNumber(ctx)
	return err
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && err.Error() != "not found" {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
