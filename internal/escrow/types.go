package escrow

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowchan/internal/cogs"
)

// ServiceGroup identifies the payee and payment group a channel targets. It
// is supplied by service discovery and treated as opaque here.
type ServiceGroup struct {
	Recipient common.Address
	GroupID   [32]byte
}

// ChannelStatus is the derived lifecycle state of a channel.
type ChannelStatus string

const (
	ChannelOpenStatus ChannelStatus = "open"
	ChannelExpired    ChannelStatus = "expired"
)

// ChannelState is the authoritative on-ledger state of one channel, as
// returned by the channels(id) read. Local copies are caches only; they are
// never mutated to an assumed post-transaction state.
type ChannelState struct {
	Sender     common.Address
	Signer     common.Address
	Recipient  common.Address
	GroupID    [32]byte
	Value      cogs.Amount
	Nonce      cogs.Amount
	Expiration cogs.Amount
}

// Status derives open/expired from the current block height. The ledger is
// authoritative; this is a convenience for display and pre-flight checks.
func (s ChannelState) Status(currentBlock uint64) ChannelStatus {
	if s.Expiration.Cmp(cogs.New(currentBlock)) <= 0 {
		return ChannelExpired
	}
	return ChannelOpenStatus
}

// ChannelOpenEvent is one ChannelOpen entry from the ledger's event log.
type ChannelOpenEvent struct {
	ChannelID   cogs.Amount
	Nonce       cogs.Amount
	Sender      common.Address
	Signer      common.Address
	Recipient   common.Address
	GroupID     [32]byte
	Amount      cogs.Amount
	Expiration  cogs.Amount
	BlockNumber uint64
	TxHash      common.Hash
}

// Account is the funding identity for escrow operations: it holds a signing
// address, knows its token allowance granted to the escrow contract, and can
// submit signed transactions. Allowance and balances are always re-read from
// the ledger, never cached across calls.
type Account interface {
	// Address is the funding address channels are opened from.
	Address() common.Address

	// SignerAddress is the address authorized to sign channel payments.
	SignerAddress() common.Address

	// Allowance reads the amount currently approved for the escrow
	// contract to pull from the wallet.
	Allowance(ctx context.Context) (cogs.Amount, error)

	// ApproveTransfer raises the escrow contract's allowance to amount.
	ApproveTransfer(ctx context.Context, amount cogs.Amount) (*types.Receipt, error)

	// DepositToEscrowAccount moves amount from the wallet into the
	// account's escrow balance, approving first if the allowance is short.
	DepositToEscrowAccount(ctx context.Context, amount cogs.Amount) (*types.Receipt, error)

	// SendTransaction signs and submits one contract call to target and
	// blocks until the ledger confirms it. Numeric arguments cross this
	// boundary as decimal strings; submission is irrevocable.
	SendTransaction(ctx context.Context, target common.Address, operation string, args ...interface{}) (*types.Receipt, error)
}

// Ledger is the read and receipt surface of the escrow contract the client
// consumes. Mutations go through Account.SendTransaction instead, so tests
// can observe ordering with a fake implementing both sides.
type Ledger interface {
	// EscrowAddress is the deployed escrow contract address, the target of
	// every mutating operation.
	EscrowAddress() common.Address

	// Balance reads the current escrow balance held for addr.
	Balance(ctx context.Context, addr common.Address) (cogs.Amount, error)

	// Channel reads the authoritative state of one channel by id.
	Channel(ctx context.Context, id cogs.Amount) (ChannelState, error)

	// ChannelOpenLogs scans [fromBlock, latest] for ChannelOpen events
	// matching sender, recipient and group, in ascending event order.
	ChannelOpenLogs(ctx context.Context, fromBlock uint64, sender common.Address, group ServiceGroup) ([]ChannelOpenEvent, error)

	// DeploymentBlock resolves the block the escrow contract was deployed
	// in, via the deployment transaction's receipt. Callers cache it; a
	// contract's deployment block never changes.
	DeploymentBlock(ctx context.Context) (uint64, error)

	// BlockNumber reads the latest block height.
	BlockNumber(ctx context.Context) (uint64, error)
}
