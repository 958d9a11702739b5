package escrow

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowchan/internal/cogs"
)

// Client is the single entry point for escrow and channel operations against
// the multi-party escrow ledger. It enforces precondition top-ups (allowance
// approval, escrow balance funding) before the primary transaction of each
// operation, and serializes mutating operations per sender address: the
// read-then-top-up funding sequence is only correct when no other in-flight
// operation is changing the same account's escrow balance between the read
// and the deposit. The ledger remains the sole source of truth; results are
// raw transaction receipts and state is always re-read, never inferred.
//
// Each mutating operation is one or more independent, irrevocable ledger
// transactions. Nothing here makes the sequence atomic; the ordering and
// precondition checks are what keep a partial failure retryable.
type Client struct {
	ledger Ledger

	mu    sync.Mutex
	locks map[common.Address]*sync.Mutex

	deployMu    sync.Mutex
	deployBlock uint64
	deployKnown bool
}

// NewClient builds a client over the given ledger access layer.
func NewClient(ledger Ledger) *Client {
	return &Client{
		ledger: ledger,
		locks:  make(map[common.Address]*sync.Mutex),
	}
}

// accountLock returns the mutex serializing mutating operations for one
// sender address.
func (c *Client) accountLock(addr common.Address) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[addr]
	if !ok {
		l = &sync.Mutex{}
		c.locks[addr] = l
	}
	return l
}

// Balance reads the current escrow balance for addr. No side effects.
func (c *Client) Balance(ctx context.Context, addr common.Address) (cogs.Amount, error) {
	balance, err := c.ledger.Balance(ctx, addr)
	if err != nil {
		return cogs.Zero, wrap(err, ErrQueryFailed, "balance of %s", addr.Hex())
	}
	return balance, nil
}

// Deposit transfers amount from the account's wallet into its escrow
// balance. The ledger enforces the wallet balance; a shortfall reverts.
func (c *Client) Deposit(ctx context.Context, account Account, amount cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("deposit: non-positive amount: %w", ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	log.Printf("depositing %scogs to escrow account", amount)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "deposit", amount.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "deposit amount %s", amount)
	}
	return receipt, nil
}

// Withdraw moves amount from the account's escrow balance back to its
// wallet. The ledger enforces amount <= escrow balance.
func (c *Client) Withdraw(ctx context.Context, account Account, amount cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("withdraw: non-positive amount: %w", ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	log.Printf("withdrawing %scogs from escrow account", amount)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "withdraw", amount.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "withdraw amount %s", amount)
	}
	return receipt, nil
}

// OpenChannel opens a new channel to the service group, funded from the
// account's already-deposited escrow balance. An insufficient escrow balance
// reverts at the ledger.
func (c *Client) OpenChannel(ctx context.Context, account Account, group ServiceGroup, amount cogs.Amount, expiry cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("open channel: non-positive amount: %w", ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	log.Printf("opening payment channel [amount: %s, expiry: %s]", amount, expiry)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "openChannel",
		account.SignerAddress(), group.Recipient, group.GroupID, amount.String(), expiry.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "open channel amount %s", amount)
	}
	return receipt, nil
}

// DepositAndOpenChannel deposits from the wallet and opens the channel as one
// requested operation. The allowance is read first and raised when short;
// that approval must complete before the combined transaction is submitted,
// because an open pulling wallet funds without sufficient allowance reverts.
// The approval and the open remain two independent ledger transactions.
func (c *Client) DepositAndOpenChannel(ctx context.Context, account Account, group ServiceGroup, amount cogs.Amount, expiry cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("deposit and open channel: non-positive amount: %w", ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	approved, err := account.Allowance(ctx)
	if err != nil {
		return nil, wrap(err, ErrQueryFailed, "read allowance before open")
	}
	// Strict greater-than: an allowance exactly equal to the amount already
	// satisfies the transfer, so equality skips the approval.
	if amount.Cmp(approved) > 0 {
		if _, err := account.ApproveTransfer(ctx, amount); err != nil {
			return nil, wrap(err, ErrTransactionFailed, "approve transfer of %s", amount)
		}
	}

	log.Printf("depositing %scogs and opening payment channel [expiry: %s]", amount, expiry)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "depositAndOpenChannel",
		account.SignerAddress(), group.Recipient, group.GroupID, amount.String(), expiry.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "deposit and open channel amount %s", amount)
	}
	return receipt, nil
}

// ChannelAddFunds adds amount to an existing channel's value, topping up the
// account's escrow balance first if needed. The top-up and the add-funds are
// separate transactions: a failure between them leaves the escrow topped up
// and the channel unfunded, in which case retrying ChannelAddFunds alone is
// safe because the top-up re-check finds the balance already covered.
func (c *Client) ChannelAddFunds(ctx context.Context, account Account, channelID cogs.Amount, amount cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("add funds to channel %s: non-positive amount: %w", channelID, ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	if err := c.fundEscrowAccount(ctx, account, amount); err != nil {
		return nil, err
	}

	log.Printf("funding channel %s with %scogs", channelID, amount)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "channelAddFunds",
		channelID.String(), amount.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "add funds to channel %s amount %s", channelID, amount)
	}
	return receipt, nil
}

// ChannelExtend raises the channel's expiration. Value is unchanged; the
// ledger rejects an expiration lower than the current one.
func (c *Client) ChannelExtend(ctx context.Context, account Account, channelID cogs.Amount, expiry cogs.Amount) (*types.Receipt, error) {
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	log.Printf("extending channel %s to block %s", channelID, expiry)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "channelExtend",
		channelID.String(), expiry.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "extend channel %s to %s", channelID, expiry)
	}
	return receipt, nil
}

// ChannelExtendAndAddFunds extends the channel and adds funds in a single
// transaction, after the same conditional escrow top-up as ChannelAddFunds.
func (c *Client) ChannelExtendAndAddFunds(ctx context.Context, account Account, channelID cogs.Amount, expiry cogs.Amount, amount cogs.Amount) (*types.Receipt, error) {
	if amount.IsZero() {
		return nil, fmt.Errorf("extend and add funds to channel %s: non-positive amount: %w", channelID, ErrInvalidArgument)
	}
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	if err := c.fundEscrowAccount(ctx, account, amount); err != nil {
		return nil, err
	}

	log.Printf("extending channel %s to block %s and funding with %scogs", channelID, expiry, amount)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "channelExtendAndAddFunds",
		channelID.String(), expiry.String(), amount.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "extend and add funds to channel %s amount %s", channelID, amount)
	}
	return receipt, nil
}

// ChannelClaimTimeout reclaims the unused funds of a channel the caller
// believes expired. The ledger is authoritative on the expiry condition and
// reverts if it does not hold.
func (c *Client) ChannelClaimTimeout(ctx context.Context, account Account, channelID cogs.Amount) (*types.Receipt, error) {
	l := c.accountLock(account.Address())
	l.Lock()
	defer l.Unlock()

	log.Printf("claiming unused funds from expired channel %s", channelID)
	receipt, err := account.SendTransaction(ctx, c.ledger.EscrowAddress(), "channelClaimTimeout",
		channelID.String())
	if err != nil {
		return nil, wrap(err, ErrTransactionFailed, "claim timeout of channel %s", channelID)
	}
	return receipt, nil
}

// Channels reads the authoritative current state of one channel by id.
func (c *Client) Channels(ctx context.Context, channelID cogs.Amount) (ChannelState, error) {
	state, err := c.ledger.Channel(ctx, channelID)
	if err != nil {
		return ChannelState{}, wrap(err, ErrQueryFailed, "read channel %s", channelID)
	}
	return state, nil
}

// CurrentBlock reads the latest ledger block height.
func (c *Client) CurrentBlock(ctx context.Context) (uint64, error) {
	n, err := c.ledger.BlockNumber(ctx)
	if err != nil {
		return 0, wrap(err, ErrQueryFailed, "read block number")
	}
	return n, nil
}

// Ping checks ledger connectivity when the underlying access layer supports
// it. In-memory ledgers are always reachable.
func (c *Client) Ping(ctx context.Context) error {
	if p, ok := c.ledger.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// fundEscrowAccount guarantees the account's escrow balance covers amount by
// depositing exactly the shortfall. Read-then-act: the guarantee holds only
// under the per-account lock every caller of this routine already holds. A
// balance exactly equal to the requirement deposits nothing (strict
// greater-than, matching the allowance check).
func (c *Client) fundEscrowAccount(ctx context.Context, account Account, amount cogs.Amount) error {
	balance, err := c.ledger.Balance(ctx, account.Address())
	if err != nil {
		return wrap(err, ErrQueryFailed, "read escrow balance before top-up")
	}
	if amount.Cmp(balance) > 0 {
		shortfall, err := amount.Sub(balance)
		if err != nil {
			return fmt.Errorf("escrow top-up: %v: %w", err, ErrInvalidArgument)
		}
		log.Printf("topping up escrow account with %scogs", shortfall)
		if _, err := account.DepositToEscrowAccount(ctx, shortfall); err != nil {
			return wrap(err, ErrTransactionFailed, "escrow top-up of %s", shortfall)
		}
	}
	return nil
}

// wrap adds operation context to err, labelling it with fallback unless the
// error already carries one of the error kinds.
func wrap(err error, fallback error, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if classified(err) {
		return fmt.Errorf("%s: %w", msg, err)
	}
	return fmt.Errorf("%s: %v: %w", msg, err, fallback)
}
