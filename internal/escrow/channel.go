package escrow

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"escrowchan/internal/cogs"
)

// PaymentChannel is a handle to one channel: its identity plus a lazily
// fetched state snapshot. The snapshot is a cache of what the ledger said at
// refresh time; mutating operations never update it locally, they only make
// a later Refresh observe the new ledger state.
type PaymentChannel struct {
	id      cogs.Amount
	account Account
	group   ServiceGroup
	client  *Client

	mu     sync.Mutex
	state  ChannelState
	loaded bool
}

func newPaymentChannel(id cogs.Amount, account Account, group ServiceGroup, client *Client) *PaymentChannel {
	return &PaymentChannel{
		id:      id,
		account: account,
		group:   group,
		client:  client,
	}
}

// NewPaymentChannel binds a handle to a known channel id.
func NewPaymentChannel(id cogs.Amount, account Account, group ServiceGroup, client *Client) *PaymentChannel {
	return newPaymentChannel(id, account, group, client)
}

// ID is the ledger-assigned channel identifier.
func (p *PaymentChannel) ID() cogs.Amount { return p.id }

// Group is the service group the channel pays into.
func (p *PaymentChannel) Group() ServiceGroup { return p.group }

// State returns the cached snapshot, fetching it on first use.
func (p *PaymentChannel) State(ctx context.Context) (ChannelState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loaded {
		return p.state, nil
	}
	return p.refreshLocked(ctx)
}

// Refresh re-reads the authoritative channel state from the ledger.
func (p *PaymentChannel) Refresh(ctx context.Context) (ChannelState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.refreshLocked(ctx)
}

func (p *PaymentChannel) refreshLocked(ctx context.Context) (ChannelState, error) {
	state, err := p.client.Channels(ctx, p.id)
	if err != nil {
		return ChannelState{}, err
	}
	p.state = state
	p.loaded = true
	return state, nil
}

// AddFunds adds amount to the channel's value.
func (p *PaymentChannel) AddFunds(ctx context.Context, amount cogs.Amount) (*types.Receipt, error) {
	return p.client.ChannelAddFunds(ctx, p.account, p.id, amount)
}

// Extend raises the channel's expiration.
func (p *PaymentChannel) Extend(ctx context.Context, expiry cogs.Amount) (*types.Receipt, error) {
	return p.client.ChannelExtend(ctx, p.account, p.id, expiry)
}

// ExtendAndAddFunds raises the expiration and adds funds in one transaction.
func (p *PaymentChannel) ExtendAndAddFunds(ctx context.Context, expiry cogs.Amount, amount cogs.Amount) (*types.Receipt, error) {
	return p.client.ChannelExtendAndAddFunds(ctx, p.account, p.id, expiry, amount)
}

// ClaimTimeout reclaims the channel's unused funds after expiry.
func (p *PaymentChannel) ClaimTimeout(ctx context.Context) (*types.Receipt, error) {
	return p.client.ChannelClaimTimeout(ctx, p.account, p.id)
}
