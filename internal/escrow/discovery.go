package escrow

import (
	"context"
	"log"
)

// GetPastOpenChannels reconstructs the channels opened between the account
// and the service group by scanning the ledger's ChannelOpen event log from
// fromBlock to the latest block. Pass nil fromBlock to start at the escrow
// contract's deployment block, resolved once per client and cached.
//
// Handles come back in ascending event order, one per matching event; each
// open emits exactly one event per channel id so no deduplication is done.
// This is a pure read path.
func (c *Client) GetPastOpenChannels(ctx context.Context, account Account, group ServiceGroup, fromBlock *uint64) ([]*PaymentChannel, error) {
	start, err := c.resolveFromBlock(ctx, fromBlock)
	if err != nil {
		return nil, err
	}

	log.Printf("fetching channel open events from block %d", start)
	events, err := c.ledger.ChannelOpenLogs(ctx, start, account.Address(), group)
	if err != nil {
		return nil, wrap(err, ErrQueryFailed, "scan channel open events from block %d", start)
	}

	channels := make([]*PaymentChannel, 0, len(events))
	for _, ev := range events {
		channels = append(channels, newPaymentChannel(ev.ChannelID, account, group, c))
	}
	return channels, nil
}

// resolveFromBlock returns the caller's starting block, or the cached
// deployment block height. The lookup goes through the deployment
// transaction's receipt and is fallible, so it is cached explicitly on first
// success rather than at construction; a deployment block never changes, so
// the cache needs no invalidation.
func (c *Client) resolveFromBlock(ctx context.Context, fromBlock *uint64) (uint64, error) {
	if fromBlock != nil {
		return *fromBlock, nil
	}

	c.deployMu.Lock()
	defer c.deployMu.Unlock()
	if c.deployKnown {
		return c.deployBlock, nil
	}
	block, err := c.ledger.DeploymentBlock(ctx)
	if err != nil {
		return 0, wrap(err, ErrQueryFailed, "resolve escrow deployment block")
	}
	c.deployBlock = block
	c.deployKnown = true
	return block, nil
}
