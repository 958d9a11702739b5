package escrow

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"escrowchan/internal/cogs"
)

func TestGetPastOpenChannelsFiltersAndOrders(t *testing.T) {
	client, ledger, account := newTestClient()
	ctx := context.Background()
	ledger.SetWalletBalance(testSender, cogs.New(10_000))
	ledger.SetAllowance(testSender, cogs.New(10_000))

	group := testGroup()
	otherGroup := ServiceGroup{
		Recipient: common.HexToAddress("0x3333333333333333333333333333333333333333"),
		GroupID:   group.GroupID,
	}

	if _, err := client.DepositAndOpenChannel(ctx, account, group, cogs.New(100), cogs.New(500)); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	if _, err := client.DepositAndOpenChannel(ctx, account, otherGroup, cogs.New(100), cogs.New(500)); err != nil {
		t.Fatalf("open 2: %v", err)
	}
	if _, err := client.DepositAndOpenChannel(ctx, account, group, cogs.New(100), cogs.New(600)); err != nil {
		t.Fatalf("open 3: %v", err)
	}

	channels, err := client.GetPastOpenChannels(ctx, account, group, nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("expected 2 matching channels, got %d", len(channels))
	}
	if channels[0].ID().Cmp(cogs.New(0)) != 0 || channels[1].ID().Cmp(cogs.New(2)) != 0 {
		t.Fatalf("expected ids [0 2] in event order, got [%s %s]", channels[0].ID(), channels[1].ID())
	}
}

func TestGetPastOpenChannelsNoMatches(t *testing.T) {
	client, _, account := newTestClient()
	ctx := context.Background()

	channels, err := client.GetPastOpenChannels(ctx, account, testGroup(), nil)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("expected no channels, got %d", len(channels))
	}
}

func TestGetPastOpenChannelsFromBlock(t *testing.T) {
	client, ledger, account := newTestClient()
	ctx := context.Background()
	ledger.SetWalletBalance(testSender, cogs.New(10_000))
	ledger.SetAllowance(testSender, cogs.New(10_000))

	group := testGroup()
	if _, err := client.DepositAndOpenChannel(ctx, account, group, cogs.New(100), cogs.New(500)); err != nil {
		t.Fatalf("open 1: %v", err)
	}
	cut, err := client.CurrentBlock(ctx)
	if err != nil {
		t.Fatalf("current block: %v", err)
	}
	if _, err := client.DepositAndOpenChannel(ctx, account, group, cogs.New(100), cogs.New(500)); err != nil {
		t.Fatalf("open 2: %v", err)
	}

	channels, err := client.GetPastOpenChannels(ctx, account, group, &cut)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("expected 1 channel after block %d, got %d", cut, len(channels))
	}
	if channels[0].ID().Cmp(cogs.New(1)) != 0 {
		t.Fatalf("expected channel 1, got %s", channels[0].ID())
	}
}

func TestDeploymentBlockCachedAcrossScans(t *testing.T) {
	client, ledger, account := newTestClient()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := client.GetPastOpenChannels(ctx, account, testGroup(), nil); err != nil {
			t.Fatalf("discover %d: %v", i, err)
		}
	}
	if ledger.DeployLookups() != 1 {
		t.Fatalf("expected one deployment block lookup, got %d", ledger.DeployLookups())
	}

	// An explicit fromBlock never consults the deployment receipt.
	from := uint64(7)
	if _, err := client.GetPastOpenChannels(ctx, account, testGroup(), &from); err != nil {
		t.Fatalf("discover with fromBlock: %v", err)
	}
	if ledger.DeployLookups() != 1 {
		t.Fatalf("expected cached deployment block, got %d lookups", ledger.DeployLookups())
	}
}
