package escrow

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"escrowchan/internal/cogs"
)

// FakeCall is one recorded ledger mutation, in submission order.
type FakeCall struct {
	Op   string
	Args []string
}

// FakeLedger emulates the escrow contract in memory: wallet balances, token
// allowances, escrow balances and channels, with every mutation recorded in
// order. It stands in for the chain during development (no private key
// configured) and backs the call-ordering assertions in tests.
//
// Semantics mirror the contract: deposits pull from the wallet through the
// allowance, opens assign sequential channel ids and emit one ChannelOpen
// event each, extends reject a lower expiration, claims require expiry.
type FakeLedger struct {
	mu           sync.Mutex
	escrowAddr   common.Address
	deployBlock  uint64
	currentBlock uint64
	txCount      uint64

	wallets    map[common.Address]*big.Int
	allowances map[common.Address]*big.Int
	balances   map[common.Address]*big.Int

	nextChannelID uint64
	channels      map[uint64]*ChannelState
	events        []ChannelOpenEvent

	calls         []FakeCall
	deployLookups int
}

func NewFakeLedger() *FakeLedger {
	return &FakeLedger{
		escrowAddr:   common.HexToAddress("0x000000000000000000000000000000000000e5c0"),
		deployBlock:  1,
		currentBlock: 1,
		wallets:      make(map[common.Address]*big.Int),
		allowances:   make(map[common.Address]*big.Int),
		balances:     make(map[common.Address]*big.Int),
		channels:     make(map[uint64]*ChannelState),
	}
}

// Calls returns the recorded mutations in submission order.
func (f *FakeLedger) Calls() []FakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]FakeCall, len(f.calls))
	copy(out, f.calls)
	return out
}

// SetWalletBalance seeds the token balance held outside escrow.
func (f *FakeLedger) SetWalletBalance(addr common.Address, amount cogs.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.wallets[addr] = amount.BigInt()
}

// SetEscrowBalance seeds the balance already deposited in escrow.
func (f *FakeLedger) SetEscrowBalance(addr common.Address, amount cogs.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[addr] = amount.BigInt()
}

// SetAllowance seeds the approved transfer amount.
func (f *FakeLedger) SetAllowance(addr common.Address, amount cogs.Amount) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowances[addr] = amount.BigInt()
}

// AdvanceBlocks moves the chain head forward, expiring channels whose
// expiration falls at or below the new height.
func (f *FakeLedger) AdvanceBlocks(n uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.currentBlock += n
}

func (f *FakeLedger) EscrowAddress() common.Address {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.escrowAddr
}

func (f *FakeLedger) Balance(_ context.Context, addr common.Address) (cogs.Amount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return cogs.FromBig(f.get(f.balances, addr))
}

func (f *FakeLedger) Channel(_ context.Context, id cogs.Amount) (ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, err := id.Uint64()
	if err != nil {
		return ChannelState{}, fmt.Errorf("channel id: %v: %w", err, ErrInvalidArgument)
	}
	ch, ok := f.channels[raw]
	if !ok {
		// The contract's channels mapping returns a zeroed struct for
		// unknown ids; mirror that rather than failing.
		return ChannelState{}, nil
	}
	return *ch, nil
}

func (f *FakeLedger) ChannelOpenLogs(_ context.Context, fromBlock uint64, sender common.Address, group ServiceGroup) ([]ChannelOpenEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ChannelOpenEvent
	for _, ev := range f.events {
		if ev.BlockNumber < fromBlock {
			continue
		}
		if ev.Sender != sender || ev.Recipient != group.Recipient || ev.GroupID != group.GroupID {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func (f *FakeLedger) DeploymentBlock(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deployLookups++
	return f.deployBlock, nil
}

// DeployLookups counts DeploymentBlock resolutions, to assert caching.
func (f *FakeLedger) DeployLookups() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deployLookups
}

func (f *FakeLedger) BlockNumber(_ context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.currentBlock, nil
}

func (f *FakeLedger) get(m map[common.Address]*big.Int, addr common.Address) *big.Int {
	v, ok := m[addr]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}

func (f *FakeLedger) record(op string, args ...string) {
	f.calls = append(f.calls, FakeCall{Op: op, Args: args})
}

func (f *FakeLedger) approve(owner common.Address, amount *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("approve", amount.String())
	f.allowances[owner] = new(big.Int).Set(amount)
	f.currentBlock++
}

// apply executes one escrow contract operation on behalf of sender.
func (f *FakeLedger) apply(sender common.Address, operation string, args []interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	rendered := renderArgs(args)
	f.record(operation, rendered...)

	switch operation {
	case "deposit":
		amount := numArg(args, 0)
		if f.get(f.allowances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("deposit of %s: %w", amount, ErrInsufficientAllowance)
		}
		if f.get(f.wallets, sender).Cmp(amount) < 0 {
			return fmt.Errorf("deposit of %s: %w", amount, ErrInsufficientFunds)
		}
		f.wallets[sender] = new(big.Int).Sub(f.get(f.wallets, sender), amount)
		f.allowances[sender] = new(big.Int).Sub(f.get(f.allowances, sender), amount)
		f.balances[sender] = new(big.Int).Add(f.get(f.balances, sender), amount)

	case "withdraw":
		amount := numArg(args, 0)
		if f.get(f.balances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("withdraw of %s: %w", amount, ErrInsufficientFunds)
		}
		f.balances[sender] = new(big.Int).Sub(f.get(f.balances, sender), amount)
		f.wallets[sender] = new(big.Int).Add(f.get(f.wallets, sender), amount)

	case "openChannel":
		amount := numArg(args, 3)
		if f.get(f.balances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("open channel for %s: %w", amount, ErrInsufficientFunds)
		}
		f.balances[sender] = new(big.Int).Sub(f.get(f.balances, sender), amount)
		f.open(sender, args)

	case "depositAndOpenChannel":
		amount := numArg(args, 3)
		if f.get(f.allowances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("deposit and open for %s: %w", amount, ErrInsufficientAllowance)
		}
		if f.get(f.wallets, sender).Cmp(amount) < 0 {
			return fmt.Errorf("deposit and open for %s: %w", amount, ErrInsufficientFunds)
		}
		f.wallets[sender] = new(big.Int).Sub(f.get(f.wallets, sender), amount)
		f.allowances[sender] = new(big.Int).Sub(f.get(f.allowances, sender), amount)
		f.open(sender, args)

	case "channelAddFunds":
		id, amount := idArg(args, 0), numArg(args, 1)
		ch, ok := f.channels[id]
		if !ok {
			return fmt.Errorf("unknown channel %d: %w", id, ErrChannelPrecondition)
		}
		if f.get(f.balances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("add funds of %s: %w", amount, ErrInsufficientFunds)
		}
		f.balances[sender] = new(big.Int).Sub(f.get(f.balances, sender), amount)
		ch.Value = ch.Value.Add(mustAmount(amount))

	case "channelExtend":
		id, expiry := idArg(args, 0), numArg(args, 1)
		ch, ok := f.channels[id]
		if !ok {
			return fmt.Errorf("unknown channel %d: %w", id, ErrChannelPrecondition)
		}
		if mustAmount(expiry).Cmp(ch.Expiration) < 0 {
			return fmt.Errorf("extend of channel %d below current expiration: %w", id, ErrChannelPrecondition)
		}
		ch.Expiration = mustAmount(expiry)

	case "channelExtendAndAddFunds":
		id, expiry, amount := idArg(args, 0), numArg(args, 1), numArg(args, 2)
		ch, ok := f.channels[id]
		if !ok {
			return fmt.Errorf("unknown channel %d: %w", id, ErrChannelPrecondition)
		}
		if mustAmount(expiry).Cmp(ch.Expiration) < 0 {
			return fmt.Errorf("extend of channel %d below current expiration: %w", id, ErrChannelPrecondition)
		}
		if f.get(f.balances, sender).Cmp(amount) < 0 {
			return fmt.Errorf("extend and add funds of %s: %w", amount, ErrInsufficientFunds)
		}
		f.balances[sender] = new(big.Int).Sub(f.get(f.balances, sender), amount)
		ch.Expiration = mustAmount(expiry)
		ch.Value = ch.Value.Add(mustAmount(amount))

	case "channelClaimTimeout":
		id := idArg(args, 0)
		ch, ok := f.channels[id]
		if !ok {
			return fmt.Errorf("unknown channel %d: %w", id, ErrChannelPrecondition)
		}
		if ch.Sender != sender {
			return fmt.Errorf("claim of channel %d by non-sender: %w", id, ErrChannelPrecondition)
		}
		if ch.Expiration.Cmp(cogs.New(f.currentBlock)) > 0 {
			return fmt.Errorf("claim of unexpired channel %d: %w", id, ErrChannelPrecondition)
		}
		f.balances[sender] = new(big.Int).Add(f.get(f.balances, sender), ch.Value.BigInt())
		ch.Value = cogs.Zero
		ch.Nonce = ch.Nonce.Add(cogs.New(1))

	default:
		return fmt.Errorf("unknown operation %q: %w", operation, ErrTransactionFailed)
	}

	f.currentBlock++
	return nil
}

// open creates the channel and emits its ChannelOpen event. Caller holds the
// lock and has already moved the funds.
func (f *FakeLedger) open(sender common.Address, args []interface{}) {
	signer := args[0].(common.Address)
	recipient := args[1].(common.Address)
	groupID := args[2].([32]byte)
	amount := mustAmount(numArg(args, 3))
	expiry := mustAmount(numArg(args, 4))

	id := f.nextChannelID
	f.nextChannelID++
	f.channels[id] = &ChannelState{
		Sender:     sender,
		Signer:     signer,
		Recipient:  recipient,
		GroupID:    groupID,
		Value:      amount,
		Nonce:      cogs.Zero,
		Expiration: expiry,
	}
	f.events = append(f.events, ChannelOpenEvent{
		ChannelID:   cogs.New(id),
		Nonce:       cogs.Zero,
		Sender:      sender,
		Signer:      signer,
		Recipient:   recipient,
		GroupID:     groupID,
		Amount:      amount,
		Expiration:  expiry,
		BlockNumber: f.currentBlock,
		TxHash:      pseudoHash(fmt.Sprintf("open-%d", id)),
	})
}

func (f *FakeLedger) receipt() *types.Receipt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.txCount++
	return &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		TxHash:      pseudoHash(fmt.Sprintf("tx-%d", f.txCount)),
		BlockNumber: new(big.Int).SetUint64(f.currentBlock),
	}
}

// FakeAccount is a funding identity bound to a FakeLedger.
type FakeAccount struct {
	ledger  *FakeLedger
	address common.Address
}

func NewFakeAccount(ledger *FakeLedger, address common.Address) *FakeAccount {
	return &FakeAccount{ledger: ledger, address: address}
}

func (a *FakeAccount) Address() common.Address       { return a.address }
func (a *FakeAccount) SignerAddress() common.Address { return a.address }

func (a *FakeAccount) Allowance(_ context.Context) (cogs.Amount, error) {
	a.ledger.mu.Lock()
	defer a.ledger.mu.Unlock()
	return cogs.FromBig(a.ledger.get(a.ledger.allowances, a.address))
}

func (a *FakeAccount) ApproveTransfer(_ context.Context, amount cogs.Amount) (*types.Receipt, error) {
	a.ledger.approve(a.address, amount.BigInt())
	return a.ledger.receipt(), nil
}

func (a *FakeAccount) DepositToEscrowAccount(ctx context.Context, amount cogs.Amount) (*types.Receipt, error) {
	approved, err := a.Allowance(ctx)
	if err != nil {
		return nil, err
	}
	if amount.Cmp(approved) > 0 {
		if _, err := a.ApproveTransfer(ctx, amount); err != nil {
			return nil, err
		}
	}
	return a.SendTransaction(ctx, a.ledger.EscrowAddress(), "deposit", amount.String())
}

func (a *FakeAccount) SendTransaction(_ context.Context, target common.Address, operation string, args ...interface{}) (*types.Receipt, error) {
	if target != a.ledger.EscrowAddress() {
		return nil, fmt.Errorf("no contract bound at %s", target.Hex())
	}
	if err := a.ledger.apply(a.address, operation, args); err != nil {
		return nil, err
	}
	return a.ledger.receipt(), nil
}

func renderArgs(args []interface{}) []string {
	out := make([]string, 0, len(args))
	for _, arg := range args {
		switch v := arg.(type) {
		case string:
			out = append(out, v)
		case common.Address:
			out = append(out, v.Hex())
		case [32]byte:
			out = append(out, fmt.Sprintf("%x", v))
		default:
			out = append(out, fmt.Sprintf("%v", v))
		}
	}
	return out
}

func numArg(args []interface{}, i int) *big.Int {
	s, ok := args[i].(string)
	if !ok {
		return new(big.Int)
	}
	v, valid := new(big.Int).SetString(s, 10)
	if !valid {
		return new(big.Int)
	}
	return v
}

func idArg(args []interface{}, i int) uint64 {
	return numArg(args, i).Uint64()
}

func mustAmount(v *big.Int) cogs.Amount {
	a, err := cogs.FromBig(v)
	if err != nil {
		return cogs.Zero
	}
	return a
}

func pseudoHash(input string) common.Hash {
	sum := sha256.Sum256([]byte(input))
	return common.BytesToHash(sum[:])
}
