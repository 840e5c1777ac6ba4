// Package ledgertest provides an in-memory ledger implementing
// ledger.Gateway for tests.
package ledgertest

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
)

// GenesisTime is the timestamp of block 0; each later block adds BlockTime.
const (
	GenesisTime = int64(1_700_000_000)
	BlockTime   = int64(12)
)

// CallHandler answers read-only contract calls as of block. A nil block
// means the latest one.
type CallHandler func(contract string, data []byte, block *big.Int) ([]byte, error)

// Entry is a transaction to include in a mined block.
type Entry struct {
	Tx     *types.Transaction
	Failed bool
}

// Chain is a deterministic single-node ledger. Submitted transactions wait
// in a mempool until Mine is called.
type Chain struct {
	mu                sync.Mutex
	chainID           *big.Int
	signer            types.Signer
	blocks            []*types.Block
	txs               map[common.Hash]*types.Transaction
	receipts          map[common.Hash]*types.Receipt
	pending           []*types.Transaction
	nonces            map[common.Address]uint64
	callHandler       CallHandler
	failures          map[string]int
	subscriptions     []chan *types.Header
	subscriptionsOff  bool
	submittedRawCount int
	mineHooks         []MineHook
}

// MineHook observes every transaction included by MineBlock, in block order.
type MineHook func(block uint64, tx *types.Transaction, failed bool)

var _ ledger.Gateway = (*Chain)(nil)

// New creates a chain holding only its genesis block.
func New(chainID int64) *Chain {
	id := big.NewInt(chainID)
	c := &Chain{
		chainID:  id,
		signer:   types.LatestSignerForChainID(id),
		txs:      make(map[common.Hash]*types.Transaction),
		receipts: make(map[common.Hash]*types.Receipt),
		nonces:   make(map[common.Address]uint64),
		failures: make(map[string]int),
	}
	c.blocks = append(c.blocks, types.NewBlockWithHeader(c.header(0)))
	return c
}

func (c *Chain) header(n uint64) *types.Header {
	return &types.Header{
		Number:     new(big.Int).SetUint64(n),
		Time:       uint64(GenesisTime + int64(n)*BlockTime),
		Difficulty: big.NewInt(0),
		GasLimit:   30_000_000,
	}
}

// SetCallHandler installs the responder for Call.
func (c *Chain) SetCallHandler(fn CallHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callHandler = fn
}

// DisableSubscriptions makes SubscribeNewBlockHeaders fail like an HTTP endpoint.
func (c *Chain) DisableSubscriptions() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptionsOff = true
}

// FailNext makes the next n invocations of operation fail with a retryable
// RPC error. Operations are named after the Gateway methods.
func (c *Chain) FailNext(operation string, n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures[operation] = n
}

func (c *Chain) injected(operation string) error {
	if c.failures[operation] > 0 {
		c.failures[operation]--
		return dxerrors.NewRPCError(fmt.Sprintf("injected %s failure", operation), nil)
	}
	return nil
}

// Mine includes every pending transaction in a new block with successful receipts.
func (c *Chain) Mine() *types.Block {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	entries := make([]Entry, 0, len(pending))
	for _, tx := range pending {
		entries = append(entries, Entry{Tx: tx})
	}
	return c.MineBlock(entries...)
}

// OnMine registers a hook run for each mined transaction before the new
// header reaches subscribers.
func (c *Chain) OnMine(hook MineHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mineHooks = append(c.mineHooks, hook)
}

// MineBlock appends a block holding exactly entries. Entries flagged Failed
// get a reverted receipt.
func (c *Chain) MineBlock(entries ...Entry) *types.Block {
	c.mu.Lock()

	n := uint64(len(c.blocks))
	txs := make([]*types.Transaction, 0, len(entries))
	for _, e := range entries {
		txs = append(txs, e.Tx)
	}
	block := types.NewBlockWithHeader(c.header(n)).WithBody(types.Body{Transactions: txs})

	for i, e := range entries {
		status := types.ReceiptStatusSuccessful
		if e.Failed {
			status = types.ReceiptStatusFailed
		}
		c.txs[e.Tx.Hash()] = e.Tx
		c.receipts[e.Tx.Hash()] = &types.Receipt{
			Status:           status,
			TxHash:           e.Tx.Hash(),
			BlockHash:        block.Hash(),
			BlockNumber:      new(big.Int).SetUint64(n),
			TransactionIndex: uint(i),
		}
	}
	c.blocks = append(c.blocks, block)
	hooks := append([]MineHook(nil), c.mineHooks...)
	subs := append([]chan *types.Header(nil), c.subscriptions...)
	c.mu.Unlock()

	for _, hook := range hooks {
		for _, e := range entries {
			hook(n, e.Tx, e.Failed)
		}
	}
	for _, sub := range subs {
		select {
		case sub <- block.Header():
		default:
		}
	}
	return block
}

// MineEmpty appends n blocks without transactions.
func (c *Chain) MineEmpty(n int) {
	for i := 0; i < n; i++ {
		c.MineBlock()
	}
}

// Pending returns the transactions waiting to be mined.
func (c *Chain) Pending() []*types.Transaction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.Transaction(nil), c.pending...)
}

// Submissions counts SubmitSignedTransaction calls that reached the mempool,
// duplicates included.
func (c *Chain) Submissions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submittedRawCount
}

// Head returns the number of the latest block.
func (c *Chain) Head() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return uint64(len(c.blocks) - 1)
}

func (c *Chain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *Chain) BlockNumber(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("BlockNumber"); err != nil {
		return 0, err
	}
	return uint64(len(c.blocks) - 1), nil
}

func (c *Chain) GetBlock(ctx context.Context, number uint64) (*types.Block, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("GetBlock"); err != nil {
		return nil, err
	}
	if number >= uint64(len(c.blocks)) {
		return nil, fmt.Errorf("%w: block %d", ledger.ErrNotFound, number)
	}
	return c.blocks[number], nil
}

func (c *Chain) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[common.HexToHash(hash)]
	if !ok {
		for _, p := range c.pending {
			if p.Hash() == common.HexToHash(hash) {
				return p, nil
			}
		}
		return nil, fmt.Errorf("%w: transaction %s", ledger.ErrNotFound, hash)
	}
	return tx, nil
}

func (c *Chain) GetReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("GetReceipt"); err != nil {
		return nil, err
	}
	receipt, ok := c.receipts[common.HexToHash(hash)]
	if !ok {
		return nil, fmt.Errorf("%w: receipt %s", ledger.ErrNotFound, hash)
	}
	return receipt, nil
}

func (c *Chain) Call(ctx context.Context, contract string, data []byte, block *big.Int) ([]byte, error) {
	c.mu.Lock()
	handler := c.callHandler
	err := c.injected("Call")
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, fmt.Errorf("no call handler installed")
	}
	return handler(contract, data, block)
}

func (c *Chain) SubmitSignedTransaction(ctx context.Context, raw []byte) (*ledger.Submission, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, dxerrors.NewValidationError("invalid signed transaction")
	}
	from, err := types.Sender(c.signer, tx)
	if err != nil {
		return nil, dxerrors.NewValidationError("invalid transaction signature")
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.injected("SubmitSignedTransaction"); err != nil {
		return nil, err
	}
	if _, mined := c.txs[tx.Hash()]; !mined {
		known := false
		for _, p := range c.pending {
			if p.Hash() == tx.Hash() {
				known = true
			}
		}
		if !known {
			c.pending = append(c.pending, tx)
			if tx.Nonce() >= c.nonces[from] {
				c.nonces[from] = tx.Nonce() + 1
			}
		}
	}
	c.submittedRawCount++
	return &ledger.Submission{TxHash: tx.Hash().Hex(), SubmittedAt: time.Unix(GenesisTime, 0).UTC()}, nil
}

func (c *Chain) SubscribeNewBlockHeaders(ctx context.Context) (*ledger.HeaderSubscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subscriptionsOff {
		return nil, ledger.ErrSubscriptionUnsupported
	}
	headers := make(chan *types.Header, 64)
	errs := make(chan error)
	c.subscriptions = append(c.subscriptions, headers)
	return ledger.NewHeaderSubscription(headers, errs, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		for i, sub := range c.subscriptions {
			if sub == headers {
				c.subscriptions = append(c.subscriptions[:i], c.subscriptions[i+1:]...)
				break
			}
		}
	}), nil
}

// Subscribers returns the number of live header subscriptions.
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscriptions)
}

func (c *Chain) PendingNonce(ctx context.Context, address string) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nonces[common.HexToAddress(address)], nil
}

func (c *Chain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}
