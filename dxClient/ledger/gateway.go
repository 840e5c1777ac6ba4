// Package ledger abstracts the EVM ledger the directory contract lives on.
package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
)

var (
	// ErrNotFound is returned when a block, transaction or receipt is unknown
	// to every endpoint.
	ErrNotFound = errors.New("not found on ledger")

	// ErrSubscriptionUnsupported is returned when no endpoint can push new
	// block headers, for example plain HTTP endpoints.
	ErrSubscriptionUnsupported = errors.New("header subscription unsupported")
)

// Gateway is the ledger surface the directory node depends on.
type Gateway interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BlockNumber(ctx context.Context) (uint64, error)
	GetBlock(ctx context.Context, number uint64) (*types.Block, error)
	GetTransaction(ctx context.Context, hash string) (*types.Transaction, error)
	GetReceipt(ctx context.Context, hash string) (*types.Receipt, error)
	// Call runs a read-only contract call against block, or the latest block
	// when block is nil.
	Call(ctx context.Context, contract string, data []byte, block *big.Int) ([]byte, error)
	SubmitSignedTransaction(ctx context.Context, raw []byte) (*Submission, error)
	SubscribeNewBlockHeaders(ctx context.Context) (*HeaderSubscription, error)
	PendingNonce(ctx context.Context, address string) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// Submission acknowledges that a transaction was accepted by the ledger's
// mempool. It says nothing about inclusion; confirmation only ever arrives
// through the scanner.
type Submission struct {
	TxHash      string
	SubmittedAt time.Time
}

// HeaderSubscription delivers new block headers until unsubscribed or failed.
type HeaderSubscription struct {
	Headers <-chan *types.Header
	Err     <-chan error

	once        sync.Once
	unsubscribe func()
}

// NewHeaderSubscription wires a header channel, an error channel and the
// function releasing the underlying subscription.
func NewHeaderSubscription(headers <-chan *types.Header, errs <-chan error, unsubscribe func()) *HeaderSubscription {
	return &HeaderSubscription{Headers: headers, Err: errs, unsubscribe: unsubscribe}
}

// Unsubscribe releases the subscription. It is safe to call more than once.
func (s *HeaderSubscription) Unsubscribe() {
	s.once.Do(func() {
		if s.unsubscribe != nil {
			s.unsubscribe()
		}
	})
}
