package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
)

// RPCClient is a Gateway over one or more JSON-RPC endpoints with
// round-robin failover.
type RPCClient struct {
	clients []*ethclient.Client
	index   uint64
	mu      sync.RWMutex
	logger  zerolog.Logger
}

var _ Gateway = (*RPCClient)(nil)

// NewRPCClient dials every URL and keeps the endpoints serving expectedChainID.
func NewRPCClient(rpcURLs []string, expectedChainID int64, logger zerolog.Logger) (*RPCClient, error) {
	if len(rpcURLs) == 0 {
		return nil, fmt.Errorf("no RPC URLs provided")
	}

	log := logger.With().Str("component", "ledger_rpc_client").Logger()
	clients := make([]*ethclient.Client, 0, len(rpcURLs))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, url := range rpcURLs {
		client, err := ethclient.DialContext(ctx, url)
		if err != nil {
			log.Warn().Err(err).Str("url", url).Msg("failed to connect to RPC endpoint, skipping")
			continue
		}

		clientChainID, err := client.ChainID(ctx)
		if err != nil {
			log.Warn().
				Err(err).
				Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Msg("failed to verify chain ID, proceeding with client anyway")
			clients = append(clients, client)
			continue
		}

		if clientChainID.Int64() != expectedChainID {
			client.Close()
			log.Warn().
				Str("url", url).
				Int64("expected_chain_id", expectedChainID).
				Int64("actual_chain_id", clientChainID.Int64()).
				Msg("chain ID mismatch, closing client")
			continue
		}

		clients = append(clients, client)
		log.Info().Str("url", url).Msg("connected to RPC endpoint")
	}

	if len(clients) == 0 {
		return nil, fmt.Errorf("failed to connect to any valid RPC endpoints")
	}

	return &RPCClient{
		clients: clients,
		logger:  log,
	}, nil
}

// executeWithFailover executes a function with round-robin failover. Lookups
// that every endpoint answers with "not found" yield ErrNotFound; anything
// else becomes a retryable RPC error.
func (rc *RPCClient) executeWithFailover(ctx context.Context, operation string, fn func(*ethclient.Client) error) error {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	if len(clients) == 0 {
		return dxerrors.NewRPCError(fmt.Sprintf("no RPC clients available for %s", operation), nil)
	}

	var lastErr error
	maxAttempts := len(clients)
	for attempt := 0; attempt < maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		index := atomic.AddUint64(&rc.index, 1) - 1
		client := clients[index%uint64(len(clients))]
		if client == nil {
			continue
		}

		err := fn(client)
		if err == nil {
			return nil
		}
		lastErr = err

		rc.logger.Warn().
			Str("operation", operation).
			Int("attempt", attempt+1).
			Err(err).
			Msg("operation failed, trying next endpoint")
	}

	if errors.Is(lastErr, ethereum.NotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, operation)
	}
	return dxerrors.NewRPCError(
		fmt.Sprintf("operation %s failed after trying %d endpoints", operation, maxAttempts),
		lastErr,
	)
}

// ChainID returns the chain id reported by the endpoints.
func (rc *RPCClient) ChainID(ctx context.Context) (*big.Int, error) {
	var id *big.Int
	err := rc.executeWithFailover(ctx, "chain_id", func(client *ethclient.Client) error {
		var innerErr error
		id, innerErr = client.ChainID(ctx)
		return innerErr
	})
	return id, err
}

// BlockNumber returns the latest block number
func (rc *RPCClient) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := rc.executeWithFailover(ctx, "get_block_number", func(client *ethclient.Client) error {
		var innerErr error
		blockNum, innerErr = client.BlockNumber(ctx)
		return innerErr
	})
	return blockNum, err
}

// GetBlock returns a block with its transactions.
func (rc *RPCClient) GetBlock(ctx context.Context, number uint64) (*types.Block, error) {
	var block *types.Block
	err := rc.executeWithFailover(ctx, "get_block", func(client *ethclient.Client) error {
		var innerErr error
		block, innerErr = client.BlockByNumber(ctx, new(big.Int).SetUint64(number))
		return innerErr
	})
	return block, err
}

// GetTransaction returns a transaction by hash.
func (rc *RPCClient) GetTransaction(ctx context.Context, hash string) (*types.Transaction, error) {
	var tx *types.Transaction
	err := rc.executeWithFailover(ctx, "get_transaction", func(client *ethclient.Client) error {
		var innerErr error
		tx, _, innerErr = client.TransactionByHash(ctx, common.HexToHash(hash))
		return innerErr
	})
	return tx, err
}

// GetReceipt returns the receipt of a mined transaction.
func (rc *RPCClient) GetReceipt(ctx context.Context, hash string) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := rc.executeWithFailover(ctx, "get_transaction_receipt", func(client *ethclient.Client) error {
		var innerErr error
		receipt, innerErr = client.TransactionReceipt(ctx, common.HexToHash(hash))
		return innerErr
	})
	return receipt, err
}

// Call executes a read-only contract call against block, or the latest
// block when block is nil.
func (rc *RPCClient) Call(ctx context.Context, contract string, data []byte, block *big.Int) ([]byte, error) {
	to := common.HexToAddress(contract)
	var out []byte
	err := rc.executeWithFailover(ctx, "call_contract", func(client *ethclient.Client) error {
		var innerErr error
		out, innerErr = client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, block)
		return innerErr
	})
	return out, err
}

// SubmitSignedTransaction broadcasts a signed transaction. A transaction an
// endpoint already holds counts as submitted.
func (rc *RPCClient) SubmitSignedTransaction(ctx context.Context, raw []byte) (*Submission, error) {
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(raw); err != nil {
		return nil, dxerrors.NewValidationError("invalid signed transaction")
	}

	err := rc.executeWithFailover(ctx, "send_transaction", func(client *ethclient.Client) error {
		innerErr := client.SendTransaction(ctx, tx)
		if innerErr != nil && strings.Contains(strings.ToLower(innerErr.Error()), "already known") {
			return nil
		}
		return innerErr
	})
	if err != nil {
		return nil, err
	}

	rc.logger.Debug().Str("tx_hash", tx.Hash().Hex()).Msg("transaction submitted")
	return &Submission{TxHash: tx.Hash().Hex(), SubmittedAt: time.Now().UTC()}, nil
}

// SubscribeNewBlockHeaders subscribes through the first endpoint that
// supports push notifications.
func (rc *RPCClient) SubscribeNewBlockHeaders(ctx context.Context) (*HeaderSubscription, error) {
	rc.mu.RLock()
	clients := rc.clients
	rc.mu.RUnlock()

	var lastErr error
	for _, client := range clients {
		headers := make(chan *types.Header, 16)
		sub, err := client.SubscribeNewHead(ctx, headers)
		if err != nil {
			lastErr = err
			continue
		}
		return NewHeaderSubscription(headers, sub.Err(), sub.Unsubscribe), nil
	}
	return nil, fmt.Errorf("%w: %v", ErrSubscriptionUnsupported, lastErr)
}

// PendingNonce returns the next nonce for address, counting pending transactions.
func (rc *RPCClient) PendingNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := rc.executeWithFailover(ctx, "pending_nonce", func(client *ethclient.Client) error {
		var innerErr error
		nonce, innerErr = client.PendingNonceAt(ctx, common.HexToAddress(address))
		return innerErr
	})
	return nonce, err
}

// SuggestGasPrice returns the gas price suggested by the ledger.
func (rc *RPCClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var price *big.Int
	err := rc.executeWithFailover(ctx, "suggest_gas_price", func(client *ethclient.Client) error {
		var innerErr error
		price, innerErr = client.SuggestGasPrice(ctx)
		return innerErr
	})
	return price, err
}

// Close closes every endpoint connection.
func (rc *RPCClient) Close() {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for _, client := range rc.clients {
		if client != nil {
			client.Close()
		}
	}
	rc.clients = nil
}
