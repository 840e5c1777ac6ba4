package scanner

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	"github.com/pushchain/dxdirectory/dxClient/db"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger/ledgertest"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/projection"
)

const (
	directory = "0x00000000000000000000000000000000000000d1"
	elsewhere = "0x00000000000000000000000000000000000000f0"
)

type recordingApplier struct {
	mu    sync.Mutex
	calls []*codec.DecodedCall
	fail  map[string]error
}

func (a *recordingApplier) Apply(ctx context.Context, call *codec.DecodedCall) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err, ok := a.fail[call.TxHash]; ok {
		return err
	}
	a.calls = append(a.calls, call)
	return nil
}

func (a *recordingApplier) hashes() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.calls))
	for _, c := range a.calls {
		out = append(out, c.TxHash)
	}
	return out
}

func (a *recordingApplier) setFailure(hash string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.fail == nil {
		a.fail = make(map[string]error)
	}
	if err == nil {
		delete(a.fail, hash)
		return
	}
	a.fail[hash] = err
}

type fixture struct {
	codec   *codec.Codec
	chain   *ledgertest.Chain
	store   *projection.Store
	applier *recordingApplier
	key     *ecdsa.PrivateKey
	nonce   uint64
	dir     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	c, err := codec.New(big.NewInt(1337))
	require.NoError(t, err)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	return &fixture{
		codec:   c,
		chain:   ledgertest.New(1337),
		store:   projection.NewStore(database),
		applier: &recordingApplier{},
		key:     key,
		dir:     t.TempDir(),
	}
}

func (f *fixture) scanner(t *testing.T, cfg Config) *Scanner {
	t.Helper()
	cfg.DirectoryID = directory
	if cfg.CheckpointPath == "" {
		cfg.CheckpointPath = filepath.Join(f.dir, "checkpoint")
	}
	if cfg.Retry == nil {
		cfg.Retry = dxerrors.NewRetryConfig(3, time.Millisecond)
	}
	s, err := New(cfg, f.chain, f.codec, f.applier, f.store, metrics.New(), zerolog.Nop())
	require.NoError(t, err)
	return s
}

func (f *fixture) signed(t *testing.T, to string, data []byte) *types.Transaction {
	t.Helper()
	tx, err := f.codec.SignTransaction(f.key, codec.TxRequest{
		Nonce:    f.nonce,
		To:       to,
		GasPrice: big.NewInt(1),
		GasLimit: 200_000,
		Data:     data,
	})
	require.NoError(t, err)
	f.nonce++
	return tx.Tx
}

func (f *fixture) register(t *testing.T, userID string) *types.Transaction {
	t.Helper()
	data, err := f.codec.EncodeCall(codec.RegisterCall{IsProvider: true, UserID: userID, UserAddress: "0x00000000000000000000000000000000000000aa"})
	require.NoError(t, err)
	return f.signed(t, directory, data)
}

func hashOf(tx *types.Transaction) string {
	return codec.HashHex(tx.Hash())
}

func TestNewValidatesConfig(t *testing.T) {
	f := newFixture(t)

	_, err := New(Config{DirectoryID: "bad", CheckpointPath: "x"}, f.chain, f.codec, f.applier, f.store, nil, zerolog.Nop())
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeConfig))

	_, err = New(Config{DirectoryID: directory}, f.chain, f.codec, f.applier, f.store, nil, zerolog.Nop())
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeConfig))
}

func TestProcessBlock(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1})

	ok := f.register(t, "P1")
	reverted := f.register(t, "P2")
	unknown := f.signed(t, directory, []byte{0xde, 0xad, 0xbe, 0xef, 0x00})
	unrelated := f.register(t, "P3")
	unrelatedTo := f.signed(t, elsewhere, unrelated.Data())

	block := f.chain.MineBlock(
		ledgertest.Entry{Tx: ok},
		ledgertest.Entry{Tx: reverted, Failed: true},
		ledgertest.Entry{Tx: unknown},
		ledgertest.Entry{Tx: unrelatedTo},
	)
	n := block.NumberU64()

	require.NoError(t, s.ProcessBlock(ctx, n))
	assert.Equal(t, []string{hashOf(ok)}, f.applier.hashes())

	f.applier.mu.Lock()
	applied := f.applier.calls[0]
	f.applier.mu.Unlock()
	assert.Equal(t, n, applied.BlockNumber)
	assert.Equal(t, time.Unix(int64(block.Time()), 0).UTC(), applied.BlockTime)
	assert.Equal(t, codec.FnRegister, applied.Function)

	cp, err := f.store.EnsureCheckpoint(ctx, n)
	require.NoError(t, err)
	assert.True(t, cp.SyncIsCompleted)

	t.Run("completed block is not reprocessed", func(t *testing.T) {
		require.NoError(t, s.ProcessBlock(ctx, n))
		assert.Len(t, f.applier.hashes(), 1)
	})

	t.Run("blocks before the start block are ignored", func(t *testing.T) {
		s := f.scanner(t, Config{StartBlock: 100})
		require.NoError(t, s.ProcessBlock(ctx, n))
		latest, found, err := f.store.LatestCompletedCheckpoint(ctx)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, n, latest)
	})
}

func TestProcessBlockFailureLeavesBlockIncomplete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1})

	first := f.register(t, "P1")
	second := f.register(t, "P2")
	n := f.chain.MineBlock(ledgertest.Entry{Tx: first}, ledgertest.Entry{Tx: second}).NumberU64()

	f.applier.setFailure(hashOf(second), dxerrors.NewDependencyError("db down", nil))
	err := s.ProcessBlock(ctx, n)
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeDependency))

	cp, err := f.store.EnsureCheckpoint(ctx, n)
	require.NoError(t, err)
	assert.False(t, cp.SyncIsCompleted)

	f.applier.setFailure(hashOf(second), nil)
	require.NoError(t, s.ProcessBlock(ctx, n))
	assert.Equal(t, []string{hashOf(first), hashOf(first), hashOf(second)}, f.applier.hashes())
}

func TestProcessBlockRetriesLedgerReads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1})

	tx := f.register(t, "P1")
	n := f.chain.MineBlock(ledgertest.Entry{Tx: tx}).NumberU64()

	f.chain.FailNext("GetBlock", 2)
	f.chain.FailNext("GetReceipt", 1)
	require.NoError(t, s.ProcessBlock(ctx, n))
	assert.Equal(t, []string{hashOf(tx)}, f.applier.hashes())

	t.Run("exhausted retries surface a dependency error", func(t *testing.T) {
		next := f.chain.MineBlock(ledgertest.Entry{Tx: f.register(t, "P2")}).NumberU64()
		f.chain.FailNext("GetBlock", 5)
		err := s.ProcessBlock(ctx, next)
		require.Error(t, err)
		assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeDependency))
	})
}

func TestCatchUp(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1, ConfirmationOffset: 1})

	a := f.register(t, "P1")
	b := f.register(t, "P2")
	c := f.register(t, "P3")
	f.chain.MineBlock(ledgertest.Entry{Tx: a})
	f.chain.MineBlock(ledgertest.Entry{Tx: b})
	f.chain.MineBlock(ledgertest.Entry{Tx: c})
	f.chain.MineEmpty(1)

	// head 4, offset 1: blocks 1..2 are eligible.
	require.NoError(t, s.CatchUp(ctx))
	assert.Equal(t, []string{hashOf(a), hashOf(b)}, f.applier.hashes())

	marker, ok, err := s.Checkpoint().Load()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(2), marker)

	t.Run("resumes after the marker", func(t *testing.T) {
		f.chain.MineEmpty(1)
		require.NoError(t, s.CatchUp(ctx))
		assert.Equal(t, []string{hashOf(a), hashOf(b), hashOf(c)}, f.applier.hashes())

		marker, _, err := s.Checkpoint().Load()
		require.NoError(t, err)
		assert.Equal(t, uint64(3), marker)
	})

	t.Run("nothing to do when caught up", func(t *testing.T) {
		require.NoError(t, s.CatchUp(ctx))
		assert.Len(t, f.applier.hashes(), 3)
	})
}

func TestCatchUpFailureKeepsMarker(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1})

	a := f.register(t, "P1")
	b := f.register(t, "P2")
	f.chain.MineBlock(ledgertest.Entry{Tx: a})
	f.chain.MineBlock(ledgertest.Entry{Tx: b})
	f.chain.MineEmpty(1)

	f.applier.setFailure(hashOf(b), errors.New("boom"))
	require.Error(t, s.CatchUp(ctx))
	_, ok, err := s.Checkpoint().Load()
	require.NoError(t, err)
	assert.False(t, ok)

	f.applier.setFailure(hashOf(b), nil)
	require.NoError(t, s.CatchUp(ctx))
	assert.Equal(t, []string{hashOf(a), hashOf(b)}, f.applier.hashes())
	marker, _, err := s.Checkpoint().Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), marker)
}

func TestCatchUpIgnoresMarkerAheadOfDatabase(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1})

	a := f.register(t, "P1")
	f.chain.MineBlock(ledgertest.Entry{Tx: a})
	f.chain.MineEmpty(2)
	require.NoError(t, s.Checkpoint().Save(2))

	require.NoError(t, s.CatchUp(ctx))
	assert.Equal(t, []string{hashOf(a)}, f.applier.hashes())
}

func TestStartLiveSubscription(t *testing.T) {
	f := newFixture(t)
	s := f.scanner(t, Config{StartBlock: 1, SyncInterval: time.Hour, ResubscribeDelay: time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)
	require.Error(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return f.chain.Subscribers() == 1 }, 2*time.Second, 5*time.Millisecond)

	tx := f.register(t, "P1")
	f.chain.MineBlock(ledgertest.Entry{Tx: tx})

	require.Eventually(t, func() bool { return len(f.applier.hashes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, hashOf(tx), f.applier.hashes()[0])

	s.Stop()
	assert.Equal(t, 0, f.chain.Subscribers())
}

func TestStartWithoutSubscriptions(t *testing.T) {
	f := newFixture(t)
	f.chain.DisableSubscriptions()
	s := f.scanner(t, Config{StartBlock: 1, SyncInterval: 10 * time.Millisecond, ResubscribeDelay: time.Millisecond})

	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Stop)

	tx := f.register(t, "P1")
	f.chain.MineBlock(ledgertest.Entry{Tx: tx})
	f.chain.MineEmpty(1)

	require.Eventually(t, func() bool { return len(f.applier.hashes()) == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		marker, ok, err := s.Checkpoint().Load()
		return err == nil && ok && marker >= 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestCheckpointFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "checkpoint")
	f := NewCheckpointFile(path)
	assert.Equal(t, path, f.Path())

	_, ok, err := f.Load()
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, f.Save(10))
	n, ok, err := f.Load()
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(10), n)

	require.NoError(t, f.Save(4))
	n, _, err = f.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(10), n, "marker never moves backwards")

	require.NoError(t, f.Save(11))
	n, _, err = f.Load()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), n)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files are cleaned up")

	t.Run("corrupt marker", func(t *testing.T) {
		bad := filepath.Join(t.TempDir(), "checkpoint")
		require.NoError(t, os.WriteFile(bad, []byte("abc"), 0o644))
		_, _, err := NewCheckpointFile(bad).Load()
		assert.Error(t, err)
	})
}
