package reconciler

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	"github.com/pushchain/dxdirectory/dxClient/db"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger/ledgertest"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/notify"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

const (
	directory = "0x00000000000000000000000000000000000000d1"
	provider  = "0x00000000000000000000000000000000000000aa"
	consumer  = "0x00000000000000000000000000000000000000bb"
	operator  = "0x00000000000000000000000000000000000000ee"
)

var fixedNow = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []notify.Event
}

func (r *recorder) Notify(e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []notify.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Event(nil), r.events...)
}

type fixture struct {
	codec      *codec.Codec
	chain      *ledgertest.Chain
	contract   *ledgertest.Directory
	store      *projection.Store
	notes      *recorder
	reconciler *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	c, err := codec.New(big.NewInt(1337))
	require.NoError(t, err)
	chain := ledgertest.New(1337)
	contract := ledgertest.NewDirectory(c, directory)
	contract.Attach(chain)

	f := &fixture{
		codec:    c,
		chain:    chain,
		contract: contract,
		store:    projection.NewStore(database),
		notes:    &recorder{},
	}
	f.reconciler, err = New(directory, c, f.store, chain, zerolog.Nop(),
		WithNotifier(f.notes),
		WithMetrics(metrics.New()),
		WithRetryConfig(dxerrors.NewRetryConfig(2, time.Millisecond)),
		WithClock(func() time.Time { return fixedNow }),
	)
	require.NoError(t, err)
	return f
}

func (f *fixture) decoded(t *testing.T, call codec.Call, txHash, sender string) *codec.DecodedCall {
	t.Helper()
	fn, err := f.codec.Registry().Function(call.Function())
	require.NoError(t, err)
	return &codec.DecodedCall{
		Function:    fn.Name,
		Selector:    fn.Selector,
		TxHash:      txHash,
		Sender:      sender,
		Recipient:   directory,
		BlockNumber: 7,
		BlockTime:   time.Unix(1_700_000_000, 0),
		Call:        call,
	}
}

func (f *fixture) auditCount(t *testing.T, txHash string) int64 {
	t.Helper()
	n, err := f.store.CountAuditForTx(context.Background(), directory, txHash)
	require.NoError(t, err)
	return n
}

func (f *fixture) registerBoth(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.RegisterCall{IsProvider: true, UserID: "P1", UserAddress: provider}, "0xr1", operator)))
	require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.RegisterCall{IsProvider: false, UserID: "C1", UserAddress: consumer}, "0xr2", operator)))
}

func (f *fixture) createEntry(t *testing.T) {
	t.Helper()
	summary := `{"dataCertificate":"cert-1","dataOwnerCode":"O1","dataEntryTitle":"t","dataDescription":"d","dataAccessPath":"/p","gender":"F","ageLowerBound":20,"ageUpperBound":60}`
	var parsed codec.DataSummary
	require.NoError(t, json.Unmarshal([]byte(summary), &parsed))
	call := codec.CreateDataEntryCall{
		DataKey:      "1000cert-1",
		RawSummary:   summary,
		Summary:      parsed,
		OfferPrice:   uint256.NewInt(50),
		DueDate:      fixedNow.Add(24 * time.Hour).Unix(),
		CreationDate: 1000,
	}
	require.NoError(t, f.reconciler.Apply(context.Background(), f.decoded(t, call, "0xc1", provider)))
}

func signedAck(t *testing.T, message string) codec.SignedMessage {
	t.Helper()
	return codec.SignedMessage{Message: message, Signature: "0x00"}
}

func deployCall(t *testing.T) codec.DeployEASCall {
	t.Helper()
	ack, err := json.Marshal(codec.Acknowledgement{
		Provider: signedAck(t, `{"userType":"provider","userID":"P1","targetUserID":"C1","dataCertificate":"cert-1","dataEntryCreationDate":1000,"dataBiddingPrice":50,"EASExpirationDate":2000}`),
		Consumer: signedAck(t, `{"userType":"consumer","userID":"C1","targetUserID":"P1","dataCertificate":"cert-1","dataEntryCreationDate":1000,"dataBiddingPrice":50,"EASExpirationDate":2000}`),
	})
	require.NoError(t, err)
	return codec.DeployEASCall{
		ConsumerAddress: consumer,
		DeploymentDate:  1500,
		ExpirationDate:  fixedNow.Add(48 * time.Hour).Unix(),
		DataKey:         "1000cert-1",
		Acknowledgement: string(ack),
	}
}

func TestNew(t *testing.T) {
	c, err := codec.New(big.NewInt(1))
	require.NoError(t, err)

	_, err = New("not-an-address", c, projection.NewStore(nil), ledgertest.New(1), zerolog.Nop())
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeConfig))

	r, err := New("0x00000000000000000000000000000000000000D1", c, projection.NewStore(nil), ledgertest.New(1), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, directory, r.DirectoryID())
	assert.Len(t, r.handlers, len(c.Registry().Transactional()))
}

func TestApplyRegister(t *testing.T) {
	ctx := context.Background()

	t.Run("applying twice yields one confirmed row and one audit entry", func(t *testing.T) {
		f := newFixture(t)
		call := f.decoded(t, codec.RegisterCall{IsProvider: true, UserID: "P1", UserAddress: provider}, "0xr1", operator)

		require.NoError(t, f.reconciler.Apply(ctx, call))
		require.NoError(t, f.reconciler.Apply(ctx, call))

		account, err := f.store.FindAccountByUserID(ctx, directory, store.RoleProvider, "P1")
		require.NoError(t, err)
		assert.True(t, account.IsConfirmed)
		assert.Equal(t, provider, account.UserAddress)
		assert.Equal(t, int64(1), f.auditCount(t, "0xr1"))

		audit, err := f.store.ListAudit(ctx, directory, "", 0)
		require.NoError(t, err)
		require.Len(t, audit, 1)
		assert.Equal(t, "New account is registered.", audit[0].Message)
		assert.True(t, audit[0].LoggingDate.Equal(fixedNow))
	})

	t.Run("confirms the row written at submission", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.store.InsertAccount(ctx, &store.UserAccount{
			DirectoryID: directory, Role: store.RoleConsumer, UserID: "C1", UserAddress: consumer,
			PasswordHash: "hash", RegistrationTxHash: "0xr2",
		})
		require.NoError(t, err)

		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.RegisterCall{UserID: "C1", UserAddress: consumer}, "0xr2", operator)))

		account, err := f.store.FindAccountByUserID(ctx, directory, store.RoleConsumer, "C1")
		require.NoError(t, err)
		assert.True(t, account.IsConfirmed)
		assert.Equal(t, "hash", account.PasswordHash)
	})
}

func TestApplyDataEntryLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.registerBoth(t)
	f.createEntry(t)
	f.createEntry(t)

	entry, err := f.store.FindDataEntry(ctx, directory, "1000cert-1")
	require.NoError(t, err)
	assert.True(t, entry.IsConfirmed)
	assert.True(t, entry.IsOffered)
	assert.Equal(t, "P1", entry.ProviderID)
	assert.Equal(t, "50", entry.OfferPrice)
	assert.Equal(t, 20, entry.AgeLowerBound)
	assert.Equal(t, int64(1), f.auditCount(t, "0xc1"))

	var confirmed int
	for _, e := range f.notes.Events() {
		if e.Name == notify.EventDataEntry {
			confirmed++
			assert.Equal(t, "P1", e.UserID)
		}
	}
	assert.Equal(t, 1, confirmed, "replays must not notify again")

	del := codec.DeleteDataEntryCall{DataKey: "1000cert-1"}
	require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, del, "0xd1", provider)))
	require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, del, "0xd2", provider)))

	entry, err = f.store.FindDataEntry(ctx, directory, "1000cert-1")
	require.NoError(t, err)
	assert.False(t, entry.IsOffered)
	assert.Equal(t, "0xd1", entry.DeletionTxHash)
	assert.Equal(t, int64(1), f.auditCount(t, "0xd2"))

	t.Run("unknown entry is audited without changes", func(t *testing.T) {
		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.DeleteDataEntryCall{DataKey: "missing"}, "0xd3", provider)))
		assert.Equal(t, int64(1), f.auditCount(t, "0xd3"))
	})
}

func TestApplyDeployEAS(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.registerBoth(t)
		f.createEntry(t)
		for _, row := range []store.DataEntryAgreement{
			{DirectoryID: directory, DataKey: "1000cert-1", Role: store.RoleConsumer, UserID: "C1", TargetUserID: "P1", UserAddress: consumer, TargetUserAddress: provider, BiddingPrice: "50"},
			{DirectoryID: directory, DataKey: "1000cert-1", Role: store.RoleProvider, UserID: "P1", TargetUserID: "C1", UserAddress: provider, TargetUserAddress: consumer, BiddingPrice: "50"},
		} {
			row := row
			require.NoError(t, f.store.InsertAgreement(ctx, &row))
		}
		return f
	}

	t.Run("inserts the ledger EAS and clears the agreement pair", func(t *testing.T) {
		f := setup(t)
		easID := f.contract.Deploy("1000cert-1", consumer)
		call := f.decoded(t, deployCall(t), "0xe1", operator)

		require.NoError(t, f.reconciler.Apply(ctx, call))
		require.NoError(t, f.reconciler.Apply(ctx, call))

		eas, err := f.store.FindEASByID(ctx, directory, easID)
		require.NoError(t, err)
		assert.True(t, eas.IsValid)
		assert.True(t, eas.IsConfirmed)
		assert.Equal(t, "C1", eas.ConsumerID)
		assert.Equal(t, "cert-1", eas.Certificate)
		assert.Equal(t, provider, eas.ProviderAddress)
		assert.Equal(t, "50", eas.BiddingPrice)
		assert.Contains(t, eas.ConsumerAck, "C1")

		rows, err := f.store.FindAgreements(ctx, directory, projection.AgreementQuery{DataKey: "1000cert-1"})
		require.NoError(t, err)
		assert.Empty(t, rows)
		assert.Equal(t, int64(1), f.auditCount(t, "0xe1"))

		var recipients []string
		for _, e := range f.notes.Events() {
			if e.Name == notify.EventEASDeployment {
				recipients = append(recipients, e.Role+":"+e.UserID)
			}
		}
		assert.ElementsMatch(t, []string{"provider:P1", "consumer:C1"}, recipients)
	})

	t.Run("remaps the provisional id written at submission", func(t *testing.T) {
		f := setup(t)
		_, err := f.store.InsertEAS(ctx, &store.EAS{
			DirectoryID: directory, EASID: "0xprovisional", DataKey: "1000cert-1", ConsumerID: "C1",
			ConsumerAddress: consumer, BiddingPrice: "50", IsValid: true, DeploymentTxHash: "0xe2",
		})
		require.NoError(t, err)
		easID := f.contract.Deploy("1000cert-1", consumer)

		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, deployCall(t), "0xe2", operator)))

		_, err = f.store.FindEASByID(ctx, directory, "0xprovisional")
		assert.ErrorIs(t, err, projection.ErrNotFound)
		eas, err := f.store.FindEASByID(ctx, directory, easID)
		require.NoError(t, err)
		assert.True(t, eas.IsConfirmed)
		assert.Equal(t, "0xe2", eas.DeploymentTxHash)
	})

	t.Run("ledger lookup failure leaves nothing behind", func(t *testing.T) {
		f := setup(t)
		err := f.reconciler.Apply(ctx, f.decoded(t, deployCall(t), "0xe3", operator))
		require.Error(t, err)
		assert.Equal(t, int64(0), f.auditCount(t, "0xe3"))

		rows, err := f.store.FindAgreements(ctx, directory, projection.AgreementQuery{DataKey: "1000cert-1"})
		require.NoError(t, err)
		assert.Len(t, rows, 2)
	})
}

func TestApplyDeployEASResolvesAsOfBlock(t *testing.T) {
	ctx := context.Background()
	other := "0x00000000000000000000000000000000000000cc"

	setup := func(t *testing.T) *fixture {
		f := newFixture(t)
		f.registerBoth(t)
		f.createEntry(t)
		return f
	}

	deployTx := func(t *testing.T, f *fixture, nonce uint64, call codec.DeployEASCall) *types.Transaction {
		t.Helper()
		data, err := f.codec.EncodeCall(call)
		require.NoError(t, err)
		to := common.HexToAddress(directory)
		return types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Gas: 1_000_000, GasPrice: big.NewInt(1), Data: data})
	}

	applyMined := func(t *testing.T, f *fixture, block *types.Block, tx *types.Transaction, call codec.DeployEASCall) {
		t.Helper()
		decoded := f.decoded(t, call, tx.Hash().Hex(), operator)
		decoded.BlockNumber = block.NumberU64()
		require.NoError(t, f.reconciler.Apply(ctx, decoded))
	}

	t.Run("deployments mined before the scan keep their own ids", func(t *testing.T) {
		f := setup(t)
		first, between, second, later := deployCall(t), deployCall(t), deployCall(t), deployCall(t)
		between.ConsumerAddress = other
		second.DeploymentDate = 1600
		later.DeploymentDate = 1700

		txs := []*types.Transaction{
			deployTx(t, f, 0, first),
			deployTx(t, f, 1, between),
			deployTx(t, f, 2, second),
			deployTx(t, f, 3, later),
		}
		// A reverted deployment appends nothing on the ledger.
		reverted := deployTx(t, f, 4, second)
		block := f.chain.MineBlock(
			ledgertest.Entry{Tx: txs[0]},
			ledgertest.Entry{Tx: txs[1]},
			ledgertest.Entry{Tx: reverted, Failed: true},
			ledgertest.Entry{Tx: txs[2]},
		)
		next := f.chain.MineBlock(ledgertest.Entry{Tx: txs[3]})

		ids := f.contract.All("1000cert-1")
		require.Len(t, ids, 4)

		applyMined(t, f, block, txs[0], first)
		applyMined(t, f, block, txs[1], between)
		applyMined(t, f, block, txs[2], second)
		applyMined(t, f, next, txs[3], later)

		for i, tx := range txs {
			eas, err := f.store.FindEASByDeploymentTx(ctx, directory, tx.Hash().Hex())
			require.NoError(t, err, "deployment %d", i)
			assert.Equal(t, ids[i], eas.EASID, "deployment %d", i)
			assert.True(t, eas.IsConfirmed)
		}
		rows, err := f.store.ListEAS(ctx, directory, "1000cert-1")
		require.NoError(t, err)
		assert.Len(t, rows, 4)
	})

	t.Run("an id held by another deployment leaves the call unapplied", func(t *testing.T) {
		f := setup(t)
		easID := f.contract.Deploy("1000cert-1", consumer)
		_, err := f.store.InsertEAS(ctx, &store.EAS{
			DirectoryID: directory, EASID: easID, DataKey: "1000cert-1", ConsumerID: "C1",
			ConsumerAddress: consumer, BiddingPrice: "50", IsValid: true, IsConfirmed: true, DeploymentTxHash: "0xe1",
		})
		require.NoError(t, err)

		err = f.reconciler.Apply(ctx, f.decoded(t, deployCall(t), "0xe9", operator))
		assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeDependency), "got %v", err)
		assert.Equal(t, int64(0), f.auditCount(t, "0xe9"))
		_, err = f.store.FindEASByDeploymentTx(ctx, directory, "0xe9")
		assert.ErrorIs(t, err, projection.ErrNotFound)
	})
}

func TestApplyInvokeAndRevoke(t *testing.T) {
	ctx := context.Background()

	setup := func(t *testing.T) (*fixture, string) {
		f := newFixture(t)
		f.registerBoth(t)
		f.createEntry(t)
		easID := f.contract.Deploy("1000cert-1", consumer)
		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, deployCall(t), "0xe1", operator)))
		return f, easID
	}

	downloads := func(t *testing.T, f *fixture, easID string) *store.EAS {
		eas, err := f.store.FindEASByID(ctx, directory, easID)
		require.NoError(t, err)
		return eas
	}

	t.Run("successful download counts once", func(t *testing.T) {
		f, easID := setup(t)
		call := f.decoded(t, codec.InvokeEASCall{DataKey: "1000cert-1", InvocationRecord: "1700000000,C1,1000cert-1,succeeded"}, "0xi1", consumer)

		require.NoError(t, f.reconciler.Apply(ctx, call))
		require.NoError(t, f.reconciler.Apply(ctx, call))

		assert.Equal(t, uint64(1), downloads(t, f, easID).DownloadCount)
		inv, err := f.store.FindInvocationByTx(ctx, directory, "0xi1")
		require.NoError(t, err)
		assert.True(t, inv.IsConfirmed)
		assert.True(t, inv.DownloadStatus)

		audit, err := f.store.ListAudit(ctx, directory, "cert-1", 0)
		require.NoError(t, err)
		assert.Equal(t, "EASI transaction is received. Download status: true, Validity status: true", audit[len(audit)-1].Message)
	})

	t.Run("failed download does not count", func(t *testing.T) {
		f, easID := setup(t)
		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.InvokeEASCall{DataKey: "1000cert-1", InvocationRecord: "1700000000,C1,1000cert-1,failed"}, "0xi2", consumer)))

		assert.Equal(t, uint64(0), downloads(t, f, easID).DownloadCount)
		inv, err := f.store.FindInvocationByTx(ctx, directory, "0xi2")
		require.NoError(t, err)
		assert.False(t, inv.DownloadStatus)
	})

	t.Run("consumer cannot revoke after a download", func(t *testing.T) {
		f, easID := setup(t)
		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.InvokeEASCall{DataKey: "1000cert-1", InvocationRecord: "1700000000,C1,1000cert-1,succeeded"}, "0xi3", consumer)))
		require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.RevokeEASByConsumerCall{DataKey: "1000cert-1"}, "0xv1", consumer)))

		eas := downloads(t, f, easID)
		assert.True(t, eas.IsValid)
		assert.Empty(t, eas.RevocationTxHash)
		assert.Equal(t, int64(1), f.auditCount(t, "0xv1"))
	})

	t.Run("provider revokes an unused EAS", func(t *testing.T) {
		f, easID := setup(t)
		call := f.decoded(t, codec.RevokeEASByProviderCall{DataKey: "1000cert-1", ConsumerAddress: consumer}, "0xv2", provider)
		require.NoError(t, f.reconciler.Apply(ctx, call))
		require.NoError(t, f.reconciler.Apply(ctx, call))

		eas := downloads(t, f, easID)
		assert.False(t, eas.IsValid)
		assert.Equal(t, "0xv2", eas.RevocationTxHash)
		assert.Equal(t, int64(1), f.auditCount(t, "0xv2"))

		t.Run("downloads against a revoked EAS are not counted", func(t *testing.T) {
			require.NoError(t, f.reconciler.Apply(ctx, f.decoded(t, codec.InvokeEASCall{DataKey: "1000cert-1", InvocationRecord: "1700000000,C1,1000cert-1,succeeded"}, "0xi4", consumer)))
			assert.Equal(t, uint64(0), downloads(t, f, easID).DownloadCount)
		})
	})
}

func TestApplyRejectsUnknownCalls(t *testing.T) {
	f := newFixture(t)

	err := f.reconciler.Apply(context.Background(), &codec.DecodedCall{
		Selector: codec.Selector{0xde, 0xad, 0xbe, 0xef},
		TxHash:   "0xu1",
		Call:     codec.DeleteDataEntryCall{DataKey: "k"},
	})
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeUnknownSelector))

	err = f.reconciler.Apply(context.Background(), nil)
	assert.True(t, dxerrors.IsCode(err, dxerrors.ErrCodeValidation))
}
