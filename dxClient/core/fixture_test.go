package core

import (
	"context"
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	"github.com/pushchain/dxdirectory/dxClient/config"
	"github.com/pushchain/dxdirectory/dxClient/db"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger/ledgertest"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
)

const (
	directory = "0x00000000000000000000000000000000000000d1"
	chainID   = 1337
	dataKey   = "1000cert-1"
)

type party struct {
	key     *ecdsa.PrivateKey
	address string
}

func newParty(t *testing.T) party {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return party{key: key, address: codec.AddressHex(crypto.PubkeyToAddress(key.PublicKey))}
}

type fixture struct {
	client   *Client
	chain    *ledgertest.Chain
	contract *ledgertest.Directory
	provider party
	consumer party
}

func testConfig(t *testing.T, operator *ecdsa.PrivateKey) config.Config {
	t.Helper()
	cfg := config.Config{
		LogFormat:                "console",
		NodeHome:                 t.TempDir(),
		DatabaseFile:             "dxdirectory.db",
		ChainID:                  chainID,
		DirectoryAddress:         directory,
		BlockSyncIntervalSeconds: 60,
		CheckpointFile:           "sync_block",
		SweepIntervalSeconds:     30,
		MaxRetries:               2,
		JWTSecret:                "test-secret",
		JWTTTLSeconds:            3600,
	}
	if operator != nil {
		cfg.OperatorPrivateKeyHex = "0x" + hex.EncodeToString(crypto.FromECDSA(operator))
	}
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenInMemoryDB(true)
	require.NoError(t, err)

	c, err := codec.New(big.NewInt(chainID))
	require.NoError(t, err)
	chain := ledgertest.New(chainID)
	contract := ledgertest.NewDirectory(c, directory)
	contract.Attach(chain)

	operator, err := crypto.GenerateKey()
	require.NoError(t, err)

	client, err := NewClient(testConfig(t, operator), zerolog.Nop(),
		WithGateway(chain),
		WithDatabase(database),
		WithClientMetrics(metrics.New()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Stop() })

	return &fixture{
		client:   client,
		chain:    chain,
		contract: contract,
		provider: newParty(t),
		consumer: newParty(t),
	}
}

func (f *fixture) handle(t *testing.T, op Operation, fields Fields) *Response {
	t.Helper()
	res, err := f.client.Handle(context.Background(), op, fields)
	require.NoError(t, err, "%s failed", op)
	return res
}

func (f *fixture) handleErr(t *testing.T, op Operation, fields Fields, code dxerrors.ErrorCode, message string) {
	t.Helper()
	_, err := f.client.Handle(context.Background(), op, fields)
	requireMessage(t, err, code, message)
}

func requireMessage(t *testing.T, err error, code dxerrors.ErrorCode, message string) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, dxerrors.IsCode(err, code), "expected %s, got %v", code, err)
	assert.Equal(t, message, dxerrors.MessageOf(err))
}

// mine includes the mempool in a block and reconciles it.
func (f *fixture) mine(t *testing.T) {
	t.Helper()
	f.chain.Mine()
	require.NoError(t, f.client.Scanner().ProcessBlock(context.Background(), f.chain.Head()))
}

func registration(userType, userID, address string) Fields {
	return Fields{
		"userType":     userType,
		"userID":       userID,
		"userAddress":  address,
		"userPassword": "pw-" + userID,
	}
}

// registerParties registers P1 and C1 and confirms both.
func (f *fixture) registerParties(t *testing.T) {
	t.Helper()
	f.handle(t, OpUserRegistration, registration("provider", "P1", f.provider.address))
	f.handle(t, OpUserRegistration, registration("consumer", "C1", f.consumer.address))
	f.mine(t)
}

// signedTo encodes call, signs it with key for recipient to and returns the
// request fields carrying the raw transaction.
func (f *fixture) signedTo(t *testing.T, key *ecdsa.PrivateKey, to string, call codec.Call) Fields {
	t.Helper()
	data, err := f.client.Codec().EncodeCall(call)
	require.NoError(t, err)
	nonce, err := f.chain.PendingNonce(context.Background(), codec.AddressHex(crypto.PubkeyToAddress(key.PublicKey)))
	require.NoError(t, err)
	tx, err := f.client.Codec().SignTransaction(key, codec.TxRequest{
		Nonce:    nonce,
		To:       to,
		GasPrice: big.NewInt(1),
		GasLimit: 1_000_000,
		Data:     data,
	})
	require.NoError(t, err)
	return Fields{"rawTransaction": hexutil.Encode(tx.Raw)}
}

func (f *fixture) signed(t *testing.T, key *ecdsa.PrivateKey, call codec.Call) Fields {
	t.Helper()
	return f.signedTo(t, key, directory, call)
}

func createCall(certificate string, creation int64) codec.CreateDataEntryCall {
	summary := fmt.Sprintf(`{"dataCertificate":%q,"dataOwnerCode":"O1","dataEntryTitle":"Blood panel","dataDescription":"d","dataAccessPath":"/p","gender":"F","ageLowerBound":20,"ageUpperBound":60}`, certificate)
	return codec.CreateDataEntryCall{
		DataKey:      codec.DataKey(creation, certificate),
		RawSummary:   summary,
		OfferPrice:   uint256.NewInt(50),
		DueDate:      time.Now().Add(24 * time.Hour).Unix(),
		CreationDate: creation,
	}
}

// createEntry submits and confirms cert-1 for P1.
func (f *fixture) createEntry(t *testing.T) {
	t.Helper()
	res := f.handle(t, OpDataEntryCreation, f.signed(t, f.provider.key, createCall("cert-1", 1000)))
	require.Equal(t, "DEC transaction is submitted.", res.Message)
	f.mine(t)
}

func agreement(t *testing.T, p party, userType, userID, targetUserID string, price, expiration int64) Fields {
	t.Helper()
	body := fmt.Sprintf(`{"userType":%q,"userID":%q,"targetUserID":%q,"dataCertificate":"cert-1","dataEntryCreationDate":1000,"dataBiddingPrice":%d,"EASExpirationDate":%d}`,
		userType, userID, targetUserID, price, expiration)
	msg, err := codec.SignPersonalMessage(p.key, body)
	require.NoError(t, err)
	return Fields{"message": msg.Message, "messageHash": msg.MessageHash, "signature": msg.Signature}
}

// deployEAS negotiates and confirms an EAS for C1 on cert-1.
func (f *fixture) deployEAS(t *testing.T) {
	t.Helper()
	expiration := time.Now().Add(48 * time.Hour).Unix()
	f.handle(t, OpDataEntryAgreement, agreement(t, f.consumer, "consumer", "C1", "P1", 50, expiration))
	res := f.handle(t, OpDataEntryAgreement, agreement(t, f.provider, "provider", "P1", "C1", 50, expiration))
	require.Equal(t, "Agreements match, EAS deployment is submitted.", res.Message)
	f.mine(t)
}
