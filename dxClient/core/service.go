// Package core wires the directory node together and serves the request
// layer: registration, login, the signed-transaction submit paths, the
// agreement exchange and the read-only queries.
package core

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/auth"
	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/negotiator"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

// ServiceConfig holds the settings of a DirectoryService.
type ServiceConfig struct {
	DirectoryID string
	// OperatorKey signs register and deployEAS. Without it those paths fail.
	OperatorKey *ecdsa.PrivateKey
	// GasPrice is used for operator transactions; nil asks the ledger.
	GasPrice *big.Int
	GasLimit func(function string) uint64
	// TokenSecret signs login tokens valid for TokenTTL.
	TokenSecret  []byte
	TokenTTL     time.Duration
	PasswordCost int
	Retry        *dxerrors.RetryConfig
}

// SubmitResult reports a transaction accepted by the ledger. It is not yet
// confirmed; the scanner confirms it once mined.
type SubmitResult struct {
	Message     string    `json:"message"`
	Function    string    `json:"function"`
	TxHash      string    `json:"txHash"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// RegistrationResult is the account stored by RegisterUser.
type RegistrationResult struct {
	Account    *store.UserAccount
	Submission *ledger.Submission
}

// LoginResult identifies a logged-in user.
type LoginResult struct {
	UserType    string `json:"userType"`
	UserID      string `json:"userID"`
	UserAddress string `json:"userAddress"`
	Token       string `json:"token"`
}

// ServiceOption configures a DirectoryService.
type ServiceOption func(*DirectoryService)

// WithServiceMetrics counts submitted transactions.
func WithServiceMetrics(m *metrics.Metrics) ServiceOption {
	return func(s *DirectoryService) { s.metrics = m }
}

// WithServiceClock overrides the clock used for deployment dates.
func WithServiceClock(now func() time.Time) ServiceOption {
	return func(s *DirectoryService) { s.now = now }
}

// DirectoryService validates requests against the projection and submits
// the resulting ledger transactions. It never marks anything confirmed.
type DirectoryService struct {
	cfg         ServiceConfig
	directoryID string
	gateway     ledger.Gateway
	codec       *codec.Codec
	store       *projection.Store
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      zerolog.Logger

	// operatorMu keeps operator nonces in submission order.
	operatorMu sync.Mutex
	// registerMu serializes the exists-then-insert check of registrations.
	registerMu sync.Mutex
}

var _ negotiator.EASDeployer = (*DirectoryService)(nil)

// NewDirectoryService creates the service for cfg.DirectoryID.
func NewDirectoryService(
	cfg ServiceConfig,
	gateway ledger.Gateway,
	c *codec.Codec,
	st *projection.Store,
	logger zerolog.Logger,
	opts ...ServiceOption,
) (*DirectoryService, error) {
	directory, err := codec.NormalizeAddress(cfg.DirectoryID)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}
	if gateway == nil || c == nil || st == nil {
		return nil, dxerrors.NewConfigError("gateway, codec and store are required")
	}
	if cfg.Retry == nil {
		cfg.Retry = dxerrors.DefaultRetryConfig()
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = 24 * time.Hour
	}
	s := &DirectoryService{
		cfg:         cfg,
		directoryID: directory,
		gateway:     gateway,
		codec:       c,
		store:       st,
		now:         time.Now,
		logger:      logger.With().Str("component", "directory_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// DirectoryID returns the directory the service acts for.
func (s *DirectoryService) DirectoryID() string {
	return s.directoryID
}

// RegisterUser stores a new account. Providers and consumers are registered
// on the ledger by the operator and stay unconfirmed until that transaction
// is reconciled. Auditors exist only off-chain and are confirmed at once.
func (s *DirectoryService) RegisterUser(ctx context.Context, req RegistrationRequest) (*RegistrationResult, error) {
	s.registerMu.Lock()
	defer s.registerMu.Unlock()

	address := req.UserAddress
	if req.UserType == store.RoleAuditor && address == "" {
		address = auditorAddress(req.UserID)
	}

	exists, err := s.store.AccountExists(ctx, s.directoryID, req.UserType, req.UserID, address)
	if err != nil {
		return nil, storeError(err)
	}
	if exists {
		return nil, dxerrors.NewDomainError("The user has been registered.")
	}

	hash, err := auth.HashPassword(req.Password, s.cfg.PasswordCost)
	if err != nil {
		return nil, dxerrors.NewInternalError("failed to hash password", err)
	}
	account := &store.UserAccount{
		DirectoryID:  s.directoryID,
		Role:         req.UserType,
		UserID:       req.UserID,
		UserAddress:  address,
		PasswordHash: hash,
	}

	var submission *ledger.Submission
	if req.UserType == store.RoleAuditor {
		account.IsConfirmed = true
		if err := s.insertAccount(ctx, account); err != nil {
			return nil, err
		}
	} else {
		data, err := s.codec.EncodeCall(codec.RegisterCall{
			IsProvider:  req.UserType == store.RoleProvider,
			UserID:      req.UserID,
			UserAddress: address,
		})
		if err != nil {
			return nil, dxerrors.NewInternalError("failed to encode register call", err)
		}
		// The row carrying the password hash exists before the ledger can
		// include the transaction, so the reconciler only ever confirms it.
		submission, err = s.submitAsOperator(ctx, codec.FnRegister, data, func(txHash string) error {
			account.RegistrationTxHash = txHash
			return s.insertAccount(ctx, account)
		})
		if err != nil {
			if account.RegistrationTxHash != "" {
				if _, delErr := s.store.DeleteUnconfirmedAccountByTx(ctx, s.directoryID, account.RegistrationTxHash); delErr != nil {
					s.logger.Error().Err(delErr).Str("user_id", req.UserID).Msg("failed to remove account of unsubmitted registration")
				}
			}
			return nil, err
		}
	}

	s.logger.Info().
		Str("role", req.UserType).
		Str("user_id", req.UserID).
		Str("user_address", address).
		Msg("user registered")
	return &RegistrationResult{Account: account, Submission: submission}, nil
}

func (s *DirectoryService) insertAccount(ctx context.Context, account *store.UserAccount) error {
	inserted, err := s.store.InsertAccount(ctx, account)
	if err != nil {
		return storeError(err)
	}
	if !inserted {
		return dxerrors.NewDomainError("The user has been registered.")
	}
	return nil
}

// auditorAddress derives a stable placeholder address for auditors, who
// never sign ledger transactions.
func auditorAddress(userID string) string {
	hash := crypto.Keccak256([]byte("auditor:" + userID))
	return codec.AddressHex(common.BytesToAddress(hash[12:]))
}

// Login checks the password and issues a session token.
func (s *DirectoryService) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	account, err := s.store.FindAccountByUserID(ctx, s.directoryID, req.UserType, req.UserID)
	if errors.Is(err, projection.ErrNotFound) {
		return nil, dxerrors.NewIdentityError("Wrong user ID or password.")
	}
	if err != nil {
		return nil, storeError(err)
	}
	if err := auth.CheckPassword(account.PasswordHash, req.Password); err != nil {
		return nil, dxerrors.NewIdentityError("Wrong user ID or password.")
	}

	if len(s.cfg.TokenSecret) == 0 {
		return nil, dxerrors.NewConfigError("session token secret is not configured")
	}
	token, err := auth.GenerateToken(s.directoryID, account.Role, account.UserID, s.cfg.TokenSecret, s.cfg.TokenTTL)
	if err != nil {
		return nil, dxerrors.NewInternalError("failed to issue session token", err)
	}
	return &LoginResult{
		UserType:    account.Role,
		UserID:      account.UserID,
		UserAddress: account.UserAddress,
		Token:       token,
	}, nil
}

// Authenticate validates a session token issued by Login for this directory.
func (s *DirectoryService) Authenticate(token string) (*auth.Claims, error) {
	claims, err := auth.ParseToken(token, s.cfg.TokenSecret)
	if err != nil {
		return nil, dxerrors.New(dxerrors.ErrCodeIdentity, "invalid session token", err)
	}
	if claims.DirectoryID != s.directoryID {
		return nil, dxerrors.NewIdentityError("session token belongs to another directory")
	}
	return claims, nil
}

// CreateDataEntry forwards a provider-signed createDataEntry transaction.
func (s *DirectoryService) CreateDataEntry(ctx context.Context, req SignedTxRequest) (*SubmitResult, error) {
	call, err := s.decodeSigned(req.Raw, codec.FnCreateDataEntry)
	if err != nil {
		return nil, err
	}
	create := call.Call.(codec.CreateDataEntryCall)

	if _, err := s.providerBySender(ctx, call.Sender, "The userID is not registered as a provider."); err != nil {
		return nil, err
	}
	if create.Summary.Certificate == "" {
		return nil, dxerrors.NewValidationError("dataCertificate is required")
	}

	if _, err := s.store.FindDataEntry(ctx, s.directoryID, create.DerivedDataKey()); err == nil {
		return nil, dxerrors.NewDomainError("The data certificate has been used.")
	} else if !errors.Is(err, projection.ErrNotFound) {
		return nil, storeError(err)
	}
	used, err := s.store.CertificateInUse(ctx, s.directoryID, create.Summary.Certificate)
	if err != nil {
		return nil, storeError(err)
	}
	if used {
		return nil, dxerrors.NewDomainError("The data certificate has been used.")
	}

	return s.forward(ctx, call, req.Raw, "DEC transaction is submitted.")
}

// DeleteDataEntry forwards a provider-signed deleteDataEntry transaction.
// Active EAS on the entry are not touched.
func (s *DirectoryService) DeleteDataEntry(ctx context.Context, req SignedTxRequest) (*SubmitResult, error) {
	call, err := s.decodeSigned(req.Raw, codec.FnDeleteDataEntry)
	if err != nil {
		return nil, err
	}
	del := call.Call.(codec.DeleteDataEntryCall)

	if _, err := s.providerBySender(ctx, call.Sender, "The userID is not registered as a provider."); err != nil {
		return nil, err
	}
	entry, err := s.entry(ctx, del.DataKey)
	if err != nil {
		return nil, err
	}
	if entry.ProviderAddress != call.Sender {
		return nil, dxerrors.NewDomainError("The userID is not the data provider of the entry.")
	}
	if !entry.IsOffered {
		return nil, dxerrors.NewDomainError("The data entry has been deleted.")
	}

	return s.forward(ctx, call, req.Raw, "DED transaction is submitted.")
}

// InvokeEAS forwards a provider-signed invokeEAS transaction recording a
// download attempt.
func (s *DirectoryService) InvokeEAS(ctx context.Context, req SignedTxRequest) (*SubmitResult, error) {
	call, err := s.decodeSigned(req.Raw, codec.FnInvokeEAS)
	if err != nil {
		return nil, err
	}
	invoke := call.Call.(codec.InvokeEASCall)

	if _, err := s.providerBySender(ctx, call.Sender, "The userID is not registered as a provider."); err != nil {
		return nil, err
	}
	entry, err := s.entry(ctx, invoke.DataKey)
	if err != nil {
		return nil, err
	}
	if !entry.IsConfirmed {
		return nil, dxerrors.NewDomainError("Waiting for data entry to be confirmed")
	}
	if entry.ProviderAddress != call.Sender {
		return nil, dxerrors.NewDomainError("The userID is not the data provider of the entry.")
	}

	return s.forward(ctx, call, req.Raw, "EASI transaction is submitted.")
}

// RevokeEAS forwards a signed revokeEASbyProvider or revokeEASbyConsumer
// transaction. A provider may revoke any valid EAS on its own entry; a
// consumer additionally loses that right after the first download.
func (s *DirectoryService) RevokeEAS(ctx context.Context, req SignedTxRequest) (*SubmitResult, error) {
	call, err := s.decodeSigned(req.Raw, codec.FnRevokeEASByProvider, codec.FnRevokeEASByConsumer)
	if err != nil {
		return nil, err
	}

	var dataKey, consumerAddress string
	switch c := call.Call.(type) {
	case codec.RevokeEASByProviderCall:
		dataKey, consumerAddress = c.DataKey, c.ConsumerAddress
	case codec.RevokeEASByConsumerCall:
		dataKey, consumerAddress = c.DataKey, call.Sender
	}

	eas, err := s.store.FindLatestEAS(ctx, s.directoryID, dataKey, consumerAddress)
	if errors.Is(err, projection.ErrNotFound) {
		return nil, dxerrors.NewDomainError("The EAS doesn't exist")
	}
	if err != nil {
		return nil, storeError(err)
	}
	if !eas.IsConfirmed {
		return nil, dxerrors.NewDomainError("Waiting for EAS to be confirmed")
	}
	if !eas.IsValid {
		return nil, dxerrors.NewDomainError("The EAS has been revoked.")
	}

	if call.Function == codec.FnRevokeEASByProvider {
		if _, err := s.providerBySender(ctx, call.Sender, "The user is not registered as a provider."); err != nil {
			return nil, err
		}
		entry, err := s.store.FindDataEntry(ctx, s.directoryID, dataKey)
		if err != nil && !errors.Is(err, projection.ErrNotFound) {
			return nil, storeError(err)
		}
		if entry == nil || entry.ProviderAddress != call.Sender {
			return nil, dxerrors.NewDomainError("The user doesn't match the provider of the EAS.")
		}
	} else {
		if eas.DownloadCount > 0 {
			return nil, dxerrors.NewDomainError("EAS can't be revoked after data file is downloaded.")
		}
		if _, err := s.store.FindAccountByAddress(ctx, s.directoryID, store.RoleConsumer, call.Sender); err != nil {
			if errors.Is(err, projection.ErrNotFound) {
				return nil, dxerrors.NewIdentityError("The user is not registered as a consumer.")
			}
			return nil, storeError(err)
		}
	}

	return s.forward(ctx, call, req.Raw, "EASR transaction is submitted.")
}

// DeployEAS submits the operator-signed deployEAS for a matched agreement
// and records a provisional, unconfirmed EAS row. The row keeps a derived id
// until the reconciler renames it to the ledger-assigned address.
func (s *DirectoryService) DeployEAS(ctx context.Context, d negotiator.Deployment) (*ledger.Submission, error) {
	payload, err := json.Marshal(codec.Acknowledgement{Provider: d.ProviderAck, Consumer: d.ConsumerAck})
	if err != nil {
		return nil, dxerrors.NewInternalError("failed to encode acknowledgements", err)
	}
	deployedAt := s.now().UTC().Truncate(time.Second)
	data, err := s.codec.EncodeCall(codec.DeployEASCall{
		ConsumerAddress: d.ConsumerAddress,
		DeploymentDate:  deployedAt.Unix(),
		ExpirationDate:  d.ExpirationDate,
		DataKey:         d.DataKey,
		Acknowledgement: string(payload),
	})
	if err != nil {
		return nil, dxerrors.NewInternalError("failed to encode deployEAS call", err)
	}

	price := "0"
	if d.BiddingPrice != nil {
		price = d.BiddingPrice.Dec()
	}
	provisional := &store.EAS{
		DirectoryID:      s.directoryID,
		EASID:            ProvisionalEASID(d.ProviderAddress, d.ConsumerAddress, d.DataKey),
		DataKey:          d.DataKey,
		Certificate:      d.Certificate,
		ProviderAddress:  d.ProviderAddress,
		ConsumerID:       d.ConsumerID,
		ConsumerAddress:  d.ConsumerAddress,
		BiddingPrice:     price,
		DeploymentDate:   deployedAt,
		ExpirationDate:   time.Unix(d.ExpirationDate, 0).UTC(),
		ProviderAck:      marshalSigned(d.ProviderAck),
		ConsumerAck:      marshalSigned(d.ConsumerAck),
		IsValid:          true,
	}

	submission, err := s.submitAsOperator(ctx, codec.FnDeployEAS, data, func(txHash string) error {
		provisional.DeploymentTxHash = txHash
		inserted, err := s.store.InsertEAS(ctx, provisional)
		if err != nil {
			// The confirmation inserts the row if this write is lost.
			s.logger.Error().Err(err).Str("tx_hash", txHash).Msg("failed to record provisional EAS")
		} else if !inserted {
			s.logger.Warn().Str("tx_hash", txHash).Str("data_key", d.DataKey).Msg("provisional EAS id already taken")
		}
		return nil
	})
	if err != nil {
		if provisional.DeploymentTxHash != "" {
			if _, delErr := s.store.DeleteUnconfirmedEASByTx(ctx, s.directoryID, provisional.DeploymentTxHash); delErr != nil {
				s.logger.Error().Err(delErr).Str("tx_hash", provisional.DeploymentTxHash).Msg("failed to remove provisional EAS")
			}
		}
		return nil, err
	}
	return submission, nil
}

// ProvisionalEASID is the id an EAS row carries before its deployment is
// confirmed: keccak256 over provider address, consumer address and dataKey.
func ProvisionalEASID(providerAddress, consumerAddress, dataKey string) string {
	return crypto.Keccak256Hash(
		common.HexToAddress(providerAddress).Bytes(),
		common.HexToAddress(consumerAddress).Bytes(),
		[]byte(dataKey),
	).Hex()
}

func marshalSigned(msg codec.SignedMessage) string {
	b, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(b)
}

// TransactionNonce returns the next nonce the ledger expects from address.
func (s *DirectoryService) TransactionNonce(ctx context.Context, address string) (uint64, error) {
	var nonce uint64
	err := s.retry(ctx, func() error {
		var err error
		nonce, err = s.gateway.PendingNonce(ctx, address)
		return err
	})
	if err != nil {
		return 0, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, "failed to read transaction nonce")
	}
	return nonce, nil
}

// decodeSigned decodes a client-signed transaction and checks it targets
// this directory with one of the allowed functions.
func (s *DirectoryService) decodeSigned(raw []byte, allowed ...codec.FunctionName) (*codec.DecodedCall, error) {
	_, call, err := s.codec.DecodeRawTransaction(raw)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownSelector) {
			return nil, dxerrors.NewValidationError("Unknown transaction hash")
		}
		return nil, dxerrors.New(dxerrors.ErrCodeValidation, "invalid signed transaction", err)
	}
	if call.Recipient != s.directoryID {
		return nil, dxerrors.NewValidationError("The directory ID does not exist.")
	}
	for _, fn := range allowed {
		if call.Function == fn {
			return call, nil
		}
	}
	return nil, dxerrors.NewValidationError("Unknown transaction hash")
}

func (s *DirectoryService) providerBySender(ctx context.Context, sender, message string) (*store.UserAccount, error) {
	account, err := s.store.FindAccountByAddress(ctx, s.directoryID, store.RoleProvider, sender)
	if errors.Is(err, projection.ErrNotFound) {
		return nil, dxerrors.NewIdentityError(message)
	}
	if err != nil {
		return nil, storeError(err)
	}
	return account, nil
}

func (s *DirectoryService) entry(ctx context.Context, dataKey string) (*store.DataEntry, error) {
	entry, err := s.store.FindDataEntry(ctx, s.directoryID, dataKey)
	if errors.Is(err, projection.ErrNotFound) {
		return nil, dxerrors.NewDomainError("Wrong data certificate: the data entry does not exist.")
	}
	if err != nil {
		return nil, storeError(err)
	}
	return entry, nil
}

// forward submits a client-signed transaction as is.
func (s *DirectoryService) forward(ctx context.Context, call *codec.DecodedCall, raw []byte, message string) (*SubmitResult, error) {
	submission, err := s.submit(ctx, call.Function, raw)
	if err != nil {
		return nil, err
	}
	s.logger.Info().
		Str("function", string(call.Function)).
		Str("sender", call.Sender).
		Str("tx_hash", submission.TxHash).
		Msg("signed transaction forwarded")
	return &SubmitResult{
		Message:     message,
		Function:    string(call.Function),
		TxHash:      submission.TxHash,
		SubmittedAt: submission.SubmittedAt,
	}, nil
}

// submitAsOperator signs data for the directory with the operator key and
// submits it. record, when set, runs with the signed hash before submission;
// an error from it aborts the submission.
func (s *DirectoryService) submitAsOperator(ctx context.Context, fn codec.FunctionName, data []byte, record func(txHash string) error) (*ledger.Submission, error) {
	key := s.cfg.OperatorKey
	if key == nil {
		return nil, dxerrors.NewConfigError("operator key is not configured")
	}

	s.operatorMu.Lock()
	defer s.operatorMu.Unlock()

	operator := codec.AddressHex(crypto.PubkeyToAddress(key.PublicKey))
	nonce, err := s.TransactionNonce(ctx, operator)
	if err != nil {
		return nil, err
	}
	gasPrice := s.cfg.GasPrice
	if gasPrice == nil {
		err := s.retry(ctx, func() error {
			var err error
			gasPrice, err = s.gateway.SuggestGasPrice(ctx)
			return err
		})
		if err != nil {
			return nil, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, "failed to read gas price")
		}
	}
	gasLimit := uint64(0)
	if s.cfg.GasLimit != nil {
		gasLimit = s.cfg.GasLimit(string(fn))
	}

	signed, err := s.codec.SignTransaction(key, codec.TxRequest{
		Nonce:    nonce,
		To:       s.directoryID,
		GasPrice: gasPrice,
		GasLimit: gasLimit,
		Data:     data,
	})
	if err != nil {
		return nil, dxerrors.NewInternalError(fmt.Sprintf("failed to sign %s transaction", fn), err)
	}
	if record != nil {
		if err := record(signed.Hash); err != nil {
			return nil, err
		}
	}
	return s.submit(ctx, fn, signed.Raw)
}

func (s *DirectoryService) submit(ctx context.Context, fn codec.FunctionName, raw []byte) (*ledger.Submission, error) {
	var submission *ledger.Submission
	err := s.retry(ctx, func() error {
		var err error
		submission, err = s.gateway.SubmitSignedTransaction(ctx, raw)
		return err
	})
	if err != nil {
		return nil, dxerrors.WrapDirectoryError(err, dxerrors.ErrCodeDependency, fmt.Sprintf("failed to submit %s transaction", fn))
	}
	s.metrics.TransactionSubmitted(string(fn))
	return submission, nil
}

func (s *DirectoryService) retry(ctx context.Context, fn dxerrors.RetryFunc) error {
	return dxerrors.RetryWithConfig(ctx, fn, s.cfg.Retry)
}

func storeError(err error) error {
	return dxerrors.NewDependencyError("directory store unavailable", err)
}
