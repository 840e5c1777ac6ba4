// Package negotiator runs the off-chain agreement exchange between a data
// provider and a consumer. A provider proposal that matches the consumer's
// pending one exactly ends the negotiation by submitting an EAS deployment.
package negotiator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/notify"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

// Deployment is everything needed to submit deployEAS for a matched pair.
type Deployment struct {
	DataKey         string
	Certificate     string
	ProviderID      string
	ProviderAddress string
	ConsumerID      string
	ConsumerAddress string
	BiddingPrice    *uint256.Int
	ExpirationDate  int64
	ProviderAck     codec.SignedMessage
	ConsumerAck     codec.SignedMessage
}

// EASDeployer submits the ledger transaction deploying an EAS.
type EASDeployer interface {
	DeployEAS(ctx context.Context, d Deployment) (*ledger.Submission, error)
}

// Result is the outcome of a successful proposal. Submission is set when the
// proposal completed a match.
type Result struct {
	Agreement  *store.DataEntryAgreement
	Submission *ledger.Submission
}

// Negotiator validates signed proposals and rejections.
type Negotiator struct {
	// mu serializes the read-then-insert sequences on agreement rows.
	mu          sync.Mutex
	directoryID string
	store       *projection.Store
	deployer    EASDeployer
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New creates a negotiator. notifier and m may be nil.
func New(
	directoryID string,
	st *projection.Store,
	deployer EASDeployer,
	notifier notify.Notifier,
	m *metrics.Metrics,
	logger zerolog.Logger,
) (*Negotiator, error) {
	directory, err := codec.NormalizeAddress(directoryID)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}
	if deployer == nil {
		return nil, dxerrors.NewConfigError("EAS deployer is required")
	}
	if notifier == nil {
		notifier = notify.Noop{}
	}
	return &Negotiator{
		directoryID: directory,
		store:       st,
		deployer:    deployer,
		notifier:    notifier,
		metrics:     m,
		logger:      logger.With().Str("component", "negotiator").Logger(),
	}, nil
}

// parties is a validated, signature-checked request.
type parties struct {
	terms   codec.AgreementTerms
	dataKey string
	role    string
	user    *store.UserAccount
	target  *store.UserAccount
}

// Propose records a signed agreement proposal.
func (n *Negotiator) Propose(ctx context.Context, msg codec.SignedMessage) (*Result, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.authenticate(ctx, msg)
	if err != nil {
		n.metrics.NegotiationOutcome("refused")
		return nil, err
	}
	price, err := p.terms.Price()
	if err != nil {
		return nil, dxerrors.NewValidationError(err.Error())
	}
	expiration, err := p.terms.Expiration()
	if err != nil {
		return nil, dxerrors.NewValidationError(err.Error())
	}

	entry, err := n.store.FindDataEntry(ctx, n.directoryID, p.dataKey)
	if err != nil && !errors.Is(err, projection.ErrNotFound) {
		return nil, storeError(err)
	}
	if err := checkEntry(entry, p); err != nil {
		n.metrics.NegotiationOutcome("refused")
		return nil, err
	}

	var result *Result
	if p.role == store.RoleConsumer {
		result, err = n.proposeAsConsumer(ctx, msg, p, entry, price, expiration)
	} else {
		result, err = n.proposeAsProvider(ctx, msg, p, entry, price, expiration)
	}
	if err != nil {
		n.metrics.NegotiationOutcome("refused")
		return nil, err
	}
	return result, nil
}

func (n *Negotiator) proposeAsConsumer(
	ctx context.Context,
	msg codec.SignedMessage,
	p *parties,
	entry *store.DataEntry,
	price *uint256.Int,
	expiration int64,
) (*Result, error) {
	pending, err := n.store.FindAgreements(ctx, n.directoryID, projection.AgreementQuery{
		DataKey:           p.dataKey,
		Role:              store.RoleConsumer,
		UserAddress:       p.user.UserAddress,
		TargetUserAddress: p.target.UserAddress,
		PendingOnly:       true,
	})
	if err != nil {
		return nil, storeError(err)
	}
	if len(pending) > 0 {
		return nil, dxerrors.NewDomainError("Waiting for provider's agreement!")
	}

	row := n.agreementRow(msg, p, entry, price, expiration)
	if err := n.store.InsertAgreement(ctx, row); err != nil {
		return nil, storeError(err)
	}

	n.notifier.Notify(notify.Event{
		Name:    notify.EventAgreement,
		Role:    store.RoleProvider,
		UserID:  p.target.UserID,
		Message: "A new consumer agreement has been received.",
	})
	n.metrics.NegotiationOutcome("proposed")
	n.logger.Info().
		Str("data_key", p.dataKey).
		Str("consumer", p.user.UserID).
		Str("provider", p.target.UserID).
		Msg("consumer agreement recorded")
	return &Result{Agreement: row}, nil
}

func (n *Negotiator) proposeAsProvider(
	ctx context.Context,
	msg codec.SignedMessage,
	p *parties,
	entry *store.DataEntry,
	price *uint256.Int,
	expiration int64,
) (*Result, error) {
	rows, err := n.store.FindAgreements(ctx, n.directoryID, projection.AgreementQuery{
		DataKey:           p.dataKey,
		Role:              store.RoleConsumer,
		UserID:            p.target.UserID,
		UserAddress:       p.target.UserAddress,
		TargetUserID:      p.user.UserID,
		TargetUserAddress: p.user.UserAddress,
	})
	if err != nil {
		return nil, storeError(err)
	}
	if len(rows) == 0 {
		return nil, dxerrors.NewDomainError("No matching consumer's agreement exists.")
	}
	counter := firstPending(rows)
	if counter == nil {
		return nil, dxerrors.NewDomainError("All agreements are rejected, waiting for new consumer's agreement.")
	}

	counterPrice, err := uint256.FromDecimal(counter.BiddingPrice)
	if err != nil || !counterPrice.Eq(price) {
		n.metrics.NegotiationOutcome("mismatch")
		return nil, dxerrors.NewDomainError("dataOfferPrice doesn't match.")
	}
	if counter.ExpirationDate.Unix() != expiration {
		n.metrics.NegotiationOutcome("mismatch")
		return nil, dxerrors.NewDomainError("EASExpirationDate doesn't match.")
	}

	var consumerAck codec.SignedMessage
	if err := json.Unmarshal([]byte(counter.Acknowledgement), &consumerAck); err != nil {
		return nil, dxerrors.NewInternalError("stored consumer acknowledgement is unreadable", err)
	}

	submission, err := n.deployer.DeployEAS(ctx, Deployment{
		DataKey:         p.dataKey,
		Certificate:     entry.Certificate,
		ProviderID:      p.user.UserID,
		ProviderAddress: p.user.UserAddress,
		ConsumerID:      p.target.UserID,
		ConsumerAddress: p.target.UserAddress,
		BiddingPrice:    price,
		ExpirationDate:  expiration,
		ProviderAck:     msg,
		ConsumerAck:     consumerAck,
	})
	if err != nil {
		return nil, err
	}

	row := n.agreementRow(msg, p, entry, price, expiration)
	if err := n.store.InsertAgreement(ctx, row); err != nil {
		// The deployment is already submitted; its confirmation clears the pair.
		n.logger.Error().Err(err).Str("tx_hash", submission.TxHash).Msg("failed to record provider agreement")
		return nil, storeError(err)
	}

	n.metrics.NegotiationOutcome("matched")
	n.logger.Info().
		Str("data_key", p.dataKey).
		Str("provider", p.user.UserID).
		Str("consumer", p.target.UserID).
		Str("tx_hash", submission.TxHash).
		Msg("agreement matched, EAS deployment submitted")
	return &Result{Agreement: row, Submission: submission}, nil
}

// Reject flips the counter-party's pending proposal for the exact pair.
func (n *Negotiator) Reject(ctx context.Context, msg codec.SignedMessage) (*store.DataEntryAgreement, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	p, err := n.authenticate(ctx, msg)
	if err != nil {
		return nil, err
	}

	rows, err := n.store.FindAgreements(ctx, n.directoryID, projection.AgreementQuery{
		DataKey:           p.dataKey,
		UserID:            p.target.UserID,
		UserAddress:       p.target.UserAddress,
		TargetUserID:      p.user.UserID,
		TargetUserAddress: p.user.UserAddress,
	})
	if err != nil {
		return nil, storeError(err)
	}
	if len(rows) == 0 {
		return nil, dxerrors.NewDomainError(fmt.Sprintf("No matching %s's agreement exists.", p.target.Role))
	}
	pending := firstPending(rows)
	if pending == nil {
		return nil, dxerrors.NewDomainError("All agreements are rejected.")
	}

	flipped, err := n.store.RejectAgreement(ctx, pending.ID)
	if err != nil {
		return nil, storeError(err)
	}
	pending.IsRejected = true
	if flipped > 0 {
		n.notifier.Notify(notify.Event{
			Name:    notify.EventAgreement,
			Role:    p.target.Role,
			UserID:  p.target.UserID,
			Message: "An agreement has been rejected.",
		})
	}
	n.metrics.NegotiationOutcome("rejected")
	n.logger.Info().
		Str("data_key", p.dataKey).
		Str("by", p.user.UserID).
		Uint("agreement_id", pending.ID).
		Msg("agreement rejected")
	return pending, nil
}

// authenticate parses msg, resolves both parties and checks that msg was
// signed by the caller's registered address.
func (n *Negotiator) authenticate(ctx context.Context, msg codec.SignedMessage) (*parties, error) {
	terms, err := codec.ParseAgreementTerms(msg.Message)
	if err != nil {
		return nil, dxerrors.NewValidationError(err.Error())
	}
	if msg.Signature == "" {
		return nil, dxerrors.NewValidationError("signature is required")
	}

	var targetRole string
	switch terms.UserType {
	case store.RoleProvider:
		targetRole = store.RoleConsumer
	case store.RoleConsumer:
		targetRole = store.RoleProvider
	default:
		return nil, dxerrors.NewValidationError("The userType is not defined.")
	}
	for field, value := range map[string]string{
		"userID":                terms.UserID,
		"targetUserID":          terms.TargetUserID,
		"dataCertificate":       terms.Certificate,
		"dataEntryCreationDate": terms.CreationDate.String(),
	} {
		if strings.TrimSpace(value) == "" {
			return nil, dxerrors.NewValidationError(field + " is required")
		}
	}
	dataKey, err := terms.DataKey()
	if err != nil {
		return nil, dxerrors.NewValidationError(err.Error())
	}

	user, err := n.confirmedAccount(ctx, terms.UserType, terms.UserID)
	if err != nil {
		return nil, err
	}
	target, err := n.confirmedAccount(ctx, targetRole, terms.TargetUserID)
	if err != nil {
		return nil, err
	}

	signer, err := msg.RecoverSigner()
	if err != nil {
		return nil, dxerrors.NewIdentityError(fmt.Sprintf("invalid agreement signature: %v", err))
	}
	if signer != user.UserAddress {
		return nil, dxerrors.NewIdentityError("signingAddress is not identical with userAddress.")
	}

	return &parties{terms: terms, dataKey: dataKey, role: terms.UserType, user: user, target: target}, nil
}

func (n *Negotiator) confirmedAccount(ctx context.Context, role, userID string) (*store.UserAccount, error) {
	account, err := n.store.FindAccountByUserID(ctx, n.directoryID, role, userID)
	if errors.Is(err, projection.ErrNotFound) {
		return nil, dxerrors.NewIdentityError(role + " ID does not exist.")
	}
	if err != nil {
		return nil, storeError(err)
	}
	if !account.IsConfirmed {
		return nil, dxerrors.NewIdentityError(fmt.Sprintf("Waiting for %s: %s registration to be confirmed", role, userID))
	}
	return account, nil
}

// checkEntry requires a confirmed, offered entry owned by the provider side
// of the negotiation.
func checkEntry(entry *store.DataEntry, p *parties) error {
	if entry == nil {
		return dxerrors.NewDomainError("Wrong data certificate: the data entry does not exist.")
	}
	if !entry.IsConfirmed {
		return dxerrors.NewDomainError("Waiting for data entry to be confirmed")
	}
	if !entry.IsOffered {
		return dxerrors.NewDomainError("The data entry has been deleted.")
	}
	owner := p.target.UserAddress
	if p.role == store.RoleProvider {
		owner = p.user.UserAddress
	}
	if entry.ProviderAddress != owner {
		return dxerrors.NewDomainError("The userID is not the data provider of the entry.")
	}
	return nil
}

func (n *Negotiator) agreementRow(msg codec.SignedMessage, p *parties, entry *store.DataEntry, price *uint256.Int, expiration int64) *store.DataEntryAgreement {
	ack, _ := json.Marshal(msg)
	return &store.DataEntryAgreement{
		DirectoryID:       n.directoryID,
		DataKey:           p.dataKey,
		Role:              p.role,
		UserID:            p.user.UserID,
		TargetUserID:      p.target.UserID,
		UserAddress:       p.user.UserAddress,
		TargetUserAddress: p.target.UserAddress,
		Certificate:       entry.Certificate,
		BiddingPrice:      price.Dec(),
		ExpirationDate:    time.Unix(expiration, 0).UTC(),
		Acknowledgement:   string(ack),
	}
}

func firstPending(rows []store.DataEntryAgreement) *store.DataEntryAgreement {
	for i := range rows {
		if !rows[i].IsRejected {
			return &rows[i]
		}
	}
	return nil
}

func storeError(err error) error {
	return dxerrors.NewDependencyError("agreement store unavailable", err)
}
