// Package reconciler applies confirmed directory transactions to the local
// projection exactly once per transaction hash.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/ledger"
	"github.com/pushchain/dxdirectory/dxClient/metrics"
	"github.com/pushchain/dxdirectory/dxClient/notify"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

// application collects what a handler wants recorded once its writes commit.
type application struct {
	certificate string
	message     string
	events      []notify.Event
	// easID is resolved on the ledger before the database transaction opens.
	easID string
}

func (a *application) notify(name, role, userID, message string) {
	if userID == "" {
		return
	}
	a.events = append(a.events, notify.Event{Name: name, Role: role, UserID: userID, Message: message})
}

type handlerFunc func(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithNotifier sets the collaborator receiving user notifications.
func WithNotifier(n notify.Notifier) Option {
	return func(r *Reconciler) { r.notifier = n }
}

// WithMetrics sets the instruments updated per application.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) { r.metrics = m }
}

// WithRetryConfig sets the backoff used for ledger view calls.
func WithRetryConfig(cfg *dxerrors.RetryConfig) Option {
	return func(r *Reconciler) { r.retry = cfg }
}

// WithClock overrides the clock stamping audit entries.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler turns confirmed ledger calls into projection writes.
type Reconciler struct {
	directoryID string
	codec       *codec.Codec
	store       *projection.Store
	gateway     ledger.Gateway
	notifier    notify.Notifier
	metrics     *metrics.Metrics
	retry       *dxerrors.RetryConfig
	now         func() time.Time
	handlers    map[codec.Selector]handlerFunc
	logger      zerolog.Logger
}

// New builds a reconciler for directoryID. It fails if a transactional
// registry function has no handler.
func New(
	directoryID string,
	c *codec.Codec,
	st *projection.Store,
	gateway ledger.Gateway,
	logger zerolog.Logger,
	opts ...Option,
) (*Reconciler, error) {
	directory, err := codec.NormalizeAddress(directoryID)
	if err != nil {
		return nil, dxerrors.NewConfigError(fmt.Sprintf("invalid directory address: %v", err))
	}

	r := &Reconciler{
		directoryID: directory,
		codec:       c,
		store:       st,
		gateway:     gateway,
		notifier:    notify.Noop{},
		retry:       dxerrors.DefaultRetryConfig(),
		now:         time.Now,
		logger:      logger.With().Str("component", "reconciler").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}

	byName := map[codec.FunctionName]handlerFunc{
		codec.FnRegister:            r.applyRegister,
		codec.FnCreateDataEntry:     r.applyCreateDataEntry,
		codec.FnDeleteDataEntry:     r.applyDeleteDataEntry,
		codec.FnDeployEAS:           r.applyDeployEAS,
		codec.FnInvokeEAS:           r.applyInvokeEAS,
		codec.FnRevokeEASByProvider: r.applyRevokeEASByProvider,
		codec.FnRevokeEASByConsumer: r.applyRevokeEASByConsumer,
	}
	r.handlers = make(map[codec.Selector]handlerFunc, len(byName))
	for _, fn := range c.Registry().Transactional() {
		h, ok := byName[fn.Name]
		if !ok {
			return nil, dxerrors.NewInternalError(fmt.Sprintf("no reconcile handler for %s", fn.Name), nil)
		}
		r.handlers[fn.Selector] = h
	}
	return r, nil
}

// DirectoryID returns the directory the reconciler writes for.
func (r *Reconciler) DirectoryID() string {
	return r.directoryID
}

// Apply records the effect of one confirmed call. Re-applying the same
// transaction hash leaves the projection unchanged.
func (r *Reconciler) Apply(ctx context.Context, call *codec.DecodedCall) error {
	if call == nil || call.Call == nil {
		return dxerrors.NewValidationError("decoded call is required")
	}
	handler, ok := r.handlers[call.Selector]
	if !ok {
		return dxerrors.NewUnknownSelectorError(call.Selector.Hex())
	}

	log := r.logger.With().
		Str("tx_hash", call.TxHash).
		Str("function", string(call.Function)).
		Uint64("block", call.BlockNumber).
		Logger()

	app := &application{}
	if deploy, ok := call.Call.(codec.DeployEASCall); ok {
		easID, err := r.resolveEASID(ctx, call, deploy)
		if err != nil {
			r.metrics.ReconcileFailed(string(call.Function))
			return err
		}
		app.easID = easID
	}

	var fresh bool
	err := r.store.Transaction(ctx, func(tx *projection.Store) error {
		if err := handler(ctx, tx, call, app); err != nil {
			return err
		}
		var err error
		fresh, err = tx.AppendAudit(ctx, &store.AuditTrailLogEntry{
			DirectoryID: r.directoryID,
			TxHash:      call.TxHash,
			Certificate: app.certificate,
			LoggingDate: r.now().UTC().Truncate(time.Second),
			Message:     app.message,
		})
		return err
	})
	if err != nil {
		r.metrics.ReconcileFailed(string(call.Function))
		log.Error().Err(err).Msg("failed to reconcile transaction")
		if dxerrors.CodeOf(err) != dxerrors.ErrCodeInternal {
			return err
		}
		return dxerrors.NewDependencyError(fmt.Sprintf("failed to reconcile %s", call.TxHash), err)
	}

	r.metrics.CallReconciled(string(call.Function))
	if !fresh {
		log.Debug().Msg("transaction already reconciled")
		return nil
	}
	for _, event := range app.events {
		r.notifier.Notify(event)
	}
	log.Info().Str("certificate", app.certificate).Msg(app.message)
	return nil
}

func (r *Reconciler) applyRegister(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	reg := call.Call.(codec.RegisterCall)
	app.message = "New account is registered."

	if _, err := tx.FindAccountByRegistrationTx(ctx, r.directoryID, call.TxHash); errors.Is(err, projection.ErrNotFound) {
		inserted, err := tx.InsertAccount(ctx, &store.UserAccount{
			DirectoryID:        r.directoryID,
			Role:               reg.Role(),
			UserID:             reg.UserID,
			UserAddress:        reg.UserAddress,
			RegistrationTxHash: call.TxHash,
		})
		if err != nil {
			return err
		}
		if !inserted {
			r.logger.Warn().
				Str("tx_hash", call.TxHash).
				Str("user_id", reg.UserID).
				Msg("account already registered under another transaction")
		}
	} else if err != nil {
		return err
	}

	_, err := tx.ConfirmAccountsByTx(ctx, r.directoryID, call.TxHash)
	return err
}

func (r *Reconciler) applyCreateDataEntry(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	create := call.Call.(codec.CreateDataEntryCall)
	dataKey := create.DerivedDataKey()
	app.certificate = create.Summary.Certificate
	app.message = "Data entry is created and written successfully."

	var providerID string
	provider, err := tx.FindAccountByAddress(ctx, r.directoryID, store.RoleProvider, call.Sender)
	switch {
	case err == nil:
		providerID = provider.UserID
	case errors.Is(err, projection.ErrNotFound):
		r.logger.Warn().Str("tx_hash", call.TxHash).Str("sender", call.Sender).Msg("data entry created by an unregistered provider")
	default:
		return err
	}

	if _, err := tx.FindDataEntry(ctx, r.directoryID, dataKey); errors.Is(err, projection.ErrNotFound) {
		price := "0"
		if create.OfferPrice != nil {
			price = create.OfferPrice.Dec()
		}
		if _, err := tx.InsertDataEntry(ctx, &store.DataEntry{
			DirectoryID:     r.directoryID,
			DataKey:         dataKey,
			ProviderID:      providerID,
			ProviderAddress: call.Sender,
			Certificate:     create.Summary.Certificate,
			OwnerCode:       create.Summary.OwnerCode,
			Title:           create.Summary.Title,
			Description:     create.Summary.Description,
			AccessPath:      create.Summary.AccessPath,
			Gender:          create.Summary.Gender,
			AgeLowerBound:   create.Summary.AgeLowerBound,
			AgeUpperBound:   create.Summary.AgeUpperBound,
			OfferPrice:      price,
			CreationDate:    time.Unix(create.CreationDate, 0).UTC(),
			DueDate:         time.Unix(create.DueDate, 0).UTC(),
			IsOffered:       true,
			CreationTxHash:  call.TxHash,
		}); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if _, err := tx.ConfirmDataEntryByTx(ctx, r.directoryID, call.TxHash); err != nil {
		return err
	}
	app.notify(notify.EventDataEntry, store.RoleProvider, providerID, "A new data entry has been confirmed.")
	return nil
}

func (r *Reconciler) applyDeleteDataEntry(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	del := call.Call.(codec.DeleteDataEntryCall)
	app.message = "Data entry has been deleted."

	entry, err := tx.FindDataEntry(ctx, r.directoryID, del.DataKey)
	if errors.Is(err, projection.ErrNotFound) {
		r.logger.Warn().Str("tx_hash", call.TxHash).Str("data_key", del.DataKey).Msg("deleted data entry is unknown")
		return nil
	}
	if err != nil {
		return err
	}
	app.certificate = entry.Certificate

	n, err := tx.MarkDataEntryDeleted(ctx, r.directoryID, del.DataKey, call.TxHash)
	if err != nil {
		return err
	}
	if n > 0 {
		app.notify(notify.EventDataDeletion, store.RoleProvider, entry.ProviderID, "A data entry has been deleted.")
	}
	return nil
}

func (r *Reconciler) applyDeployEAS(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	deploy := call.Call.(codec.DeployEASCall)
	app.message = "EAS is created and deployed successfully."

	entry, err := tx.FindDataEntry(ctx, r.directoryID, deploy.DataKey)
	if err != nil && !errors.Is(err, projection.ErrNotFound) {
		return err
	}
	var providerID, providerAddress string
	if entry != nil {
		app.certificate = entry.Certificate
		providerID = entry.ProviderID
		providerAddress = entry.ProviderAddress
	}

	var consumerID string
	existing, err := tx.FindEASByDeploymentTx(ctx, r.directoryID, call.TxHash)
	switch {
	case errors.Is(err, projection.ErrNotFound):
		consumer, err := tx.FindAccountByAddress(ctx, r.directoryID, store.RoleConsumer, deploy.ConsumerAddress)
		if err != nil && !errors.Is(err, projection.ErrNotFound) {
			return err
		}
		if consumer != nil {
			consumerID = consumer.UserID
		}

		row := &store.EAS{
			DirectoryID:      r.directoryID,
			EASID:            app.easID,
			DataKey:          deploy.DataKey,
			Certificate:      app.certificate,
			ProviderAddress:  providerAddress,
			ConsumerID:       consumerID,
			ConsumerAddress:  deploy.ConsumerAddress,
			BiddingPrice:     "0",
			DeploymentDate:   time.Unix(deploy.DeploymentDate, 0).UTC(),
			ExpirationDate:   time.Unix(deploy.ExpirationDate, 0).UTC(),
			IsValid:          true,
			DeploymentTxHash: call.TxHash,
		}
		if ack, err := deploy.Acknowledgements(); err == nil {
			row.ProviderAck = marshalAck(ack.Provider)
			row.ConsumerAck = marshalAck(ack.Consumer)
			if terms, err := codec.ParseAgreementTerms(ack.Consumer.Message); err == nil {
				if price, err := terms.Price(); err == nil {
					row.BiddingPrice = price.Dec()
				}
			}
		} else {
			r.logger.Warn().Err(err).Str("tx_hash", call.TxHash).Msg("deployment carries no readable acknowledgement")
		}
		inserted, err := tx.InsertEAS(ctx, row)
		if err != nil {
			return err
		}
		if !inserted {
			return r.easIDTaken(ctx, tx, app.easID, call.TxHash)
		}
	case err != nil:
		return err
	default:
		consumerID = existing.ConsumerID
		if existing.EASID != app.easID {
			if err := r.easIDTaken(ctx, tx, app.easID, call.TxHash); err != nil {
				return err
			}
			if _, err := tx.RemapEASID(ctx, r.directoryID, existing.EASID, app.easID); err != nil {
				return err
			}
		}
	}

	if _, err := tx.ConfirmEASByTx(ctx, r.directoryID, call.TxHash); err != nil {
		return err
	}
	if _, err := tx.DeleteAgreementPair(ctx, r.directoryID, deploy.DataKey, deploy.ConsumerAddress); err != nil {
		return err
	}

	app.notify(notify.EventEASDeployment, store.RoleProvider, providerID, "An EAS has been confirmed.")
	app.notify(notify.EventEASDeployment, store.RoleConsumer, consumerID, "An EAS has been confirmed.")
	return nil
}

// easIDTaken fails when easID already belongs to a deployment other than
// txHash. The block then stays incomplete instead of dropping an EAS.
func (r *Reconciler) easIDTaken(ctx context.Context, tx *projection.Store, easID, txHash string) error {
	holder, err := tx.FindEASByID(ctx, r.directoryID, easID)
	if errors.Is(err, projection.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if holder.DeploymentTxHash == txHash {
		return nil
	}
	return dxerrors.NewDependencyError(fmt.Sprintf("EAS %s resolved for %s is held by deployment %s", easID, txHash, holder.DeploymentTxHash), nil)
}

func (r *Reconciler) applyInvokeEAS(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	invoke := call.Call.(codec.InvokeEASCall)
	app.message = "EASI transaction is received."

	entry, err := tx.FindDataEntry(ctx, r.directoryID, invoke.DataKey)
	if err != nil && !errors.Is(err, projection.ErrNotFound) {
		return err
	}
	if entry != nil {
		app.certificate = entry.Certificate
	}

	downloaded := invoke.DownloadSucceeded()
	if _, err := tx.FindInvocationByTx(ctx, r.directoryID, call.TxHash); errors.Is(err, projection.ErrNotFound) {
		invokedAt := call.BlockTime
		if invokedAt.IsZero() {
			invokedAt = r.now()
		}
		if _, err := tx.InsertInvocation(ctx, &store.EASInvocation{
			DirectoryID:      r.directoryID,
			TxHash:           call.TxHash,
			DataKey:          invoke.DataKey,
			Certificate:      app.certificate,
			InvocationDate:   invokedAt.UTC().Truncate(time.Second),
			InvocationRecord: invoke.InvocationRecord,
			DownloadStatus:   downloaded,
		}); err != nil {
			return err
		}

		eas, err := tx.FindLatestEASForConsumerID(ctx, r.directoryID, invoke.DataKey, invoke.ConsumerID())
		if err != nil && !errors.Is(err, projection.ErrNotFound) {
			return err
		}
		valid := eas != nil && eas.IsValid && eas.IsConfirmed
		if downloaded && valid {
			if _, err := tx.IncrementDownloadCount(ctx, r.directoryID, eas.EASID); err != nil {
				return err
			}
		}
		app.message += fmt.Sprintf(" Download status: %t, Validity status: %t", downloaded, valid)
	} else if err != nil {
		return err
	}

	_, err = tx.ConfirmInvocationByTx(ctx, r.directoryID, call.TxHash)
	return err
}

func (r *Reconciler) applyRevokeEASByProvider(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	revoke := call.Call.(codec.RevokeEASByProviderCall)
	return r.revoke(ctx, tx, call, app, revoke.DataKey, revoke.ConsumerAddress)
}

func (r *Reconciler) applyRevokeEASByConsumer(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application) error {
	revoke := call.Call.(codec.RevokeEASByConsumerCall)
	return r.revoke(ctx, tx, call, app, revoke.DataKey, call.Sender)
}

// revoke invalidates the consumer's EAS on dataKey when it is still valid and
// was never downloaded.
func (r *Reconciler) revoke(ctx context.Context, tx *projection.Store, call *codec.DecodedCall, app *application, dataKey, consumerAddress string) error {
	app.message = "EASR transaction is received."

	eas, err := tx.FindLatestEAS(ctx, r.directoryID, dataKey, consumerAddress)
	if errors.Is(err, projection.ErrNotFound) {
		r.logger.Warn().Str("tx_hash", call.TxHash).Str("data_key", dataKey).Msg("revoked EAS is unknown")
		return nil
	}
	if err != nil {
		return err
	}
	app.certificate = eas.Certificate

	if !eas.IsValid || eas.DownloadCount > 0 {
		return nil
	}
	n, err := tx.RevokeEAS(ctx, r.directoryID, eas.EASID, call.TxHash)
	if err != nil {
		return err
	}
	if n > 0 {
		app.notify(notify.EventEASRevocation, store.RoleConsumer, eas.ConsumerID, "An EAS has been revoked.")
	}
	return nil
}
