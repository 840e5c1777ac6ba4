package core

import (
	"context"
	"errors"

	"github.com/holiman/uint256"

	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/projection"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

// EntryView is a data entry with the agreements, EAS and invocations the
// caller is allowed to see.
type EntryView struct {
	store.DataEntry
	Agreements  []store.DataEntryAgreement `json:"agreements"`
	EAS         []store.EAS                `json:"eas"`
	Invocations []store.EASInvocation      `json:"invocations"`
}

// CountDataEntries counts the confirmed entries of the directory.
func (s *DirectoryService) CountDataEntries(ctx context.Context) (int64, error) {
	n, err := s.store.CountDataEntries(ctx, s.directoryID)
	if err != nil {
		return 0, storeError(err)
	}
	return n, nil
}

// EntriesByUser lists a provider's own entries, or the entries a consumer
// negotiated for or holds an EAS on.
func (s *DirectoryService) EntriesByUser(ctx context.Context, req UserRequest) ([]EntryView, error) {
	if req.UserType == store.RoleProvider {
		return s.providerEntries(ctx, req.UserID)
	}
	return s.consumerEntries(ctx, req.UserID)
}

func (s *DirectoryService) providerEntries(ctx context.Context, providerID string) ([]EntryView, error) {
	entries, err := s.store.QueryDataEntries(ctx, s.directoryID, projection.DataEntryFilter{ProviderID: providerID})
	if err != nil {
		return nil, storeError(err)
	}
	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		view := EntryView{DataEntry: entry}
		if entry.IsOffered {
			if view.Agreements, err = s.store.FindAgreements(ctx, s.directoryID, projection.AgreementQuery{DataKey: entry.DataKey}); err != nil {
				return nil, storeError(err)
			}
		}
		if view.EAS, err = s.store.ListEAS(ctx, s.directoryID, entry.DataKey); err != nil {
			return nil, storeError(err)
		}
		if view.Invocations, err = s.store.ListInvocations(ctx, s.directoryID, entry.DataKey); err != nil {
			return nil, storeError(err)
		}
		views = append(views, view)
	}
	return views, nil
}

func (s *DirectoryService) consumerEntries(ctx context.Context, consumerID string) ([]EntryView, error) {
	agreements, err := s.store.FindAgreements(ctx, s.directoryID, projection.AgreementQuery{
		Role:   store.RoleConsumer,
		UserID: consumerID,
	})
	if err != nil {
		return nil, storeError(err)
	}
	easList, err := s.store.ListEASByConsumer(ctx, s.directoryID, consumerID)
	if err != nil {
		return nil, storeError(err)
	}

	index := make(map[string]int)
	var views []EntryView
	// viewFor returns the position of dataKey's view, loading the entry on
	// first use; -1 means the entry is unknown.
	viewFor := func(dataKey string) (int, error) {
		if i, ok := index[dataKey]; ok {
			return i, nil
		}
		entry, err := s.store.FindDataEntry(ctx, s.directoryID, dataKey)
		if errors.Is(err, projection.ErrNotFound) {
			index[dataKey] = -1
			return -1, nil
		}
		if err != nil {
			return 0, err
		}
		invocations, err := s.store.ListInvocations(ctx, s.directoryID, dataKey)
		if err != nil {
			return 0, err
		}
		views = append(views, EntryView{
			DataEntry:   *entry,
			Agreements:  []store.DataEntryAgreement{},
			EAS:         []store.EAS{},
			Invocations: invocations,
		})
		index[dataKey] = len(views) - 1
		return len(views) - 1, nil
	}

	for _, agreement := range agreements {
		i, err := viewFor(agreement.DataKey)
		if err != nil {
			return nil, storeError(err)
		}
		if i >= 0 {
			views[i].Agreements = append(views[i].Agreements, agreement)
		}
	}
	for _, eas := range easList {
		i, err := viewFor(eas.DataKey)
		if err != nil {
			return nil, storeError(err)
		}
		if i >= 0 {
			views[i].EAS = append(views[i].EAS, eas)
		}
	}
	if views == nil {
		views = []EntryView{}
	}
	return views, nil
}

// QueryDataEntries searches the entries. A provider or consumer caller also
// sees its own agreements and EAS on each result.
func (s *DirectoryService) QueryDataEntries(ctx context.Context, req DataQueryRequest) ([]EntryView, error) {
	filter := projection.DataEntryFilter{
		TitleContains: req.TitleContains,
		Gender:        req.Gender,
		MinAge:        req.MinAge,
		MaxAge:        req.MaxAge,
		ProviderID:    req.ProviderID,
		OfferedOnly:   !req.IncludeWithdrawn,
	}
	if req.MaxPrice == nil {
		filter.Limit = req.Limit
	}
	entries, err := s.store.QueryDataEntries(ctx, s.directoryID, filter)
	if err != nil {
		return nil, storeError(err)
	}

	views := make([]EntryView, 0, len(entries))
	for _, entry := range entries {
		if req.MaxPrice != nil && !priceWithin(entry.OfferPrice, req.MaxPrice) {
			continue
		}
		if req.Limit > 0 && len(views) == req.Limit {
			break
		}
		view := EntryView{
			DataEntry:  entry,
			Agreements: []store.DataEntryAgreement{},
			EAS:        []store.EAS{},
		}
		switch req.UserType {
		case store.RoleConsumer:
			if view.Agreements, err = s.store.FindAgreements(ctx, s.directoryID, projection.AgreementQuery{
				DataKey: entry.DataKey,
				UserID:  req.UserID,
			}); err != nil {
				return nil, storeError(err)
			}
			all, err := s.store.ListEAS(ctx, s.directoryID, entry.DataKey)
			if err != nil {
				return nil, storeError(err)
			}
			for _, eas := range all {
				if eas.ConsumerID == req.UserID {
					view.EAS = append(view.EAS, eas)
				}
			}
		case store.RoleProvider:
			if entry.ProviderID == req.UserID {
				if view.Agreements, err = s.store.FindAgreements(ctx, s.directoryID, projection.AgreementQuery{
					DataKey:      entry.DataKey,
					TargetUserID: req.UserID,
				}); err != nil {
					return nil, storeError(err)
				}
				if view.EAS, err = s.store.ListEAS(ctx, s.directoryID, entry.DataKey); err != nil {
					return nil, storeError(err)
				}
			}
		}
		if view.Invocations, err = s.store.ListInvocations(ctx, s.directoryID, entry.DataKey); err != nil {
			return nil, storeError(err)
		}
		views = append(views, view)
	}
	return views, nil
}

func priceWithin(price string, max *uint256.Int) bool {
	p, err := uint256.FromDecimal(price)
	if err != nil {
		return false
	}
	return !p.Gt(max)
}

// AuditTrail returns audit entries to a registered user.
func (s *DirectoryService) AuditTrail(ctx context.Context, req AuditRequest) ([]store.AuditTrailLogEntry, error) {
	if _, err := s.store.FindAccountByUserID(ctx, s.directoryID, req.UserType, req.UserID); err != nil {
		if errors.Is(err, projection.ErrNotFound) {
			return nil, dxerrors.NewIdentityError("ATL: access denied")
		}
		return nil, storeError(err)
	}
	rows, err := s.store.ListAudit(ctx, s.directoryID, req.Certificate, req.Limit)
	if err != nil {
		return nil, storeError(err)
	}
	return rows, nil
}
