package codec

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
	"github.com/spf13/cast"
)

// Call is the decoded argument set of one registry function. Each
// transactional function has exactly one implementation.
type Call interface {
	Function() FunctionName
}

// RegisterCall registers a provider or consumer address under a user id.
type RegisterCall struct {
	IsProvider  bool
	UserID      string
	UserAddress string
}

func (RegisterCall) Function() FunctionName { return FnRegister }

// Role returns the account role being registered.
func (c RegisterCall) Role() string {
	if c.IsProvider {
		return "provider"
	}
	return "consumer"
}

// CreateDataEntryCall publishes a new data entry offer.
type CreateDataEntryCall struct {
	DataKey      string
	RawSummary   string
	Summary      DataSummary
	OfferPrice   *uint256.Int
	DueDate      int64
	CreationDate int64
}

func (CreateDataEntryCall) Function() FunctionName { return FnCreateDataEntry }

// DerivedDataKey is the key the projection stores the entry under.
func (c CreateDataEntryCall) DerivedDataKey() string {
	return DataKey(c.CreationDate, c.Summary.Certificate)
}

// DeleteDataEntryCall withdraws a data entry offer.
type DeleteDataEntryCall struct {
	DataKey string
}

func (DeleteDataEntryCall) Function() FunctionName { return FnDeleteDataEntry }

// DeployEASCall deploys the agreement script granting a consumer access.
type DeployEASCall struct {
	ConsumerAddress string
	DeploymentDate  int64
	ExpirationDate  int64
	DataKey         string
	Acknowledgement string
}

func (DeployEASCall) Function() FunctionName { return FnDeployEAS }

// Acknowledgements parses the combined signed agreements carried by the call.
func (c DeployEASCall) Acknowledgements() (Acknowledgement, error) {
	var ack Acknowledgement
	if err := json.Unmarshal([]byte(c.Acknowledgement), &ack); err != nil {
		return Acknowledgement{}, fmt.Errorf("invalid acknowledgement payload: %w", err)
	}
	return ack, nil
}

// InvokeEASCall records a download attempt against an EAS.
type InvokeEASCall struct {
	DataKey          string
	InvocationRecord string
}

func (InvokeEASCall) Function() FunctionName { return FnInvokeEAS }

// invocationFailedMarker flags a failed download inside an invocation record.
const invocationFailedMarker = "failed"

// DownloadSucceeded reports whether the record describes a successful download.
func (c InvokeEASCall) DownloadSucceeded() bool {
	return !strings.Contains(c.InvocationRecord, invocationFailedMarker)
}

// ConsumerID extracts the consumer user id from a
// "date,consumerID,dataKey,status" record.
func (c InvokeEASCall) ConsumerID() string {
	fields := strings.Split(c.InvocationRecord, ",")
	if len(fields) < 2 {
		return ""
	}
	return strings.TrimSpace(fields[1])
}

// RevokeEASByProviderCall revokes a consumer's EAS on the provider's behalf.
type RevokeEASByProviderCall struct {
	DataKey         string
	ConsumerAddress string
}

func (RevokeEASByProviderCall) Function() FunctionName { return FnRevokeEASByProvider }

// RevokeEASByConsumerCall revokes the sender's own EAS.
type RevokeEASByConsumerCall struct {
	DataKey string
}

func (RevokeEASByConsumerCall) Function() FunctionName { return FnRevokeEASByConsumer }

// DataSummary is the JSON document describing a data entry.
type DataSummary struct {
	Certificate   string `json:"dataCertificate"`
	OwnerCode     string `json:"dataOwnerCode"`
	Title         string `json:"dataEntryTitle"`
	Description   string `json:"dataDescription"`
	AccessPath    string `json:"dataAccessPath"`
	Gender        string `json:"gender"`
	AgeLowerBound int    `json:"ageLowerBound"`
	AgeUpperBound int    `json:"ageUpperBound"`
}

// UnmarshalJSON accepts age bounds given either as numbers or strings.
func (d *DataSummary) UnmarshalJSON(data []byte) error {
	type plain DataSummary
	var raw struct {
		plain
		AgeLowerBound any `json:"ageLowerBound"`
		AgeUpperBound any `json:"ageUpperBound"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	lower, err := ageBound(raw.AgeLowerBound)
	if err != nil {
		return fmt.Errorf("invalid ageLowerBound: %w", err)
	}
	upper, err := ageBound(raw.AgeUpperBound)
	if err != nil {
		return fmt.Errorf("invalid ageUpperBound: %w", err)
	}
	*d = DataSummary(raw.plain)
	d.AgeLowerBound = lower
	d.AgeUpperBound = upper
	return nil
}

func ageBound(v any) (int, error) {
	if v == nil || v == "" {
		return 0, nil
	}
	return cast.ToIntE(v)
}

// Acknowledgement is the pair of signed agreements attached to deployEAS.
type Acknowledgement struct {
	Provider SignedMessage `json:"dataProviderAcknowledgement"`
	Consumer SignedMessage `json:"dataConsumerAcknowledgement"`
}

// DataKey derives the directory key of an entry from its creation timestamp
// and certificate.
func DataKey(creationDate int64, certificate string) string {
	return strconv.FormatInt(creationDate, 10) + certificate
}
