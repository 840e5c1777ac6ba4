package codec

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/holiman/uint256"
)

// AgreementTerms is the JSON body of a signed agreement or rejection message.
// Numeric fields accept JSON numbers and numeric strings.
type AgreementTerms struct {
	UserType       string      `json:"userType"`
	UserID         string      `json:"userID"`
	TargetUserID   string      `json:"targetUserID"`
	Certificate    string      `json:"dataCertificate"`
	CreationDate   json.Number `json:"dataEntryCreationDate"`
	BiddingPrice   json.Number `json:"dataBiddingPrice,omitempty"`
	ExpirationDate json.Number `json:"EASExpirationDate,omitempty"`
}

// ParseAgreementTerms decodes the terms carried by a signed message.
func ParseAgreementTerms(message string) (AgreementTerms, error) {
	var terms AgreementTerms
	dec := json.NewDecoder(strings.NewReader(message))
	dec.UseNumber()
	if err := dec.Decode(&terms); err != nil {
		return AgreementTerms{}, fmt.Errorf("invalid agreement message: %w", err)
	}
	return terms, nil
}

// DataKey is the key of the data entry the terms refer to.
func (t AgreementTerms) DataKey() (string, error) {
	created, err := t.CreationDate.Int64()
	if err != nil {
		return "", fmt.Errorf("invalid dataEntryCreationDate %q", t.CreationDate)
	}
	return DataKey(created, t.Certificate), nil
}

// Price returns the bidding price as an exact unsigned integer.
func (t AgreementTerms) Price() (*uint256.Int, error) {
	price, err := uint256.FromDecimal(t.BiddingPrice.String())
	if err != nil {
		return nil, fmt.Errorf("invalid dataBiddingPrice %q", t.BiddingPrice)
	}
	return price, nil
}

// Expiration returns the EAS expiration as a unix timestamp.
func (t AgreementTerms) Expiration() (int64, error) {
	exp, err := t.ExpirationDate.Int64()
	if err != nil {
		return 0, fmt.Errorf("invalid EASExpirationDate %q", t.ExpirationDate)
	}
	return exp, nil
}
