package core

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cast"

	"github.com/pushchain/dxdirectory/dxClient/codec"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/store"
)

// Fields is a loosely typed request as it arrives from the request layer.
type Fields map[string]any

// fieldReader coerces request fields and remembers the first problem.
type fieldReader struct {
	fields Fields
	err    error
}

func (r *fieldReader) required(name string) string {
	v := r.optional(name)
	if v == "" && r.err == nil {
		r.err = dxerrors.NewValidationError(fmt.Sprintf("%s is required", name))
	}
	return v
}

func (r *fieldReader) optional(name string) string {
	raw, ok := r.fields[name]
	if !ok || raw == nil {
		return ""
	}
	v, err := cast.ToStringE(raw)
	if err != nil {
		if r.err == nil {
			r.err = dxerrors.NewValidationError(fmt.Sprintf("%s must be a string", name))
		}
		return ""
	}
	return strings.TrimSpace(v)
}

func (r *fieldReader) optionalInt(name string) int {
	raw, ok := r.fields[name]
	if !ok || raw == nil || raw == "" {
		return 0
	}
	v, err := cast.ToIntE(raw)
	if err != nil && r.err == nil {
		r.err = dxerrors.NewValidationError(fmt.Sprintf("%s must be a number", name))
	}
	return v
}

func (r *fieldReader) optionalBool(name string) bool {
	raw, ok := r.fields[name]
	if !ok || raw == nil || raw == "" {
		return false
	}
	v, err := cast.ToBoolE(raw)
	if err != nil && r.err == nil {
		r.err = dxerrors.NewValidationError(fmt.Sprintf("%s must be a boolean", name))
	}
	return v
}

func (r *fieldReader) role(name string, allowed ...string) string {
	v := r.required(name)
	if r.err != nil {
		return ""
	}
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	r.err = dxerrors.NewValidationError("The userType is not defined.")
	return ""
}

// RegistrationRequest registers a provider, consumer or auditor.
type RegistrationRequest struct {
	UserType    string
	UserID      string
	UserAddress string
	Password    string
}

// ParseRegistrationRequest reads userType, userID, userAddress and userPassword.
// The address is optional for auditors.
func ParseRegistrationRequest(f Fields) (RegistrationRequest, error) {
	r := &fieldReader{fields: f}
	req := RegistrationRequest{
		UserType: r.role("userType", store.RoleProvider, store.RoleConsumer, store.RoleAuditor),
		UserID:   r.required("userID"),
		Password: r.required("userPassword"),
	}
	if req.UserType == store.RoleAuditor {
		req.UserAddress = r.optional("userAddress")
	} else {
		req.UserAddress = r.required("userAddress")
	}
	if r.err != nil {
		return RegistrationRequest{}, r.err
	}
	if req.UserAddress != "" {
		addr, err := codec.NormalizeAddress(req.UserAddress)
		if err != nil {
			return RegistrationRequest{}, dxerrors.NewValidationError("userAddress is not a valid address")
		}
		req.UserAddress = addr
	}
	return req, nil
}

// LoginRequest authenticates an account by password.
type LoginRequest struct {
	UserType string
	UserID   string
	Password string
}

func ParseLoginRequest(f Fields) (LoginRequest, error) {
	r := &fieldReader{fields: f}
	req := LoginRequest{
		UserType: r.role("userType", store.RoleProvider, store.RoleConsumer, store.RoleAuditor),
		UserID:   r.required("userID"),
		Password: r.required("userPassword"),
	}
	if r.err != nil {
		return LoginRequest{}, r.err
	}
	return req, nil
}

// SignedTxRequest carries a transaction the user signed client-side.
type SignedTxRequest struct {
	Raw []byte
}

// ParseSignedTxRequest accepts either a hex rawTransaction field or a
// signedTX JSON document holding one.
func ParseSignedTxRequest(f Fields) (SignedTxRequest, error) {
	r := &fieldReader{fields: f}
	rawHex := r.optional("rawTransaction")
	if rawHex == "" {
		if doc := r.optional("signedTX"); doc != "" {
			var envelope struct {
				RawTransaction string `json:"rawTransaction"`
			}
			if err := json.Unmarshal([]byte(doc), &envelope); err != nil {
				return SignedTxRequest{}, dxerrors.NewValidationError("signedTX is not valid JSON")
			}
			rawHex = envelope.RawTransaction
		}
	}
	if r.err != nil {
		return SignedTxRequest{}, r.err
	}
	if rawHex == "" {
		return SignedTxRequest{}, dxerrors.NewValidationError("rawTransaction is required")
	}
	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return SignedTxRequest{}, dxerrors.NewValidationError("rawTransaction is not valid hex")
	}
	return SignedTxRequest{Raw: raw}, nil
}

// ParseSignedMessage reads an agreement proposal or rejection.
func ParseSignedMessage(f Fields) (codec.SignedMessage, error) {
	r := &fieldReader{fields: f}
	msg := codec.SignedMessage{
		Message:     r.required("message"),
		MessageHash: r.optional("messageHash"),
		Signature:   r.required("signature"),
	}
	if r.err != nil {
		return codec.SignedMessage{}, r.err
	}
	return msg, nil
}

// UserRequest names an account for per-user queries.
type UserRequest struct {
	UserType string
	UserID   string
}

func ParseUserRequest(f Fields) (UserRequest, error) {
	r := &fieldReader{fields: f}
	req := UserRequest{
		UserType: r.role("userType", store.RoleProvider, store.RoleConsumer),
		UserID:   r.required("userID"),
	}
	if r.err != nil {
		return UserRequest{}, r.err
	}
	return req, nil
}

// DataQueryRequest filters the offered data entries. UserType and UserID
// are optional and attach the caller's own agreements and EAS.
type DataQueryRequest struct {
	UserType      string
	UserID        string
	TitleContains string
	Gender        string
	MinAge        int
	MaxAge        int
	ProviderID    string
	MaxPrice      *uint256.Int
	// IncludeWithdrawn also lists entries that are no longer offered.
	IncludeWithdrawn bool
	Limit            int
}

func ParseDataQueryRequest(f Fields) (DataQueryRequest, error) {
	r := &fieldReader{fields: f}
	req := DataQueryRequest{
		UserType:      r.optional("userType"),
		UserID:        r.optional("userID"),
		TitleContains: r.optional("dataEntryTitle"),
		Gender:        r.optional("gender"),
		MinAge:        r.optionalInt("ageLowerBound"),
		MaxAge:        r.optionalInt("ageUpperBound"),
		ProviderID:    r.optional("dataProviderID"),
		Limit:         r.optionalInt("limit"),

		IncludeWithdrawn: r.optionalBool("includeWithdrawn"),
	}
	maxPrice := r.optional("maxPrice")
	if r.err != nil {
		return DataQueryRequest{}, r.err
	}
	switch req.UserType {
	case "", store.RoleProvider, store.RoleConsumer:
	default:
		return DataQueryRequest{}, dxerrors.NewValidationError("The userType is not defined.")
	}
	if req.UserType != "" && req.UserID == "" {
		return DataQueryRequest{}, dxerrors.NewValidationError("userID is required")
	}
	if req.MinAge < 0 || req.MaxAge < 0 || req.Limit < 0 {
		return DataQueryRequest{}, dxerrors.NewValidationError("age bounds and limit must not be negative")
	}
	if maxPrice != "" {
		price, err := uint256.FromDecimal(maxPrice)
		if err != nil {
			return DataQueryRequest{}, dxerrors.NewValidationError("maxPrice is not a decimal amount")
		}
		req.MaxPrice = price
	}
	return req, nil
}

// AuditRequest reads the audit trail on behalf of a registered account.
type AuditRequest struct {
	UserType    string
	UserID      string
	Certificate string
	Limit       int
}

func ParseAuditRequest(f Fields) (AuditRequest, error) {
	r := &fieldReader{fields: f}
	req := AuditRequest{
		UserType:    r.role("userType", store.RoleProvider, store.RoleConsumer, store.RoleAuditor),
		UserID:      r.required("userID"),
		Certificate: r.optional("dataCertificate"),
		Limit:       r.optionalInt("limit"),
	}
	if r.err != nil {
		return AuditRequest{}, r.err
	}
	return req, nil
}

// ParseNonceRequest reads and normalizes userAddress.
func ParseNonceRequest(f Fields) (string, error) {
	r := &fieldReader{fields: f}
	addr := r.required("userAddress")
	if r.err != nil {
		return "", r.err
	}
	normalized, err := codec.NormalizeAddress(addr)
	if err != nil {
		return "", dxerrors.NewValidationError("userAddress is not a valid address")
	}
	return normalized, nil
}
