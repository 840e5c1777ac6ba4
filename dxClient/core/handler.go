package core

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/pushchain/dxdirectory/dxClient/auth"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
	"github.com/pushchain/dxdirectory/dxClient/negotiator"
)

// Operation names a request the directory accepts.
type Operation string

const (
	OpUserRegistration      Operation = "UserRegistration"
	OpUserLogin             Operation = "UserLogin"
	OpDataEntryCreation     Operation = "DataEntryCreation"
	OpDataEntryDeletion     Operation = "DataEntryDeletion"
	OpDataEntryAgreement    Operation = "DataEntryAgreement"
	OpDataEntryRejection    Operation = "DataEntryRejection"
	OpEASInvocation         Operation = "EASInvocation"
	OpEASRevocation         Operation = "EASRevocation"
	OpDataEntryCount        Operation = "DataEntryCount"
	OpDataEntriesByUser     Operation = "DataEntryRetrievalByUserID"
	OpDataQuery             Operation = "DataQueryService"
	OpAuditTrailRetrieval   Operation = "AuditTrailLogRetrieval"
	OpTransactionNonceQuery Operation = "TransactionNonce"
)

// Operations lists every operation Handle understands.
func Operations() []Operation {
	return []Operation{
		OpUserRegistration, OpUserLogin,
		OpDataEntryCreation, OpDataEntryDeletion,
		OpDataEntryAgreement, OpDataEntryRejection,
		OpEASInvocation, OpEASRevocation,
		OpDataEntryCount, OpDataEntriesByUser, OpDataQuery,
		OpAuditTrailRetrieval, OpTransactionNonceQuery,
	}
}

// Response is the result of a request.
type Response struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// RequestHandler validates loosely typed requests and routes them to the
// service or the negotiator. Required fields are checked before anything
// else happens.
type RequestHandler struct {
	service    *DirectoryService
	negotiator *negotiator.Negotiator
}

// NewRequestHandler creates a handler over svc and neg.
func NewRequestHandler(svc *DirectoryService, neg *negotiator.Negotiator) *RequestHandler {
	return &RequestHandler{service: svc, negotiator: neg}
}

// Authenticate validates a session token issued at login.
func (h *RequestHandler) Authenticate(token string) (*auth.Claims, error) {
	return h.service.Authenticate(token)
}

// Handle runs op with fields.
func (h *RequestHandler) Handle(ctx context.Context, op Operation, fields Fields) (*Response, error) {
	switch op {
	case OpUserRegistration:
		req, err := ParseRegistrationRequest(fields)
		if err != nil {
			return nil, err
		}
		res, err := h.service.RegisterUser(ctx, req)
		if err != nil {
			return nil, err
		}
		data := map[string]any{
			"userType":    res.Account.Role,
			"userID":      res.Account.UserID,
			"userAddress": res.Account.UserAddress,
		}
		if res.Submission != nil {
			data["txHash"] = res.Submission.TxHash
		}
		return &Response{Message: "User registration is received.", Data: data}, nil

	case OpUserLogin:
		req, err := ParseLoginRequest(fields)
		if err != nil {
			return nil, err
		}
		res, err := h.service.Login(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "User logins successfully.", Data: res}, nil

	case OpDataEntryCreation, OpDataEntryDeletion, OpEASInvocation, OpEASRevocation:
		req, err := ParseSignedTxRequest(fields)
		if err != nil {
			return nil, err
		}
		var res *SubmitResult
		switch op {
		case OpDataEntryCreation:
			res, err = h.service.CreateDataEntry(ctx, req)
		case OpDataEntryDeletion:
			res, err = h.service.DeleteDataEntry(ctx, req)
		case OpEASInvocation:
			res, err = h.service.InvokeEAS(ctx, req)
		default:
			res, err = h.service.RevokeEAS(ctx, req)
		}
		if err != nil {
			return nil, err
		}
		return &Response{Message: res.Message, Data: res}, nil

	case OpDataEntryAgreement:
		msg, err := ParseSignedMessage(fields)
		if err != nil {
			return nil, err
		}
		res, err := h.negotiator.Propose(ctx, msg)
		if err != nil {
			return nil, err
		}
		if res.Submission != nil {
			return &Response{Message: "Agreements match, EAS deployment is submitted.", Data: map[string]any{
				"agreement": res.Agreement,
				"txHash":    res.Submission.TxHash,
			}}, nil
		}
		return &Response{Message: "Data entry agreement is received.", Data: map[string]any{"agreement": res.Agreement}}, nil

	case OpDataEntryRejection:
		msg, err := ParseSignedMessage(fields)
		if err != nil {
			return nil, err
		}
		row, err := h.negotiator.Reject(ctx, msg)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Data entry agreement is rejected.", Data: map[string]any{"agreement": row}}, nil

	case OpDataEntryCount:
		n, err := h.service.CountDataEntries(ctx)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Data entry count is retrieved.", Data: map[string]any{"entryCount": n}}, nil

	case OpDataEntriesByUser:
		req, err := ParseUserRequest(fields)
		if err != nil {
			return nil, err
		}
		views, err := h.service.EntriesByUser(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Data entry list is retrieved by userID.", Data: views}, nil

	case OpDataQuery:
		req, err := ParseDataQueryRequest(fields)
		if err != nil {
			return nil, err
		}
		views, err := h.service.QueryDataEntries(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Data entry list is retrieved from DQS.", Data: views}, nil

	case OpAuditTrailRetrieval:
		req, err := ParseAuditRequest(fields)
		if err != nil {
			return nil, err
		}
		rows, err := h.service.AuditTrail(ctx, req)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Audit Trail Logs are retrieved.", Data: rows}, nil

	case OpTransactionNonceQuery:
		addr, err := ParseNonceRequest(fields)
		if err != nil {
			return nil, err
		}
		nonce, err := h.service.TransactionNonce(ctx, addr)
		if err != nil {
			return nil, err
		}
		return &Response{Message: "Transaction nonce is retrieved.", Data: map[string]any{
			"userAddress": addr,
			"nonce":       hexutil.EncodeUint64(nonce),
		}}, nil

	default:
		return nil, dxerrors.NewValidationError(fmt.Sprintf("unknown operation %q", op))
	}
}
