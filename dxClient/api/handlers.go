package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/pushchain/dxdirectory/dxClient/core"
	dxerrors "github.com/pushchain/dxdirectory/dxClient/errors"
)

const maxBodyBytes = 1 << 20

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleStatus handles GET /api/v1/status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.client.Status(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Message: "Directory status is retrieved.", Data: status, Timestamp: time.Now().UTC()})
}

// handleOperations handles GET /api/v1/operations
func (s *Server) handleOperations(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, QueryResponse{Message: "Supported operations.", Data: core.Operations(), Timestamp: time.Now().UTC()})
}

// handleQueryEntries handles GET /api/v1/entries?dataEntryTitle=&gender=&...
func (s *Server) handleQueryEntries(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, core.OpDataQuery, queryFields(r))
}

// handleEntryCount handles GET /api/v1/entries/count
func (s *Server) handleEntryCount(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, core.OpDataEntryCount, nil)
}

// handleUserEntries handles GET /api/v1/users/{userType}/{userID}/entries
func (s *Server) handleUserEntries(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	s.dispatch(w, r, core.OpDataEntriesByUser, core.Fields{"userType": vars["userType"], "userID": vars["userID"]})
}

// handleAudit handles GET /api/v1/audit?dataCertificate=&limit=. The caller
// is identified by the bearer token issued at login.
func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "bearer token is required", Code: string(dxerrors.ErrCodeIdentity)})
		return
	}
	claims, err := s.client.Authenticate(token)
	if err != nil {
		s.writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: dxerrors.MessageOf(err), Code: string(dxerrors.ErrCodeIdentity)})
		return
	}

	fields := queryFields(r)
	fields["userType"] = claims.Role
	fields["userID"] = claims.UserID
	s.dispatch(w, r, core.OpAuditTrailRetrieval, fields)
}

// handleNonce handles GET /api/v1/nonce/{address}
func (s *Server) handleNonce(w http.ResponseWriter, r *http.Request) {
	s.dispatch(w, r, core.OpTransactionNonceQuery, core.Fields{"userAddress": mux.Vars(r)["address"]})
}

// handleRequest handles POST /api/v1/requests/{operation} with a JSON object body
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	op := core.Operation(mux.Vars(r)["operation"])
	if !supported(op) {
		s.writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "unknown operation " + string(op), Code: string(dxerrors.ErrCodeValidation)})
		return
	}

	fields := core.Fields{}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&fields); err != nil && !errors.Is(err, io.EOF) {
		s.writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "request body must be a JSON object", Code: string(dxerrors.ErrCodeValidation)})
		return
	}
	s.dispatch(w, r, op, fields)
}

func (s *Server) dispatch(w http.ResponseWriter, r *http.Request, op core.Operation, fields core.Fields) {
	res, err := s.client.Handle(r.Context(), op, fields)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, QueryResponse{Message: res.Message, Data: res.Data, Timestamp: time.Now().UTC()})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := dxerrors.CodeOf(err)
	status := statusFor(code)
	message := dxerrors.MessageOf(err)
	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("request failed")
		message = "internal error"
	} else {
		s.logger.Debug().Err(err).Str("code", string(code)).Msg("request refused")
	}
	s.writeJSON(w, status, ErrorResponse{Error: message, Code: string(code)})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn().Err(err).Msg("failed to write response")
	}
}

// statusFor maps an error code to the HTTP status reported to the caller.
func statusFor(code dxerrors.ErrorCode) int {
	switch code {
	case dxerrors.ErrCodeValidation, dxerrors.ErrCodeUnknownSelector:
		return http.StatusBadRequest
	case dxerrors.ErrCodeIdentity:
		return http.StatusForbidden
	case dxerrors.ErrCodeDomainInvariant:
		return http.StatusConflict
	case dxerrors.ErrCodeDependency, dxerrors.ErrCodeNetwork, dxerrors.ErrCodeRPC, dxerrors.ErrCodeDatabase:
		return http.StatusServiceUnavailable
	case dxerrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func supported(op core.Operation) bool {
	for _, known := range core.Operations() {
		if op == known {
			return true
		}
	}
	return false
}

// queryFields takes the first value of every query parameter.
func queryFields(r *http.Request) core.Fields {
	fields := core.Fields{}
	for key, values := range r.URL.Query() {
		if len(values) > 0 {
			fields[key] = values[0]
		}
	}
	return fields
}

func bearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}
