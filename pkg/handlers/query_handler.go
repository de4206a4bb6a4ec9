package handlers

import (
	"net/http"

	"github.com/TFMV/queryscope/pkg/errors"
	"github.com/TFMV/queryscope/pkg/models"
	"github.com/TFMV/queryscope/pkg/services"
)

// QueryHandler serves free-text SQL and parameterised lookups.
type QueryHandler struct {
	queryService services.QueryService
	logger       Logger
}

// NewQueryHandler creates a new query handler.
func NewQueryHandler(queryService services.QueryService, logger Logger) *QueryHandler {
	return &QueryHandler{
		queryService: queryService,
		logger:       logger,
	}
}

// RunSQL handles POST /api/sql. Statement failures are returned as a
// structured error body with status 200 so the caller can render the
// engine's message and position; only malformed or rejected requests
// get a 4xx.
func (h *QueryHandler) RunSQL(w http.ResponseWriter, r *http.Request) {
	var req models.SQLRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.queryService.Execute(r.Context(), &req)
	if err != nil {
		switch errors.GetCode(err) {
		case errors.CodeRejected, errors.CodeInvalidRequest:
			writeError(w, err)
		default:
			resp := newErrorResponse(err)
			if resp.Detail == "" && statementFault(resp.Code) {
				resp.Detail = defaultSQLDetail
			}
			writeJSON(w, http.StatusOK, resp)
		}
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// RunQuery handles POST /api/query.
func (h *QueryHandler) RunQuery(w http.ResponseWriter, r *http.Request) {
	var req models.LookupRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.queryService.Lookup(r.Context(), &req)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// statementFault reports whether code blames the statement itself rather than
// the engine's availability or time limits.
func statementFault(code string) bool {
	switch code {
	case errors.CodeSyntaxError, errors.CodeQueryFailed, errors.CodeNotFound:
		return true
	default:
		return false
	}
}
