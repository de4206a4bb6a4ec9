package handlers

import (
	"io"
	"net/http"

	jsoniter "github.com/json-iterator/go"

	"github.com/TFMV/queryscope/pkg/errors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// defaultSQLDetail is shown when the engine gives no detail for a failed statement.
const defaultSQLDetail = "Syntax error or missing table/column"

// errorResponse is the JSON body of every failed request.
type errorResponse struct {
	Error     bool   `json:"error"`
	Message   string `json:"message"`
	Detail    string `json:"detail,omitempty"`
	Position  int    `json:"position,omitempty"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
	Fragment  string `json:"fragment,omitempty"`
}

func newErrorResponse(err error) errorResponse {
	resp := errorResponse{
		Error:     true,
		Message:   errors.GetMessage(err),
		Code:      errors.GetCode(err),
		Retryable: errors.IsRetryable(err),
	}
	if se := errors.Root(err); se != nil {
		resp.Detail = se.Detail
		resp.Position = se.Position
		if fragment, ok := se.Details["fragment"].(string); ok {
			resp.Fragment = fragment
		}
	}
	return resp
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch errors.GetCode(err) {
	case errors.CodeInvalidRequest, errors.CodeRejected, errors.CodeSyntaxError:
		return http.StatusBadRequest
	case errors.CodeNotFound:
		return http.StatusNotFound
	case errors.CodeStepOutOfOrder:
		return http.StatusConflict
	case errors.CodeDeadlineExceeded:
		return http.StatusGatewayTimeout
	case errors.CodeUnavailable, errors.CodeConnectionFailed:
		return http.StatusServiceUnavailable
	case errors.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case errors.CodeCanceled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), newErrorResponse(err))
}

// decodeBody reads a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidRequest, "failed to read request body")
	}
	if len(body) > maxBodyBytes {
		return errors.Newf(errors.CodeInvalidRequest, "request body exceeds %d bytes", maxBodyBytes)
	}
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.Wrap(err, errors.CodeInvalidRequest, "invalid JSON body")
	}
	return nil
}
