package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/afu9/control-center/internal/errcode"
	"github.com/afu9/control-center/internal/middleware"
)

// errorBody is the stable error envelope on every failed response.
type errorBody struct {
	ErrorCode string                 `json:"errorCode"`
	RequestID string                 `json:"requestId,omitempty"`
	Message   string                 `json:"message,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// decodeBody parses a JSON request body into dst. An empty body leaves
// dst at its zero value.
func decodeBody(r *http.Request, dst interface{}) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && err != io.EOF {
		return errcode.Wrap(errcode.InvalidInput, "malformed request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := errcode.CodeOf(err)
	body := errorBody{
		ErrorCode: string(code),
		RequestID: middleware.RequestIDFrom(r.Context()),
		Message:   err.Error(),
	}
	var e *errcode.Error
	if errors.As(err, &e) {
		body.Message = e.Message
		body.Details = e.Details
	}
	writeJSON(w, errcode.HTTPStatus(code), body)
}
