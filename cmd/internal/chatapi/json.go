package chatapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"
)

// errorBody is the envelope of every non-2xx response.
type errorBody struct {
	Error apiError `json:"error"`
}

type apiError struct {
	// Code matches the realtime reason codes (chat_not_found, ...) or one of
	// the request codes below.
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is set, in seconds, when the same request may succeed later.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// Request codes that never come from the realtime layer.
const (
	codeInvalidJSON    = "invalid_json"
	codeBodyTooLarge   = "body_too_large"
	codeInvalidQuery   = "invalid_query"
	codeAttachmentsOff = "attachments_disabled"
	codeUnauthorized   = "unauthenticated"
	codeRateLimited    = "rate_limited"
	codeStorageDown    = "storage_unavailable"
)

// storageRetryAfter is the hint sent with storage_unavailable.
const storageRetryAfter = 2 * time.Second

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg}})
}

// writeRetryable is writeError with a Retry-After hint in both the header and
// the body, rounded up to whole seconds.
func writeRetryable(w http.ResponseWriter, status int, code, msg string, after time.Duration) {
	secs := int64(math.Ceil(after.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: msg, RetryAfter: secs}})
}

// bodyError is a request body that could not be decoded.
type bodyError struct {
	status int
	code   string
	msg    string
}

func (e *bodyError) Error() string { return e.code + ": " + e.msg }

// readBody decodes the request into dst, writing the error response itself
// when that fails.
func readBody(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) bool {
	err := decodeJSON(w, r, maxBytes, dst)
	if err == nil {
		return true
	}
	var be *bodyError
	if !errors.As(err, &be) {
		be = &bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, msg: "invalid request body"}
	}
	writeError(w, be.status, be.code, be.msg)
	return false
}

// decodeJSON reads exactly one JSON object of at most maxBytes. Unknown
// fields are rejected so misspelled keys surface as errors.
func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return &bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, msg: "empty body"}
	}
	defer func() { _ = r.Body.Close() }()

	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			return &bodyError{
				status: http.StatusRequestEntityTooLarge,
				code:   codeBodyTooLarge,
				msg:    fmt.Sprintf("body exceeds %d bytes", maxBytes),
			}
		case errors.Is(err, io.EOF):
			return &bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, msg: "empty body"}
		default:
			return &bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, msg: "invalid request body"}
		}
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return &bodyError{status: http.StatusBadRequest, code: codeInvalidJSON, msg: "extra data after JSON object"}
	}
	return nil
}
