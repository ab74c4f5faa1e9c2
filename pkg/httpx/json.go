package httpx

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// MaxBodyBytes caps request bodies read by DecodeJSON.
const MaxBodyBytes = 1 << 20

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// DecodeError reports a request body that could not be decoded.
type DecodeError struct {
	Status  int
	Message string
}

func (e *DecodeError) Error() string {
	return e.Message
}

func WriteJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func WriteError(w http.ResponseWriter, status int, code, message string) {
	WriteJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
	})
}

// DecodeJSON reads a single JSON object from r into dst, rejecting unknown
// fields, trailing data and bodies over MaxBodyBytes.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, MaxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(dst); err != nil {
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		var maxErr *http.MaxBytesError
		switch {
		case errors.Is(err, io.EOF):
			return &DecodeError{Status: http.StatusBadRequest, Message: "request body is required"}
		case errors.As(err, &maxErr):
			return &DecodeError{Status: http.StatusRequestEntityTooLarge, Message: fmt.Sprintf("request body exceeds %d bytes", maxErr.Limit)}
		case errors.As(err, &syntaxErr):
			return &DecodeError{Status: http.StatusBadRequest, Message: fmt.Sprintf("malformed json at offset %d", syntaxErr.Offset)}
		case errors.As(err, &typeErr):
			return &DecodeError{Status: http.StatusBadRequest, Message: fmt.Sprintf("field %q has the wrong type", typeErr.Field)}
		default:
			return &DecodeError{Status: http.StatusBadRequest, Message: "invalid json body: " + err.Error()}
		}
	}
	if dec.More() {
		return &DecodeError{Status: http.StatusBadRequest, Message: "request body must contain a single json object"}
	}
	return nil
}
