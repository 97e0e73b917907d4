package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
)

// Common errors.
var (
	ErrNotFound   = errors.New("not found")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")
)

// HTTPError represents an error that is surfaced to the user via HTTP.
type HTTPError struct {
	Code int    // HTTP response code to send to client; 0 means 500
	Msg  string // Response body to send to client
	Err  error  // Detailed error to log on the server
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("http error[%d]: %s, %s", e.Code, e.Msg, e.Err)
}

func (e HTTPError) Unwrap() error {
	return e.Err
}

// NewHTTPError creates a new HTTPError.
func NewHTTPError(code int, msg string, err error) HTTPError {
	return HTTPError{Code: code, Msg: msg, Err: err}
}

// ErrorResponse is the JSON body written for every HTTP error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// WriteHTTPError writes err as a JSON error body. HTTPErrors keep their code
// and message; anything else becomes a 500.
func WriteHTTPError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	msg := "internal server error"

	var herr HTTPError
	if errors.As(err, &herr) {
		if herr.Code != 0 {
			code = herr.Code
		}
		msg = herr.Msg
		err = herr.Err
	}

	event := log.Warn()
	if code >= http.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).Int("code", code).Msgf("user msg: %s", msg)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: msg})
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}
