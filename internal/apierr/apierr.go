// Package apierr defines the uniform {code, message, data} response
// envelope every camofy HTTP handler replies with. Every response is
// HTTP 200: success or failure is carried entirely in Code, matching
// every original_source Rust handler's ApiResponse shape so the UI
// never needs to branch on transport status.
package apierr

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Envelope is the wire shape of every API response.
type Envelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

const (
	CodeOK                  = "ok"
	CodeUnauthorized        = "unauthorized"
	CodeBadRequest          = "bad_request"
	CodeNotFound            = "not_found"
	CodeInternal            = "internal_error"
)

// WriteOK replies with code "ok" and the given payload.
func WriteOK(w http.ResponseWriter, data any) {
	write(w, Envelope{Code: CodeOK, Message: "", Data: data})
}

// WriteError replies with a failure envelope derived from err. Errors
// produced as fmt.Errorf("some_code: detail", ...) split into
// Code="some_code", Message="detail"; anything else becomes
// CodeInternal with the raw error text.
func WriteError(w http.ResponseWriter, err error) {
	code, message := splitCode(err.Error())
	write(w, Envelope{Code: code, Message: message, Data: nil})
}

// WriteCode replies with an explicit code/message pair, for handler-side
// validation failures that never became a Go error.
func WriteCode(w http.ResponseWriter, code, message string) {
	write(w, Envelope{Code: code, Message: message, Data: nil})
}

func write(w http.ResponseWriter, env Envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Error().Err(err).Msg("failed to encode api response")
	}
}

// splitCode pulls a leading "snake_case_code: " prefix off an error
// message, the convention every internal package's sentinel errors use.
func splitCode(msg string) (code, message string) {
	idx := strings.Index(msg, ": ")
	if idx <= 0 {
		return CodeInternal, msg
	}
	candidate := msg[:idx]
	if !looksLikeCode(candidate) {
		return CodeInternal, msg
	}
	return candidate, msg[idx+2:]
}

func looksLikeCode(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r == '_' || (r >= '0' && r <= '9') {
			continue
		}
		return false
	}
	return true
}
