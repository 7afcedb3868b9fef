package state

import (
	"errors"
	"fmt"
	"net/http"
)

// CodeRestart is the only error code a browser ever sees for a bad state.
const CodeRestart = "please_restart_the_process"

// Reason is the internal cause of a rejected state. Logged and counted, never shown.
type Reason string

const (
	ReasonNotFound         Reason = "not_found"
	ReasonMalformed        Reason = "malformed"
	ReasonBadMAC           Reason = "bad_mac"
	ReasonExpired          Reason = "expired"
	ReasonStoreUnavailable Reason = "store_unavailable"
	ReasonRejectedByHook   Reason = "rejected_by_hook"
	ReasonStateMismatch    Reason = "state_mismatch"
	ReasonVerifierMismatch Reason = "verifier_mismatch"
)

// Infrastructure reports whether r is an operational failure rather than a security event.
func (r Reason) Infrastructure() bool {
	return r == ReasonStoreUnavailable || r == ReasonRejectedByHook
}

// Error is returned for every state that cannot be opened.
type Error struct {
	Reason Reason
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("oauth state %s: %v", e.Reason, e.Err)
	}
	return "oauth state " + string(e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// Code is the public error code for the redirect.
func (e *Error) Code() string { return CodeRestart }

// ReasonOf extracts the Reason from err, or "" if err is not a state error.
func ReasonOf(err error) Reason {
	var se *Error
	if errors.As(err, &se) {
		return se.Reason
	}
	return ""
}

// API error codes returned to the initiating request.
const (
	CodeBadRequest = "BAD_REQUEST"
	CodeInternal   = "INTERNAL_SERVER_ERROR"
)

// APIError is a generation failure; the initiating handler renders it as JSON.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string { return e.Code + ": " + e.Message }

func badRequest(msg string) *APIError {
	return &APIError{Status: http.StatusBadRequest, Code: CodeBadRequest, Message: msg}
}

func internalError(msg string) *APIError {
	return &APIError{Status: http.StatusInternalServerError, Code: CodeInternal, Message: msg}
}
