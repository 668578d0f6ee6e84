// Package acnherr defines the error taxonomy shared by the credential broker,
// the design fetcher, and the design cache. Every error carries the numeric
// code and HTTP status used by the original service so that a presentation
// layer can serialize them without depending on the packages that raise them.
package acnherr

import (
	"fmt"
	"net/http"
	"regexp"
)

// Error is a typed domain failure. Errors with a Regex are format-validation
// failures; Validate enforces them.
type Error struct {
	Code       int
	Message    string
	HTTPStatus int
	Regex      *regexp.Regexp
}

func (e *Error) Error() string {
	return fmt.Sprintf("acnh error %d: %s", e.Code, e.Message)
}

// Dict returns the wire shape consumed by the presentation layer:
// error, error_code, http_status, and validation_regex when applicable.
func (e *Error) Dict() map[string]any {
	d := map[string]any{
		"error":       e.Message,
		"error_code":  e.Code,
		"http_status": e.HTTPStatus,
	}
	if e.Regex != nil {
		d["validation_regex"] = e.Regex.String()
	}
	return d
}

// DesignCodeAlphabet is the base-30 alphabet used by in-game design codes.
// Vowels and visually ambiguous characters are excluded.
const DesignCodeAlphabet = "0123456789BCDFGHJKLMNPQRSTVWXY"

var (
	designCodeSegment = "[" + DesignCodeAlphabet + "]{4}"
	designCodeRe      = regexp.MustCompile(designCodeSegment + "-" + designCodeSegment + "-" + designCodeSegment)
	authorIDRe        = regexp.MustCompile(`[0-9]{4}-?[0-9]{4}-?[0-9]{4}`)
	imageIDRe         = regexp.MustCompile(`[0-9]+`)
)

// Design and image errors. Codes 2xx address designs, 3xx images, matching
// the numbering of the original service.
var (
	UnknownDesignCode = &Error{Code: 201, Message: "unknown design code", HTTPStatus: http.StatusNotFound}
	InvalidDesignCode = &Error{Code: 202, Message: "invalid design code", HTTPStatus: http.StatusBadRequest, Regex: designCodeRe}
	UnknownAuthorID   = &Error{Code: 203, Message: "unknown author ID", HTTPStatus: http.StatusNotFound}
	InvalidAuthorID   = &Error{Code: 205, Message: "invalid author ID", HTTPStatus: http.StatusBadRequest, Regex: authorIDRe}
	UnknownImageID    = &Error{Code: 301, Message: "unknown image ID", HTTPStatus: http.StatusNotFound}
	InvalidImageID    = &Error{Code: 311, Message: "invalid image ID", HTTPStatus: http.StatusBadRequest, Regex: imageIDRe}
)

// Credential-derivation failures. These are fatal at startup: the broker
// cannot operate without valid key material.
var (
	InvalidTicketKind = &Error{Code: 601, Message: "ticket is an update ticket, a base ticket is required", HTTPStatus: http.StatusInternalServerError}
	TicketIntegrity   = &Error{Code: 602, Message: "ticket personalization data is missing or stripped", HTTPStatus: http.StatusInternalServerError}
	KeysetMismatch    = &Error{Code: 603, Message: "keyset cannot decrypt the PRODINFO image", HTTPStatus: http.StatusInternalServerError}
)

// Upstream failures.
var (
	UpstreamUnavailable = &Error{Code: 701, Message: "upstream service unavailable", HTTPStatus: http.StatusBadGateway}
)

// Authentication rejections. Fatal for the current attempt, never retried.
var (
	PlatformAuth = &Error{Code: 901, Message: "platform account authentication rejected", HTTPStatus: http.StatusServiceUnavailable}
	GameAuth     = &Error{Code: 902, Message: "game account authentication rejected", HTTPStatus: http.StatusServiceUnavailable}
)

// Validate returns e when s does not fully match e's validation regex.
func Validate(e *Error, s string) error {
	if e.Regex == nil {
		return fmt.Errorf("error %d has no validation regex", e.Code)
	}
	if m := e.Regex.FindString(s); m != s || s == "" {
		return e
	}
	return nil
}
