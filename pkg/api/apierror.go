// Package api implements the Gate Orchestrator's HTTP API:
// RFC 7807 Problem Detail error responses, request routing, and the
// bundle lifecycle endpoints.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/deterministic-agent-lab/gate/pkg/gateerr"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs). All
// API error responses use this format.
type ProblemDetail struct {
	Type string `json:"type"`
	Title string `json:"title"`
	Status int `json:"status"`
	Detail string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
	Code string `json:"code,omitempty"`
	Reasons []string `json:"reasons,omitempty"`
}

func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, &ProblemDetail{
		Type: fmt.Sprintf("https://gate.deterministic-agent-lab.dev/errors/%d", status),
		Title: title,
		Status: status,
		Detail: detail,
	})
}

func writeProblem(w http.ResponseWriter, p *ProblemDetail) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(p.Status)
	_ = json.NewEncoder(w).Encode(p)
}

// WriteGateError translates a *gateerr.Error into its mandated HTTP
// status (policy denials and approval-required surface distinct
// codes; everything else falls back to 400/404/500) and an RFC 7807 body
// carrying the machine-readable Code and sorted Reasons.
func WriteGateError(w http.ResponseWriter, r *http.Request, err error) {
	ge, ok := asGateError(err)
	if !ok {
		WriteInternal(w, err)
		return
	}

	status := statusForCode(ge.Code)
	writeProblem(w, &ProblemDetail{
		Type: fmt.Sprintf("https://gate.deterministic-agent-lab.dev/errors/%s", ge.Code),
		Title: string(ge.Code),
		Status: status,
		Detail: ge.Message,
		Instance: r.URL.Path,
		Code: string(ge.Code),
		Reasons: ge.Reasons,
	})
}

func asGateError(err error) (*gateerr.Error, bool) {
	type unwrapper interface{ Unwrap() error }
	for err != nil {
		if ge, ok := err.(*gateerr.Error); ok {
			return ge, true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}

func statusForCode(code gateerr.Code) int {
	switch code {
	case gateerr.CodeNotFound:
		return http.StatusNotFound
	case gateerr.CodePolicyDenied:
		return http.StatusForbidden
	case gateerr.CodeApprovalRequired:
		return http.StatusForbidden
	case gateerr.CodeNoReceipts, gateerr.CodeManifestMalformed, gateerr.CodeSchemaViolation,
		gateerr.CodeComponentMissing, gateerr.CodeKindMismatch, gateerr.CodeBundleInvalid,
		gateerr.CodeDuplicateIntentID, gateerr.CodeManifestMissing:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteMethodNotAllowed writes a 405 error response.
func WriteMethodNotAllowed(w http.ResponseWriter) {
	WriteError(w, http.StatusMethodNotAllowed, "Method Not Allowed", "The HTTP method is not supported for this endpoint")
}

// WriteTooManyRequests writes a 429 error response with Retry-After.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response. err is logged but never
// exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}
