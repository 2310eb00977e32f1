package uma

import (
	"fmt"
	"net/http"
)

// Error is a structured authorization failure carried up to the HTTP layer,
// which renders it as {"error", "error_description"} with Status.
type Error struct {
	Code        string
	Status      int
	Description string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func newError(code string, status int, description string) *Error {
	return &Error{Code: code, Status: status, Description: description}
}

// Validation failures, one constructor per taxonomy entry.

func ErrInvalidGrantType(gt string) *Error {
	return newError("invalid_grant_type", http.StatusBadRequest,
		fmt.Sprintf("the grant_type %q is not supported, expected %s", gt, TicketGrantType))
}

func ErrInvalidTicket(description string) *Error {
	return newError("invalid_ticket", http.StatusBadRequest, description)
}

func ErrExpiredTicket(description string) *Error {
	return newError("expired_ticket", http.StatusBadRequest, description)
}

func ErrInvalidClaimToken(description string) *Error {
	return newError("invalid_claim_token", http.StatusBadRequest, description)
}

func ErrInvalidClaimTokenFormat(format string) *Error {
	return newError("invalid_claim_token_format", http.StatusBadRequest,
		fmt.Sprintf("claim_token_format %q is not recognized, expected %s", format, ClaimTokenFormatIDToken))
}

func ErrInvalidPCT(description string) *Error {
	return newError("invalid_pct", http.StatusUnauthorized, description)
}

func ErrInvalidRPT(description string) *Error {
	return newError("invalid_rpt", http.StatusBadRequest, description)
}

func ErrInvalidClientID(description string) *Error {
	return newError("invalid_client_id", http.StatusBadRequest, description)
}

func ErrDisabledClient(clientID string) *Error {
	return newError("disabled_client", http.StatusForbidden,
		fmt.Sprintf("client %s is disabled", clientID))
}

func ErrInvalidClaimsRedirectURI(description string) *Error {
	return newError("invalid_claims_redirect_uri", http.StatusBadRequest, description)
}

func ErrInvalidScope(description string) *Error {
	return newError("invalid_scope", http.StatusBadRequest, description)
}

func ErrInvalidResourceID(description string) *Error {
	return newError("invalid_resource_id", http.StatusBadRequest, description)
}

func ErrAccessDenied(description string) *Error {
	return newError("access_denied", http.StatusForbidden, description)
}

func ErrForbiddenByPolicy() *Error {
	return newError("forbidden_by_policy", http.StatusForbidden,
		"the authorization policies denied the request")
}

func ErrUnauthorizedClient(description string) *Error {
	return newError("unauthorized_client", http.StatusUnauthorized, description)
}

// ErrInsufficientGrantScope guards the protection API: the presented token
// must carry the uma_protection scope.
func ErrInsufficientGrantScope() *Error {
	return newError("invalid_client_scope", http.StatusNotAcceptable,
		fmt.Sprintf("the access token must be granted the %s scope", ScopeProtection))
}

func ErrServerError(description string) *Error {
	return newError("server_error", http.StatusInternalServerError, description)
}

// NeedInfoError is the structured 403 that tells the client which claims are
// missing and where the requesting party can supply them interactively.
type NeedInfoError struct {
	Ticket         string
	RedirectUser   string
	RequiredClaims []ClaimDefinition
}

func (e *NeedInfoError) Error() string {
	return "need_info: additional claims are required"
}
