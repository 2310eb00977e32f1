package httpapi

import (
	"net/http"

	"umagate.org/internal/uma"
)

// handleToken serves the token endpoint for the UMA ticket grant. Parameters
// arrive form-encoded per OAuth.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		umaError(w, uma.ErrInvalidTicket("request body is not form-encoded"))
		return
	}

	req := uma.TokenRequest{
		GrantType:        r.PostFormValue("grant_type"),
		Ticket:           r.PostFormValue("ticket"),
		ClaimToken:       r.PostFormValue("claim_token"),
		ClaimTokenFormat: r.PostFormValue("claim_token_format"),
		PCT:              r.PostFormValue("pct"),
		RPT:              r.PostFormValue("rpt"),
		Scope:            r.PostFormValue("scope"),
		ClientID:         r.PostFormValue("client_id"),
	}

	resp, err := a.tokens.RequestRPT(r.Context(), req)
	if err != nil {
		umaError(w, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	writeJSON(w, http.StatusOK, resp)
}
