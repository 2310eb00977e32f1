package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"umagate.org/internal/uma"
)

func tokenForm(ticket string) url.Values {
	return url.Values{
		"grant_type": {uma.TicketGrantType},
		"ticket":     {ticket},
		"client_id":  {"client-1"},
	}
}

func TestTokenEndpointIsPostOnly(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{})
	rec := env.serve(httptest.NewRequest(http.MethodGet, "/uma/token", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", rec.Code)
	}
	if allow := rec.Header().Get("Allow"); allow != http.MethodPost {
		t.Fatalf("Allow = %q, want POST", allow)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_request" {
		t.Fatalf("body = %v", body)
	}
}

func TestTokenEndpointIssuesRPT(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{grantIfNoPolicies: true})
	ticket := env.registerTicket(t)

	rec := env.serve(formRequest("/uma/token", tokenForm(ticket)))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
		t.Fatalf("Cache-Control = %q, want no-store", cc)
	}
	if pragma := rec.Header().Get("Pragma"); pragma != "no-cache" {
		t.Fatalf("Pragma = %q, want no-cache", pragma)
	}

	body := decodeBody(t, rec)
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("body = %v, want an access token", body)
	}
	if body["token_type"] != "Bearer" {
		t.Fatalf("token_type = %v", body["token_type"])
	}
	if pct, _ := body["pct"].(string); pct == "" {
		t.Fatalf("body = %v, want a pct", body)
	}
}

func TestTokenEndpointRejectsWrongGrantType(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{})
	form := url.Values{"grant_type": {"authorization_code"}, "ticket": {"t"}, "client_id": {"client-1"}}

	rec := env.serve(formRequest("/uma/token", form))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	body := decodeBody(t, rec)
	if body["error"] != "invalid_grant_type" {
		t.Fatalf("body = %v", body)
	}
	if desc, _ := body["error_description"].(string); desc == "" {
		t.Fatal("expected an error description")
	}
}

func TestTokenEndpointDeniedByPolicy(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{})
	ticket := env.registerTicket(t)

	rec := env.serve(formRequest("/uma/token", tokenForm(ticket)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "forbidden_by_policy" {
		t.Fatalf("body = %v", body)
	}
}

// needInfoPolicy never decides without the claim it asks for.
type needInfoPolicy struct{}

func (needInfoPolicy) Name() string { return "want-email" }

func (needInfoPolicy) Authorize(ctx context.Context, ac *uma.AuthorizationContext) (uma.Outcome, error) {
	return uma.Outcome{Granted: ac.Claims.Has("email")}, nil
}

func (needInfoPolicy) RequiredClaims(ctx context.Context, ac *uma.AuthorizationContext) (uma.ClaimsRequest, error) {
	return uma.ClaimsRequest{
		Definitions:  []uma.ClaimDefinition{{Name: "email"}},
		GatherScript: "ask-email",
	}, nil
}

func TestTokenEndpointNeedInfoShape(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{})
	env.registry.RegisterPolicy(needInfoPolicy{})
	if err := env.stores.Scopes.Save(context.Background(), &uma.Scope{
		Ref:                   "ref-write",
		ID:                    "write",
		AuthorizationPolicies: []string{"want-email"},
		Deletable:             true,
		CreatedAt:             time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save scope: %v", err)
	}
	if err := env.stores.Resources.Save(context.Background(), &uma.Resource{
		ID:        "res-2",
		Name:      "documents",
		ScopeIDs:  []string{"write"},
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		t.Fatalf("save resource: %v", err)
	}
	ticket, err := env.perms.Add(context.Background(),
		[]uma.PermissionRequest{{ResourceID: "res-2", ScopeIDs: []string{"write"}}})
	if err != nil {
		t.Fatalf("register permission: %v", err)
	}

	rec := env.serve(formRequest("/uma/token", tokenForm(ticket)))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	body := decodeBody(t, rec)
	if body["error"] != "need_info" {
		t.Fatalf("body = %v", body)
	}
	rotated, _ := body["ticket"].(string)
	if rotated == "" || rotated == ticket {
		t.Fatalf("ticket = %q, want a rotated one", rotated)
	}
	redirect, _ := body["redirect_user"].(string)
	if !strings.HasPrefix(redirect, "http://localhost:8080/uma/gather") {
		t.Fatalf("redirect_user = %q", redirect)
	}
	claims, ok := body["required_claims"].([]any)
	if !ok || len(claims) == 0 {
		t.Fatalf("required_claims = %v", body["required_claims"])
	}
}

func TestTokenEndpointRejectsNonFormBody(t *testing.T) {
	env := newTestAPI(t, testAPIOptions{})
	req := httptest.NewRequest(http.MethodPost, "/uma/token", strings.NewReader("%zz"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	rec := env.serve(req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if body := decodeBody(t, rec); body["error"] != "invalid_ticket" {
		t.Fatalf("body = %v", body)
	}
}
