package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"umagate.org/internal/audit"
	"umagate.org/internal/ids"
	"umagate.org/internal/uma"
)

const (
	authHeader   = "Authorization"
	bearerScheme = "Bearer "
)

type grantKey struct{}

// withProtectionGrant guards the protection API: the caller must present a
// bearer token carrying the uma_protection scope.
func (a *API) withProtectionGrant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			umaError(w, uma.ErrUnauthorizedClient(err.Error()))
			return
		}
		grant, err := a.validator.ValidateProtectionGrant(r.Context(), token)
		if err != nil {
			umaError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), grantKey{}, grant)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func grantFromContext(ctx context.Context) *uma.Grant {
	g, _ := ctx.Value(grantKey{}).(*uma.Grant)
	return g
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing bearer token")
	}
	if !strings.HasPrefix(strings.ToLower(header), strings.ToLower(bearerScheme)) {
		return "", errors.New("invalid authorization scheme")
	}
	token := strings.TrimSpace(header[len(bearerScheme):])
	if token == "" {
		return "", errors.New("missing bearer token")
	}
	return token, nil
}

type permissionRegistrationResponse struct {
	Ticket string `json:"ticket"`
}

// handlePermissionRegistration accepts one permission or a batch and answers
// with a fresh ticket.
func (a *API) handlePermissionRegistration(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	grant := grantFromContext(r.Context())

	reqs, err := decodePermissionRequests(w, r)
	if err != nil {
		umaError(w, uma.ErrInvalidResourceID("request body is not a permission or list of permissions"))
		return
	}
	if len(reqs) == 0 {
		umaError(w, uma.ErrInvalidResourceID("at least one permission is required"))
		return
	}
	for _, req := range reqs {
		if err := a.validator.ValidatePermissionRequest(r.Context(), req, grant.ClientID); err != nil {
			umaError(w, err)
			return
		}
	}

	ticket, err := a.perms.Add(r.Context(), reqs)
	if err != nil {
		umaError(w, uma.ErrServerError("could not register the permission"))
		return
	}
	if err := audit.LogEvent(r.Context(), a.log, "permission_registered", map[string]any{
		"client_id":   grant.ClientID,
		"permissions": len(reqs),
	}); err != nil {
		a.log.Warn().Err(err).Msg("audit write failed")
	}
	writeJSON(w, http.StatusCreated, permissionRegistrationResponse{Ticket: ticket})
}

// decodePermissionRequests accepts both the single-object and the list form
// of the registration body.
func decodePermissionRequests(w http.ResponseWriter, r *http.Request) ([]uma.PermissionRequest, error) {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	var list []uma.PermissionRequest
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}
	var single uma.PermissionRequest
	if err := json.Unmarshal(raw, &single); err != nil {
		return nil, err
	}
	return []uma.PermissionRequest{single}, nil
}

type resourceDescriptor struct {
	Name              string   `json:"name"`
	Scopes            []string `json:"resource_scopes"`
	ScopeExpression   string   `json:"scope_expression,omitempty"`
	AssociatedClients []string `json:"clients,omitempty"`
	ExpiresAt         int64    `json:"exp,omitempty"`
}

type resourceResponse struct {
	ID        string `json:"_id"`
	UpdatedAt string `json:"updated_at"`
}

// handleResource serves the registration document: PUT upserts, GET reads,
// DELETE removes.
func (a *API) handleResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/uma/rs/resource/")
	if id == "" || strings.Contains(id, "/") {
		umaError(w, uma.ErrInvalidResourceID("resource id is required"))
		return
	}
	switch r.Method {
	case http.MethodPut:
		a.putResource(w, r, id)
	case http.MethodGet:
		a.getResource(w, r, id)
	case http.MethodDelete:
		a.deleteResource(w, r, id)
	default:
		methodNotAllowed(w, http.MethodPut, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) putResource(w http.ResponseWriter, r *http.Request, id string) {
	grant := grantFromContext(r.Context())

	var desc resourceDescriptor
	if err := decodeJSON(w, r, &desc); err != nil {
		umaError(w, uma.ErrInvalidResourceID("request body is not a resource description"))
		return
	}
	res := &uma.Resource{
		ID:                id,
		Name:              desc.Name,
		ScopeIDs:          desc.Scopes,
		ScopeExpression:   desc.ScopeExpression,
		AssociatedClients: desc.AssociatedClients,
		CreatedAt:         time.Now().UTC(),
	}
	if desc.ExpiresAt > 0 {
		exp := time.Unix(desc.ExpiresAt, 0).UTC()
		res.ExpiresAt = &exp
	}
	if err := uma.ValidateDescriptor(res); err != nil {
		umaError(w, err)
		return
	}
	if _, err := a.scopes.RefsByScopeIDsAddIfNeeded(r.Context(), desc.Scopes); err != nil {
		umaError(w, uma.ErrServerError("could not register the resource scopes"))
		return
	}
	if err := a.resources.Save(r.Context(), res); err != nil {
		umaError(w, uma.ErrServerError("could not store the resource"))
		return
	}
	if err := audit.LogEvent(r.Context(), a.log, "resource_registered", map[string]any{
		"client_id":   grant.ClientID,
		"resource_id": id,
	}); err != nil {
		a.log.Warn().Err(err).Msg("audit write failed")
	}
	writeJSON(w, http.StatusOK, resourceResponse{ID: id, UpdatedAt: nowRFC3339()})
}

func (a *API) getResource(w http.ResponseWriter, r *http.Request, id string) {
	res, err := a.resources.GetByID(r.Context(), id)
	if err != nil {
		umaError(w, uma.ErrInvalidResourceID("resource is not registered: "+id))
		return
	}
	desc := resourceDescriptor{
		Name:              res.Name,
		Scopes:            res.ScopeIDs,
		ScopeExpression:   res.ScopeExpression,
		AssociatedClients: res.AssociatedClients,
	}
	if res.ExpiresAt != nil {
		desc.ExpiresAt = res.ExpiresAt.Unix()
	}
	writeJSON(w, http.StatusOK, desc)
}

func (a *API) deleteResource(w http.ResponseWriter, r *http.Request, id string) {
	if err := a.resources.Delete(r.Context(), id); err != nil {
		umaError(w, uma.ErrInvalidResourceID("resource is not registered: "+id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleIntrospect describes an RPT for a resource server.
func (a *API) handleIntrospect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if err := r.ParseForm(); err != nil {
		umaError(w, uma.ErrInvalidRPT("request body is not form-encoded"))
		return
	}
	token := r.PostFormValue("token")
	if token == "" {
		umaError(w, uma.ErrInvalidRPT("token is required"))
		return
	}
	resp, err := a.rpts.Introspect(r.Context(), token)
	if err != nil {
		umaError(w, uma.ErrServerError("introspection failed"))
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// newRequestID mints ids for the request middleware.
func newRequestID() string {
	return ids.New()
}
