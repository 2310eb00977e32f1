package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"umagate.org/internal/obs"
	"umagate.org/internal/signing"
	"umagate.org/internal/stream"
	"umagate.org/internal/uma"
)

// ReadyProbe reports backend readiness; with no DB configured it succeeds.
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// API is the HTTP layer over the authorization services.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string

	tokens    *uma.TokenService
	validator *uma.Validator
	perms     *uma.PermissionService
	resources *uma.ResourceService
	scopes    *uma.ScopeService
	rpts      *uma.RPTService
	gather    *uma.GatherService
	events    *stream.Stream
	signer    *signing.Provider
	log       zerolog.Logger
}

// Deps bundles everything the HTTP layer serves.
type Deps struct {
	Ready     ReadyProbe
	Version   string
	Tokens    *uma.TokenService
	Validator *uma.Validator
	Perms     *uma.PermissionService
	Resources *uma.ResourceService
	Scopes    *uma.ScopeService
	RPTs      *uma.RPTService
	Gather    *uma.GatherService
	Events    *stream.Stream
	Signer    *signing.Provider
	Log       zerolog.Logger
}

// New wires the routes.
func New(deps Deps) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: deps.Ready,
		version:    deps.Version,
		tokens:     deps.Tokens,
		validator:  deps.Validator,
		perms:      deps.Perms,
		resources:  deps.Resources,
		scopes:     deps.Scopes,
		rpts:       deps.RPTs,
		gather:     deps.Gather,
		events:     deps.Events,
		signer:     deps.Signer,
		log:        deps.Log.With().Str("component", "httpapi").Logger(),
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/jwks", a.JWKS)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/uma/token", a.handleToken)
	a.mux.HandleFunc("/uma/gather", a.handleGather)
	a.mux.HandleFunc("/uma/events", a.StreamEvents)

	// Protection API, guarded by the PAT check.
	a.mux.Handle("/uma/rs/permission", a.withProtectionGrant(http.HandlerFunc(a.handlePermissionRegistration)))
	a.mux.Handle("/uma/rs/resource/", a.withProtectionGrant(http.HandlerFunc(a.handleResource)))
	a.mux.Handle("/uma/rpt/introspect", a.withProtectionGrant(http.HandlerFunc(a.handleIntrospect)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler wraps the mux with metrics instrumentation.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.mux)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "umagate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	raw, err := a.signer.JWKS()
	if err != nil {
		umaError(w, uma.ErrServerError("could not render the key set"))
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = w.Write(raw)
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// umaError renders a failure in the OAuth error shape. need_info responses
// additionally carry the rotated ticket and redirect target.
func umaError(w http.ResponseWriter, err error) {
	var needInfo *uma.NeedInfoError
	if errors.As(err, &needInfo) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":           "need_info",
			"ticket":          needInfo.Ticket,
			"redirect_user":   needInfo.RedirectUser,
			"required_claims": needInfo.RequiredClaims,
		})
		return
	}
	var structured *uma.Error
	if errors.As(err, &structured) {
		writeJSON(w, structured.Status, map[string]any{
			"error":             structured.Code,
			"error_description": structured.Description,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, map[string]any{
		"error":             "server_error",
		"error_description": "internal error",
	})
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeJSON(w, http.StatusMethodNotAllowed, map[string]any{
		"error":             "invalid_request",
		"error_description": "method not allowed",
	})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	return nil
}

// nowRFC3339 keeps timestamps uniform across responses.
func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
