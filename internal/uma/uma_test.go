package uma

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"umagate.org/internal/cache"
	"umagate.org/internal/signing"
	"umagate.org/internal/stream"
)

// testEnv wires every service over the in-memory stores, mirroring the
// production wiring closely enough for end-to-end token flows.
type testEnv struct {
	stores    Stores
	registry  *Registry
	events    *stream.Stream
	signer    *signing.Provider
	perms     *PermissionService
	resources *ResourceService
	scopes    *ScopeService
	pcts      *PCTService
	rpts      *RPTService
	validator *Validator
	needsInfo *NeedsInfoService
	policy    *PolicyService
	tokens    *TokenService
	gather    *GatherService
}

type envOptions struct {
	grantIfNoPolicies bool
	allowSpontaneous  bool
	verifyClaimTokens bool
	restrictClients   bool
}

var testSigningParams = sync.OnceValue(func() signing.Params {
	params, err := signing.GenerateParams()
	if err != nil {
		panic(err)
	}
	return params
})

func newTestEnv(opts envOptions) *testEnv {
	log := zerolog.Nop()
	stores := NewInMemory()
	registry := NewRegistry()
	events := stream.New()

	signer, err := signing.NewProvider(testSigningParams())
	if err != nil {
		panic(err)
	}

	perms := NewPermissionService(stores.Permissions, time.Hour, log)
	resources := NewResourceService(stores.Resources, cache.NewInMemory(), time.Minute, log)
	scopes := NewScopeService(stores.Scopes, opts.allowSpontaneous, log)
	pcts := NewPCTService(stores.PCTs, time.Hour, log)
	rpts := NewRPTService(stores.RPTs, stores.Permissions, signer, "umagate-test", time.Hour, log)

	validator := NewValidator(ValidatorDeps{
		Permissions:                 perms,
		Scopes:                      scopes,
		Resources:                   resources,
		Clients:                     stores.Clients,
		PCTs:                        pcts,
		RPTs:                        rpts,
		Grants:                      stores.Grants,
		Signer:                      signer,
		Issuer:                      "umagate-test",
		VerifyClaimTokens:           opts.verifyClaimTokens,
		RestrictToAssociatedClients: opts.restrictClients,
	}, log)

	needsInfo := NewNeedsInfoService(registry, perms, "http://localhost:8080/uma/gather", log)
	policy := NewPolicyService(scopes, perms, resources, log)
	tokens := NewTokenService(TokenServiceDeps{
		Validator:               validator,
		NeedsInfo:               needsInfo,
		Policy:                  policy,
		Permissions:             perms,
		PCTs:                    pcts,
		RPTs:                    rpts,
		Events:                  events,
		GrantAccessIfNoPolicies: opts.grantIfNoPolicies,
		RPTLifetime:             time.Hour,
	}, log)
	gather := NewGatherService(registry, stores.Sessions, perms, pcts, validator, time.Hour, log)

	return &testEnv{
		stores:    stores,
		registry:  registry,
		events:    events,
		signer:    signer,
		perms:     perms,
		resources: resources,
		scopes:    scopes,
		pcts:      pcts,
		rpts:      rpts,
		validator: validator,
		needsInfo: needsInfo,
		policy:    policy,
		tokens:    tokens,
		gather:    gather,
	}
}

// seedClient registers a client usable in token flows.
func (e *testEnv) seedClient(ctx context.Context, id string) *Client {
	c := &Client{
		ID:                     id,
		Name:                   id,
		ClaimRedirectURIs:      []string{"https://client.example/cb"},
		AllowSpontaneousScopes: true,
	}
	if err := e.stores.Clients.Save(ctx, c); err != nil {
		panic(err)
	}
	return c
}

// seedResource registers a resource plus scope records for its identifiers.
func (e *testEnv) seedResource(ctx context.Context, id string, scopeIDs []string, expression string) *Resource {
	r := &Resource{
		ID:              id,
		Name:            id,
		ScopeIDs:        scopeIDs,
		ScopeExpression: expression,
		CreatedAt:       time.Now().UTC(),
	}
	if err := e.resources.Save(ctx, r); err != nil {
		panic(err)
	}
	return r
}

func (e *testEnv) seedScope(ctx context.Context, scopeID string, policies ...string) *Scope {
	sc := &Scope{
		Ref:                   "ref-" + scopeID,
		ID:                    scopeID,
		AuthorizationPolicies: policies,
		Deletable:             true,
		CreatedAt:             time.Now().UTC(),
	}
	if err := e.stores.Scopes.Save(ctx, sc); err != nil {
		panic(err)
	}
	return sc
}

// registerPermission stores a ticket the way the permission endpoint would.
func (e *testEnv) registerPermission(ctx context.Context, resourceID string, scopeIDs ...string) string {
	ticket, err := e.perms.Add(ctx, []PermissionRequest{{ResourceID: resourceID, ScopeIDs: scopeIDs}})
	if err != nil {
		panic(err)
	}
	return ticket
}

// stubPolicy is a canned policy script for tests.
type stubPolicy struct {
	name     string
	granted  bool
	authErr  error
	required []ClaimDefinition
	gather   string
	params   url.Values
	calls    int
}

func (p *stubPolicy) Name() string { return p.name }

func (p *stubPolicy) Authorize(ctx context.Context, ac *AuthorizationContext) (Outcome, error) {
	p.calls++
	if p.authErr != nil {
		return Outcome{}, p.authErr
	}
	return Outcome{Granted: p.granted}, nil
}

func (p *stubPolicy) RequiredClaims(ctx context.Context, ac *AuthorizationContext) (ClaimsRequest, error) {
	return ClaimsRequest{Definitions: p.required, RedirectParams: p.params, GatherScript: p.gather}, nil
}

// claimGatedPolicy grants when the named claim has the expected value.
type claimGatedPolicy struct {
	name  string
	claim string
	want  any
}

func (p *claimGatedPolicy) Name() string { return p.name }

func (p *claimGatedPolicy) Authorize(ctx context.Context, ac *AuthorizationContext) (Outcome, error) {
	return Outcome{Granted: ac.Claims.Get(p.claim) == p.want}, nil
}

func (p *claimGatedPolicy) RequiredClaims(ctx context.Context, ac *AuthorizationContext) (ClaimsRequest, error) {
	return ClaimsRequest{
		Definitions:  []ClaimDefinition{{Name: p.claim}},
		GatherScript: "ask-" + p.claim,
	}, nil
}

// stubGather collects one claim per step from the submitted form.
type stubGather struct {
	name   string
	steps  int
	fields []string
	next   func(step int) int
}

func (g *stubGather) Name() string { return g.name }

func (g *stubGather) StepsCount(ctx context.Context, sess *Session) int { return g.steps }

func (g *stubGather) PageForStep(ctx context.Context, step int, sess *Session) string {
	return fieldForStep(g.fields, step) + ".html"
}

func (g *stubGather) Gather(ctx context.Context, step int, sess *Session, params url.Values, claims *Claims) (bool, error) {
	field := fieldForStep(g.fields, step)
	value := params.Get(field)
	if value == "" {
		return false, nil
	}
	claims.Put(field, value)
	return true, nil
}

func (g *stubGather) NextStep(ctx context.Context, step int, sess *Session) int {
	if g.next != nil {
		return g.next(step)
	}
	return -1
}

func (g *stubGather) PrepareForStep(ctx context.Context, step int, sess *Session) (string, error) {
	if step > g.steps {
		return PrepareInvalid, nil
	}
	return PrepareOK, nil
}

func fieldForStep(fields []string, step int) string {
	if step-1 < len(fields) {
		return fields[step-1]
	}
	return "unknown"
}
