package uma

import (
	"context"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"umagate.org/internal/signing"
)

// Validator runs the request validation pipeline for the token endpoint and
// the protection API. Each method either returns the validated artifact or a
// structured *Error; nothing downstream sees unvalidated input.
type Validator struct {
	perms      *PermissionService
	scopes     *ScopeService
	resources  *ResourceService
	clients    ClientStore
	pcts       *PCTService
	rpts       *RPTService
	grants     GrantStore
	signer     *signing.Provider
	issuer     string
	verifyJWTs bool
	restrict   bool
	now        func() time.Time
	log        zerolog.Logger
}

// ValidatorDeps bundles the validator's collaborators.
type ValidatorDeps struct {
	Permissions *PermissionService
	Scopes      *ScopeService
	Resources   *ResourceService
	Clients     ClientStore
	PCTs        *PCTService
	RPTs        *RPTService
	Grants      GrantStore
	Signer      *signing.Provider

	// Issuer is the iss value verified claim tokens must carry.
	Issuer string
	// VerifyClaimTokens switches claim-token signature verification; off, the
	// token is only required to parse.
	VerifyClaimTokens bool
	// RestrictToAssociatedClients limits resource access to the clients
	// listed on the descriptor.
	RestrictToAssociatedClients bool
}

// NewValidator wires the pipeline.
func NewValidator(deps ValidatorDeps, log zerolog.Logger) *Validator {
	return &Validator{
		perms:      deps.Permissions,
		scopes:     deps.Scopes,
		resources:  deps.Resources,
		clients:    deps.Clients,
		pcts:       deps.PCTs,
		rpts:       deps.RPTs,
		grants:     deps.Grants,
		signer:     deps.Signer,
		issuer:     deps.Issuer,
		verifyJWTs: deps.VerifyClaimTokens,
		restrict:   deps.RestrictToAssociatedClients,
		now:        time.Now,
		log:        log.With().Str("component", "uma.validation").Logger(),
	}
}

// ValidateGrantType accepts only the UMA ticket grant.
func (v *Validator) ValidateGrantType(grantType string) error {
	if grantType != TicketGrantType {
		return ErrInvalidGrantType(grantType)
	}
	return nil
}

// ValidateTicket loads and checks the permissions behind a ticket. Every
// permission must still be redeemable.
func (v *Validator) ValidateTicket(ctx context.Context, ticket string) ([]*Permission, error) {
	if strings.TrimSpace(ticket) == "" {
		return nil, ErrInvalidTicket("ticket is required")
	}
	perms := v.perms.GetByTicket(ctx, ticket)
	if len(perms) == 0 {
		return nil, ErrInvalidTicket("ticket is not found or already redeemed")
	}
	now := v.now().UTC()
	for _, p := range perms {
		if p.Status == StatusInvalidated {
			return nil, ErrInvalidTicket("ticket has been invalidated")
		}
		if p.Expired(now) {
			return nil, ErrExpiredTicket("ticket has expired")
		}
	}
	return perms, nil
}

// ValidateClaimToken parses the pushed claim token. Token and format must be
// presented together; only the ID-token format is understood.
func (v *Validator) ValidateClaimToken(ctx context.Context, token, format string) (jwt.MapClaims, error) {
	token = strings.TrimSpace(token)
	format = strings.TrimSpace(format)
	if token == "" && format == "" {
		return nil, nil
	}
	if token == "" || format == "" {
		return nil, ErrInvalidClaimToken("claim_token and claim_token_format must be presented together")
	}
	if format != ClaimTokenFormatIDToken {
		return nil, ErrInvalidClaimTokenFormat(format)
	}

	claims := jwt.MapClaims{}
	if v.verifyJWTs {
		parser := jwt.NewParser(
			jwt.WithValidMethods([]string{"RS256"}),
			jwt.WithIssuer(v.issuer),
		)
		parsed, err := parser.ParseWithClaims(token, claims, v.signer.Keyfunc)
		if err != nil || !parsed.Valid {
			return nil, ErrInvalidClaimToken("claim_token signature, issuer, or lifetime is invalid")
		}
		return claims, nil
	}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil, ErrInvalidClaimToken("claim_token is not a well-formed JWT")
	}
	return claims, nil
}

// ValidatePCT resolves an optional PCT code. It must exist, be alive, and
// belong to the requesting client.
func (v *Validator) ValidatePCT(ctx context.Context, code, clientID string) (*PCT, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	p, err := v.pcts.FindByCode(ctx, code)
	if err != nil {
		return nil, ErrInvalidPCT("pct is not found")
	}
	if !p.Valid(v.now().UTC()) {
		return nil, ErrInvalidPCT("pct has expired or been revoked")
	}
	if p.ClientID != clientID {
		return nil, ErrInvalidPCT("pct was issued to a different client")
	}
	return p, nil
}

// ValidateRPT resolves an optional prior RPT presented for upgrade.
func (v *Validator) ValidateRPT(ctx context.Context, code, clientID string) (*RPT, error) {
	if strings.TrimSpace(code) == "" {
		return nil, nil
	}
	r, err := v.rpts.FindByCode(ctx, code)
	if err != nil {
		return nil, ErrInvalidRPT("rpt is not found")
	}
	if !r.Valid(v.now().UTC()) {
		return nil, ErrInvalidRPT("rpt has expired or been revoked")
	}
	if r.ClientID != clientID {
		return nil, ErrInvalidRPT("rpt was issued to a different client")
	}
	return r, nil
}

// ValidateClient resolves the requesting client and rejects disabled
// registrations.
func (v *Validator) ValidateClient(ctx context.Context, clientID string) (*Client, error) {
	if strings.TrimSpace(clientID) == "" {
		return nil, ErrInvalidClientID("client_id is required")
	}
	c, err := v.clients.FindByID(ctx, clientID)
	if err != nil {
		return nil, ErrInvalidClientID("client is not registered")
	}
	if c.Disabled {
		return nil, ErrDisabledClient(clientID)
	}
	return c, nil
}

// ValidateClientAndClaimsRedirectURI resolves the claims redirect target for
// the interactive gathering flow. A blank redirect is accepted only when the
// client registered exactly one URI.
func (v *Validator) ValidateClientAndClaimsRedirectURI(ctx context.Context, clientID, redirectURI string) (*Client, string, error) {
	c, err := v.ValidateClient(ctx, clientID)
	if err != nil {
		return nil, "", err
	}
	if len(c.ClaimRedirectURIs) == 0 {
		return nil, "", ErrInvalidClaimsRedirectURI("client has no registered claims_redirect_uri")
	}
	redirectURI = strings.TrimSpace(redirectURI)
	if redirectURI == "" {
		if len(c.ClaimRedirectURIs) == 1 {
			return c, c.ClaimRedirectURIs[0], nil
		}
		return nil, "", ErrInvalidClaimsRedirectURI("claims_redirect_uri is required when several are registered")
	}
	for _, registered := range c.ClaimRedirectURIs {
		if redirectURIMatches(registered, redirectURI) {
			return c, redirectURI, nil
		}
	}
	return nil, "", ErrInvalidClaimsRedirectURI("claims_redirect_uri is not registered for the client")
}

// redirectURIMatches accepts an exact match, or a candidate that equals the
// registered URI once query parameters are stripped, provided every
// registered parameter reappears with the same value.
func redirectURIMatches(registered, candidate string) bool {
	if registered == candidate {
		return true
	}
	regURL, err := url.Parse(registered)
	if err != nil {
		return false
	}
	candURL, err := url.Parse(candidate)
	if err != nil {
		return false
	}
	regBase, candBase := *regURL, *candURL
	regBase.RawQuery, candBase.RawQuery = "", ""
	if regBase.String() != candBase.String() {
		return false
	}
	candParams := candURL.Query()
	for key, values := range regURL.Query() {
		got := candParams[key]
		if len(got) == 0 || got[0] != values[0] {
			return false
		}
	}
	return true
}

// ValidateScopes resolves the requested and ticket scopes into an ordered
// grant list. Explicitly requested scopes come first, flagged
// ClientRequested; a scope also carried by the ticket loses the flag because
// the ticket already grants it.
func (v *Validator) ValidateScopes(ctx context.Context, scopeParam string, permissions []*Permission, client *Client) ([]ScopeGrant, error) {
	resourceIDs := make([]string, 0, len(permissions))
	for _, p := range permissions {
		resourceIDs = append(resourceIDs, p.ResourceID)
	}
	seeds := v.resources.ScopeIdentifiers(ctx, resourceIDs)

	var grants []ScopeGrant
	index := map[string]int{}
	upsert := func(sc *Scope, clientRequested bool) {
		if i, ok := index[sc.ID]; ok {
			grants[i].ClientRequested = clientRequested
			return
		}
		index[sc.ID] = len(grants)
		grants = append(grants, ScopeGrant{Scope: sc, ClientRequested: clientRequested})
	}

	for _, scopeID := range strings.Fields(scopeParam) {
		if sc := v.scopes.GetOrCreate(ctx, client, scopeID, seeds); sc != nil {
			upsert(sc, true)
		}
	}
	for _, p := range permissions {
		for _, sc := range v.scopes.GetByScopeIDs(ctx, p.ScopeIDs) {
			upsert(sc, false)
		}
	}
	if len(grants) == 0 {
		return nil, ErrInvalidScope("no valid scopes in the request or the ticket")
	}
	return grants, nil
}

// ValidateRestrictedByClient enforces the associated-client restriction when
// the server-wide switch is on.
func (v *Validator) ValidateRestrictedByClient(ctx context.Context, clientID, resourceID string) error {
	if !v.restrict {
		return nil
	}
	r, err := v.resources.GetByID(ctx, resourceID)
	if err != nil {
		return ErrInvalidResourceID("resource is not registered: " + resourceID)
	}
	for _, allowed := range r.AssociatedClients {
		if allowed == clientID {
			return nil
		}
	}
	return ErrAccessDenied("client is not associated with resource " + resourceID)
}

// ValidatePermissionRequest checks one registration entry: the resource must
// exist and every requested scope must be registered on it, either directly
// or through its scope expression.
func (v *Validator) ValidatePermissionRequest(ctx context.Context, req PermissionRequest, clientID string) error {
	r, err := v.resources.GetByID(ctx, req.ResourceID)
	if err != nil {
		return ErrInvalidResourceID("resource is not registered: " + req.ResourceID)
	}
	if err := v.ValidateRestrictedByClient(ctx, clientID, req.ResourceID); err != nil {
		return err
	}
	allowed := map[string]struct{}{}
	for _, scopeID := range r.ScopeIDs {
		allowed[scopeID] = struct{}{}
	}
	if r.ScopeExpression != "" {
		vars, err := CollectScopeVars(r.ScopeExpression)
		if err != nil {
			return ErrInvalidScope("resource scope_expression is malformed")
		}
		for _, scopeID := range vars {
			allowed[scopeID] = struct{}{}
		}
	}
	for _, scopeID := range req.ScopeIDs {
		if _, ok := allowed[scopeID]; !ok {
			return ErrInvalidScope("scope is not registered on the resource: " + scopeID)
		}
	}
	return nil
}

// ValidateProtectionGrant guards the protection API: the bearer token must
// resolve to a live grant carrying the uma_protection scope.
func (v *Validator) ValidateProtectionGrant(ctx context.Context, bearer string) (*Grant, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return nil, ErrUnauthorizedClient("a bearer access token is required")
	}
	g, err := v.grants.FindByTokenHash(ctx, HashToken(bearer))
	if err != nil {
		return nil, ErrUnauthorizedClient("access token is not recognized")
	}
	if g.Expired(v.now().UTC()) {
		return nil, ErrUnauthorizedClient("access token has expired")
	}
	if !g.HasScope(ScopeProtection) {
		return nil, ErrInsufficientGrantScope()
	}
	return g, nil
}
