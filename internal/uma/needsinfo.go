package uma

import (
	"context"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog"

	"umagate.org/internal/obs"
)

// NeedsInfoService decides whether the policies bound to the requested scopes
// can run with the claims at hand. When claims are missing it rotates the
// ticket and describes how to supply them; otherwise it hands back the
// collected (scope, script) pairs for evaluation.
type NeedsInfoService struct {
	registry     *Registry
	perms        *PermissionService
	gatheringURL string
	log          zerolog.Logger
}

// NewNeedsInfoService wires the service with the claims-gathering endpoint
// address.
func NewNeedsInfoService(registry *Registry, perms *PermissionService, gatheringURL string, log zerolog.Logger) *NeedsInfoService {
	return &NeedsInfoService{
		registry:     registry,
		perms:        perms,
		gatheringURL: gatheringURL,
		log:          log.With().Str("component", "uma.needsinfo").Logger(),
	}
}

// Check walks every (scope, policy script) pair behind the scope grants,
// asking each script which claims it requires. With everything present the
// returned ScriptMap drives evaluation; with claims missing the caller gets a
// *NeedInfoError carrying the rotated ticket and redirect target.
//
// A scope bound to a policy script that is not registered denies the whole
// request: an unevaluable policy must never fall open.
func (s *NeedsInfoService) Check(ctx context.Context, claims *Claims, grants []ScopeGrant, client *Client, pct *PCT, ticket string) (*ScriptMap, error) {
	scopeIDs := make([]string, 0, len(grants))
	for _, g := range grants {
		scopeIDs = append(scopeIDs, g.Scope.ID)
	}

	scriptMap := &ScriptMap{}
	var missing []ClaimDefinition
	var gatherNames []string
	redirectParams := url.Values{}

	for _, g := range grants {
		for _, scriptName := range g.Scope.AuthorizationPolicies {
			script := s.registry.Policy(scriptName)
			if script == nil {
				s.log.Error().Str("scope_id", g.Scope.ID).Str("script", scriptName).Msg("policy script is not registered")
				obs.ReportPolicyDenied()
				return nil, ErrForbiddenByPolicy()
			}
			key := ScopeScript{ScopeID: g.Scope.ID, ScriptName: scriptName}
			authCtx := scriptMap.Get(key)
			if authCtx == nil {
				authCtx = &AuthorizationContext{
					Claims:   claims,
					ScopeIDs: scopeIDs,
					Client:   client,
				}
				scriptMap.Put(key, script, authCtx)
			}

			req, err := script.RequiredClaims(ctx, authCtx)
			if err != nil {
				s.log.Error().Err(err).Str("script", scriptName).Msg("required claims lookup failed")
				obs.ReportPolicyDenied()
				return nil, ErrForbiddenByPolicy()
			}
			for k, vals := range req.RedirectParams {
				for _, val := range vals {
					redirectParams.Add(k, val)
				}
			}
			for _, def := range req.Definitions {
				if claims.Has(def.Name) {
					continue
				}
				missing = append(missing, def)
				if req.GatherScript != "" && !slices.Contains(gatherNames, req.GatherScript) {
					gatherNames = append(gatherNames, req.GatherScript)
				}
			}
		}
	}

	if len(missing) == 0 {
		return scriptMap, nil
	}

	attrs := map[string]string{}
	if pct != nil {
		attrs[AttrPCT] = pct.Code
	}
	if len(gatherNames) > 0 {
		attrs[AttrGatheringScripts] = strings.Join(gatherNames, " ")
	}
	newTicket, _, err := s.perms.ChangeTicket(ctx, ticket, attrs)
	if err != nil {
		s.log.Error().Err(err).Msg("ticket rotation failed")
		return nil, ErrServerError("could not rotate the ticket")
	}

	obs.ReportNeedsInfo()
	return nil, &NeedInfoError{
		Ticket:         newTicket,
		RedirectUser:   s.redirectUser(redirectParams, client.ID, newTicket),
		RequiredClaims: missing,
	}
}

func (s *NeedsInfoService) redirectUser(params url.Values, clientID, ticket string) string {
	u, err := url.Parse(s.gatheringURL)
	if err != nil {
		return s.gatheringURL
	}
	q := u.Query()
	for k, vals := range params {
		for _, val := range vals {
			q.Add(k, val)
		}
	}
	q.Set("client_id", clientID)
	q.Set("ticket", ticket)
	u.RawQuery = q.Encode()
	return u.String()
}
