package uma

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"umagate.org/internal/audit"
	"umagate.org/internal/obs"
	"umagate.org/internal/stream"
)

// TokenRequest carries the form parameters of one token endpoint call.
type TokenRequest struct {
	GrantType        string
	Ticket           string
	ClaimToken       string
	ClaimTokenFormat string
	PCT              string
	RPT              string
	Scope            string
	ClientID         string
}

// TokenResponse is the successful token endpoint body.
type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in,omitempty"`
	Upgraded    bool   `json:"upgraded"`
	PCT         string `json:"pct,omitempty"`
}

// TokenService orchestrates RPT issuance: validation, claims assembly, the
// needs-info check, policy evaluation, scope merging, and finally minting or
// upgrading the token.
type TokenService struct {
	validator         *Validator
	needsInfo         *NeedsInfoService
	policy            *PolicyService
	perms             *PermissionService
	pcts              *PCTService
	rpts              *RPTService
	grantIfNoPolicies bool
	lifetime          time.Duration
	events            *stream.Stream
	log               zerolog.Logger
}

// TokenServiceDeps bundles the orchestrator's collaborators.
type TokenServiceDeps struct {
	Validator   *Validator
	NeedsInfo   *NeedsInfoService
	Policy      *PolicyService
	Permissions *PermissionService
	PCTs        *PCTService
	RPTs        *RPTService
	Events      *stream.Stream

	// GrantAccessIfNoPolicies flips the verdict for scopes with no policies
	// bound at all. Off (the default) such requests are denied.
	GrantAccessIfNoPolicies bool
	// RPTLifetime feeds the expires_in response field.
	RPTLifetime time.Duration
}

// NewTokenService wires the orchestrator.
func NewTokenService(deps TokenServiceDeps, log zerolog.Logger) *TokenService {
	return &TokenService{
		validator:         deps.Validator,
		needsInfo:         deps.NeedsInfo,
		policy:            deps.Policy,
		perms:             deps.Permissions,
		pcts:              deps.PCTs,
		rpts:              deps.RPTs,
		grantIfNoPolicies: deps.GrantAccessIfNoPolicies,
		lifetime:          deps.RPTLifetime,
		events:            deps.Events,
		log:               log.With().Str("component", "uma.token").Logger(),
	}
}

// RequestRPT runs one token endpoint call end to end. Failures come back as
// *Error or *NeedInfoError; anything else is an internal fault the HTTP layer
// renders as server_error.
func (s *TokenService) RequestRPT(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	resp, err := s.requestRPT(ctx, req)
	if err != nil {
		var structured *Error
		var needInfo *NeedInfoError
		if errors.As(err, &structured) || errors.As(err, &needInfo) {
			s.publishFailure(req, err)
			return nil, err
		}
		s.log.Error().Err(err).Msg("token request failed")
		s.publishFailure(req, err)
		return nil, ErrServerError("internal error while processing the token request")
	}
	return resp, nil
}

func (s *TokenService) requestRPT(ctx context.Context, req TokenRequest) (*TokenResponse, error) {
	if err := s.validator.ValidateGrantType(req.GrantType); err != nil {
		return nil, err
	}
	permissions, err := s.validator.ValidateTicket(ctx, req.Ticket)
	if err != nil {
		return nil, err
	}
	idToken, err := s.validator.ValidateClaimToken(ctx, req.ClaimToken, req.ClaimTokenFormat)
	if err != nil {
		return nil, err
	}
	pct, err := s.validator.ValidatePCT(ctx, req.PCT, req.ClientID)
	if err != nil {
		return nil, err
	}
	rpt, err := s.validator.ValidateRPT(ctx, req.RPT, req.ClientID)
	if err != nil {
		return nil, err
	}
	client, err := s.validator.ValidateClient(ctx, req.ClientID)
	if err != nil {
		return nil, err
	}
	grants, err := s.validator.ValidateScopes(ctx, req.Scope, permissions, client)
	if err != nil {
		return nil, err
	}

	// A gathering round may have bound a PCT to the rotated ticket; its
	// claims fill gaps in the one the client presented.
	var ticketBound *PCT
	if code := permissions[0].Attributes[AttrPCT]; code != "" && (pct == nil || pct.Code != code) {
		ticketBound, _ = s.pcts.FindByCode(ctx, code)
	}
	pct, err = s.pcts.UpdateOrCreate(ctx, client.ID, pct, ticketBound, idToken)
	if err != nil {
		return nil, err
	}
	claims := BuildClaims(idToken, pct, req.ClaimToken)

	scriptMap, err := s.needsInfo.Check(ctx, claims, grants, client, pct, req.Ticket)
	if err != nil {
		return nil, err
	}

	if scriptMap.Len() == 0 {
		if !s.grantIfNoPolicies {
			s.log.Info().Str("client_id", client.ID).Msg("no policies bound, denying by default")
			obs.ReportPolicyDenied()
			return nil, ErrForbiddenByPolicy()
		}
	} else if err := s.policy.Evaluate(ctx, scriptMap, permissions); err != nil {
		return nil, err
	}

	s.mergeRequestedScopes(ctx, grants, permissions, pct)

	var code string
	upgraded := rpt != nil
	if upgraded {
		if err := s.rpts.Upgrade(ctx, rpt, permissions); err != nil {
			return nil, err
		}
		code = req.RPT
	} else {
		code, _, err = s.rpts.Create(ctx, client, pct, permissions)
		if err != nil {
			return nil, err
		}
	}
	s.consume(ctx, permissions)

	obs.ReportRPTIssued(upgraded)
	eventType := stream.EventRPTIssued
	if upgraded {
		eventType = stream.EventRPTUpgraded
	}
	s.events.Publish(stream.Event{Type: eventType, ClientID: client.ID, Ticket: req.Ticket})
	if err := audit.LogEvent(ctx, s.log, "rpt_issued", map[string]any{
		"client_id": client.ID,
		"upgraded":  upgraded,
	}); err != nil {
		s.log.Warn().Err(err).Msg("audit write failed")
	}

	return &TokenResponse{
		AccessToken: code,
		TokenType:   "Bearer",
		ExpiresIn:   int64(s.lifetime / time.Second),
		Upgraded:    upgraded,
		PCT:         pct.Code,
	}, nil
}

// mergeRequestedScopes widens every permission with the scopes the client
// asked for explicitly and binds the issuance pct to its attributes.
// Persistence is best effort; the response reflects the in-memory state
// either way.
func (s *TokenService) mergeRequestedScopes(ctx context.Context, grants []ScopeGrant, permissions []*Permission, pct *PCT) {
	for _, p := range permissions {
		changed := false
		for _, g := range grants {
			if !g.ClientRequested || p.HasScope(g.Scope.ID) {
				continue
			}
			p.ScopeIDs = append(p.ScopeIDs, g.Scope.ID)
			changed = true
		}
		if pct != nil && p.Attributes[AttrPCT] != pct.Code {
			if p.Attributes == nil {
				p.Attributes = map[string]string{}
			}
			p.Attributes[AttrPCT] = pct.Code
			changed = true
		}
		if changed {
			s.perms.MergeSilently(ctx, p)
		}
	}
}

// consume marks the redeemed permissions invalidated so the ticket is
// one-time while the records stay resolvable for introspection.
func (s *TokenService) consume(ctx context.Context, permissions []*Permission) {
	for _, p := range permissions {
		p.Status = StatusInvalidated
		s.perms.MergeSilently(ctx, p)
	}
}

func (s *TokenService) publishFailure(req TokenRequest, err error) {
	var needInfo *NeedInfoError
	if errors.As(err, &needInfo) {
		s.events.Publish(stream.Event{Type: stream.EventNeedsInfo, ClientID: req.ClientID, Ticket: needInfo.Ticket})
		return
	}
	s.events.Publish(stream.Event{Type: stream.EventDenied, ClientID: req.ClientID})
}
