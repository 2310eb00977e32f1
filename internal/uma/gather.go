package uma

import (
	"context"
	"maps"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Session is one interactive claims-gathering conversation with a requesting
// party, driven step by step by a gathering script.
type Session struct {
	ID                string
	Ticket            string
	ClientID          string
	ClaimsRedirectURI string
	State             string
	// RedirectParams are extra query values the client attached to the
	// gathering redirect; they are replayed on the final redirect back.
	RedirectParams url.Values
	ScriptName     string
	PctCode        string
	Step           int
	PassedSteps    []int
	Claims         map[string]any
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

func (s *Session) clone() *Session {
	cp := *s
	cp.PassedSteps = slices.Clone(s.PassedSteps)
	cp.Claims = maps.Clone(s.Claims)
	cp.RedirectParams = maps.Clone(s.RedirectParams)
	return &cp
}

// Expired reports whether the session has outlived its lifetime.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// Passed reports whether a step has been completed.
func (s *Session) Passed(step int) bool {
	return slices.Contains(s.PassedSteps, step)
}

func (s *Session) markPassed(step int) {
	if !s.Passed(step) {
		s.PassedSteps = append(s.PassedSteps, step)
	}
}

func (s *Session) resetFrom(step int) {
	s.PassedSteps = slices.DeleteFunc(s.PassedSteps, func(passed int) bool {
		return passed >= step
	})
}

// StepResult is the outcome of one submitted gathering step.
type StepResult struct {
	// Done is set when the script finished; Redirect then carries the
	// claims_redirect_uri with the fresh ticket.
	Done     bool
	Redirect string
	// Page names the template to render next while the flow continues.
	Page string
}

// GatherService runs claims-gathering sessions: it opens them from a rotated
// ticket, walks the script's steps, and finishes by binding the collected
// claims to a PCT and rotating the ticket once more.
type GatherService struct {
	registry  *Registry
	sessions  SessionStore
	perms     *PermissionService
	pcts      *PCTService
	validator *Validator
	lifetime  time.Duration
	now       func() time.Time
	log       zerolog.Logger
}

// NewGatherService wires the session machine with the session lifetime.
func NewGatherService(registry *Registry, sessions SessionStore, perms *PermissionService, pcts *PCTService, validator *Validator, lifetime time.Duration, log zerolog.Logger) *GatherService {
	return &GatherService{
		registry:  registry,
		sessions:  sessions,
		perms:     perms,
		pcts:      pcts,
		validator: validator,
		lifetime:  lifetime,
		now:       time.Now,
		log:       log.With().Str("component", "uma.gather").Logger(),
	}
}

// Start validates the redirect from the client and opens a session at step 1,
// returning the session and the first page to render. redirectParams carries
// any extra query values from the redirect for replay at the end of the flow.
func (g *GatherService) Start(ctx context.Context, clientID, ticket, state, claimsRedirectURI string, redirectParams url.Values) (*Session, string, error) {
	client, redirectURI, err := g.validator.ValidateClientAndClaimsRedirectURI(ctx, clientID, claimsRedirectURI)
	if err != nil {
		return nil, "", err
	}
	permissions, err := g.validator.ValidateTicket(ctx, ticket)
	if err != nil {
		return nil, "", err
	}
	scriptName := g.pickScript(permissions[0].Attributes[AttrGatheringScripts])
	if scriptName == "" {
		return nil, "", ErrInvalidTicket("ticket has no claims-gathering script bound")
	}

	now := g.now().UTC()
	sess := &Session{
		ID:                uuid.NewString(),
		Ticket:            ticket,
		ClientID:          client.ID,
		ClaimsRedirectURI: redirectURI,
		State:             state,
		RedirectParams:    redirectParams,
		ScriptName:        scriptName,
		PctCode:           permissions[0].Attributes[AttrPCT],
		Step:              1,
		Claims:            map[string]any{},
		CreatedAt:         now,
		ExpiresAt:         now.Add(g.lifetime),
	}
	page, err := g.prepare(ctx, sess)
	if err != nil {
		return nil, "", err
	}
	if err := g.sessions.Save(ctx, sess); err != nil {
		return nil, "", err
	}
	return sess, page, nil
}

// pickScript returns the first bound gathering script name that resolves in
// the registry.
func (g *GatherService) pickScript(attr string) string {
	for _, name := range strings.Fields(attr) {
		if g.registry.Gather(name) != nil {
			return name
		}
	}
	return ""
}

// Resume reloads a session and prepares its current step for rendering.
func (g *GatherService) Resume(ctx context.Context, sessionID string) (*Session, string, error) {
	sess, err := g.load(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	page, err := g.prepare(ctx, sess)
	if err != nil {
		return nil, "", err
	}
	return sess, page, nil
}

func (g *GatherService) load(ctx context.Context, sessionID string) (*Session, error) {
	sess, err := g.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, ErrInvalidTicket("gathering session is not found")
	}
	if sess.Expired(g.now().UTC()) {
		if err := g.sessions.Delete(ctx, sess.ID); err != nil {
			g.log.Warn().Err(err).Msg("expired session cleanup failed")
		}
		return nil, ErrExpiredTicket("gathering session has expired")
	}
	return sess, nil
}

// prepare runs the script's pre-render hook and maps its symbolic result.
func (g *GatherService) prepare(ctx context.Context, sess *Session) (string, error) {
	script := g.registry.Gather(sess.ScriptName)
	if script == nil {
		return "", ErrServerError("gathering script is no longer registered")
	}
	if sess.Step < 1 {
		return "", ErrInvalidTicket("gathering session step is invalid")
	}
	code, err := script.PrepareForStep(ctx, sess.Step, sess)
	if err != nil {
		g.log.Error().Err(err).Str("script", sess.ScriptName).Msg("prepare step failed")
		return "", ErrServerError("gathering step preparation failed")
	}
	switch code {
	case PrepareOK:
		return script.PageForStep(ctx, sess.Step, sess), nil
	case PrepareExpired:
		return "", ErrExpiredTicket("gathering session has expired")
	case PrepareInvalid:
		return "", ErrInvalidTicket("gathering session step is invalid")
	default:
		return "", ErrServerError("gathering step preparation failed")
	}
}

// Submit feeds one step's form values to the script. Earlier steps must all
// have passed; a failed gather re-displays the same step; completing the last
// step finalizes the session.
func (g *GatherService) Submit(ctx context.Context, sessionID string, params url.Values) (*StepResult, error) {
	sess, err := g.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	script := g.registry.Gather(sess.ScriptName)
	if script == nil {
		return nil, ErrServerError("gathering script is no longer registered")
	}
	for step := 1; step < sess.Step; step++ {
		if !sess.Passed(step) {
			return nil, ErrInvalidTicket("gathering steps were submitted out of order")
		}
	}

	claims := NewClaims()
	for k, v := range sess.Claims {
		claims.Put(k, v)
	}
	ok, err := script.Gather(ctx, sess.Step, sess, params, claims)
	if err != nil {
		g.log.Error().Err(err).Str("script", sess.ScriptName).Msg("gather step failed")
		return nil, ErrServerError("gathering step failed")
	}
	sess.Claims = claims.Map()
	if !ok {
		if err := g.sessions.Save(ctx, sess); err != nil {
			return nil, err
		}
		return &StepResult{Page: script.PageForStep(ctx, sess.Step, sess)}, nil
	}

	sess.markPassed(sess.Step)
	if next := script.NextStep(ctx, sess.Step, sess); next != -1 {
		// Jumping invalidates pass marks at and beyond the target so the
		// skipped-to step runs fresh.
		sess.resetFrom(next)
		sess.Step = next
	} else {
		sess.Step++
	}

	if sess.Step > script.StepsCount(ctx, sess) {
		redirect, err := g.finalize(ctx, sess)
		if err != nil {
			return nil, err
		}
		return &StepResult{Done: true, Redirect: redirect}, nil
	}

	if err := g.sessions.Save(ctx, sess); err != nil {
		return nil, err
	}
	return &StepResult{Page: script.PageForStep(ctx, sess.Step, sess)}, nil
}

// finalize binds the gathered claims to a PCT, rotates the ticket so the
// client can retry the token call, and sends the requesting party back.
func (g *GatherService) finalize(ctx context.Context, sess *Session) (string, error) {
	var existing *PCT
	if sess.PctCode != "" {
		existing, _ = g.pcts.FindByCode(ctx, sess.PctCode)
	}
	pct, err := g.pcts.UpdateOrCreate(ctx, sess.ClientID, existing, nil, jwt.MapClaims(sess.Claims))
	if err != nil {
		return "", err
	}

	// The rotated ticket keeps the attributes it carried into the flow, such
	// as the gathering-script binding; only the pct entry is refreshed.
	attributes := map[string]string{AttrPCT: pct.Code}
	if perms := g.perms.GetByTicket(ctx, sess.Ticket); len(perms) > 0 {
		attributes = maps.Clone(perms[0].Attributes)
		if attributes == nil {
			attributes = map[string]string{}
		}
		attributes[AttrPCT] = pct.Code
	}
	newTicket, _, err := g.perms.ChangeTicket(ctx, sess.Ticket, attributes)
	if err != nil {
		g.log.Error().Err(err).Msg("ticket rotation after gathering failed")
		return "", ErrServerError("could not rotate the ticket")
	}
	if err := g.sessions.Delete(ctx, sess.ID); err != nil {
		g.log.Warn().Err(err).Msg("session cleanup failed")
	}

	u, err := url.Parse(sess.ClaimsRedirectURI)
	if err != nil {
		return "", ErrServerError("stored claims_redirect_uri is malformed")
	}
	q := u.Query()
	for key, values := range sess.RedirectParams {
		for _, value := range values {
			q.Add(key, value)
		}
	}
	q.Set("ticket", newTicket)
	if sess.State != "" {
		q.Set("state", sess.State)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
