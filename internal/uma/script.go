package uma

import (
	"context"
	"net/url"
	"sync"
)

// AuthorizationContext is the view of one token request handed to a policy
// script: the merged claims, the scopes in play, and the parties involved.
type AuthorizationContext struct {
	Claims   *Claims
	ScopeIDs []string
	Resource *Resource
	Client   *Client
}

// Outcome is a policy decision. RedirectParams carries extra query parameters
// to append to the claims-gathering redirect when the script wants the
// requesting party sent somewhere more specific.
type Outcome struct {
	Granted        bool
	RedirectParams url.Values
}

// ClaimsRequest is what a policy script needs before it can decide:
// the claim definitions to advertise, optional redirect parameters, and the
// gathering script that can collect the claims interactively.
type ClaimsRequest struct {
	Definitions    []ClaimDefinition
	RedirectParams url.Values
	GatherScript   string
}

// PolicyScript is a pluggable authorization policy bound to scopes by name.
type PolicyScript interface {
	Name() string
	// Authorize decides whether the context satisfies the policy.
	Authorize(ctx context.Context, ac *AuthorizationContext) (Outcome, error)
	// RequiredClaims lists the claims the policy needs. An empty Definitions
	// slice means the policy can decide with what it has.
	RequiredClaims(ctx context.Context, ac *AuthorizationContext) (ClaimsRequest, error)
}

// Step outcome codes returned by GatherScript.PrepareForStep.
const (
	PrepareOK      = "ok"
	PrepareExpired = "expired"
	PrepareInvalid = "invalid_step"
	PrepareFailed  = "failure"
)

// GatherScript drives the interactive claims-gathering flow, one page per
// step.
type GatherScript interface {
	Name() string
	StepsCount(ctx context.Context, sess *Session) int
	// PageForStep names the page template to render for a step.
	PageForStep(ctx context.Context, step int, sess *Session) string
	// Gather consumes the submitted form values for a step, writing collected
	// claims into the container. A false return re-displays the step.
	Gather(ctx context.Context, step int, sess *Session, params url.Values, claims *Claims) (bool, error)
	// NextStep lets the script override the natural step progression.
	// Returning -1 keeps the sequential order.
	NextStep(ctx context.Context, step int, sess *Session) int
	// PrepareForStep runs before a step renders and reports one of the
	// Prepare* codes.
	PrepareForStep(ctx context.Context, step int, sess *Session) (string, error)
}

// Registry resolves policy and gathering scripts by name. Scripts register at
// startup; lookups at request time are read-only.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]PolicyScript
	gathers  map[string]GatherScript
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		policies: map[string]PolicyScript{},
		gathers:  map[string]GatherScript{},
	}
}

// RegisterPolicy adds a policy script under its own name.
func (r *Registry) RegisterPolicy(s PolicyScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.policies[s.Name()] = s
}

// RegisterGather adds a gathering script under its own name.
func (r *Registry) RegisterGather(s GatherScript) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gathers[s.Name()] = s
}

// Policy resolves a policy script, nil when unknown.
func (r *Registry) Policy(name string) PolicyScript {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.policies[name]
}

// Gather resolves a gathering script, nil when unknown.
func (r *Registry) Gather(name string) GatherScript {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.gathers[name]
}

// GatherNames returns the registered gathering script names.
func (r *Registry) GatherNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.gathers))
	for name := range r.gathers {
		names = append(names, name)
	}
	return names
}

// ScopeScript keys one (scope, policy script) pairing.
type ScopeScript struct {
	ScopeID    string
	ScriptName string
}

type scriptEntry struct {
	key     ScopeScript
	script  PolicyScript
	authCtx *AuthorizationContext
}

// ScriptMap is the ordered set of (scope, script) pairs collected while
// checking whether more claims are needed. Evaluation later walks the same
// pairs in the same order.
type ScriptMap struct {
	entries []scriptEntry
}

// Put records a pair once; later puts for the same key are ignored so each
// pair keeps its first context.
func (m *ScriptMap) Put(key ScopeScript, script PolicyScript, authCtx *AuthorizationContext) {
	for _, e := range m.entries {
		if e.key == key {
			return
		}
	}
	m.entries = append(m.entries, scriptEntry{key: key, script: script, authCtx: authCtx})
}

// Get returns the context recorded for a pair, nil when absent.
func (m *ScriptMap) Get(key ScopeScript) *AuthorizationContext {
	for _, e := range m.entries {
		if e.key == key {
			return e.authCtx
		}
	}
	return nil
}

// ForScope returns the entries whose scope matches, in insertion order.
func (m *ScriptMap) ForScope(scopeID string) []scriptEntry {
	var out []scriptEntry
	for _, e := range m.entries {
		if e.key.ScopeID == scopeID {
			out = append(out, e)
		}
	}
	return out
}

// Len reports the number of recorded pairs.
func (m *ScriptMap) Len() int {
	return len(m.entries)
}
