package security

import (
	"context"
	"sync"

	"tenuto.io/safety/internal/audit"
	"tenuto.io/safety/internal/identity"
	"tenuto.io/safety/internal/obs"
)

// Authorizer composes the scope resolver, rate limiter, suspicious-activity
// detector and activity recorder into one permission decision per request.
//
// The capability scope is resolved from the identity attached to the request
// context, so concurrent callers never observe each other's capabilities.
// SetIdentity holds a fallback identity for single-caller embeddings that
// have no per-request context identity.
type Authorizer struct {
	mu      sync.Mutex
	scope   Scope
	actorID string

	limiter  *RateLimiter
	detector *Detector
	recorder *audit.Recorder
	issuer   *Issuer

	suspicious bool
}

// NewAuthorizer constructs the authorizer. The issuer is optional; without
// it AuthorizeWithToken degrades to Authorize.
func NewAuthorizer(recorder *audit.Recorder, limiter *RateLimiter, detector *Detector, issuer *Issuer) *Authorizer {
	return &Authorizer{
		limiter:  limiter,
		detector: detector,
		recorder: recorder,
		issuer:   issuer,
	}
}

// SetIdentity replaces the fallback caller identity and recomputes its
// capability scope. It only matters for single-caller embeddings; a request
// context carrying an identity always wins.
func (a *Authorizer) SetIdentity(id identity.Identity) {
	scope := ResolveScope(id)
	a.mu.Lock()
	a.scope = scope
	a.actorID = id.UserID
	a.mu.Unlock()
}

// CurrentScope returns the capability scope of the fallback identity.
func (a *Authorizer) CurrentScope() Scope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope
}

// caller resolves the scope and actor deciding this request. The context
// identity takes precedence over the fallback set via SetIdentity.
func (a *Authorizer) caller(ctx context.Context) (Scope, string) {
	if id, ok := identity.FromContext(ctx); ok {
		return ResolveScope(id), id.UserID
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.scope, a.actorID
}

// SuspiciousActivityDetected reports the process-wide suspicion flag.
func (a *Authorizer) SuspiciousActivityDetected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.suspicious
}

// ClearSuspiciousFlag resets the suspicion flag. This is a manual operator
// action; nothing clears it automatically.
func (a *Authorizer) ClearSuspiciousFlag(ctx context.Context) {
	a.mu.Lock()
	a.suspicious = false
	a.mu.Unlock()
	a.record(ctx, "suspicious_flag_cleared", nil)
}

// Authorize decides whether a deletion of the given entity at the given
// scope may proceed. Checks run cheapest-first so the heuristic scan never
// masks a plain authorization failure in the logs: raised suspicion flag,
// capability, entity restriction, rate limit, then the heuristic scan. Each
// rejection records a distinct reason tag. On grant the category budget is
// consumed.
func (a *Authorizer) Authorize(ctx context.Context, entityID string, scope DeletionScope) error {
	a.record(ctx, "permission_check", map[string]string{
		"entity_id": entityID,
		"scope":     string(scope),
	})

	a.mu.Lock()
	flagged := a.suspicious
	a.mu.Unlock()
	if flagged {
		// The flag outlives the activity window; only an operator clears it.
		a.record(ctx, "permission_denied_suspicious_activity", map[string]string{
			"pattern": "flag_unresolved",
		})
		obs.ObserveAuthorization(string(scope), "suspicious")
		return ErrSuspiciousActivity
	}

	current, _ := a.caller(ctx)

	if !scope.Valid() || !current.Allows(scope) {
		a.record(ctx, "permission_denied_capability", map[string]string{
			"entity_id": entityID,
			"scope":     string(scope),
		})
		a.limiter.RecordFailure()
		obs.ObserveAuthorization(string(scope), "denied_capability")
		return ErrPermissionDenied
	}

	if current.Restricted() && !current.PermitsEntity(entityID) {
		a.record(ctx, "permission_denied_entity_restriction", map[string]string{
			"entity_id": entityID,
			"scope":     string(scope),
		})
		a.limiter.RecordFailure()
		obs.ObserveAuthorization(string(scope), "denied_restriction")
		return ErrPermissionDenied
	}

	category := CategoryForScope(scope)
	if !a.limiter.Allow(category) {
		obs.ObserveRateLimitDenial(string(category))
		if a.limiter.Locked() {
			a.record(ctx, "permission_denied_locked_out", map[string]string{
				"category": string(category),
			})
			obs.ObserveAuthorization(string(scope), "locked_out")
			return ErrLockedOut
		}
		a.record(ctx, "permission_denied_rate_limited", map[string]string{
			"category": string(category),
		})
		obs.ObserveAuthorization(string(scope), "rate_limited")
		return ErrRateLimited
	}

	if tripped, reason := a.detector.Detect(); tripped {
		a.mu.Lock()
		a.suspicious = true
		a.mu.Unlock()
		a.record(ctx, "permission_denied_suspicious_activity", map[string]string{
			"pattern": reason,
		})
		obs.ObserveAuthorization(string(scope), "suspicious")
		return ErrSuspiciousActivity
	}

	a.record(ctx, "permission_granted", map[string]string{
		"entity_id": entityID,
		"scope":     string(scope),
	})
	a.limiter.RecordUsage(category)
	obs.ObserveAuthorization(string(scope), "granted")
	return nil
}

// AuthorizeWithToken runs Authorize and, on success, mints a capability
// token bound to the operation so the eventual execute call can be verified.
func (a *Authorizer) AuthorizeWithToken(ctx context.Context, operation, entityID string, scope DeletionScope) (Token, error) {
	if err := a.Authorize(ctx, entityID, scope); err != nil {
		return Token{}, err
	}
	if a.issuer == nil {
		return Token{}, nil
	}
	return a.issuer.Issue(ctx, operation, entityID, scope)
}

func (a *Authorizer) record(ctx context.Context, action string, meta map[string]string) {
	if a.recorder == nil {
		return
	}
	_, actor := a.caller(ctx)
	a.recorder.Record(ctx, action, actor, meta)
}
