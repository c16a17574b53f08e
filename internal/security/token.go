package security

import (
	"context"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"tenuto.io/safety/internal/audit"
)

// DefaultTokenTTL bounds every capability token to five minutes.
const DefaultTokenTTL = 5 * time.Minute

// Token is a short-lived capability credential authorizing exactly one
// destructive operation.
type Token struct {
	Value     string
	Operation string
	Scope     DeletionScope
	EntityID  string
	ExpiresAt time.Time
}

type tokenClaims struct {
	Operation string `json:"op"`
	Scope     string `json:"scope"`
	EntityID  string `json:"entity_id,omitempty"`
	jwt.RegisteredClaims
}

type registryEntry struct {
	operation string
	scope     DeletionScope
	entityID  string
	expiresAt time.Time
}

// Issuer mints and validates capability tokens. Tokens are signed JWTs backed
// by a server-side registry keyed on jti; the signing secret is generated per
// process, so a token never outlives the engine that minted it. Expiry is
// swept in the background and also checked on every validation, so
// correctness does not depend on the sweeper firing.
type Issuer struct {
	mu       sync.Mutex
	secret   []byte
	registry map[string]registryEntry
	ttl      time.Duration
	now      func() time.Time
	recorder *audit.Recorder

	sweepStop chan struct{}
	sweepOnce sync.Once
}

// IssuerOption configures Issuer behavior.
type IssuerOption func(*Issuer)

// WithTokenTTL overrides the token lifetime.
func WithTokenTTL(ttl time.Duration) IssuerOption {
	return func(i *Issuer) {
		if ttl > 0 {
			i.ttl = ttl
		}
	}
}

// WithIssuerClock overrides the time source (useful for tests).
func WithIssuerClock(fn func() time.Time) IssuerOption {
	return func(i *Issuer) {
		if fn != nil {
			i.now = fn
		}
	}
}

// NewIssuer constructs an issuer recording every issuance and validation via
// the given recorder.
func NewIssuer(recorder *audit.Recorder, opts ...IssuerOption) (*Issuer, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("security: generate token secret: %w", err)
	}
	i := &Issuer{
		secret:    secret,
		registry:  make(map[string]registryEntry),
		ttl:       DefaultTokenTTL,
		now:       time.Now,
		recorder:  recorder,
		sweepStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	go i.sweep()
	return i, nil
}

// Close stops the background expiry sweeper.
func (i *Issuer) Close() {
	i.sweepOnce.Do(func() { close(i.sweepStop) })
}

// Issue mints a token bound to one operation, scope and optional entity.
func (i *Issuer) Issue(ctx context.Context, operation string, entityID string, scope DeletionScope) (Token, error) {
	if operation == "" {
		return Token{}, fmt.Errorf("security: operation is required")
	}
	if !scope.Valid() {
		return Token{}, fmt.Errorf("security: unknown scope %q", scope)
	}

	now := i.now()
	expires := now.Add(i.ttl)
	jti := uuid.NewString()

	claims := tokenClaims{
		Operation: operation,
		Scope:     string(scope),
		EntityID:  entityID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expires),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("security: sign token: %w", err)
	}

	i.mu.Lock()
	i.registry[jti] = registryEntry{
		operation: operation,
		scope:     scope,
		entityID:  entityID,
		expiresAt: expires,
	}
	i.mu.Unlock()

	i.record(ctx, "security_token_issued", map[string]string{
		"operation": operation,
		"scope":     string(scope),
	})

	return Token{
		Value:     signed,
		Operation: operation,
		Scope:     scope,
		EntityID:  entityID,
		ExpiresAt: expires,
	}, nil
}

// Validate checks the token signature, registry presence, expiry, and the
// scope/operation binding. A token minted for one scope is never accepted
// for another, expiry aside.
func (i *Issuer) Validate(ctx context.Context, tokenValue, operation string, scope DeletionScope) error {
	claims, err := i.parse(tokenValue)
	if err != nil {
		i.record(ctx, "token_validation_failed", map[string]string{"reason": "malformed_or_expired"})
		return ErrTokenInvalid
	}

	i.mu.Lock()
	entry, ok := i.registry[claims.ID]
	if ok && !i.now().Before(entry.expiresAt) {
		delete(i.registry, claims.ID)
		ok = false
	}
	i.mu.Unlock()

	if !ok {
		i.record(ctx, "token_validation_failed", map[string]string{"reason": "unknown_or_expired"})
		return ErrTokenInvalid
	}
	if entry.operation != operation || entry.scope != scope {
		i.record(ctx, "token_validation_failed", map[string]string{
			"reason":          "scope_binding",
			"token_scope":     string(entry.scope),
			"requested_scope": string(scope),
		})
		return ErrTokenInvalid
	}

	i.record(ctx, "token_validated", map[string]string{
		"operation": operation,
		"scope":     string(scope),
	})
	return nil
}

func (i *Issuer) parse(tokenValue string) (*tokenClaims, error) {
	parsed, err := jwt.ParseWithClaims(tokenValue, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrTokenInvalid
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		return nil, err
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

func (i *Issuer) record(ctx context.Context, action string, meta map[string]string) {
	if i.recorder == nil {
		return
	}
	i.recorder.Record(ctx, action, "", meta)
}

// sweep drops expired registry entries so abandoned tokens do not accumulate.
func (i *Issuer) sweep() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-i.sweepStop:
			return
		case <-ticker.C:
			now := i.now()
			i.mu.Lock()
			for jti, entry := range i.registry {
				if !now.Before(entry.expiresAt) {
					delete(i.registry, jti)
				}
			}
			i.mu.Unlock()
		}
	}
}
