package security

import (
	"context"
	"crypto/subtle"
	"strings"
	"sync"
	"time"

	"tenuto.io/safety/internal/audit"
)

// VerificationLevel orders the step-up tiers.
type VerificationLevel int

const (
	LevelNone VerificationLevel = iota
	LevelBasic
	LevelAdvanced
	LevelBiometric
)

func (l VerificationLevel) String() string {
	switch l {
	case LevelBasic:
		return "basic"
	case LevelAdvanced:
		return "advanced"
	case LevelBiometric:
		return "biometric"
	default:
		return "none"
	}
}

// VerificationData carries whichever proof the caller supplies. Any one
// accepted proof completes the verification.
type VerificationData struct {
	Password           string
	ConfirmationPhrase string
	BiometricPayload   []byte
	ImpactAcknowledged bool
}

const (
	sessionTTL    = 30 * time.Minute
	refreshWindow = 5 * time.Minute
)

// Verifier is the step-up verification state machine. A session starts at
// the requested level, advances monotonically on completed verification, and
// lapses once its deadline passes. Expiry is purely deadline-based: there is
// no timer whose misfire could keep a stale session alive.
type Verifier struct {
	mu         sync.Mutex
	level      VerificationLevel
	validUntil time.Time
	active     bool

	now      func() time.Time
	recorder *audit.Recorder

	// checkPassword delegates password proof to the identity collaborator.
	checkPassword func(ctx context.Context, password string) error
	// phrase is the typed confirmation phrase accepted as proof.
	phrase string
}

// VerifierOption configures Verifier behavior.
type VerifierOption func(*Verifier)

// WithVerifierClock overrides the time source (useful for tests).
func WithVerifierClock(fn func() time.Time) VerifierOption {
	return func(v *Verifier) {
		if fn != nil {
			v.now = fn
		}
	}
}

// WithPasswordCheck installs the password verification callback.
func WithPasswordCheck(fn func(ctx context.Context, password string) error) VerifierOption {
	return func(v *Verifier) { v.checkPassword = fn }
}

// WithConfirmationPhrase overrides the accepted typed phrase.
func WithConfirmationPhrase(phrase string) VerifierOption {
	return func(v *Verifier) {
		if phrase != "" {
			v.phrase = phrase
		}
	}
}

// NewVerifier constructs a verification state machine.
func NewVerifier(recorder *audit.Recorder, opts ...VerifierOption) *Verifier {
	v := &Verifier{
		now:      time.Now,
		recorder: recorder,
		phrase:   "DELETE",
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Initiate starts a fresh 30-minute session at the requested level,
// replacing any existing session.
func (v *Verifier) Initiate(ctx context.Context, level VerificationLevel) {
	v.mu.Lock()
	v.level = level
	v.validUntil = v.now().Add(sessionTTL)
	v.active = true
	v.mu.Unlock()

	v.record(ctx, "verification_initiated", map[string]string{"level": level.String()})
}

// Complete attempts to confirm identity with the supplied proof. On success
// the session is promoted to at least the advanced level and extended by 30
// minutes from now. On failure the session is left untouched and the failure
// recorded.
func (v *Verifier) Complete(ctx context.Context, data VerificationData) bool {
	if !v.SessionValid() {
		v.record(ctx, "verification_failed", map[string]string{"reason": "no_session"})
		return false
	}
	if !v.proofAccepted(ctx, data) {
		v.record(ctx, "verification_failed", map[string]string{"reason": "proof_rejected"})
		return false
	}

	v.mu.Lock()
	if v.level < LevelAdvanced {
		v.level = LevelAdvanced
	}
	v.validUntil = v.now().Add(sessionTTL)
	v.mu.Unlock()

	v.record(ctx, "verification_completed", map[string]string{"level": v.Level().String()})
	return true
}

// SessionValid reports whether a session exists and its deadline has not
// passed. The boundary is strict: valid at validUntil-1s, invalid past it.
func (v *Verifier) SessionValid() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.active && v.now().Before(v.validUntil)
}

// Level returns the current session level, LevelNone when no session.
func (v *Verifier) Level() VerificationLevel {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.active || !v.now().Before(v.validUntil) {
		return LevelNone
	}
	return v.level
}

// RefreshIfNeeded extends the session when less than five minutes remain and
// the caller is still authenticated. A failed refresh is recorded but the
// session is left to lapse naturally at its deadline.
func (v *Verifier) RefreshIfNeeded(ctx context.Context, stillAuthenticated func(ctx context.Context) bool) {
	v.mu.Lock()
	now := v.now()
	needs := v.active && now.Before(v.validUntil) && v.validUntil.Sub(now) < refreshWindow
	v.mu.Unlock()
	if !needs {
		return
	}

	if stillAuthenticated == nil || !stillAuthenticated(ctx) {
		v.record(ctx, "verification_refresh_failed", map[string]string{"reason": "not_authenticated"})
		return
	}

	v.mu.Lock()
	v.validUntil = v.now().Add(sessionTTL)
	v.mu.Unlock()
	v.record(ctx, "verification_refreshed", nil)
}

// Invalidate ends the session immediately.
func (v *Verifier) Invalidate(ctx context.Context) {
	v.mu.Lock()
	v.active = false
	v.level = LevelNone
	v.validUntil = time.Time{}
	v.mu.Unlock()
	v.record(ctx, "verification_invalidated", nil)
}

func (v *Verifier) proofAccepted(ctx context.Context, data VerificationData) bool {
	if data.ImpactAcknowledged {
		return true
	}
	if len(data.BiometricPayload) > 0 {
		return true
	}
	if phrase := strings.TrimSpace(data.ConfirmationPhrase); phrase != "" {
		return subtle.ConstantTimeCompare([]byte(phrase), []byte(v.phrase)) == 1
	}
	if data.Password != "" && v.checkPassword != nil {
		return v.checkPassword(ctx, data.Password) == nil
	}
	return false
}

func (v *Verifier) record(ctx context.Context, action string, meta map[string]string) {
	if v.recorder == nil {
		return
	}
	v.recorder.Record(ctx, action, "", meta)
}
