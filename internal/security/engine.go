package security

import (
	"context"

	"tenuto.io/safety/internal/audit"
	"tenuto.io/safety/internal/identity"
)

// Engine bundles the security components behind one explicitly constructed,
// dependency-injected instance with a documented lifecycle: New → Close.
// There is no package-level singleton; everything that mutates security
// state goes through the engine, and authorization decisions resolve the
// caller from the request context.
type Engine struct {
	Recorder   *audit.Recorder
	Limiter    *RateLimiter
	Detector   *Detector
	Issuer     *Issuer
	Verifier   *Verifier
	Authorizer *Authorizer
}

// EngineConfig carries construction knobs for the engine.
type EngineConfig struct {
	DetectorPolicy DetectorPolicy
	LimiterOptions []RateLimiterOption
	IssuerOptions  []IssuerOption
	VerifierOpts   []VerifierOption
}

// NewEngine wires the components together over one shared recorder.
func NewEngine(recorder *audit.Recorder, cfg EngineConfig) (*Engine, error) {
	if recorder == nil {
		recorder = audit.NewRecorder()
	}
	if cfg.DetectorPolicy.Window <= 0 {
		cfg.DetectorPolicy = DefaultDetectorPolicy()
	}

	limiter := NewRateLimiter(cfg.LimiterOptions...)
	detector := NewDetector(recorder, cfg.DetectorPolicy, nil)
	issuer, err := NewIssuer(recorder, cfg.IssuerOptions...)
	if err != nil {
		return nil, err
	}
	verifier := NewVerifier(recorder, cfg.VerifierOpts...)
	authorizer := NewAuthorizer(recorder, limiter, detector, issuer)

	return &Engine{
		Recorder:   recorder,
		Limiter:    limiter,
		Detector:   detector,
		Issuer:     issuer,
		Verifier:   verifier,
		Authorizer: authorizer,
	}, nil
}

// OnIdentityChanged recomputes the fallback capability scope. It exists for
// single-caller embeddings without per-request context identities; a server
// should rely on identity.ContextWithIdentity instead.
func (e *Engine) OnIdentityChanged(id identity.Identity) {
	e.Authorizer.SetIdentity(id)
}

// Close stops background work and drops engine state.
func (e *Engine) Close(ctx context.Context) {
	if e.Issuer != nil {
		e.Issuer.Close()
	}
	if e.Verifier != nil {
		e.Verifier.Invalidate(ctx)
	}
	if e.Recorder != nil {
		e.Recorder.Reset()
	}
}
