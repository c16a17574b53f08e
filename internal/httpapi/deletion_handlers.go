package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tenuto.io/safety/internal/batch"
	"tenuto.io/safety/internal/cascade"
	"tenuto.io/safety/internal/identity"
	"tenuto.io/safety/internal/security"
)

type authorizeRequest struct {
	EntityID  string `json:"entity_id"`
	Scope     string `json:"scope"`
	Operation string `json:"operation"`
}

type authorizeResponse struct {
	Granted   bool      `json:"granted"`
	Token     string    `json:"token,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

func (a *API) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req authorizeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	scope := security.DeletionScope(strings.TrimSpace(req.Scope))
	if !scope.Valid() {
		writeError(w, r, http.StatusBadRequest, "scope must be one of single, bulk, cascade, cleanup")
		return
	}
	operation := strings.TrimSpace(req.Operation)
	if operation == "" {
		operation = "deletion:" + strings.TrimSpace(req.EntityID)
	}

	token, err := a.engine.Authorizer.AuthorizeWithToken(r.Context(), operation, strings.TrimSpace(req.EntityID), scope)
	if err != nil {
		a.handleSecurityError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, authorizeResponse{
		Granted:   true,
		Token:     token.Value,
		ExpiresAt: token.ExpiresAt,
	})
}

type previewRequest struct {
	EntityType string          `json:"entity_type"`
	EntityID   string          `json:"entity_id"`
	Scope      string          `json:"scope"`
	Options    cascade.Options `json:"options"`
}

func (a *API) handlePreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req previewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.EntityType) == "" || strings.TrimSpace(req.EntityID) == "" {
		writeError(w, r, http.StatusBadRequest, "entity_type and entity_id are required")
		return
	}
	scope := security.DeletionScope(req.Scope)
	if req.Scope == "" {
		scope = security.ScopeSingle
	}
	if !scope.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown scope")
		return
	}

	if err := a.engine.Authorizer.Authorize(r.Context(), req.EntityID, scope); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}

	result, err := a.client.Preview(r.Context(), req.EntityType, req.EntityID, req.Options)
	if err != nil {
		a.handleCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type executeRequest struct {
	OperationID string          `json:"operation_id"`
	Token       string          `json:"token"`
	Operation   string          `json:"operation"`
	Scope       string          `json:"scope"`
	Options     cascade.Options `json:"options"`
}

func (a *API) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req executeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.OperationID) == "" {
		writeError(w, r, http.StatusBadRequest, "operation_id is required")
		return
	}
	scope := security.DeletionScope(req.Scope)
	if !scope.Valid() {
		writeError(w, r, http.StatusBadRequest, "unknown scope")
		return
	}

	// The capability token must match the operation and scope it was minted
	// for; a single-scoped token never authorizes a bulk or cascade execute.
	if err := a.engine.Issuer.Validate(r.Context(), req.Token, req.Operation, scope); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}

	// Wide-blast scopes additionally require a live verification session.
	if scope != security.ScopeSingle && !a.engine.Verifier.SessionValid() {
		a.handleSecurityError(w, r, security.ErrNoSession)
		return
	}

	operationID, err := a.client.Execute(r.Context(), req.OperationID, req.Options)
	if err != nil {
		a.handleCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operation_id": operationID})
}

type batchRequest struct {
	Entities []cascade.EntityRef `json:"entities"`
	Options  cascade.Options     `json:"options"`
}

func (a *API) handleBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req batchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if len(req.Entities) == 0 {
		writeError(w, r, http.StatusBadRequest, "entities are required")
		return
	}

	if err := a.engine.Authorizer.Authorize(r.Context(), "", security.ScopeBulk); err != nil {
		a.handleSecurityError(w, r, err)
		return
	}

	// Preview each entity individually so every item carries the operation
	// id its execute call needs. Previews are cached, so repeated batches
	// over the same entities stay cheap.
	items := make([]batch.Item, 0, len(req.Entities))
	for _, ref := range req.Entities {
		preview, err := a.client.Preview(r.Context(), ref.EntityType, ref.EntityID, req.Options)
		if err != nil {
			a.handleCascadeError(w, r, err)
			return
		}
		items = append(items, batch.Item{Ref: ref, Preview: preview})
	}

	result := a.orchestrator.Run(r.Context(), items, req.Options)
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleOperationResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/operations/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case strings.HasSuffix(path, "/progress"):
		id := strings.TrimSuffix(path, "/progress")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		progress, err := a.client.ProgressOf(r.Context(), id)
		if err != nil {
			a.handleCascadeError(w, r, err)
			return
		}
		if progress == nil {
			writeError(w, r, http.StatusNotFound, "operation not found")
			return
		}
		writeJSON(w, http.StatusOK, progress)

	case strings.HasSuffix(path, "/status"):
		id := strings.TrimSuffix(path, "/status")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		op, err := a.client.Status(r.Context(), id)
		if err != nil {
			a.handleCascadeError(w, r, err)
			return
		}
		if op == nil {
			writeError(w, r, http.StatusNotFound, "operation not found")
			return
		}
		writeJSON(w, http.StatusOK, op)

	case strings.HasSuffix(path, "/cancel"):
		id := strings.TrimSuffix(path, "/cancel")
		if id == "" {
			writeError(w, r, http.StatusNotFound, "resource not found")
			return
		}
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		result, err := a.client.Cancel(r.Context(), id)
		if err != nil {
			a.handleCascadeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)

	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleActive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	ops, err := a.client.Active(r.Context())
	if err != nil {
		a.handleCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"operations": ops})
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 50, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1_000_000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	page, err := a.client.History(r.Context(), limit, offset, nil)
	if err != nil {
		a.handleCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (a *API) handleLimits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limits, err := a.client.ConfigLimits(r.Context())
	if err != nil {
		a.handleCascadeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, limits)
}

func (a *API) handleSecurityStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	status := map[string]any{
		"suspicious_activity_detected": a.engine.Authorizer.SuspiciousActivityDetected(),
		"locked":                       a.engine.Limiter.Locked(),
		"verification_level":           a.engine.Verifier.Level().String(),
		"session_valid":                a.engine.Verifier.SessionValid(),
	}
	if expires := a.engine.Limiter.LockExpires(); !expires.IsZero() {
		status["lock_expires"] = expires.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, status)
}

func (a *API) handleClearFlag(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	a.engine.Authorizer.ClearSuspiciousFlag(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

type verificationInitiateRequest struct {
	Level string `json:"level"`
}

func (a *API) handleVerificationInitiate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verificationInitiateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	level, ok := parseLevel(req.Level)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "level must be one of none, basic, advanced, biometric")
		return
	}
	a.engine.Verifier.Initiate(r.Context(), level)
	writeJSON(w, http.StatusOK, map[string]any{
		"level":         level.String(),
		"session_valid": true,
	})
}

type verificationCompleteRequest struct {
	Password           string `json:"password,omitempty"`
	ConfirmationPhrase string `json:"confirmation_phrase,omitempty"`
	BiometricPayload   []byte `json:"biometric_payload,omitempty"`
	ImpactAcknowledged bool   `json:"impact_acknowledged,omitempty"`
}

func (a *API) handleVerificationComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req verificationCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	verified := a.engine.Verifier.Complete(r.Context(), security.VerificationData{
		Password:           req.Password,
		ConfirmationPhrase: req.ConfirmationPhrase,
		BiometricPayload:   req.BiometricPayload,
		ImpactAcknowledged: req.ImpactAcknowledged,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"verified": verified,
		"level":    a.engine.Verifier.Level().String(),
	})
}

// --- error mapping ---

func (a *API) handleSecurityError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, security.ErrPermissionDenied):
		writeError(w, r, http.StatusForbidden, "permission denied")
	case errors.Is(err, security.ErrLockedOut):
		writeError(w, r, http.StatusLocked, "locked out until lock expiry")
	case errors.Is(err, security.ErrRateLimited):
		writeError(w, r, http.StatusTooManyRequests, "rate limited; wait for the window to reset")
	case errors.Is(err, security.ErrSuspiciousActivity):
		writeError(w, r, http.StatusForbidden, "suspicious activity detected; request blocked")
	case errors.Is(err, security.ErrTokenInvalid):
		writeError(w, r, http.StatusUnauthorized, "capability token invalid or expired")
	case errors.Is(err, security.ErrNoSession):
		writeError(w, r, http.StatusForbidden, "verification session required")
	case errors.Is(err, identity.ErrMissingCredential):
		writeError(w, r, http.StatusUnauthorized, "missing bearer credential")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func (a *API) handleCascadeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, cascade.ErrTimeout):
		writeError(w, r, http.StatusGatewayTimeout, "cascade engine timed out")
	case errors.Is(err, cascade.ErrExecutionFailed):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, cascade.ErrCancelFailed):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, cascade.ErrBatchPreviewFailed):
		writeError(w, r, http.StatusBadGateway, err.Error())
	case errors.Is(err, identity.ErrMissingCredential):
		writeError(w, r, http.StatusUnauthorized, "missing bearer credential")
	default:
		writeError(w, r, http.StatusBadGateway, "cascade engine error")
	}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

func parseLevel(raw string) (security.VerificationLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "none":
		return security.LevelNone, true
	case "basic":
		return security.LevelBasic, true
	case "advanced":
		return security.LevelAdvanced, true
	case "biometric":
		return security.LevelBiometric, true
	}
	return security.LevelNone, false
}
