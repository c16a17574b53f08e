package cascade

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tenuto.io/safety/internal/identity"
	"tenuto.io/safety/internal/obs"
)

const (
	defaultTimeout     = 60 * time.Second
	defaultMaxAttempts = 3
	defaultBackoffBase = 500 * time.Millisecond

	previewCacheTTL  = 5 * time.Minute
	progressCacheTTL = 5 * time.Second
)

// Client talks to the remote cascade-deletion engine: preview impact,
// execute, cancel, poll status and progress. Responses are cached (previews
// for five minutes, progress for five seconds) and transient network
// failures are retried with exponential backoff before an error surfaces.
type Client struct {
	baseURL string
	http    *http.Client

	timeout     time.Duration
	maxAttempts int
	backoffBase time.Duration

	// sleep waits between retries; injectable so tests can count backoffs.
	sleep func(ctx context.Context, d time.Duration) error

	previews *ttlCache[PreviewResult]
	status   *ttlCache[Operation]
	progress *ttlCache[Progress]
}

// ClientOption configures Client behavior.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout overrides the overall per-call deadline.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithRetry overrides the attempt count and backoff base delay.
func WithRetry(attempts int, base time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if base > 0 {
			c.backoffBase = base
		}
	}
}

// WithSleep overrides the backoff wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.sleep = fn
		}
	}
}

// WithClock overrides the cache time source (tests).
func WithClock(fn func() time.Time) ClientOption {
	return func(c *Client) {
		if fn != nil {
			c.previews = newTTLCache[PreviewResult](previewCacheTTL, fn)
			c.status = newTTLCache[Operation](progressCacheTTL, fn)
			c.progress = newTTLCache[Progress](progressCacheTTL, fn)
		}
	}
}

// NewClient constructs a client for the engine at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{},
		timeout:     defaultTimeout,
		maxAttempts: defaultMaxAttempts,
		backoffBase: defaultBackoffBase,
		previews:    newTTLCache[PreviewResult](previewCacheTTL, nil),
		status:      newTTLCache[Operation](progressCacheTTL, nil),
		progress:    newTTLCache[Progress](progressCacheTTL, nil),
	}
	c.sleep = func(ctx context.Context, d time.Duration) error {
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Preview asks the engine what a deletion would affect. Results are cached
// per (entityType, entityID, options) for five minutes; within the TTL the
// same impact is returned without a network call.
func (c *Client) Preview(ctx context.Context, entityType, entityID string, opts Options) (PreviewResult, error) {
	key := previewKey(entityType, entityID, opts)
	if cached, ok := c.previews.get(key); ok {
		return cached, nil
	}

	body := map[string]any{
		"entityType": entityType,
		"entityId":   entityID,
		"options":    opts,
	}
	var result PreviewResult
	if err := c.call(ctx, http.MethodPost, "/cascade-deletion/preview", body, &result); err != nil {
		return PreviewResult{}, err
	}
	c.previews.set(key, result)
	return result, nil
}

// Execute starts the deletion reserved by a previous preview. Any cached
// state for the operation is invalidated so pollers never see a stale "not
// yet executed" view.
func (c *Client) Execute(ctx context.Context, operationID string, opts Options) (string, error) {
	body := map[string]any{
		"operationId": operationID,
		"options":     opts,
	}
	var resp struct {
		OperationID string `json:"operationId"`
	}
	if err := c.call(ctx, http.MethodPost, "/cascade-deletion/execute", body, &resp); err != nil {
		if IsRecoverable(err) {
			return "", err
		}
		return "", fmt.Errorf("%w: %v", ErrExecutionFailed, err)
	}
	c.invalidateOperation(operationID)
	if resp.OperationID != "" {
		c.invalidateOperation(resp.OperationID)
		return resp.OperationID, nil
	}
	return operationID, nil
}

// Cancel asks the engine to stop an in-flight operation and clears local
// caches for it. Already-applied partial deletions are the engine's problem,
// not undone here.
func (c *Client) Cancel(ctx context.Context, operationID string) (CancelResult, error) {
	var result CancelResult
	err := c.call(ctx, http.MethodPost, "/cascade-deletion/operations/"+url.PathEscape(operationID)+"/cancel", nil, &result)
	c.invalidateOperation(operationID)
	if err != nil {
		return CancelResult{}, fmt.Errorf("%w: %v", ErrCancelFailed, err)
	}
	if !result.Success {
		return result, fmt.Errorf("%w: %s", ErrCancelFailed, result.Message)
	}
	return result, nil
}

// Status returns the operation state, or (nil, nil) when the engine no
// longer knows the id.
func (c *Client) Status(ctx context.Context, operationID string) (*Operation, error) {
	if cached, ok := c.status.get(operationID); ok {
		return &cached, nil
	}
	var op Operation
	err := c.call(ctx, http.MethodGet, "/cascade-deletion/operations/"+url.PathEscape(operationID)+"/status", nil, &op)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if op.Status.Active() {
		c.status.set(operationID, op)
	}
	return &op, nil
}

// ProgressOf returns a five-second-fresh progress view, polling on miss.
// Unknown operations yield (nil, nil).
func (c *Client) ProgressOf(ctx context.Context, operationID string) (*Progress, error) {
	if cached, ok := c.progress.get(operationID); ok {
		return &cached, nil
	}
	var p Progress
	err := c.call(ctx, http.MethodGet, "/cascade-deletion/operations/"+url.PathEscape(operationID)+"/progress", nil, &p)
	if errors.Is(err, errNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if p.Status.Active() {
		c.progress.set(operationID, p)
	}
	return &p, nil
}

// Active lists operations currently running on the engine.
func (c *Client) Active(ctx context.Context) ([]Operation, error) {
	var ops []Operation
	if err := c.call(ctx, http.MethodGet, "/cascade-deletion/operations/active", nil, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}

// History pages through past operations.
func (c *Client) History(ctx context.Context, limit, offset int, filters map[string]string) (HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	for k, v := range filters {
		q.Set(k, v)
	}
	path := "/cascade-deletion/operations/history"
	if encoded := q.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var page HistoryPage
	if err := c.call(ctx, http.MethodGet, path, nil, &page); err != nil {
		return HistoryPage{}, err
	}
	return page, nil
}

// BatchPreview previews several entities in one call.
func (c *Client) BatchPreview(ctx context.Context, entities []EntityRef) (BatchPreview, error) {
	body := map[string]any{"entities": entities}
	var result BatchPreview
	if err := c.call(ctx, http.MethodPost, "/cascade-deletion/batch/preview", body, &result); err != nil {
		if IsRecoverable(err) {
			return BatchPreview{}, err
		}
		return BatchPreview{}, fmt.Errorf("%w: %v", ErrBatchPreviewFailed, err)
	}
	return result, nil
}

// BatchExecute starts every operation reserved by a batch preview.
func (c *Client) BatchExecute(ctx context.Context, batchID string, opts Options) (BatchExecuteResult, error) {
	body := map[string]any{
		"batchId": batchID,
		"options": opts,
	}
	var result BatchExecuteResult
	if err := c.call(ctx, http.MethodPost, "/cascade-deletion/batch/execute", body, &result); err != nil {
		return BatchExecuteResult{}, err
	}
	for _, id := range result.OperationIDs {
		c.invalidateOperation(id)
	}
	return result, nil
}

// ConfigLimits fetches the engine's configured bounds.
func (c *Client) ConfigLimits(ctx context.Context) (Limits, error) {
	var limits Limits
	if err := c.call(ctx, http.MethodGet, "/cascade-deletion/config/limits", nil, &limits); err != nil {
		return Limits{}, err
	}
	return limits, nil
}

// InvalidateCaches drops all cached previews and progress state.
func (c *Client) InvalidateCaches() {
	c.previews.clear()
	c.status.clear()
	c.progress.clear()
}

func (c *Client) invalidateOperation(operationID string) {
	c.status.invalidate(operationID)
	c.progress.invalidate(operationID)
}

// call performs one JSON request with the overall deadline and retry policy.
// Transient failures back off base×2^attempt; a deadline overrun surfaces
// ErrTimeout, distinct from a hard failure.
func (c *Client) call(ctx context.Context, method, path string, body any, out any) error {
	bearer, ok := identity.TokenFromContext(ctx)
	if !ok {
		return identity.ErrMissingCredential
	}

	var payload []byte
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("cascade: encode request: %w", err)
		}
		payload = raw
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := c.backoffBase * (1 << (attempt - 1))
			if err := c.sleep(ctx, delay); err != nil {
				return c.classify(err)
			}
			obs.ObserveRemoteRetry(path)
		}

		err := c.doOnce(ctx, method, path, payload, bearer, out)
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		lastErr = err
	}
	return c.classify(lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, path string, payload []byte, bearer string, out any) error {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("cascade: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return c.classify(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errNotFound
	case resp.StatusCode >= 500:
		// Server-side hiccup: retryable.
		return &transientError{status: resp.StatusCode}
	case resp.StatusCode >= 400:
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("cascade: engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("cascade: decode response: %w", err)
	}
	return nil
}

// classify collapses transport-level failures into the error taxonomy.
func (c *Client) classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var te *transientError
	if errors.As(err, &te) {
		return fmt.Errorf("cascade: engine unavailable (last status %d)", te.status)
	}
	return err
}

type transientError struct {
	status int
}

func (e *transientError) Error() string {
	return fmt.Sprintf("cascade: transient failure (status %d)", e.status)
}

func retryable(err error) bool {
	if errors.Is(err, errNotFound) {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	// url.Error wraps network-level failures (refused, reset, DNS).
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

func previewKey(entityType, entityID string, opts Options) string {
	raw, _ := json.Marshal(opts)
	return entityType + "|" + entityID + "|" + string(raw)
}
