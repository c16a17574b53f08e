package cascade

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"tenuto.io/safety/internal/identity"
)

func authedContext() context.Context {
	return identity.ContextWithToken(context.Background(), "test-bearer")
}

func noSleep(_ context.Context, _ time.Duration) error { return nil }

func TestPreviewCachesResult(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if got := r.Header.Get("Authorization"); got != "Bearer test-bearer" {
			t.Errorf("unexpected authorization header: %q", got)
		}
		json.NewEncoder(w).Encode(PreviewResult{
			Impact:      Impact{CanProceed: true, RiskLevel: RiskLow, TotalAffectedRecords: 3},
			OperationID: "op-1",
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	first, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if first.OperationID != "op-1" || !first.Impact.CanProceed {
		t.Fatalf("unexpected preview: %+v", first)
	}

	second, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if err != nil {
		t.Fatalf("cached Preview: %v", err)
	}
	if second.OperationID != "op-1" {
		t.Fatalf("unexpected cached preview: %+v", second)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected 1 network call, got %d", got)
	}

	// Different options miss the cache.
	if _, err := c.Preview(authedContext(), "student", "student-9", Options{DryRun: true}); err != nil {
		t.Fatalf("Preview with options: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected 2 network calls after options change, got %d", got)
	}
}

func TestPreviewCacheExpires(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(PreviewResult{OperationID: "op-1"})
	}))
	defer srv.Close()

	base := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	current := base
	c := NewClient(srv.URL, WithSleep(noSleep), WithClock(func() time.Time { return current }))

	if _, err := c.Preview(authedContext(), "student", "student-9", Options{}); err != nil {
		t.Fatalf("Preview: %v", err)
	}
	current = base.Add(5*time.Minute + time.Second)
	if _, err := c.Preview(authedContext(), "student", "student-9", Options{}); err != nil {
		t.Fatalf("Preview after TTL: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected lapsed cache to refetch, got %d calls", got)
	}
}

func TestCallRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(PreviewResult{OperationID: "op-1"})
	}))
	defer srv.Close()

	var delays []time.Duration
	c := NewClient(srv.URL,
		WithRetry(3, 100*time.Millisecond),
		WithSleep(func(_ context.Context, d time.Duration) error {
			delays = append(delays, d)
			return nil
		}),
	)

	result, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if err != nil {
		t.Fatalf("Preview: %v", err)
	}
	if result.OperationID != "op-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
	if len(delays) != 2 {
		t.Fatalf("expected exactly 2 backoff waits, got %d", len(delays))
	}
	if delays[0] != 100*time.Millisecond || delays[1] != 200*time.Millisecond {
		t.Fatalf("backoff must double per attempt, got %v", delays)
	}
}

func TestCallGivesUpAfterMaxAttempts(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithRetry(3, time.Millisecond), WithSleep(noSleep))
	_, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("expected 3 attempts, got %d", got)
	}
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	_, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if err == nil {
		t.Fatalf("expected error for 400 response")
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("client errors must not be retried, got %d attempts", got)
	}
}

func TestCallRequiresCredential(t *testing.T) {
	c := NewClient("http://localhost:0", WithSleep(noSleep))
	_, err := c.Preview(context.Background(), "student", "student-9", Options{})
	if !errors.Is(err, identity.ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestCallTimeoutSurfacesErrTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Drain the body so the server can observe the client disconnect
		// and cancel the request context; otherwise srv.Close hangs.
		io.Copy(io.Discard, r.Body)
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(50*time.Millisecond), WithSleep(noSleep))
	_, err := c.Preview(authedContext(), "student", "student-9", Options{})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !IsRecoverable(err) {
		t.Fatalf("timeouts are recoverable")
	}
}

func TestStatusUnknownOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	op, err := c.Status(authedContext(), "op-404")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if op != nil {
		t.Fatalf("unknown operation must yield nil, got %+v", op)
	}

	p, err := c.ProgressOf(authedContext(), "op-404")
	if err != nil {
		t.Fatalf("ProgressOf: %v", err)
	}
	if p != nil {
		t.Fatalf("unknown operation must yield nil progress, got %+v", p)
	}
}

func TestProgressCachesOnlyActiveOperations(t *testing.T) {
	var calls int32
	status := StatusRunning
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(Progress{OperationID: "op-1", Current: 2, Total: 10, Status: status})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("ProgressOf: %v", err)
	}
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("cached ProgressOf: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("active progress must be served from cache, got %d calls", got)
	}

	// Terminal states are never cached.
	status = StatusCompleted
	c.InvalidateCaches()
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("ProgressOf: %v", err)
	}
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("ProgressOf: %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Fatalf("terminal progress must refetch, got %d calls", got)
	}
}

func TestExecuteInvalidatesOperationCaches(t *testing.T) {
	var progressCalls int32
	mux := http.NewServeMux()
	mux.HandleFunc("/cascade-deletion/operations/op-1/progress", func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt32(&progressCalls, 1)
		json.NewEncoder(w).Encode(Progress{OperationID: "op-1", Status: StatusRunning})
	})
	mux.HandleFunc("/cascade-deletion/execute", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"operationId": "op-1"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("ProgressOf: %v", err)
	}

	opID, err := c.Execute(authedContext(), "op-1", Options{})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if opID != "op-1" {
		t.Fatalf("unexpected operation id: %s", opID)
	}

	// The cached progress entry was dropped: this polls again.
	if _, err := c.ProgressOf(authedContext(), "op-1"); err != nil {
		t.Fatalf("ProgressOf after execute: %v", err)
	}
	if got := atomic.LoadInt32(&progressCalls); got != 2 {
		t.Fatalf("execute must invalidate cached progress, got %d polls", got)
	}
}

func TestExecuteWrapsHardFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "conflict", http.StatusConflict)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	_, err := c.Execute(authedContext(), "op-1", Options{})
	if !errors.Is(err, ErrExecutionFailed) {
		t.Fatalf("expected ErrExecutionFailed, got %v", err)
	}
	if IsRecoverable(err) {
		t.Fatalf("hard execution failures are not recoverable")
	}
}

func TestCancel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		result  CancelResult
		wantErr bool
	}{
		{"accepted", CancelResult{Success: true, Message: "stopping"}, false},
		{"refused", CancelResult{Success: false, Message: "already completed"}, true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				json.NewEncoder(w).Encode(tc.result)
			}))
			defer srv.Close()

			c := NewClient(srv.URL, WithSleep(noSleep))
			result, err := c.Cancel(authedContext(), "op-1")
			if tc.wantErr {
				if !errors.Is(err, ErrCancelFailed) {
					t.Fatalf("expected ErrCancelFailed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Cancel: %v", err)
			}
			if !result.Success {
				t.Fatalf("unexpected result: %+v", result)
			}
		})
	}
}

func TestHistoryQueryEncoding(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()
		json.NewEncoder(w).Encode(HistoryPage{TotalCount: 1, Operations: []Operation{{ID: "op-1", Status: StatusCompleted}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	page, err := c.History(authedContext(), 20, 40, map[string]string{"entityType": "student"})
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if page.TotalCount != 1 || len(page.Operations) != 1 {
		t.Fatalf("unexpected page: %+v", page)
	}
	if got := gotQuery["limit"]; len(got) != 1 || got[0] != "20" {
		t.Fatalf("limit not encoded: %v", gotQuery)
	}
	if got := gotQuery["offset"]; len(got) != 1 || got[0] != "40" {
		t.Fatalf("offset not encoded: %v", gotQuery)
	}
	if got := gotQuery["entityType"]; len(got) != 1 || got[0] != "student" {
		t.Fatalf("filter not encoded: %v", gotQuery)
	}
}

func TestBatchPreviewWrapsHardFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "too many entities", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	_, err := c.BatchPreview(authedContext(), []EntityRef{{EntityType: "student", EntityID: "s1"}})
	if !errors.Is(err, ErrBatchPreviewFailed) {
		t.Fatalf("expected ErrBatchPreviewFailed, got %v", err)
	}
}

func TestConfigLimits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(Limits{MaxConcurrentOperations: 4, MaxCascadeDepth: 6, MaxBatchSize: 25})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithSleep(noSleep))
	limits, err := c.ConfigLimits(authedContext())
	if err != nil {
		t.Fatalf("ConfigLimits: %v", err)
	}
	if limits.MaxCascadeDepth != 6 || limits.MaxBatchSize != 25 {
		t.Fatalf("unexpected limits: %+v", limits)
	}
}

func TestStatusActive(t *testing.T) {
	t.Parallel()

	cases := []struct {
		status Status
		want   bool
	}{
		{StatusPending, true},
		{StatusRunning, true},
		{StatusCompleted, false},
		{StatusFailed, false},
		{StatusCancelled, false},
	}
	for _, tc := range cases {
		if got := tc.status.Active(); got != tc.want {
			t.Fatalf("Active(%q) = %v, want %v", tc.status, got, tc.want)
		}
	}
}
