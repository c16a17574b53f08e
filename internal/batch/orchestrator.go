package batch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"tenuto.io/safety/internal/audit"
	"tenuto.io/safety/internal/cascade"
	"tenuto.io/safety/internal/ids"
	"tenuto.io/safety/internal/obs"
)

// Executor is the slice of the cascade client the orchestrator drives.
type Executor interface {
	Execute(ctx context.Context, operationID string, opts cascade.Options) (string, error)
	Cancel(ctx context.Context, operationID string) (cascade.CancelResult, error)
}

// Item pairs an entity with its preview. The orchestrator only executes
// items whose preview allows proceeding.
type Item struct {
	Ref     cascade.EntityRef
	Preview cascade.PreviewResult
}

// ItemResult is the per-entity outcome of a batch run.
type ItemResult struct {
	EntityID  string `json:"entityId"`
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
}

// Result aggregates a completed batch run. Succeeded+Failed always equals
// Total (the attempted count); Items covers every input including skipped
// ones.
type Result struct {
	BatchID   string       `json:"batchId"`
	Items     []ItemResult `json:"items"`
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Skipped   int          `json:"skipped"`
	Total     int          `json:"total"`
}

// Orchestrator drives multi-entity deletions strictly sequentially — one
// execute at a time, in list order — to bound blast radius and keep progress
// exact. One item's failure never aborts its siblings; failed items get a
// rollback attempt before the run moves on.
type Orchestrator struct {
	client   Executor
	recorder *audit.Recorder
	stream   *Stream

	// pace throttles the perceived pace between items; zero disables it.
	pace  time.Duration
	sleep func(ctx context.Context, d time.Duration) error
}

// OrchestratorOption configures Orchestrator behavior.
type OrchestratorOption func(*Orchestrator)

// WithStream publishes per-item progress events to the given stream.
func WithStream(s *Stream) OrchestratorOption {
	return func(o *Orchestrator) { o.stream = s }
}

// WithPace inserts a delay between items.
func WithPace(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.pace = d
		}
	}
}

// WithSleep overrides the pacing wait (tests).
func WithSleep(fn func(ctx context.Context, d time.Duration) error) OrchestratorOption {
	return func(o *Orchestrator) {
		if fn != nil {
			o.sleep = fn
		}
	}
}

// New constructs an orchestrator over the given executor.
func New(client Executor, recorder *audit.Recorder, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		recorder: recorder,
	}
	o.sleep = func(ctx context.Context, d time.Duration) error {
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
		opt(o)
	}
	return o
}

// Run executes the batch. Items whose preview forbids proceeding are skipped
// and reported as not attempted; everything else is executed best-effort.
// There is no automatic retry of failed items within the same run.
func (o *Orchestrator) Run(ctx context.Context, items []Item, opts cascade.Options) Result {
	result := Result{
		BatchID: ids.New(),
		Items:   make([]ItemResult, 0, len(items)),
	}

	o.record(ctx, "bulk_deletion_started", map[string]string{
		"batch_id": result.BatchID,
		"count":    strconv.Itoa(len(items)),
	})

	total := len(items)
	for i, item := range items {
		o.publish(result.BatchID, i+1, total, fmt.Sprintf("Deleting %s (%d of %d)", item.Ref.EntityID, i+1, total), item.Ref.EntityID)

		if !item.Preview.Impact.CanProceed {
			result.Skipped++
			result.Items = append(result.Items, ItemResult{
				EntityID:  item.Ref.EntityID,
				Attempted: false,
				Error:     "preview rejected deletion",
			})
			obs.ObserveBatchItem("skipped")
			continue
		}

		result.Total++
		if err := o.executeOne(ctx, item, opts); err != nil {
			result.Failed++
			result.Items = append(result.Items, ItemResult{
				EntityID:  item.Ref.EntityID,
				Attempted: true,
				Error:     err.Error(),
			})
			obs.ObserveBatchItem("failed")
		} else {
			result.Succeeded++
			result.Items = append(result.Items, ItemResult{
				EntityID:  item.Ref.EntityID,
				Attempted: true,
				Success:   true,
			})
			obs.ObserveBatchItem("succeeded")
		}

		if o.pace > 0 && i+1 < total {
			if err := o.sleep(ctx, o.pace); err != nil {
				// Context ended: report the remaining items as not attempted.
				for _, rest := range items[i+1:] {
					result.Skipped++
					result.Items = append(result.Items, ItemResult{
						EntityID:  rest.Ref.EntityID,
						Attempted: false,
						Error:     "batch cancelled",
					})
					obs.ObserveBatchItem("skipped")
				}
				break
			}
		}
	}

	o.publish(result.BatchID, total, total, "Batch completed", "")
	o.record(ctx, "bulk_deletion_completed", map[string]string{
		"batch_id":  result.BatchID,
		"succeeded": strconv.Itoa(result.Succeeded),
		"failed":    strconv.Itoa(result.Failed),
		"skipped":   strconv.Itoa(result.Skipped),
	})
	return result
}

// executeOne runs one deletion and, on failure, attempts a rollback via
// cancel so the engine can unwind whatever partially applied. A rollback
// that itself fails is a consistency problem for operators, logged as
// critical rather than surfaced to the caller.
func (o *Orchestrator) executeOne(ctx context.Context, item Item, opts cascade.Options) error {
	_, err := o.client.Execute(ctx, item.Preview.OperationID, opts)
	if err == nil {
		o.record(ctx, "deletion_executed", map[string]string{
			"entity_id":    item.Ref.EntityID,
			"operation_id": item.Preview.OperationID,
		})
		return nil
	}

	o.record(ctx, "deletion_failed", map[string]string{
		"entity_id":    item.Ref.EntityID,
		"operation_id": item.Preview.OperationID,
		"error":        err.Error(),
	})

	if _, cancelErr := o.client.Cancel(ctx, item.Preview.OperationID); cancelErr != nil {
		o.record(ctx, "rollback_failed_critical", map[string]string{
			"entity_id":    item.Ref.EntityID,
			"operation_id": item.Preview.OperationID,
			"error":        cancelErr.Error(),
		})
	} else {
		o.record(ctx, "rollback_attempted", map[string]string{
			"entity_id":    item.Ref.EntityID,
			"operation_id": item.Preview.OperationID,
		})
	}
	return err
}

func (o *Orchestrator) publish(batchID string, current, total int, stage, entityID string) {
	if o.stream == nil {
		return
	}
	o.stream.Publish(ProgressEvent{
		BatchID:   batchID,
		Current:   current,
		Total:     total,
		Stage:     stage,
		EntityID:  entityID,
		Timestamp: time.Now().UTC(),
	})
}

func (o *Orchestrator) record(ctx context.Context, action string, meta map[string]string) {
	if o.recorder == nil {
		return
	}
	o.recorder.Record(ctx, action, "", meta)
}
