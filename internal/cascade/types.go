package cascade

import "time"

// RiskLevel grades the blast radius of a deletion.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Status is the remote engine's view of an operation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Active reports whether the operation is still in flight.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusRunning
}

// Impact is the remote engine's preview of what a deletion would touch.
type Impact struct {
	CanProceed           bool      `json:"canProceed"`
	RiskLevel            RiskLevel `json:"riskLevel"`
	TotalAffectedRecords int       `json:"totalAffectedRecords"`
	Warnings             []string  `json:"warnings"`
	Errors               []string  `json:"errors"`
}

// Options tunes a preview or execute call.
type Options struct {
	DryRun   bool   `json:"dryRun,omitempty"`
	MaxDepth int    `json:"maxDepth,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// PreviewResult pairs the impact with the operation id the engine reserved
// for the eventual execute call.
type PreviewResult struct {
	Impact      Impact `json:"impact"`
	OperationID string `json:"operationId"`
}

// Operation is the server-tracked deletion job.
type Operation struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	EntityType string    `json:"entityType"`
	EntityID   string    `json:"entityId"`
	StartedAt  time.Time `json:"startedAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	Error      string    `json:"error,omitempty"`
}

// Progress reports how far along an operation is.
type Progress struct {
	OperationID string `json:"operationId"`
	Current     int    `json:"current"`
	Total       int    `json:"total"`
	Stage       string `json:"stage"`
	Status      Status `json:"status"`
}

// CancelResult is the engine's answer to a cancel request.
type CancelResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// EntityRef names one entity in a batch request.
type EntityRef struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

// EntityPreview is one entity's impact inside a batch preview.
type EntityPreview struct {
	EntityRef
	Impact Impact `json:"impact"`
}

// BatchPreview is the engine's grouped preview response.
type BatchPreview struct {
	Previews []EntityPreview `json:"previews"`
	BatchID  string          `json:"batchId"`
}

// BatchExecuteResult lists the operations spawned for a batch.
type BatchExecuteResult struct {
	OperationIDs []string `json:"operationIds"`
	BatchID      string   `json:"batchId"`
}

// HistoryPage is one page of past operations.
type HistoryPage struct {
	Operations []Operation `json:"operations"`
	TotalCount int         `json:"totalCount"`
}

// Limits describes the remote engine's configured bounds.
type Limits struct {
	MaxConcurrentOperations int      `json:"maxConcurrentOperations"`
	MaxCascadeDepth         int      `json:"maxCascadeDepth"`
	MaxBatchSize            int      `json:"maxBatchSize"`
	SupportedEntityTypes    []string `json:"supportedEntityTypes"`
}
