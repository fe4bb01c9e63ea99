// Package models defines the core domain types for loom.
package models

import "time"

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusPaused    TaskStatus = "paused"
)

// Stage represents a network's position in its lifecycle.
type Stage string

const (
	StageInitialized Stage = "initialized"
	StagePolicySet   Stage = "policy_set"
	StagePlanning    Stage = "planning"
	StageExecuting   Stage = "executing"
	StageFinalizing  Stage = "finalizing"
	StageCompleted   Stage = "completed"
)

// Role identifies which collaborator is making a call. Every mutating
// operation takes the caller's role explicitly; there is no ambient
// call context.
type Role string

const (
	RolePolicySetter Role = "policy_setter"
	RolePlanner      Role = "planner"
	RoleExecutor     Role = "executor"
)

// Priority is the scheduling weight of a task.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// StageInfo is the stage record carried by a network's main task.
type StageInfo struct {
	Stage     Stage     `json:"stage"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PolicyInfo is the policy recorded on the main task by the
// policy-setter. Nil until a policy has been saved.
type PolicyInfo struct {
	Text      string    `json:"text"`
	Version   int       `json:"version"`
	UpdatedBy string    `json:"updated_by"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ResultMarker flags a sub-task result as provisional. A partial result
// may only be finalized by the author that wrote it.
type ResultMarker struct {
	Partial       bool      `json:"partial"`
	LastAuthor    string    `json:"last_author"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// NetworkTask is a unit of work within a network. Exactly one task per
// network has StepNumber == nil: the main task, which carries the
// network's StageInfo and PolicyInfo. Sub-tasks have StepNumber >= 1.
type NetworkTask struct {
	ID          string     `json:"id"`
	NetworkID   string     `json:"network_id"`
	ParentJobID string     `json:"parent_job_id,omitempty"`
	Status      TaskStatus `json:"status"`
	TaskType    string     `json:"task_type"`
	Description string     `json:"description"`
	Parameters  string     `json:"parameters,omitempty"`
	StepNumber  *int       `json:"step_number,omitempty"`
	DependsOn   []string   `json:"depends_on,omitempty"`
	Priority    Priority   `json:"priority"`
	CreatedBy   string     `json:"created_by"`
	AssignedTo  string     `json:"assigned_to,omitempty"`
	Progress    int        `json:"progress"`
	Result      string     `json:"result,omitempty"`

	Stage  *StageInfo    `json:"stage,omitempty"`
	Policy *PolicyInfo   `json:"policy,omitempty"`
	Marker *ResultMarker `json:"marker,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsMain reports whether the task is the network-level main task.
func (t *NetworkTask) IsMain() bool { return t.StepNumber == nil }

// DependencyType classifies a task dependency edge. Only
// requires_completion is interpreted by the satisfaction check.
type DependencyType string

const (
	DependencyRequiresCompletion DependencyType = "requires_completion"
	DependencyUsesArtifact       DependencyType = "uses_artifact"
	DependencyParallel           DependencyType = "parallel"
)

// TaskDependency is a declarative edge between two tasks.
type TaskDependency struct {
	ID              string         `json:"id"`
	TaskID          string         `json:"task_id"`
	DependsOnTaskID string         `json:"depends_on_task_id"`
	Type            DependencyType `json:"dependency_type"`
	CreatedAt       time.Time      `json:"created_at"`
}

// ContentBlob is a deduplicated, append-only unit of stored content,
// keyed by the SHA-256 of its bytes.
type ContentBlob struct {
	Hash        string    `json:"hash"`
	ContentType string    `json:"content_type"`
	Content     []byte    `json:"-"`
	Size        int64     `json:"size"`
	CreatedAt   time.Time `json:"created_at"`
}

// ContentChunk is one piece of a chunked ingestion stream. Chunks for a
// hash are reconstructed by concatenation in chunk index order.
type ContentChunk struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	Index     int       `json:"index"`
	Content   []byte    `json:"-"`
	Offset    int64     `json:"offset"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Artifact is a versioned document whose content lives in the CAS.
type Artifact struct {
	ID              string    `json:"id"`
	JobID           string    `json:"job_id"`
	TaskID          string    `json:"task_id,omitempty"`
	CurrentRevision string    `json:"current_revision"`
	MimeType        string    `json:"mime_type"`
	Labels          []string  `json:"labels,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ArtifactRevision is an immutable snapshot of an artifact's content.
// Revisions form a DAG through ParentRevisions: the initial revision
// has none, a normal commit has one, a merge commit has two or more.
type ArtifactRevision struct {
	ID              string    `json:"id"`
	ArtifactID      string    `json:"artifact_id"`
	ContentHash     string    `json:"content_hash"`
	ParentRevisions []string  `json:"parent_revisions,omitempty"`
	CommitMessage   string    `json:"commit_message"`
	Author          string    `json:"author"`
	CreatedAt       time.Time `json:"created_at"`
}

// DirectiveStatus tracks a directive through its narrow lifecycle.
type DirectiveStatus string

const (
	DirectivePending      DirectiveStatus = "pending"
	DirectiveAcknowledged DirectiveStatus = "acknowledged"
	DirectiveApplied      DirectiveStatus = "applied"
	DirectiveRejected     DirectiveStatus = "rejected"
)

// Directive is an externally raised instruction awaiting planner action.
type Directive struct {
	ID         string          `json:"id"`
	NetworkID  string          `json:"network_id"`
	Type       string          `json:"directive_type"`
	Content    string          `json:"content"`
	Status     DirectiveStatus `json:"status"`
	CreatedBy  string          `json:"created_by"`
	CreatedAt  time.Time       `json:"created_at"`
	ResolvedAt *time.Time      `json:"resolved_at,omitempty"`
}

// Communication is a non-versioned side-channel message attached to a
// task. Kept for callers that do not need the versioned artifact path.
type Communication struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// AuditEntry is a decision record written for every mutating operation.
type AuditEntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     string    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
