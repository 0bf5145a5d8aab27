// Package job defines the domain model for a video-generation job:
// its immutable spec, mutable progress/result, and the lifecycle state
// machine that the pipeline enforces.
package job

import (
	"time"
)

// Status is a job's position in the lifecycle state machine.
//
//	draft -> pending -> processing -> generating -> download -> done
//	{pending,processing,generating,download} -> failed
//	{pending,processing,generating} -> cancelled
//	{failed,cancelled} -> pending (retry)
type Status string

const (
	StatusDraft      Status = "draft"
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusGenerating Status = "generating"
	StatusDownload   Status = "download"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// IsTerminal reports whether no further transitions are permitted.
func (s Status) IsTerminal() bool {
	return s == StatusDone || s == StatusFailed || s == StatusCancelled
}

// IsActive reports whether a worker currently owns a job in this status.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusGenerating, StatusDownload:
		return true
	default:
		return false
	}
}

// TaskType names a pipeline stage.
type TaskType string

const (
	TaskGenerate TaskType = "generate"
	TaskPoll     TaskType = "poll"
	TaskDownload TaskType = "download"
)

// AspectRatio enumerates the supported output framings.
type AspectRatio string

const (
	Aspect16x9 AspectRatio = "16:9"
	Aspect9x16 AspectRatio = "9:16"
	Aspect1x1  AspectRatio = "1:1"
)

// ValidDurations are the only accepted clip lengths, in seconds.
var ValidDurations = [...]int{5, 10, 15}

// Spec is immutable after a job is created.
type Spec struct {
	Prompt      string
	Duration    int
	AspectRatio AspectRatio
	ImagePath   string
}

// Progress is the mutable status/retry bookkeeping for a job.
type Progress struct {
	Status       Status
	Percent      int
	ErrorMessage string
	RetryCount   int
	MaxRetries   int
}

// CanRetry reports whether another retry attempt is permitted.
func (p *Progress) CanRetry() bool {
	return p.RetryCount < p.MaxRetries
}

// MarkFailed transitions progress into the terminal failed state.
func (p *Progress) MarkFailed(reason string) {
	p.Status = StatusFailed
	p.ErrorMessage = reason
}

// UpdateProgress sets the completion percentage, clamped to [0,100].
func (p *Progress) UpdateProgress(percent int) {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	p.Percent = percent
}

// Result holds the outputs produced as the job advances.
type Result struct {
	VideoURL     string
	VideoID      string
	GenerationID string
	LocalPath    string
}

// TaskState is the opaque, forward-compatible per-stage bookkeeping blob.
// It round-trips through persistence as JSON and must tolerate missing
// sub-keys; partial updates must never clobber unrelated sub-keys.
type TaskState struct {
	Tasks          map[string]StageState `json:"tasks"`
	CurrentTask    string                 `json:"current_task"`
	IsCleanVideo   bool                   `json:"is_clean_video,omitempty"`
	CleanVideoURL  string                 `json:"clean_video_url,omitempty"`
}

// StageState records the last-known status of a single pipeline stage.
type StageState struct {
	Status      string     `json:"status"`
	TaskID      string     `json:"task_id,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// SetStage merges a single stage's state into the blob without touching
// any other stage, preserving the last-writer-wins/CRDT-style contract.
func (ts *TaskState) SetStage(name string, state StageState) {
	if ts.Tasks == nil {
		ts.Tasks = make(map[string]StageState)
	}
	ts.Tasks[name] = state
}

// Job is the aggregate root: immutable spec, mutable progress/result,
// current account ownership and opaque per-stage bookkeeping.
type Job struct {
	ID        int64
	Platform  string
	Spec      Spec
	Progress  Progress
	Result    Result
	AccountID int64
	HasAccount bool
	TaskState TaskState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanStart reports whether the job may be handed to the generate stage.
func (j *Job) CanStart() bool {
	return j.Progress.Status == StatusDraft || j.Progress.Status == StatusPending
}

// CanCancel reports whether the job is in a user-cancellable state.
func (j *Job) CanCancel() bool {
	switch j.Progress.Status {
	case StatusPending, StatusProcessing, StatusGenerating:
		return true
	default:
		return false
	}
}

// CanRetry reports whether the job may be re-issued from a terminal
// failure or cancellation.
func (j *Job) CanRetry() bool {
	return j.Progress.Status == StatusFailed || j.Progress.Status == StatusCancelled
}

// ResetForRetry returns the job to pending with progress cleared, per
// the retry-idempotence property: percent=0, error_message=∅,
// retry_count=0, restarting from the generate stage.
func (j *Job) ResetForRetry() {
	j.Progress.Status = StatusPending
	j.Progress.Percent = 0
	j.Progress.ErrorMessage = ""
	j.Progress.RetryCount = 0
	j.TaskState = TaskState{CurrentTask: string(TaskGenerate)}
}

// Context is the transient in-queue envelope carrying a job reference and
// free-form hints (including per-error-class retry counters) between
// pipeline stages. InputData survives re-enqueue.
type Context struct {
	JobID     int64
	TaskType  TaskType
	InputData map[string]any
}

// IntData reads an integer counter out of InputData, defaulting to zero.
func (c *Context) IntData(key string) int {
	if c.InputData == nil {
		return 0
	}
	v, ok := c.InputData[key]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}

// IncrData increments an integer counter in InputData and returns the new
// value.
func (c *Context) IncrData(key string) int {
	if c.InputData == nil {
		c.InputData = make(map[string]any)
	}
	next := c.IntData(key) + 1
	c.InputData[key] = next
	return next
}

// StringData reads a string hint out of InputData.
func (c *Context) StringData(key string) string {
	if c.InputData == nil {
		return ""
	}
	v, _ := c.InputData[key].(string)
	return v
}

// StringSliceData reads a []string hint out of InputData.
func (c *Context) StringSliceData(key string) []string {
	if c.InputData == nil {
		return nil
	}
	v, ok := c.InputData[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case []any:
		out := make([]string, 0, len(s))
		for _, e := range s {
			if str, ok := e.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

// AppendStringData appends a value to a []string hint in InputData.
func (c *Context) AppendStringData(key, value string) {
	if c.InputData == nil {
		c.InputData = make(map[string]any)
	}
	c.InputData[key] = append(c.StringSliceData(key), value)
}

// Int64SliceData reads a []int64 hint out of InputData, e.g. the set of
// account IDs already excluded for this job's current attempt.
func (c *Context) Int64SliceData(key string) []int64 {
	if c.InputData == nil {
		return nil
	}
	v, ok := c.InputData[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []int64:
		return s
	case []any:
		out := make([]int64, 0, len(s))
		for _, e := range s {
			switch n := e.(type) {
			case int64:
				out = append(out, n)
			case int:
				out = append(out, int64(n))
			case float64:
				out = append(out, int64(n))
			}
		}
		return out
	default:
		return nil
	}
}

// AppendInt64Data appends a value to a []int64 hint in InputData, if not
// already present.
func (c *Context) AppendInt64Data(key string, value int64) {
	if c.InputData == nil {
		c.InputData = make(map[string]any)
	}
	existing := c.Int64SliceData(key)
	for _, v := range existing {
		if v == value {
			c.InputData[key] = existing
			return
		}
	}
	c.InputData[key] = append(existing, value)
}
