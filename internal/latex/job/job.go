package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a compile job.
type Status string

const (
	StatusPending     Status = "pending"
	StatusCompiling   Status = "compiling"
	StatusRasterizing Status = "rasterizing"
	StatusDone        Status = "done"
	StatusError       Status = "error"
	StatusRejected    Status = "rejected"
)

// Kind names the endpoint a job was created for.
type Kind string

const (
	KindDiagram  Kind = "diagram"
	KindDocument Kind = "document"
)

// CompileJob holds the state of one request's compilation. It lives only for
// the duration of the request.
type CompileJob struct {
	ID         string
	Kind       Kind
	Status     Status
	Error      string
	Code       string // machine-readable failure code
	WorkDir    string
	CreatedAt  time.Time
	FinishedAt time.Time

	mu sync.RWMutex
}

// NewCompileJob creates a pending job with a fresh ID.
func NewCompileJob(kind Kind) *CompileJob {
	return &CompileJob{
		ID:        uuid.New().String(),
		Kind:      kind,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// SetStatus updates job status (thread-safe).
func (j *CompileJob) SetStatus(s Status) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = s
}

// GetStatus returns current job status (thread-safe).
func (j *CompileJob) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetError records a failure. Rejections (input refused before any process
// ran) use StatusRejected; everything else StatusError.
func (j *CompileJob) SetError(status Status, code, msg string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = status
	j.Code = code
	j.Error = msg
	j.FinishedAt = time.Now()
}

// SetDone marks the job successful.
func (j *CompileJob) SetDone() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Status = StatusDone
	j.FinishedAt = time.Now()
}

// Snapshot returns a copy of the job's mutable fields.
func (j *CompileJob) Snapshot() (status Status, code, msg string) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status, j.Code, j.Error
}

// Duration is the time from creation to completion, or to now while running.
func (j *CompileJob) Duration() time.Duration {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.FinishedAt.IsZero() {
		return time.Since(j.CreatedAt)
	}
	return j.FinishedAt.Sub(j.CreatedAt)
}
