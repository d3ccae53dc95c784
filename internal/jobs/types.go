package jobs

import "time"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCanceled   Status = "canceled"
)

// Terminal reports whether no further transitions are expected from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Options are the conversion parameters, fixed at enqueue time.
type Options struct {
	Tolerance   float64 `json:"tolerance"`
	Repair      bool    `json:"repair"`
	InputFormat string  `json:"input_format"`
	Merge       bool    `json:"merge"`
}

func DefaultOptions() Options {
	return Options{
		Tolerance:   0.01,
		Repair:      true,
		InputFormat: "stl",
		Merge:       true,
	}
}

// Job is one mesh-to-STEP conversion request. The record TTL is a store-level
// property and is never embedded here.
type Job struct {
	ID         string    `json:"id"`
	Status     Status    `json:"status"`
	Progress   int       `json:"progress"`
	Error      string    `json:"error,omitempty"`
	Message    string    `json:"message,omitempty"`
	Options    Options   `json:"options"`
	InputPath  string    `json:"input_path"`
	OutputPath string    `json:"output_path"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Clone returns a shallow copy safe to hand out across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	tmp := *j
	return &tmp
}
