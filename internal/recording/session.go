package recording

import "time"

// Status of a lane
type Status string

const (
	StatusIdle    Status = "idle"
	StatusPending Status = "pending"
	StatusRunning Status = "running"
)

// Outcome of a finished session
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeTimedOut  = "timed_out"
)

// Session is one recording of one lane
type Session struct {
	ID         string     `json:"id"`
	LaneNo     int        `json:"laneNo"`
	StreamURI  string     `json:"streamUri"`
	VideoPath  string     `json:"videoPath"`
	Status     Status     `json:"status"`
	Outcome    string     `json:"outcome,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"startedAt"`
	FinishedAt *time.Time `json:"finishedAt,omitempty"`
}
