package domain

import "time"

// JobRunEvent reports the outcome of one scheduled job run.
type JobRunEvent struct {
	JobID      string    `json:"job_id"`
	JobName    string    `json:"job_name"`
	SubType    string    `json:"sub_type"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Units      int       `json:"units"`
	Failed     int       `json:"failed_units"`
	Documents  int       `json:"documents"`
	Archive    string    `json:"archive,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Duration returns how long the run took.
func (e JobRunEvent) Duration() time.Duration {
	return e.FinishedAt.Sub(e.StartedAt)
}
