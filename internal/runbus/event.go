// ABOUTME: Event and snapshot records produced while a run executes
// ABOUTME: Defines stream names, lifecycle phases, and terminal statuses

package runbus

import "time"

// Stream names used by the gateway. Engines may emit on any other stream name.
const (
	StreamLifecycle = "lifecycle"
	StreamTool      = "tool"
	StreamAssistant = "assistant"
)

// Lifecycle phases carried in Event.Data["phase"].
const (
	PhaseStart = "start"
	PhaseEnd   = "end"
	PhaseError = "error"
)

// Status is the terminal state of a run.
type Status string

const (
	StatusOK      Status = "ok"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

// Event is one immutable record in a run's stream. Seq starts at 1 and grows
// by one per emit for the same run.
type Event struct {
	RunID      string         `json:"runId"`
	Seq        int64          `json:"seq"`
	Stream     string         `json:"stream"`
	Timestamp  time.Time      `json:"ts"`
	Data       map[string]any `json:"data"`
	SessionKey string         `json:"sessionKey"`
}

// Phase returns the lifecycle phase carried by the event, if any.
func (e Event) Phase() string {
	phase, _ := e.Data["phase"].(string)
	return phase
}

// IsTerminal reports whether the event ends its run.
func (e Event) IsTerminal() bool {
	if e.Stream != StreamLifecycle {
		return false
	}
	phase := e.Phase()
	return phase == PhaseEnd || phase == PhaseError
}

// Snapshot is the cached terminal state of a run.
type Snapshot struct {
	RunID     string     `json:"runId"`
	Status    Status     `json:"status"`
	StartedAt *time.Time `json:"startedAt"`
	EndedAt   *time.Time `json:"endedAt"`
	Error     string     `json:"error,omitempty"`
}
