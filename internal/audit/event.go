package audit

import "time"

// EventKind: что произошло с задачей.
type EventKind string

const (
	KindTaskCreated      EventKind = "TASK_CREATED"
	KindTokenRegistered  EventKind = "TOKEN_REGISTERED"
	KindDecisionApplied  EventKind = "DECISION_APPLIED"
	KindResumeFailed     EventKind = "RESUME_FAILED"
	KindStatusUpdated    EventKind = "STATUS_UPDATED"
	KindIntakeCompensate EventKind = "INTAKE_COMPENSATED"
)

type Event struct {
	ID       string    `json:"id"`       // UUID события
	TraceID  string    `json:"trace_id"` // Сквозной ID запроса
	TaskID   string    `json:"task_id"`
	Kind     EventKind `json:"kind"`
	Status   string    `json:"status"`
	Decision string    `json:"decision"`

	Detail    map[string]any `json:"detail"`
	Timestamp time.Time      `json:"timestamp"`
}
