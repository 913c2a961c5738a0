package domain

import "time"

type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
)

type ActivityStatus string

const (
	StatusSuccess ActivityStatus = "SUCCESS"
	StatusFailed  ActivityStatus = "FAILED"
)

func (s ActivityStatus) Valid() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Task is a live entry of the queue. It is never updated in place once claimed:
// completion removes it and appends an Activity.
type Task struct {
	UUID         string     `json:"id"`
	Type         string     `json:"type"`
	ComponentKey string     `json:"component,omitempty"` // empty when the task is not component-scoped
	PayloadRef   string     `json:"payload_ref,omitempty"`
	Status       TaskStatus `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	HeartbeatAt  *time.Time `json:"heartbeat_at,omitempty"`
	LeaseOwner   string     `json:"-"` // claim holding an IN_PROGRESS task
	Seq          int64      `json:"-"`
}

// Activity is the append-only history record of a finished task.
type Activity struct {
	UUID            string         `json:"id"`
	Type            string         `json:"type"`
	ComponentKey    string         `json:"component,omitempty"`
	PayloadRef      string         `json:"payload_ref,omitempty"`
	Status          ActivityStatus `json:"status"`
	SubmittedAt     time.Time      `json:"submitted_at"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	ExecutedAt      time.Time      `json:"executed_at"`
	ExecutionTimeMs int64          `json:"execution_time_ms"`
	ErrorMessage    string         `json:"error_message,omitempty"`
}

type TaskRequest struct {
	Type         string `json:"type" validate:"required,max=40"`
	ComponentKey string `json:"component" validate:"max=400"`
	PayloadRef   string `json:"payload_ref" validate:"max=1000"`
}

// Completion carries what DeleteAndArchive needs besides the live row itself.
// A non-empty LeaseOwner must match the claim holding the task.
type Completion struct {
	LeaseOwner   string
	Status       ActivityStatus
	StartedAt    *time.Time
	EndedAt      time.Time
	ErrorMessage string
}

type ActivityQuery struct {
	ComponentKey string
	Status       ActivityStatus
	Limit        int // 0 means no limit; otherwise the most recent Limit records
}

type QueueCounts struct {
	Pending    int64 `json:"pending"`
	InProgress int64 `json:"in_progress"`
}

// NewActivity builds the history record of t for the given completion.
func NewActivity(t Task, c Completion) Activity {
	a := Activity{
		UUID:         t.UUID,
		Type:         t.Type,
		ComponentKey: t.ComponentKey,
		PayloadRef:   t.PayloadRef,
		Status:       c.Status,
		SubmittedAt:  t.SubmittedAt,
		StartedAt:    c.StartedAt,
		ExecutedAt:   c.EndedAt,
		ErrorMessage: c.ErrorMessage,
	}
	if a.StartedAt == nil {
		a.StartedAt = t.StartedAt
	}
	if a.StartedAt != nil {
		a.ExecutionTimeMs = c.EndedAt.Sub(*a.StartedAt).Milliseconds()
	}
	return a
}

// Matches reports whether a satisfies the filters of q, ignoring Limit.
func (q ActivityQuery) Matches(a Activity) bool {
	if q.ComponentKey != "" && a.ComponentKey != q.ComponentKey {
		return false
	}
	if q.Status != "" && a.Status != q.Status {
		return false
	}
	return true
}

// Apply filters list (oldest first) and keeps the most recent Limit entries.
func (q ActivityQuery) Apply(list []Activity) []Activity {
	out := make([]Activity, 0, len(list))
	for _, a := range list {
		if q.Matches(a) {
			out = append(out, a)
		}
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[len(out)-q.Limit:]
	}
	return out
}
