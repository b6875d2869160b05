package store

import "time"

// SessionType distinguishes an unstructured session from one driven by a
// ticket.
type SessionType string

const (
	SessionAdhoc  SessionType = "adhoc"
	SessionTicket SessionType = "ticket"
)

// SessionStatus is the lifecycle state of a Session row.
type SessionStatus string

const (
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionCompleted SessionStatus = "completed"
	SessionError     SessionStatus = "error"
)

// Session is a managed run of a coding agent.
type Session struct {
	ID             string
	ProjectID      string
	TicketID       string // empty if adhoc
	ParentID       string // set on handoff
	Type           SessionType
	Status         SessionStatus
	PaneID         string
	ContextPercent int
	StartedAt      time.Time
	EndedAt        *time.Time
}

// TicketState is a value of Ticket.State.
type TicketState string

const (
	TicketBacklog    TicketState = "backlog"
	TicketInProgress TicketState = "in_progress"
	TicketReview     TicketState = "review"
	TicketDone       TicketState = "done"
)

// Ticket is a unit of work tracked against a markdown file in the project.
type Ticket struct {
	ID                string
	ExternalID        string
	Title             string
	State             TicketState
	FilePath          string
	IsAdhoc           bool
	StartedAt         *time.Time
	CompletedAt       *time.Time
	RejectionFeedback string
}

// StateHistoryEntry is an append-only audit row for a ticket transition.
type StateHistoryEntry struct {
	ID          int64
	TicketID    string
	FromState   TicketState
	ToState     TicketState
	Trigger     string
	Reason      string
	Feedback    string
	TriggeredBy string
	Timestamp   time.Time
}

// NotificationType enumerates the kinds subject to the upsert-by-key
// invariant.
type NotificationType string

const (
	NotificationWaitingInput    NotificationType = "waiting_input"
	NotificationContextLow      NotificationType = "context_low"
	NotificationReviewReady     NotificationType = "review_ready"
	NotificationHandoffComplete NotificationType = "handoff_complete"
	NotificationHandoffFailed   NotificationType = "handoff_failed"
)

// Notification is a durable, user-facing message.
type Notification struct {
	ID        string
	Type      NotificationType
	Message   string
	SessionID string
	TicketID  string
	Read      bool
	CreatedAt time.Time
}

// HandoffState is a value of HandoffEvent.State.
type HandoffState string

const (
	HandoffIdle           HandoffState = "idle"
	HandoffExporting      HandoffState = "exporting"
	HandoffWaitingFile    HandoffState = "waiting_file"
	HandoffTerminating    HandoffState = "terminating"
	HandoffCreatingSess   HandoffState = "creating_session"
	HandoffImporting      HandoffState = "importing"
	HandoffComplete       HandoffState = "complete"
	HandoffFailed         HandoffState = "failed"
)

// HandoffEvent records one step of an auto-handoff run.
type HandoffEvent struct {
	ID            int64
	FromSessionID string
	ToSessionID   string
	State         HandoffState
	Message       string
	At            time.Time
}

// SummaryCache holds the last generated ticket/session summary, keyed by
// session id, so repeated review passes need not regenerate it.
type SummaryCache struct {
	SessionID string
	Summary   string
	UpdatedAt time.Time
}

// ReviewCache holds the last reviewer decision for a session, so the
// Reviewer Orchestrator can short-circuit a duplicate trigger that fires
// before the previous decision has been acted on.
type ReviewCache struct {
	SessionID string
	Decision  string
	Reasoning string
	UpdatedAt time.Time
}
