package eventbus

import "time"

// SessionStateChange is the payload for KindSessionStateChange.
type SessionStateChange struct {
	SessionID string
	Previous  string
	New       string
	At        time.Time
}

// SessionOutput is the payload for KindSessionOutput.
type SessionOutput struct {
	SessionID string
	Lines     []string
	At        time.Time
}

// SessionExit is the payload for KindSessionExit.
type SessionExit struct {
	SessionID string
	At        time.Time
}

// ContextUpdate is the payload for KindContextUpdate.
type ContextUpdate struct {
	SessionID      string
	ContextPercent int
	TotalTokens    int
	At             time.Time
}

// ContextThreshold is the payload for KindContextThreshold.
type ContextThreshold struct {
	SessionID      string
	ContextPercent int
	Threshold      int
	At             time.Time
}

// ClaudeStateChange is the payload for KindClaudeStateChange.
type ClaudeStateChange struct {
	SessionID string
	Previous  string
	New       string
	At        time.Time
}

// WaitingStateChange is the payload for KindWaitingStateChange.
type WaitingStateChange struct {
	SessionID string
	Waiting   bool
	Reason    string
	At        time.Time
}

// TicketStateChange is the payload for KindTicketStateChange.
type TicketStateChange struct {
	TicketID    string
	FromState   string
	ToState     string
	Trigger     string
	Reason      string
	Feedback    string
	TriggeredBy string
	At          time.Time
}

// ReviewStarted is the payload for KindReviewStarted.
type ReviewStarted struct {
	SessionID string
	TicketID  string
	At        time.Time
}

// ReviewCompleted is the payload for KindReviewCompleted.
type ReviewCompleted struct {
	SessionID string
	TicketID  string
	Result    string
	Reasoning string
	At        time.Time
}

// ReviewFailed is the payload for KindReviewFailed.
type ReviewFailed struct {
	SessionID string
	TicketID  string
	Err       string
	At        time.Time
}

// HandoffStarted is the payload for KindHandoffStarted.
type HandoffStarted struct {
	FromSessionID string
	At            time.Time
}

// HandoffProgress is the payload for KindHandoffProgress.
type HandoffProgress struct {
	FromSessionID string
	State         string
	Message       string
	At            time.Time
}

// HandoffCompleted is the payload for KindHandoffCompleted.
type HandoffCompleted struct {
	FromSessionID     string
	ToSessionID       string
	ContextAtHandoff  int
	At                time.Time
}

// HandoffFailed is the payload for KindHandoffFailed.
type HandoffFailed struct {
	FromSessionID    string
	Err              string
	SessionPreserved bool
	At               time.Time
}

// NotificationNew is the payload for KindNotificationNew.
type NotificationNew struct {
	ID        string
	Type      string
	Message   string
	SessionID string
	TicketID  string
	At        time.Time
}
