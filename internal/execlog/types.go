// Package execlog is the durable audit and learning store: every
// terminal job outcome becomes a date-partitioned JSON record, attempts
// are linked into sessions, and an analyzer derives aggregate failure
// patterns from the records.
package execlog

import "time"

// Outcome of one recorded attempt.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Category classifies a failure by its dominant error signature.
type Category string

const (
	CategoryImportError     Category = "import_error"
	CategoryAttributeError  Category = "attribute_error"
	CategoryDataAccessError Category = "data_access_error"
	CategoryTypeError       Category = "type_error"
	CategoryValueError      Category = "value_error"
	CategoryRuntimeError    Category = "runtime_error"
	CategoryTimeout         Category = "timeout"
	CategoryCancelled       Category = "cancelled"
)

// LogEntry is one persisted attempt record. Entries are append-only;
// only FixedBy may be set after the initial write.
type LogEntry struct {
	LogID     string    `json:"log_id"`
	Timestamp time.Time `json:"timestamp"`
	Outcome   string    `json:"outcome"`

	CodeHash   string `json:"code_hash"`
	SourceCode string `json:"source_code,omitempty"`

	UserID     string `json:"user_id,omitempty"`
	UserPrompt string `json:"user_prompt,omitempty"`
	ModelTag   string `json:"model_tag,omitempty"`

	Category     Category `json:"category,omitempty"`
	ErrorMessage string   `json:"error_message,omitempty"`
	Stderr       string   `json:"stderr,omitempty"`
	ReturnCode   int      `json:"return_code"`

	SessionID         string `json:"session_id,omitempty"`
	PreviousAttemptID string `json:"previous_attempt_id,omitempty"`
	FixedBy           string `json:"fixed_by,omitempty"`

	Tags []string `json:"tags,omitempty"`
}

// SessionAttempt is one attempt inside a session file, with enough
// location info to update the entry's back-pointer later.
type SessionAttempt struct {
	LogID     string    `json:"log_id"`
	Outcome   string    `json:"outcome"`
	Timestamp time.Time `json:"timestamp"`
	FixedBy   string    `json:"fixed_by,omitempty"`
}

// Session groups attempts sharing a session id. A session is resolved
// iff it contains at least one success.
type Session struct {
	SessionID  string           `json:"session_id"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
	Attempts   []SessionAttempt `json:"attempts"`
}

// Resolved reports whether any attempt in the session succeeded.
func (s *Session) Resolved() bool {
	return s.ResolvedAt != nil
}

// Attempt carries everything the job manager knows about a terminal
// outcome before it becomes a LogEntry.
type Attempt struct {
	SourceCode        string
	UserID            string
	UserPrompt        string
	ModelTag          string
	SessionID         string
	PreviousAttemptID string

	ReturnCode   int
	Stderr       string
	ErrorMessage string
	TimedOut     bool
	Cancelled    bool
}

// Summary aggregates store-wide counts for the summary endpoint.
type Summary struct {
	TotalFailures    int            `json:"total_failures"`
	TotalSuccesses   int            `json:"total_successes"`
	UnfixedFailures  int            `json:"unfixed_failures"`
	TotalSessions    int            `json:"total_sessions"`
	ResolvedSessions int            `json:"resolved_sessions"`
	ByCategory       map[string]int `json:"by_category"`
}
