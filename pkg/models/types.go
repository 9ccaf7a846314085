package models

import "time"

// RequestStatus is the lifecycle state of a help request
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusResolved   RequestStatus = "resolved"
	StatusUnresolved RequestStatus = "unresolved"
)

// Terminal reports whether no further transition is allowed out of s.
func (s RequestStatus) Terminal() bool {
	return s == StatusResolved || s == StatusUnresolved
}

func (s RequestStatus) Valid() bool {
	switch s {
	case StatusPending, StatusResolved, StatusUnresolved:
		return true
	}
	return false
}

// HelpRequest is a caller question escalated to a human supervisor
type HelpRequest struct {
	ID                  string         `json:"id"`
	RoomName            string         `json:"room_name"`
	ParticipantIdentity string         `json:"participant_identity"`
	Question            string         `json:"question"`
	Status              RequestStatus  `json:"status"`
	SupervisorAnswer    *string        `json:"supervisor_answer,omitempty"`
	CreatedAt           time.Time      `json:"created_at"`
	ResolvedAt          *time.Time     `json:"resolved_at,omitempty"`
	TimeoutAt           time.Time      `json:"timeout_at"`
	Metadata            map[string]any `json:"metadata,omitempty"`
}

// KnowledgeEntry is a vetted answer reusable by future calls
type KnowledgeEntry struct {
	ID              string    `json:"id"`
	Question        string    `json:"question"`
	Answer          string    `json:"answer"`
	SourceRequestID *string   `json:"source_request_id,omitempty"`
	UsageCount      int64     `json:"usage_count"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// SessionContext identifies the caller session a question came from.
// It is request-scoped and passed explicitly with every escalation.
type SessionContext struct {
	RoomName            string `json:"room_name"`
	ParticipantIdentity string `json:"participant_identity"`
}

// HelpRequestFilter narrows a help request listing. A nil Status lists every status;
// Limit <= 0 means no limit.
type HelpRequestFilter struct {
	Status *RequestStatus
	Limit  int
}

// Transition is a conditional status change applied only while the request is in From
type Transition struct {
	ID     string
	From   RequestStatus
	To     RequestStatus
	Answer *string
	At     time.Time
}

// OutcomeKind tells the agent runtime what happened to an escalated question
type OutcomeKind string

const (
	OutcomeAnswered  OutcomeKind = "answered"
	OutcomeEscalated OutcomeKind = "escalated"
)

// EscalationOutcome is either an answer from the knowledge base or a new pending request
type EscalationOutcome struct {
	Kind    OutcomeKind     `json:"outcome"`
	Answer  string          `json:"answer,omitempty"`
	Entry   *KnowledgeEntry `json:"entry,omitempty"`
	Request *HelpRequest    `json:"request,omitempty"`
}

// Resolution is the result of a supervisor answering a help request. PromotionErr is set
// when the request was resolved but copying the answer into the knowledge base failed.
type Resolution struct {
	Request      *HelpRequest    `json:"request"`
	Entry        *KnowledgeEntry `json:"entry,omitempty"`
	PromotionErr error           `json:"-"`
}
