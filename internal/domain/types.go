// Package domain defines the wire types and error taxonomy shared by the
// session engine, the API client, and the development backend.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Application identifies which backend system a query targets.
type Application string

const (
	AppEControls Application = "eControls"
	AppMyKRI     Application = "MyKRI"
	AppBoth      Application = "BOTH"
	AppRAGOnly   Application = "RAG_ONLY"
)

// Intent is the backend-classified purpose of a query.
type Intent string

const (
	IntentRead        Intent = "READ"
	IntentWrite       Intent = "WRITE"
	IntentDelete      Intent = "DELETE"
	IntentInformation Intent = "INFORMATION"
)

// Mutating reports whether the intent changes data and is therefore subject
// to the confirmation gate.
func (i Intent) Mutating() bool {
	return i == IntentWrite || i == IntentDelete
}

// Role is the author of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// UserRole is the access role carried in a UserContext. The backend does not
// re-validate it; treat it as advisory.
type UserRole string

const (
	UserRoleAdmin UserRole = "admin"
	UserRoleUser  UserRole = "user"
)

// UserContext carries the identity and access-scope facts attached to every
// query. It is immutable for the lifetime of a session.
type UserContext struct {
	UserID   int      `json:"user_id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	OU       string   `json:"ou"`
	LRE      string   `json:"lre"`
	Country  string   `json:"country"`
	Role     UserRole `json:"role"`
}

// Source records document provenance for an assistant answer.
type Source struct {
	DocumentName   string  `json:"document_name"`
	RelevanceScore float64 `json:"relevance_score"`
	Content        string  `json:"content"`
}

// Classification is backend-produced metadata explaining how a query was
// routed. It is paired 1:1 with the assistant message it explains.
type Classification struct {
	Application          Application `json:"application"`
	Intent               Intent      `json:"intent"`
	RequiresConfirmation bool        `json:"requires_confirmation"`
	Entities             []string    `json:"entities"`
	Reasoning            string      `json:"reasoning"`
}

// Message is one turn in the conversation. Only the most recently appended
// assistant message may have its content mutated, and only while a stream
// targeting it is open.
type Message struct {
	ID                   string          `json:"id"`
	Role                 Role            `json:"role"`
	Content              string          `json:"content"`
	CreatedAt            time.Time       `json:"timestamp"`
	Data                 any             `json:"data,omitempty"`
	Sources              []Source        `json:"sources,omitempty"`
	Classification       *Classification `json:"classification,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	PendingQuery         string          `json:"sql_query,omitempty"`
	Application          Application     `json:"application,omitempty"`
	// Truncated marks a streamed message whose stream closed before the
	// end-of-stream sentinel.
	Truncated bool `json:"truncated,omitempty"`
}

// NewMessage creates a message with a fresh id and creation time.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
}

// ChatRequest is the body of POST /chat and POST /chat/stream.
type ChatRequest struct {
	Query        string       `json:"query"`
	UserContext  *UserContext `json:"user_context"`
	UseStreaming bool         `json:"use_streaming"`
	// Confirmed marks a pre-approved mutating statement being resubmitted
	// for execution.
	Confirmed bool `json:"confirmed,omitempty"`
}

// ChatResponse is the body of a non-streaming POST /chat reply.
type ChatResponse struct {
	Response             string          `json:"response"`
	Data                 any             `json:"data,omitempty"`
	SQLExecuted          string          `json:"sql_executed,omitempty"`
	Sources              []Source        `json:"sources,omitempty"`
	Classification       *Classification `json:"classification,omitempty"`
	RequiresConfirmation bool            `json:"requires_confirmation,omitempty"`
	SQLQuery             string          `json:"sql_query,omitempty"`
	Application          Application     `json:"application,omitempty"`
	Message              string          `json:"message,omitempty"`
}

// EventType tags a streamed protocol event.
type EventType string

const (
	EventStatus         EventType = "status"
	EventClassification EventType = "classification"
	EventContent        EventType = "content"
	EventData           EventType = "data"
	EventError          EventType = "error"
)

// Known reports whether the event type is one the protocol defines. Unknown
// types are dropped at the decode boundary rather than propagated.
func (t EventType) Known() bool {
	switch t {
	case EventStatus, EventClassification, EventContent, EventData, EventError:
		return true
	}
	return false
}

// StreamEvent is one decoded event from the streaming chat endpoint. Only the
// fields relevant to Type are populated.
type StreamEvent struct {
	Type    EventType       `json:"type"`
	Message string          `json:"message,omitempty"`
	Chunk   string          `json:"chunk,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

// ClassificationPayload decodes the classification carried by a
// classification event.
func (e *StreamEvent) ClassificationPayload() (*Classification, error) {
	var c Classification
	if err := json.Unmarshal(e.Data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// ResultPayload decodes the tabular or row-count payload carried by a data
// event. The backend sends it under "result"; some builds used "data".
func (e *StreamEvent) ResultPayload() (any, error) {
	raw := e.Result
	if len(raw) == 0 {
		raw = e.Data
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// HealthStatus is the body of GET /health.
type HealthStatus struct {
	Status          string `json:"status"`
	Version         string `json:"version"`
	RAGAPIConnected bool   `json:"rag_api_connected"`
	Timestamp       string `json:"timestamp"`
}

// Document describes an ingested document as reported by the backend.
type Document struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Application string    `json:"application"`
	UploadDate  time.Time `json:"upload_date"`
	Size        int64     `json:"size"`
	UploadedBy  string    `json:"uploaded_by"`
}
