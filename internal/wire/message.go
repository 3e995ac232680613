// Package wire defines the JSON wire protocol spoken over the WebSocket
// connection. Every frame is a UTF-8 JSON object carrying a "type" field
// that acts as the dispatch tag.
package wire

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type tag of a wire message.
type MessageType string

const (
	// Server -> client message types
	TypeConfirmationRequest   MessageType = "confirmation_request"
	TypeCrewResearchStart     MessageType = "crew_research_start"
	TypeWorkflowMessage       MessageType = "workflow_message"
	TypeA2AMessage            MessageType = "a2a_message"
	TypeSubTopicsFound        MessageType = "subtopics_found"
	TypeSubTopicsInitialized  MessageType = "subtopics_initialized"
	TypeSubTopicProgress      MessageType = "subtopic_progress"
	TypeSubTopicUpdate        MessageType = "subtopic_update"
	TypeMainSteps             MessageType = "main_steps"
	TypeMainStepUpdate        MessageType = "main_step_update"
	TypeResearchCompleted     MessageType = "research_completed"
	TypeAIResponse            MessageType = "ai_response"
	TypeMessage               MessageType = "message"
	TypeSystem                MessageType = "system"
	TypeError                 MessageType = "error"
	TypeRAGFound              MessageType = "rag_found"
	TypeConnectionEstablished MessageType = "connection_established"
	TypePong                  MessageType = "pong"

	// Client -> server message types
	TypeConfirmationResponse MessageType = "confirmation_response"
	TypeUserMessage          MessageType = "user_message"
	TypePing                 MessageType = "ping"
)

// Message represents an inbound wire message. The populated fields depend
// on the Type tag; absent fields stay at their zero value so lookups on
// them degrade to no-ops downstream.
type Message struct {
	Type         MessageType     `json:"type"`
	Message      string          `json:"message,omitempty"`
	Content      string          `json:"content,omitempty"`
	Topic        string          `json:"topic,omitempty"`
	Agent        string          `json:"agent,omitempty"`
	ShowInChat   *bool           `json:"show_in_chat,omitempty"`
	Steps        []StepSpec      `json:"steps,omitempty"`
	StepID       string          `json:"step_id,omitempty"`
	Status       string          `json:"status,omitempty"`
	SubTopics    []TopicRef      `json:"subtopics,omitempty"`
	SubTopic     string          `json:"subtopic,omitempty"`
	TopicTitle   string          `json:"topic_title,omitempty"`
	ChatID       string          `json:"chat_id,omitempty"`
	ResearchData json.RawMessage `json:"research_data,omitempty"`

	// Client -> server fields, decoded by protocol servers.
	Confirmed        *bool `json:"confirmed,omitempty"`
	ForceWebResearch bool  `json:"force_web_research,omitempty"`
}

// Text returns the human-readable payload of the message, preferring the
// message field over the content field. Empty when the message carries
// neither.
func (m *Message) Text() string {
	if m.Message != "" {
		return m.Message
	}
	return m.Content
}

// StepSpec describes one main research step as announced by the server.
type StepSpec struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Agent string `json:"agent"`
}

// TopicRef is one element of a subtopics list. The server sends either a
// plain string or an object carrying the title under "alt_baslik" or
// "title"; both decode to the display title.
type TopicRef struct {
	Title string
}

// UnmarshalJSON accepts a JSON string or an object with an alt_baslik or
// title field.
func (t *TopicRef) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		t.Title = s
		return nil
	}

	var obj struct {
		AltBaslik string `json:"alt_baslik"`
		Title     string `json:"title"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("decode topic ref: %w", err)
	}
	if obj.AltBaslik != "" {
		t.Title = obj.AltBaslik
	} else {
		t.Title = obj.Title
	}
	return nil
}

// MarshalJSON emits the plain-string form.
func (t TopicRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Title)
}

// Decode parses a raw text frame into a Message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode wire message: %w", err)
	}
	return &msg, nil
}

// ConfirmationResponse is the client's answer to a confirmation_request.
type ConfirmationResponse struct {
	Type      MessageType `json:"type"`
	Confirmed bool        `json:"confirmed"`
	Topic     *string     `json:"topic"`
	Message   string      `json:"message"`
}

// NewConfirmationResponse builds the outbound confirmation answer. The
// message field carries the literal user answer the server expects.
func NewConfirmationResponse(confirmed bool, topic *string) ConfirmationResponse {
	answer := "hayır"
	if confirmed {
		answer = "evet"
	}
	return ConfirmationResponse{
		Type:      TypeConfirmationResponse,
		Confirmed: confirmed,
		Topic:     topic,
		Message:   answer,
	}
}

// UserMessage is an outbound chat message from the user.
type UserMessage struct {
	Type             MessageType `json:"type"`
	Message          string      `json:"message"`
	ForceWebResearch bool        `json:"force_web_research"`
}

// NewUserMessage builds an outbound user chat message.
func NewUserMessage(text string, forceWebResearch bool) UserMessage {
	return UserMessage{
		Type:             TypeUserMessage,
		Message:          text,
		ForceWebResearch: forceWebResearch,
	}
}

// Ping is the keepalive frame sent while the connection is open.
type Ping struct {
	Type MessageType `json:"type"`
}

// NewPing builds a keepalive frame.
func NewPing() Ping {
	return Ping{Type: TypePing}
}
