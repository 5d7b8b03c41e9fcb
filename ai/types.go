package ai

import "fmt"

// CompletionRequest describes one assistant turn against the upstream chat API
type CompletionRequest struct {
	ChatID         string
	Query          string
	ConversationID string
}

// CompletionResult is the outcome of a completed turn
type CompletionResult struct {
	Message        string
	ConversationID string
}

// TransportError reports a failed upstream call (network failure or non-2xx status)
type TransportError struct {
	StatusCode int
	Reason     string
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream request failed with status %d: %s", e.StatusCode, e.Reason)
	}
	return fmt.Sprintf("upstream request failed: %s", e.Reason)
}

// chatMessagesRequest is the wire format of the upstream /chat-messages endpoint
type chatMessagesRequest struct {
	Inputs         map[string]interface{} `json:"inputs"`
	Query          string                 `json:"query"`
	ResponseMode   string                 `json:"response_mode"`
	User           string                 `json:"user"`
	Files          []interface{}          `json:"files"`
	ConversationID string                 `json:"conversation_id,omitempty"`
}

// streamEvent is one decoded SSE data record
type streamEvent struct {
	Event          string `json:"event,omitempty"`
	Answer         string `json:"answer,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
}
