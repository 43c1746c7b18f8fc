package chat

import (
	"encoding/json"
	"io"
	"net/http"
)

// Event types of the NDJSON stream.
const (
	EventChunk     = "chunk"
	EventToolStart = "tool_start"
	EventToolEnd   = "tool_end"
	EventDone      = "done"
	EventError     = "error"
)

// placeholderMessageID marks chunks streamed before the reply has been
// persisted; the done frame carries the real id.
const placeholderMessageID = "-1"

// Event is one frame of the streaming response. Database ids travel as
// strings so JavaScript clients keep full precision.
type Event struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Tool           string `json:"tool,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
	MessageID      string `json:"messageId,omitempty"`
	ParentID       string `json:"parentId,omitempty"`
	UserMessageID  string `json:"userMessageId,omitempty"`
	TokenCount     int    `json:"tokenCount,omitempty"`
	Title          string `json:"title,omitempty"`
	Message        string `json:"message,omitempty"`
	Code           string `json:"code,omitempty"`
}

// EventWriter delivers stream events to a client.
type EventWriter interface {
	WriteEvent(event Event) error
}

// NDJSONWriter writes one JSON object per line and flushes after each, so
// tokens reach the client as they are produced.
type NDJSONWriter struct {
	w       io.Writer
	flusher http.Flusher
}

// NewNDJSONWriter wraps w. When w also implements http.Flusher every event
// is flushed immediately.
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	nw := &NDJSONWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		nw.flusher = f
	}
	return nw
}

// WriteEvent writes one frame.
func (nw *NDJSONWriter) WriteEvent(event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	if _, err := nw.w.Write(data); err != nil {
		return err
	}
	if nw.flusher != nil {
		nw.flusher.Flush()
	}
	return nil
}

// outputNodes are the nodes whose model deltas are user-facing; deltas from
// internal calls (rewrite, planning) stay inside the graph.
var outputNodes = map[string]bool{
	nodeChatbot: true,
	nodeSummary: true,
}
