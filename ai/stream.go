package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"ai-web-chat-demo/backend/pkg/logger"
)

const (
	dataPrefix      = "data:"
	recordDelimiter = "\n\n"
	doneSentinel    = "[DONE]"
	eventMessageEnd = "message_end"
)

// StreamReader decodes an event-delimited text stream (SSE) into answer
// increments. Records are separated by a blank line; a data record is a line
// prefixed with "data:". Malformed records are dropped and logged, never fatal.
type StreamReader struct {
	log *logger.Logger
}

// NewStreamReader creates a stream reader
func NewStreamReader(log *logger.Logger) *StreamReader {
	if log == nil {
		log = logger.GetGlobal()
	}
	return &StreamReader{log: log}
}

// Read drains r until EOF, invoking onChunk for every answer increment in
// arrival order. It returns the accumulated full answer text and the last
// conversation id carried by the stream. A trailing record without its
// terminating delimiter is necessarily incomplete and is discarded on EOF.
func (sr *StreamReader) Read(ctx context.Context, r io.Reader, onChunk func(string)) (string, string, error) {
	var (
		buffer         []byte
		fullAnswer     strings.Builder
		conversationID string
		finished       bool
	)

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			// Raw bytes accumulate in the buffer; a multi-byte rune split
			// across reads stays buffered until its record is complete.
			buffer = append(buffer, chunk[:n]...)

			for {
				idx := bytes.Index(buffer, []byte(recordDelimiter))
				if idx < 0 {
					break
				}
				record := string(buffer[:idx])
				buffer = buffer[idx+len(recordDelimiter):]

				if finished {
					continue
				}

				answer, convID, done := sr.parseRecord(record)
				if convID != "" {
					conversationID = convID
				}
				if done {
					finished = true
					continue
				}
				if answer != "" {
					fullAnswer.WriteString(answer)
					if onChunk != nil {
						onChunk(answer)
					}
				}
			}
		}

		if err != nil {
			if err == io.EOF {
				return fullAnswer.String(), conversationID, nil
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return fullAnswer.String(), conversationID, err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return fullAnswer.String(), conversationID, ctxErr
			}
			return fullAnswer.String(), conversationID, &TransportError{Reason: err.Error()}
		}
	}
}

// parseRecord extracts the answer increment, conversation id and end-of-stream
// marker from one complete SSE record. A record can span several lines; only
// lines carrying the data prefix are considered.
func (sr *StreamReader) parseRecord(record string) (answer, conversationID string, done bool) {
	for _, line := range strings.Split(record, "\n") {
		line = strings.TrimRight(line, "\r")
		if !strings.HasPrefix(line, dataPrefix) {
			continue
		}

		payload := strings.TrimSpace(strings.TrimPrefix(line, dataPrefix))
		if payload == "" {
			continue
		}
		if payload == doneSentinel {
			return answer, conversationID, true
		}

		var ev streamEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			streamParseDrops.Inc()
			sr.log.Warn("Dropping malformed stream record", "payload", payload, "error", err.Error())
			continue
		}

		if ev.ConversationID != "" {
			conversationID = ev.ConversationID
		}
		if ev.Event == eventMessageEnd {
			return answer, conversationID, true
		}
		if ev.Answer != "" {
			answer += ev.Answer
		}
	}
	return answer, conversationID, false
}
