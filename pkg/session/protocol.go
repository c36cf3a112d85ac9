package session

import (
	"encoding/json"
	"fmt"
)

// Stream message types on the provider CLI's newline-delimited JSON protocol.
const (
	streamTypeUser   = "user"
	streamTypeResult = "result"
)

// exitSentinel asks the CLI to wind down before the process is killed.
const exitSentinel = "exit"

// streamRequest is one outbound line to the provider CLI.
type streamRequest struct {
	Type      string `json:"type"`
	Content   string `json:"content"`
	SessionID string `json:"session_id,omitempty"`
}

// streamResult is one inbound line from the provider CLI. Lines with other
// types (progress, tool activity) are skipped by the reader.
type streamResult struct {
	Type       string  `json:"type"`
	Content    string  `json:"content"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	SessionID  string  `json:"session_id,omitempty"`
	IsError    bool    `json:"is_error,omitempty"`
}

func encodeRequest(content, sessionID string) ([]byte, error) {
	line, err := json.Marshal(streamRequest{
		Type:      streamTypeUser,
		Content:   content,
		SessionID: sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode stream request: %w", err)
	}
	return append(line, '\n'), nil
}

// decodeResult parses one inbound line. The bool reports whether the line was
// a result; non-result lines are valid but not returned to callers.
func decodeResult(line string) (streamResult, bool, error) {
	var res streamResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return streamResult{}, false, fmt.Errorf("malformed stream line: %w", err)
	}
	return res, res.Type == streamTypeResult, nil
}
