package backend

import (
	"encoding/json"
	"fmt"
)

// streamLine is one line of `--output-format stream-json` output. The
// same shapes come out of both CLI backends.
type streamLine struct {
	Type      string `json:"type"`
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id"`
	Result    string `json:"result"`
	IsError   bool   `json:"is_error"`
	Message   *struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
}

type contentBlock struct {
	Type    string          `json:"type"`
	Text    string          `json:"text"`
	Name    string          `json:"name"`
	Input   json.RawMessage `json:"input"`
	Content json.RawMessage `json:"content"`
	IsError bool            `json:"is_error"`
	ToolUse *struct {
		Name string `json:"name"`
	} `json:"tool_use"`
}

// parseStreamLine converts one JSON line into events. The returned
// sessionID is non-empty when the line carries the backend's
// conversation handle. Unknown line types are skipped, not errors.
func parseStreamLine(line []byte) (events []Event, sessionID string, err error) {
	var sl streamLine
	if err := json.Unmarshal(line, &sl); err != nil {
		return nil, "", fmt.Errorf("malformed stream line: %w", err)
	}

	switch sl.Type {
	case "system":
		// init carries the session handle before any content
		return nil, sl.SessionID, nil

	case "assistant":
		if sl.Message == nil {
			return nil, "", nil
		}
		for _, block := range sl.Message.Content {
			switch block.Type {
			case "text":
				if block.Text != "" {
					events = append(events, TextChunk{Text: block.Text})
				}
			case "tool_use":
				events = append(events, ToolCallRequest{
					Name:  block.Name,
					Input: string(block.Input),
				})
			}
		}
		return events, sl.SessionID, nil

	case "user":
		if sl.Message == nil {
			return nil, "", nil
		}
		for _, block := range sl.Message.Content {
			if block.Type == "tool_result" {
				events = append(events, ToolCallResult{
					Output: flattenToolResult(block.Content),
					IsErr:  block.IsError,
				})
			}
		}
		return events, "", nil

	case "result":
		if sl.IsError || sl.Subtype != "success" {
			reason := sl.Subtype
			if reason == "" || reason == "success" {
				reason = "backend error"
			}
			return []Event{Failed{Reason: reason}}, sl.SessionID, nil
		}
		return []Event{Done{SessionID: sl.SessionID, Result: sl.Result}}, sl.SessionID, nil
	}

	return nil, "", nil
}

// flattenToolResult renders a tool_result content value, which may be a
// plain string or a list of text blocks.
func flattenToolResult(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		out := ""
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}
