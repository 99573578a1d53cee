package agent

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
)

// Event is one line of the agent's stream-json output.
type Event struct {
	Type         string   `json:"type"` // system, assistant, user, result
	Subtype      string   `json:"subtype,omitempty"`
	SessionID    string   `json:"session_id,omitempty"`
	Message      *Message `json:"message,omitempty"`
	Result       string   `json:"result,omitempty"`
	IsError      bool     `json:"is_error,omitempty"`
	TotalCostUSD float64  `json:"total_cost_usd,omitempty"`
	NumTurns     int      `json:"num_turns,omitempty"`
}

// Message is an assistant or user turn.
type Message struct {
	Role    string         `json:"role"`
	Content []ContentBlock `json:"content"`
}

// UnmarshalJSON accepts content given either as a block list or a plain string.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Role    string          `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Role = raw.Role
	m.Content = nil

	content := bytes.TrimSpace(raw.Content)
	switch {
	case len(content) == 0 || bytes.Equal(content, []byte("null")):
	case content[0] == '"':
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: "text", Text: text}}
	default:
		if err := json.Unmarshal(content, &m.Content); err != nil {
			return err
		}
	}
	return nil
}

// ContentBlock is a text, tool_use or tool_result block.
type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ParseError reports a stream line that is not a JSON event.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("agent stream: bad line %q: %v", truncate(e.Line, 120), e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ParseStream lazily decodes newline-delimited events from r. A bad line
// yields a *ParseError and decoding continues; a read error ends the
// sequence after being yielded. A final line without a newline is still
// decoded. The sequence ends when r does, which is not necessarily when the
// producing process has exited.
func ParseStream(r io.Reader) iter.Seq2[Event, error] {
	return func(yield func(Event, error) bool) {
		br := bufio.NewReaderSize(r, 64*1024)
		for {
			line, readErr := br.ReadBytes('\n')
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var ev Event
				var err error
				if jerr := json.Unmarshal(trimmed, &ev); jerr != nil {
					err = &ParseError{Line: string(trimmed), Err: jerr}
				}
				if !yield(ev, err) {
					return
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) {
					yield(Event{}, fmt.Errorf("agent stream: read: %w", readErr))
				}
				return
			}
		}
	}
}

// Text concatenates the text blocks of an assistant message.
func (e Event) Text() string {
	if e.Message == nil {
		return ""
	}
	var b bytes.Buffer
	for _, c := range e.Message.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

// ToolUses returns the tool_use blocks of an assistant message.
func (e Event) ToolUses() []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var out []ContentBlock
	for _, c := range e.Message.Content {
		if c.Type == "tool_use" {
			out = append(out, c)
		}
	}
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
