// Package events decodes the newline-delimited JSON stream the coding
// assistant writes when run with --output-format stream-json.
package events

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"
)

// MaxLineSize bounds a single event line (4 MiB).
const MaxLineSize = 4 * 1024 * 1024

const (
	TypeSystem    = "system"
	TypeAssistant = "assistant"
	TypeUser      = "user"
	TypeResult    = "result"
)

type Event struct {
	Type      string   `json:"type"`
	Subtype   string   `json:"subtype,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Message   *Message `json:"message,omitempty"`

	// Set on the final result event.
	IsError  bool   `json:"is_error,omitempty"`
	NumTurns int    `json:"num_turns,omitempty"`
	Result   string `json:"result,omitempty"`

	Raw []byte `json:"-"`
}

type Message struct {
	Content []ContentBlock `json:"-"`
}

// UnmarshalJSON accepts content as either a block array or a plain string.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	content := bytes.TrimSpace(raw.Content)
	if len(content) == 0 || bytes.Equal(content, []byte("null")) {
		return nil
	}
	if content[0] == '"' {
		var text string
		if err := json.Unmarshal(content, &text); err != nil {
			return err
		}
		m.Content = []ContentBlock{{Type: "text", Text: text}}
		return nil
	}
	return json.Unmarshal(content, &m.Content)
}

type ContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

func (e *Event) IsFinal() bool { return e.Type == TypeResult }

func (e *Event) blocks(kind string) []ContentBlock {
	if e.Message == nil {
		return nil
	}
	var out []ContentBlock
	for _, b := range e.Message.Content {
		if b.Type == kind {
			out = append(out, b)
		}
	}
	return out
}

// ToolUses returns the tool invocations requested by an assistant event.
func (e *Event) ToolUses() []ContentBlock {
	if e.Type != TypeAssistant {
		return nil
	}
	return e.blocks("tool_use")
}

// ToolResults returns the tool results carried by a user event.
func (e *Event) ToolResults() []ContentBlock {
	if e.Type != TypeUser {
		return nil
	}
	return e.blocks("tool_result")
}

var gitMutation = regexp.MustCompile(`\bgit\s+(?:-\S+(?:\s+[^-\s]\S*)?\s+)*(commit|push|merge|rebase|cherry-pick|am)\b`)

// MutatesGit reports whether a tool_use block runs a git command that must
// not be interrupted halfway.
func (b ContentBlock) MutatesGit() bool {
	if b.Type != "tool_use" || b.Name != "Bash" {
		return false
	}
	var input struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(b.Input, &input); err != nil {
		return false
	}
	return gitMutation.MatchString(input.Command)
}

// Decoder reads events from an NDJSON stream.
type Decoder struct {
	scanner *bufio.Scanner
	logger  *slog.Logger
	lineNum int
}

func NewDecoder(r io.Reader, logger *slog.Logger) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &Decoder{scanner: scanner, logger: logger}
}

// LineError reports a line that was read but could not be decoded. The
// stream is still usable after a LineError.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("malformed event at line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// Next returns the next event, io.EOF at the end of the stream, a *LineError
// for a malformed line, or any other error when the stream itself broke.
func (d *Decoder) Next() (*Event, error) {
	for {
		if !d.scanner.Scan() {
			if err := d.scanner.Err(); err != nil {
				return nil, fmt.Errorf("reading event stream after line %d: %w", d.lineNum, err)
			}
			return nil, io.EOF
		}
		d.lineNum++

		data := bytes.TrimSpace(d.scanner.Bytes())
		if len(data) == 0 {
			continue
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			d.logger.Warn("failed to decode event",
				"line", d.lineNum,
				"error", err,
				"data", string(data[:min(100, len(data))]))
			return nil, &LineError{Line: d.lineNum, Err: err}
		}
		if evt.Type == "" {
			return nil, &LineError{Line: d.lineNum, Err: fmt.Errorf("missing type field")}
		}

		evt.Raw = append([]byte(nil), data...)
		return &evt, nil
	}
}

func (d *Decoder) Line() int { return d.lineNum }
