package relay

import (
	"bytes"
	"encoding/json"

	"github.com/tbourn/deepdive-relay/internal/domain"
)

// FrameKind is the closed set of frame variants the relay distinguishes.
type FrameKind uint8

const (
	// FrameUnknown covers anything that is not a well-formed typed frame.
	// It is forwarded verbatim.
	FrameUnknown FrameKind = iota
	FrameProgress
	FrameComplete
	FrameError
)

func (k FrameKind) String() string {
	switch k {
	case FrameProgress:
		return "progress"
	case FrameComplete:
		return "complete"
	case FrameError:
		return "error"
	}
	return "unknown"
}

var dataPrefix = []byte("data:")

// Completion is what a complete frame reports. Scores is nil when the
// upstream sent no new snapshot for this turn.
type Completion struct {
	NextPrompt *string        `json:"next_prompt"`
	Scores     *domain.Scores `json:"scores"`
}

// UpstreamError is the payload of an error frame.
type UpstreamError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is one classified line of the upstream stream. Line holds the
// original bytes (without the terminator) so non-terminal frames can be
// forwarded unmodified.
type Frame struct {
	Kind       FrameKind
	Line       []byte
	Completion *Completion
	Error      *UpstreamError
}

type wireFrame struct {
	Type string `json:"type"`
	Completion
	UpstreamError
}

// ParseFrame classifies a complete line. Lines that are not "data:" lines,
// are not JSON, or carry an unrecognized type become FrameUnknown.
func ParseFrame(line []byte) Frame {
	f := Frame{Kind: FrameUnknown, Line: line}

	payload, ok := bytes.CutPrefix(line, dataPrefix)
	if !ok {
		return f
	}
	payload = bytes.TrimPrefix(payload, []byte(" "))

	var w wireFrame
	if err := json.Unmarshal(payload, &w); err != nil {
		return f
	}
	switch w.Type {
	case "progress":
		f.Kind = FrameProgress
	case "complete":
		c := w.Completion
		if c.Scores != nil {
			s := c.Scores.Clamp()
			c.Scores = &s
		}
		f.Kind = FrameComplete
		f.Completion = &c
	case "error":
		e := w.UpstreamError
		f.Kind = FrameError
		f.Error = &e
	}
	return f
}

// Snapshot is the persisted conversation state carried by the synthesized
// complete frame.
type Snapshot struct {
	Messages   []domain.Turn `json:"messages"`
	NextPrompt *string       `json:"next_prompt"`
	Scores     domain.Scores `json:"scores"`
	Completed  bool          `json:"completed"`
	TurnCount  int           `json:"turn_count"`
}

// Encode renders one client frame: "data: <json>" followed by a blank line.
func Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+8)
	out = append(out, "data: "...)
	out = append(out, payload...)
	out = append(out, '\n', '\n')
	return out
}

// Forward renders an upstream line unchanged as a client frame.
func Forward(line []byte) []byte {
	out := make([]byte, 0, len(line)+2)
	out = append(out, line...)
	return append(out, '\n', '\n')
}

// CompleteFrame synthesizes the enriched terminal frame for s.
func CompleteFrame(s Snapshot) []byte {
	if s.Messages == nil {
		s.Messages = []domain.Turn{}
	}
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		Snapshot
	}{Type: "complete", Snapshot: s})
	return Encode(b)
}

// ErrorFrame synthesizes an error frame with code and message.
func ErrorFrame(code, message string) []byte {
	b, _ := json.Marshal(struct {
		Type string `json:"type"`
		UpstreamError
	}{Type: "error", UpstreamError: UpstreamError{Code: code, Message: message}})
	return Encode(b)
}
