// Package protocol implements the JSONL wire protocol (spec.md §3, §6):
// a request is one compact-JSON line; a response is a header line
// followed by a payload line. Both the codec and the framer are purely
// synchronous and never interpret content beyond framing/parsing.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Status is one of the three known response header states.
type Status string

const (
	StatusEvent Status = "event"
	StatusDone  Status = "done"
	StatusError Status = "error"
)

func (s Status) valid() bool {
	return s == StatusEvent || s == StatusDone || s == StatusError
}

// Request is one request line: {"cmd":"<name>","data":<json-or-absent>}.
type Request struct {
	Cmd  string          `json:"cmd"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Header is the first of a response's two lines.
type Header struct {
	Status Status `json:"status"`
	Code   int    `json:"code"`
}

// ErrInvalidFrame is returned by ParseRequest/ParseHeader when a line does
// not conform to the wire contract (spec.md §4.1).
var ErrInvalidFrame = errors.New("invalid frame")

// EncodeRequest serializes a request as a single compact-JSON line with a
// trailing newline.
func EncodeRequest(cmd string, data any) ([]byte, error) {
	var raw json.RawMessage
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode request data: %w", err)
		}
		raw = b
	}
	line, err := json.Marshal(Request{Cmd: cmd, Data: raw})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	return append(line, '\n'), nil
}

// ParseRequest decodes one request line. It fails with ErrInvalidFrame if
// the line is not a JSON object or "cmd" is missing/non-string.
func ParseRequest(line []byte) (Request, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Request{}, fmt.Errorf("%w: not a JSON object: %v", ErrInvalidFrame, err)
	}
	cmdRaw, present := raw["cmd"]
	if !present {
		return Request{}, fmt.Errorf("%w: missing cmd", ErrInvalidFrame)
	}
	var cmd string
	if err := json.Unmarshal(cmdRaw, &cmd); err != nil {
		return Request{}, fmt.Errorf("%w: cmd is not a string", ErrInvalidFrame)
	}
	return Request{Cmd: cmd, Data: raw["data"]}, nil
}

// EncodeResponse serializes a two-line header+payload response. A nil
// payload is encoded as JSON null.
func EncodeResponse(status Status, code int, payload any) ([]byte, error) {
	headerLine, err := json.Marshal(Header{Status: status, Code: code})
	if err != nil {
		return nil, fmt.Errorf("encode header: %w", err)
	}
	payloadLine, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	out := make([]byte, 0, len(headerLine)+len(payloadLine)+2)
	out = append(out, headerLine...)
	out = append(out, '\n')
	out = append(out, payloadLine...)
	out = append(out, '\n')
	return out, nil
}

// ParseHeader decodes one header line, failing with ErrInvalidFrame if
// "status" is not one of the three known values or "code" is missing.
func ParseHeader(line []byte) (Header, error) {
	var raw struct {
		Status *Status `json:"status"`
		Code   *int    `json:"code"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if raw.Status == nil || !raw.Status.valid() {
		return Header{}, fmt.Errorf("%w: unknown status", ErrInvalidFrame)
	}
	if raw.Code == nil {
		return Header{}, fmt.Errorf("%w: missing code", ErrInvalidFrame)
	}
	return Header{Status: *raw.Status, Code: *raw.Code}, nil
}

// ParsePayload decodes a payload line as any JSON value. If the bytes are
// not valid JSON, it falls back to returning the raw UTF-8 string, per
// spec.md §4.1's "fallback" contract.
func ParsePayload(line []byte) any {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return string(line)
	}
	return v
}

// Framer turns a byte stream into complete lines. It never blocks: Feed
// appends bytes, and TryReadLine returns the next line if one is already
// buffered, or (nil, false) if more bytes are needed. It never interprets
// line content.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer { return &Framer{} }

// Feed appends newly read bytes to the internal buffer.
func (f *Framer) Feed(b []byte) {
	f.buf = append(f.buf, b...)
}

// TryReadLine returns the next newline-delimited slice (without the
// trailing '\n') if the buffer already contains one, consuming it from the
// buffer. Otherwise it returns (nil, false) and leaves the buffer intact.
func (f *Framer) TryReadLine() ([]byte, bool) {
	idx := indexByte(f.buf, '\n')
	if idx < 0 {
		return nil, false
	}
	line := make([]byte, idx)
	copy(line, f.buf[:idx])
	f.buf = f.buf[idx+1:]
	return line, true
}

// Pending returns the bytes buffered so far that do not yet form a
// complete line, for diagnostics/testing the "no bytes lost" invariant.
func (f *Framer) Pending() []byte { return f.buf }

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
