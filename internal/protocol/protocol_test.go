package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestEncodeThenParseRequestRoundTrips(t *testing.T) {
	line, err := EncodeRequest("echo", map[string]any{"message": "hi"})
	if err != nil {
		t.Fatalf("EncodeRequest: %v", err)
	}
	if !strings.HasSuffix(string(line), "\n") {
		t.Fatal("expected EncodeRequest to terminate the line with a newline")
	}

	req, err := ParseRequest(line[:len(line)-1])
	if err != nil {
		t.Fatalf("ParseRequest: %v", err)
	}
	if req.Cmd != "echo" {
		t.Fatalf("expected cmd %q, got %q", "echo", req.Cmd)
	}
	var data map[string]any
	if err := json.Unmarshal(req.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["message"] != "hi" {
		t.Fatalf("expected message %q, got %v", "hi", data["message"])
	}
}

func TestParseRequestRejectsMissingCmd(t *testing.T) {
	if _, err := ParseRequest([]byte(`{"data":{}}`)); err == nil {
		t.Fatal("expected an error for a request line missing cmd")
	}
}

func TestParseRequestRejectsNonObjectLine(t *testing.T) {
	if _, err := ParseRequest([]byte(`"just a string"`)); err == nil {
		t.Fatal("expected an error for a non-object request line")
	}
}

func TestEncodeResponseThenParseHeaderRoundTrips(t *testing.T) {
	out, err := EncodeResponse(StatusDone, 0, map[string]any{"ok": true})
	if err != nil {
		t.Fatalf("EncodeResponse: %v", err)
	}
	lines := strings.SplitN(string(out), "\n", 3)
	if len(lines) < 2 {
		t.Fatalf("expected at least 2 lines, got %q", out)
	}

	hdr, err := ParseHeader([]byte(lines[0]))
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Status != StatusDone || hdr.Code != 0 {
		t.Fatalf("expected status=done code=0, got %+v", hdr)
	}

	payload := ParsePayload([]byte(lines[1]))
	payloadMap, ok := payload.(map[string]any)
	if !ok || payloadMap["ok"] != true {
		t.Fatalf("expected payload {ok:true}, got %v", payload)
	}
}

func TestParseHeaderRejectsUnknownStatus(t *testing.T) {
	if _, err := ParseHeader([]byte(`{"status":"bogus","code":0}`)); err == nil {
		t.Fatal("expected an error for an unknown status value")
	}
}

func TestParseHeaderRejectsMissingCode(t *testing.T) {
	if _, err := ParseHeader([]byte(`{"status":"done"}`)); err == nil {
		t.Fatal("expected an error for a header missing code")
	}
}

func TestParsePayloadFallsBackToRawStringOnInvalidJSON(t *testing.T) {
	v := ParsePayload([]byte("not json at all"))
	s, ok := v.(string)
	if !ok || s != "not json at all" {
		t.Fatalf("expected the raw line as a fallback string, got %v (%T)", v, v)
	}
}

func TestFramerBuffersPartialLinesAcrossFeeds(t *testing.T) {
	f := NewFramer()
	f.Feed([]byte("partial"))
	if _, ok := f.TryReadLine(); ok {
		t.Fatal("expected no complete line yet")
	}

	f.Feed([]byte(" line\nsecond\n"))
	line, ok := f.TryReadLine()
	if !ok || string(line) != "partial line" {
		t.Fatalf("expected %q, got %q ok=%v", "partial line", line, ok)
	}

	line, ok = f.TryReadLine()
	if !ok || string(line) != "second" {
		t.Fatalf("expected %q, got %q ok=%v", "second", line, ok)
	}

	if _, ok := f.TryReadLine(); ok {
		t.Fatal("expected no further complete lines")
	}
	if len(f.Pending()) != 0 {
		t.Fatalf("expected no pending bytes after consuming all complete lines, got %q", f.Pending())
	}
}

func TestFramerNeverLosesBytes(t *testing.T) {
	f := NewFramer()
	f.Feed([]byte("no newline yet"))
	if got := string(f.Pending()); got != "no newline yet" {
		t.Fatalf("expected the unterminated bytes to remain pending, got %q", got)
	}
}
