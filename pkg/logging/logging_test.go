package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

// Not parallel: output and format are process-wide.
func TestSetFormat_JSONAndText(t *testing.T) {
	var out bytes.Buffer
	prev := SetOutput(&out)
	defer func() {
		SetFormat("text")
		SetOutput(prev)
	}()

	SetFormat("json")
	Logf("[test] hello %d", 1)
	Flush()

	var line struct {
		Time string `json:"time"`
		Node string `json:"node"`
		Msg  string `json:"msg"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &line); err != nil {
		t.Fatalf("json line %q: %v", out.String(), err)
	}
	if line.Msg != "[test] hello 1" || line.Time == "" || line.Node == "" {
		t.Fatalf("line=%+v", line)
	}

	out.Reset()
	SetFormat("text")
	Logf("[test] plain")
	Flush()
	if got := out.String(); !strings.Contains(got, "[node=") || !strings.Contains(got, "[test] plain") {
		t.Fatalf("text line %q", got)
	}
}
