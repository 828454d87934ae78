package obs

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestLoggerEmitsJSONLines(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf)

	logger.Info(map[string]interface{}{"msg": "hello", "n": 1})
	logger.Error(map[string]interface{}{"msg": "boom"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d: %q", len(lines), buf.String())
	}

	var first map[string]interface{}
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not JSON: %v", err)
	}
	if first["level"] != "info" || first["msg"] != "hello" {
		t.Fatalf("unexpected first line: %v", first)
	}
	if _, ok := first["ts"]; !ok {
		t.Fatalf("missing timestamp: %v", first)
	}

	var second map[string]interface{}
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not JSON: %v", err)
	}
	if second["level"] != "error" {
		t.Fatalf("unexpected second line: %v", second)
	}
}

func TestLoggerToleratesNilReceiverAndFields(t *testing.T) {
	var logger *Logger
	logger.Info(map[string]interface{}{"msg": "ignored"})

	var buf bytes.Buffer
	live := NewLoggerWithWriter(&buf)
	live.Info(nil)
	if !strings.Contains(buf.String(), `"level":"info"`) {
		t.Fatalf("nil fields not tolerated: %q", buf.String())
	}
}
