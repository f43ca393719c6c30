package obs

import (
	"bytes"
	"encoding/json"
	"os"
	"testing"
)

func TestLogWarnEnvelope(t *testing.T) {
	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	defer Logger().SetOutput(os.Stdout)

	LogWarn("archive claim failed", map[string]any{"claim_id": 7, "error": "boom"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, buf.String())
	}
	if entry["level"] != "warn" || entry["msg"] != "archive claim failed" {
		t.Fatalf("unexpected envelope: %v", entry)
	}
	if entry["claim_id"].(float64) != 7 || entry["error"] != "boom" {
		t.Fatalf("fields were not carried: %v", entry)
	}
	if entry["ts"] == nil {
		t.Fatalf("missing timestamp: %v", entry)
	}
}

func TestLogWarnDoesNotClobberFields(t *testing.T) {
	var buf bytes.Buffer
	Logger().SetOutput(&buf)
	defer Logger().SetOutput(os.Stdout)

	LogWarn("shadowed", map[string]any{"level": "debug"})

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if entry["level"] != "warn" {
		t.Fatalf("envelope must win over caller fields: %v", entry)
	}
}
