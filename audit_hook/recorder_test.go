package audithook_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	audithook "github.com/xraph/credits/audit_hook"
)

func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	rec := audithook.LogRecorder(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := rec.Record(context.Background(), &audithook.AuditEvent{
		Action:   audithook.ActionThresholdCrossed,
		Resource: audithook.ResourceAccount,
		Category: audithook.CategoryBilling,
		TenantID: "acme",
		Outcome:  audithook.OutcomeSuccess,
		Severity: audithook.SeverityWarning,
		Metadata: map[string]any{"threshold": 0},
	})
	if err != nil {
		t.Fatalf("Record: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode %q: %v", buf.String(), err)
	}
	if line["level"] != "WARN" {
		t.Errorf("level = %v, want WARN", line["level"])
	}
	if line["msg"] != "audit" || line["tenant_id"] != "acme" || line["action"] != audithook.ActionThresholdCrossed {
		t.Errorf("unexpected line: %v", line)
	}
	if _, ok := line["resource_id"]; ok {
		t.Error("empty resource_id should be omitted")
	}
}
