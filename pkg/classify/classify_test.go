package classify

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/modoterra/switchyard/pkg/core"
)

func TestMatch(t *testing.T) {
	tests := []struct {
		line   string
		want   Signal
		wantOK bool
	}{
		{"[Feature #12] [Tool: Bash] npm test", Signal{KindTool, "Bash", "npm test"}, true},
		{"[tool:Read] src/app.ts", Signal{KindTool, "Read", "src/app.ts"}, true},
		{"[TOOL:  web_fetch] https://example.com", Signal{KindTool, "web_fetch", "https://example.com"}, true},
		{"[Tool: Bash] hit rate limit, retry after 30s", Signal{KindTool, "Bash", "hit rate limit, retry after 30s"}, true},
		{"[Tool: ] nothing", Signal{}, false},
		{"[Tool: two words]", Signal{}, false},
		{"[Feature #3] Rate-limit reached", Signal{KindRateLimit, LabelRateLimit, "Rate-limit reached"}, true},
		{"ratelimit exceeded", Signal{KindRateLimit, LabelRateLimit, "ratelimit exceeded"}, true},
		{"HTTP 429 from upstream", Signal{KindRateLimit, LabelRateLimit, "HTTP 429 from upstream"}, true},
		{"port 14290 busy", Signal{}, false},
		{"Too Many Requests", Signal{KindRateLimit, LabelRateLimit, "Too Many Requests"}, true},
		{"Retry-After: 12", Signal{KindRateLimit, LabelRateLimit, "Retry-After: 12"}, true},
		{"retryafter", Signal{}, false},
		{"Request failed: connection error to api.example.com", Signal{KindAPIError, LabelAPIError, "Request failed: connection error to api.example.com"}, true},
		{"API_ERROR overloaded", Signal{KindAPIError, LabelAPIError, "API_ERROR overloaded"}, true},
		{"SSL error during handshake", Signal{KindAPIError, LabelAPIError, "SSL error during handshake"}, true},
		{"api call hit a timeout", Signal{KindAPIError, LabelAPIError, "api call hit a timeout"}, true},
		{"test timeout after 5s", Signal{}, false},
		{"[Feature #7]   Total cost: $1.24", Signal{KindUsage, LabelUsage, "Total cost: $1.24"}, true},
		{"session cost 0.50", Signal{KindUsage, LabelUsage, "session cost 0.50"}, true},
		{"API usage: 12k tokens", Signal{KindUsage, LabelUsage, "API usage: 12k tokens"}, true},
		{"Compiled successfully", Signal{}, false},
		{"", Signal{}, false},
		{"[Feature #x] rate limit", Signal{KindRateLimit, LabelRateLimit, "[Feature #x] rate limit"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, ok := Match(tt.line)
			if ok != tt.wantOK {
				t.Fatalf("ok: got %v, want %v", ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestToolAlwaysWins(t *testing.T) {
	lines := []string{
		"[Tool: Bash] 429 too many requests",
		"api error [Tool: Grep] total cost: $3",
		"connection error [tool:Edit]",
	}
	for _, line := range lines {
		k, ok := Classify(line)
		if !ok || k != KindTool {
			t.Errorf("%q: got %v/%v, want tool", line, k, ok)
		}
	}
}

func TestRuleOrder(t *testing.T) {
	want := []Kind{KindTool, KindRateLimit, KindAPIError, KindUsage}
	var got []Kind
	for _, r := range Rules {
		got = append(got, r.Kind)
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("rule order: got %v, want %v", got, want)
	}
}

func TestClassifyNonASCII(t *testing.T) {
	// Multi-byte text around the marker must not shift the captured name.
	s, ok := Match("ÄÖÜ [Tool: Write] 日本語")
	if !ok || s.Label != "Write" || s.Detail != "ÄÖÜ  日本語" {
		t.Fatalf("got %+v/%v", s, ok)
	}
}

func TestDerive(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	lines := []core.LogLine{
		{Text: "booting", Timestamp: ts},
		{Text: "[Feature #4] [Tool: Read] README.md", Timestamp: ts, FeatureID: core.IntPtr(4), SourceIndex: core.IntPtr(1)},
		{Text: "rate limited", Timestamp: ts},
		{Text: "done", Timestamp: ts},
		{Text: "total cost: $0.10", Timestamp: ts},
	}

	got := Derive(lines, 100)
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	if got[0].ID != 101 || got[1].ID != 102 || got[2].ID != 104 {
		t.Errorf("ids: %d %d %d", got[0].ID, got[1].ID, got[2].ID)
	}
	if got[0].FeatureID == nil || *got[0].FeatureID != 4 || got[0].SourceIndex == nil || *got[0].SourceIndex != 1 {
		t.Errorf("metadata not carried: %+v", got[0])
	}
	if got[0].Raw != lines[1].Text {
		t.Errorf("raw: got %q", got[0].Raw)
	}

	again := Derive(lines, 100)
	if !reflect.DeepEqual(got, again) {
		t.Error("derive is not idempotent")
	}
	if lines[1].Text != "[Feature #4] [Tool: Read] README.md" {
		t.Error("derive mutated its input")
	}
}

func TestSignalEventJSON(t *testing.T) {
	ev := SignalEvent{ID: 3, Kind: KindAPIError, Label: LabelAPIError, Detail: "x", Raw: "x"}
	b, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		t.Fatal(err)
	}
	if m["kind"] != "api_error" {
		t.Errorf("kind: got %v", m["kind"])
	}
	if _, ok := m["featureId"]; ok {
		t.Error("featureId should be omitted when nil")
	}

	var back SignalEvent
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatal(err)
	}
	if back.Kind != KindAPIError {
		t.Errorf("kind round trip: got %v", back.Kind)
	}
}
