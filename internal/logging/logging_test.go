package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestComponentLoggerPicksUpInit(t *testing.T) {
	log := L("signaling")

	var buf bytes.Buffer
	Init("json", "info", &buf)
	defer Init("text", "info", nil)

	log.Info("connected", "server", "https://example.test")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log output is not JSON: %v (%q)", err, buf.String())
	}
	if entry[KeyComponent] != "signaling" {
		t.Errorf("component = %v, want signaling", entry[KeyComponent])
	}
	if entry["server"] != "https://example.test" {
		t.Errorf("server = %v", entry["server"])
	}
}

func TestInitSwitchesBetweenFormats(t *testing.T) {
	defer Init("text", "info", nil)

	var jsonBuf bytes.Buffer
	Init("json", "info", &jsonBuf)
	L("media").Info("switched")
	if !strings.HasPrefix(strings.TrimSpace(jsonBuf.String()), "{") {
		t.Errorf("json format output = %q", jsonBuf.String())
	}

	var textBuf bytes.Buffer
	Init("text", "info", &textBuf)
	L("media").Info("switched back")
	if strings.HasPrefix(strings.TrimSpace(textBuf.String()), "{") {
		t.Errorf("text format output = %q", textBuf.String())
	}
}

func TestInitLevelFiltersDebug(t *testing.T) {
	var buf bytes.Buffer
	Init("text", "warn", &buf)
	defer Init("text", "info", nil)

	L("media").Debug("hidden")
	L("media").Warn("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug record logged at warn level")
	}
	if !strings.Contains(out, "visible") {
		t.Error("warn record missing")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Errorf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
