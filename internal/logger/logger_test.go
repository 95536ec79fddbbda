package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func TestComponentTagsOutput(t *testing.T) {
	saved, savedLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = saved
		zerolog.SetGlobalLevel(savedLevel)
	})

	var buf bytes.Buffer
	if err := Setup(Config{Level: "info", Format: "json", Output: &buf}); err != nil {
		t.Fatalf("Setup: %v", err)
	}
	cl := Component("scheduler")
	cl.Info().Str("cycle", "abc").Msg("Starting cycle")
	Debug().Msg("below level")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if entry["component"] != "scheduler" || entry["cycle"] != "abc" || entry["message"] != "Starting cycle" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	if err := Setup(Config{Level: "chatty"}); err == nil {
		t.Fatalf("expected error for unknown level")
	}
}
