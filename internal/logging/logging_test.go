package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestJSONLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "debug", Format: "json", Output: &buf}).With(String("layer", "sensors"))

	log.Debug(context.Background(), "recompute", Int("added", 3), Err(errors.New("boom")))

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["msg"] != "recompute" || rec["layer"] != "sensors" || rec["added"] != float64(3) || rec["error"] != "boom" {
		t.Fatalf("unexpected record: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	log := New(Config{Level: "warn", Output: &buf})
	log.Info(context.Background(), "hidden")
	log.Warn(context.Background(), "shown")
	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestEnsureRequestID(t *testing.T) {
	ctx, id := EnsureRequestID(context.Background())
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("request id %q is not a uuid: %v", id, err)
	}
	again, id2 := EnsureRequestID(ctx)
	if id2 != id || RequestIDFromContext(again) != id {
		t.Fatalf("EnsureRequestID replaced existing id %q with %q", id, id2)
	}
}

func TestLoggerFromContextFallback(t *testing.T) {
	if LoggerFromContext(context.Background(), nil) == nil {
		t.Fatalf("LoggerFromContext returned nil without fallback")
	}
	l := Noop()
	ctx := ContextWithLogger(context.Background(), l)
	if got := LoggerFromContext(ctx, nil); got != l {
		t.Fatalf("LoggerFromContext = %v, want stored logger", got)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FORMAT", "json")

	cfg := ConfigFromEnv()
	if cfg.Level != "debug" || cfg.Format != "json" {
		t.Fatalf("ConfigFromEnv = %+v", cfg)
	}

	var buf bytes.Buffer
	cfg.Output = &buf
	New(cfg).Debug(context.Background(), "from env")
	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil || rec["msg"] != "from env" {
		t.Fatalf("unexpected output %q: %v", buf.String(), err)
	}
}
