package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func decode(t *testing.T, b []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(b), &m); err != nil {
		t.Fatalf("decode %q: %v", b, err)
	}
	return m
}

func TestSlog_ContextAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "info", Service: "tileplane", Version: "dev"}, &buf)
	log := NewSlog(&zl).With("component", "tiles").WithGroup("tile")

	ctx := WithSource(WithRequestID(context.Background(), "req-1"), "roads")
	log.InfoContext(ctx, "served", "z", 3, "took", 5*time.Millisecond, "err", errors.New("boom"))

	m := decode(t, buf.Bytes())
	for k, want := range map[string]any{
		"msg": "served", "service": "tileplane", "version": "dev",
		"request_id": "req-1", "source": "roads", "component": "tiles",
		"tile.z": float64(3), "tile.err": "boom", "level": "info",
	} {
		if m[k] != want {
			t.Fatalf("%s=%v want %v (line %s)", k, m[k], want, buf.String())
		}
	}
}

func TestSlog_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	zl := Build(Config{Level: "warn"}, &buf)
	t.Cleanup(func() { Build(Config{Level: "info"}, &bytes.Buffer{}) })
	log := NewSlog(&zl)

	log.Info("hidden")
	if buf.Len() != 0 {
		t.Fatalf("info logged at warn level: %s", buf.String())
	}
	log.Warn("shown")
	if m := decode(t, buf.Bytes()); m["level"] != "warn" {
		t.Fatalf("m=%v", m)
	}
}

func TestWithRequestID_GeneratesWhenEmpty(t *testing.T) {
	ctx := WithRequestID(context.Background(), "")
	if id := RequestID(ctx); len(id) != 16 {
		t.Fatalf("id=%q", id)
	}
	if WithSource(ctx, "") != ctx {
		t.Fatalf("empty source should not wrap the context")
	}
}
