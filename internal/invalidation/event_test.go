package invalidation

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func mustTS() time.Time { return time.Date(2025, 10, 26, 12, 30, 45, 0, time.UTC) }

func valid() Event {
	return Event{
		Version: 1, Op: "update", Source: "roads", TS: mustTS(),
		BBox:    &BBox{X1: 11, Y1: 55, X2: 12, Y2: 56, SRID: "EPSG:4326"},
		MinZoom: 4, MaxZoom: 10,
	}
}

func TestEvent_Validate_HappyPath(t *testing.T) {
	if err := valid().Validate(); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}

func TestEvent_Validate_Rejects(t *testing.T) {
	cases := map[string]func(*Event){
		"version":    func(e *Event) { e.Version = 2 },
		"op":         func(e *Event) { e.Op = "truncate" },
		"source":     func(e *Event) { e.Source = " " },
		"ts":         func(e *Event) { e.TS = time.Time{} },
		"zoom order": func(e *Event) { e.MinZoom = 11 },
		"zoom range": func(e *Event) { e.MaxZoom = 31 },
		"no bbox":    func(e *Event) { e.BBox = nil },
		"srid":       func(e *Event) { e.BBox.SRID = "EPSG:3857" },
		"lon":        func(e *Event) { e.BBox.X2 = 181 },
		"lat":        func(e *Event) { e.BBox.Y1 = -91 },
		"inverted":   func(e *Event) { e.BBox.X1, e.BBox.X2 = 12, 11 },
	}
	for name, mutate := range cases {
		ev := valid()
		bb := *ev.BBox
		ev.BBox = &bb
		mutate(&ev)
		if err := ev.Validate(); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEvent_JSONShape(t *testing.T) {
	raw := `{"version":1,"op":"invalidate","source":"dem","ts":"2025-10-26T12:30:45Z",
		"bbox":{"x1":5,"y1":45,"x2":6,"y2":46,"srid":"EPSG:4326"},"minzoom":0,"maxzoom":3}`
	var ev Event
	if err := json.NewDecoder(strings.NewReader(raw)).Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if err := ev.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if !ev.TS.Equal(mustTS()) || ev.BBox.Model().X2 != 6 || ev.MaxZoom != 3 {
		t.Fatalf("ev=%+v", ev)
	}
}
