// Package invalidation defines the spatial purge event consumed from Kafka.
package invalidation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

// Event asks for every cached tile of Source intersecting BBox between
// MinZoom and MaxZoom to be dropped.
type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Source  string    `json:"source"`
	TS      time.Time `json:"ts"`
	BBox    *BBox     `json:"bbox"`
	MinZoom int       `json:"minzoom"`
	MaxZoom int       `json:"maxzoom"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (b BBox) Model() model.BBox {
	return model.BBox{X1: b.X1, Y1: b.Y1, X2: b.X2, Y2: b.Y2}
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return errors.New("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "invalidate":
	default:
		return errors.New("op must be insert|update|delete|invalidate")
	}
	if strings.TrimSpace(e.Source) == "" {
		return errors.New("source is required")
	}
	if e.TS.IsZero() {
		return errors.New("ts is required")
	}
	if e.MinZoom < 0 || e.MaxZoom > 30 || e.MinZoom > e.MaxZoom {
		return fmt.Errorf("zoom range [%d,%d] must lie in [0,30] with minzoom <= maxzoom", e.MinZoom, e.MaxZoom)
	}
	if e.BBox == nil {
		return errors.New("bbox is required")
	}
	bb := *e.BBox
	if bb.SRID != "" && bb.SRID != "EPSG:4326" {
		return errors.New("bbox.srid must be EPSG:4326")
	}
	if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
		return errors.New("bbox longitude out of range")
	}
	if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
		return errors.New("bbox latitude out of range")
	}
	if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
		return errors.New("bbox must satisfy x2>x1 and y2>y1")
	}
	return nil
}
