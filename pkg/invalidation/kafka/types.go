package kafka

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

// WireEvent names the exact tiles to drop, either as "z/x/y" addresses of
// Source or as ready cache keys.
type WireEvent struct {
	Source  string    `json:"source,omitempty"`
	Tiles   []string  `json:"tiles,omitempty"`
	Keys    []string  `json:"keys,omitempty"`
	Version uint64    `json:"version"`
	TS      time.Time `json:"ts"`
	Op      string    `json:"op,omitempty"`
}

func (w WireEvent) targeted() bool {
	return len(w.Keys) > 0 || (w.Source != "" && len(w.Tiles) > 0)
}

func parseTile(s string) (model.TileAddress, error) {
	parts := strings.Split(strings.Trim(s, "/"), "/")
	if len(parts) != 3 {
		return model.TileAddress{}, fmt.Errorf("tile %q: want z/x/y", s)
	}
	var n [3]int
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return model.TileAddress{}, fmt.Errorf("tile %q: %w", s, err)
		}
		n[i] = v
	}
	a := model.TileAddress{Z: n[0], X: n[1], Y: n[2]}
	if !a.Valid() {
		return model.TileAddress{}, fmt.Errorf("tile %q outside the pyramid", s)
	}
	return a, nil
}
