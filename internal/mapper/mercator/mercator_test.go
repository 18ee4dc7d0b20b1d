package mercator

import (
	"math"
	"testing"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

func almost(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

func TestLonLatToTilePixel_Zoom0(t *testing.T) {
	tx, ty, px, py := LonLatToTilePixel(0, 0, 0, 256)
	if tx != 0 || ty != 0 {
		t.Fatalf("tile=%d/%d want 0/0", tx, ty)
	}
	if !almost(px, 128, 1e-9) || !almost(py, 128, 1e-9) {
		t.Fatalf("pixel=(%f,%f) want (128,128)", px, py)
	}
}

func TestLonLatToTilePixel_Quadrants(t *testing.T) {
	cases := []struct {
		lon, lat float64
		x, y     int
	}{
		{-45.5, 45.5, 0, 0},
		{45.5, 45.5, 1, 0},
		{-45.5, -45.5, 0, 1},
		{45.5, -45.5, 1, 1},
	}
	for _, c := range cases {
		tx, ty, px, py := LonLatToTilePixel(c.lon, c.lat, 1, 256)
		if tx != c.x || ty != c.y {
			t.Fatalf("(%v,%v) tile=%d/%d want %d/%d", c.lon, c.lat, tx, ty, c.x, c.y)
		}
		if px < 0 || px >= 256 || py < 0 || py >= 256 {
			t.Fatalf("(%v,%v) pixel out of tile: (%f,%f)", c.lon, c.lat, px, py)
		}
	}
}

func TestLonLatToTilePixel_ScalesToTileSize(t *testing.T) {
	_, _, px256, py256 := LonLatToTilePixel(10, 10, 3, 256)
	_, _, px512, py512 := LonLatToTilePixel(10, 10, 3, 512)
	if !almost(px512, 2*px256, 1e-9) || !almost(py512, 2*py256, 1e-9) {
		t.Fatalf("512px offsets (%f,%f) not double of 256px (%f,%f)", px512, py512, px256, py256)
	}
	_, _, pxDef, _ := LonLatToTilePixel(10, 10, 3, 0)
	if !almost(pxDef, px256, 1e-9) {
		t.Fatalf("tileSize 0 should default to 256")
	}
}

func TestTileBounds(t *testing.T) {
	w, s, e, n := TileBounds(0, 0, 0)
	if !almost(w, -180, 1e-9) || !almost(e, 180, 1e-9) {
		t.Fatalf("lon bounds=(%f,%f)", w, e)
	}
	if !almost(n, MaxLatitude, 1e-6) || !almost(s, -MaxLatitude, 1e-6) {
		t.Fatalf("lat bounds=(%f,%f)", s, n)
	}

	w, s, e, n = TileBounds(1, 0, 1)
	if !almost(w, 0, 1e-9) || !almost(e, 180, 1e-9) || !almost(s, 0, 1e-9) || n <= 0 {
		t.Fatalf("z1 NE bounds=(%f,%f,%f,%f)", w, s, e, n)
	}
}

func TestTileCenter_RoundTripsToSameTile(t *testing.T) {
	for _, a := range []model.TileAddress{{Z: 2, X: 1, Y: 2}, {Z: 5, X: 17, Y: 9}, {Z: 0}} {
		lon, lat := TileCenter(a.X, a.Y, a.Z)
		tx, ty, _, _ := LonLatToTilePixel(lon, lat, a.Z, 256)
		if tx != a.X || ty != a.Y {
			t.Fatalf("center of %s maps back to %d/%d", a, tx, ty)
		}
	}
}

func TestTilesForBBox(t *testing.T) {
	m := New()
	tiles, err := m.TilesForBBox(model.BBox{X1: -180, Y1: -85, X2: 180, Y2: 85}, 2)
	if err != nil {
		t.Fatalf("TilesForBBox: %v", err)
	}
	if len(tiles) != 16 {
		t.Fatalf("len=%d want 16", len(tiles))
	}
	for _, a := range tiles {
		if !a.Valid() {
			t.Fatalf("invalid tile %s", a)
		}
	}

	small, err := m.TilesForBBox(model.BBox{X1: 10, Y1: 10, X2: 10.1, Y2: 10.1}, 4)
	if err != nil {
		t.Fatalf("TilesForBBox small: %v", err)
	}
	if len(small) != 1 {
		t.Fatalf("small bbox len=%d want 1", len(small))
	}

	if _, err := m.TilesForBBox(model.BBox{X1: 1, Y1: 1, X2: 0, Y2: 0}, 3); err == nil {
		t.Fatalf("expected error for inverted bbox")
	}
}

func TestLonLatToTilePixel_PolarLatitudesLandOnEdgeRows(t *testing.T) {
	for _, z := range []int{0, 1, 5} {
		last := 1<<z - 1
		_, ty, _, py := LonLatToTilePixel(10, 89, z, 256)
		if ty != 0 || !almost(py, 0, 1e-6) {
			t.Fatalf("z%d lat 89: y=%d py=%f want 0/0", z, ty, py)
		}
		_, ty, _, py = LonLatToTilePixel(10, -89, z, 256)
		if ty != last || !almost(py, 256, 1e-6) {
			t.Fatalf("z%d lat -89: y=%d py=%f want %d", z, ty, py, last)
		}
		tx, _, _, _ := LonLatToTilePixel(180, 0, z, 256)
		if tx != last {
			t.Fatalf("z%d lon 180: x=%d want %d", z, tx, last)
		}
	}
}
