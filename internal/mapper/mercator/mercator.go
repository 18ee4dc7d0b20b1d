// Package mercator implements the spherical Web Mercator tile pyramid.
package mercator

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/mapper"
)

// MaxLatitude is the latitude where the square pyramid ends.
const MaxLatitude = 85.05112877980659

// tiles returned by TilesForBBox, per zoom
const maxTilesPerBBox = 1 << 16

type Mapper struct{}

var _ mapper.Interface = (*Mapper)(nil)

func New() *Mapper { return &Mapper{} }

func (*Mapper) LonLatToTilePixel(lon, lat float64, zoom, tileSize int) (int, int, float64, float64) {
	return LonLatToTilePixel(lon, lat, zoom, tileSize)
}

func (*Mapper) TileBounds(x, y, z int) (float64, float64, float64, float64) {
	return TileBounds(x, y, z)
}

// LonLatToTilePixel returns the tile containing (lon, lat) at zoom and the
// fractional pixel offset inside it, scaled to tileSize. Latitudes past
// MaxLatitude land on the edge row; lon 180 lands on the last column. Other
// longitudes are not wrapped, callers reject out of range input themselves.
func LonLatToTilePixel(lon, lat float64, zoom, tileSize int) (tileX, tileY int, pixelX, pixelY float64) {
	if tileSize <= 0 {
		tileSize = model.DefaultTileSize
	}
	n := math.Exp2(float64(zoom))
	fx := (lon + 180) / 360 * n

	latRad := clampLat(lat) * math.Pi / 180
	fy := (1 - math.Log(math.Tan(latRad)+1/math.Cos(latRad))/math.Pi) / 2 * n
	fy = math.Max(0, fy)

	tx := math.Floor(fx)
	if fx == n {
		tx = n - 1
	}
	ty := math.Min(math.Floor(fy), n-1)
	size := float64(tileSize)
	return int(tx), int(ty), (fx - tx) * size, (fy - ty) * size
}

// TileBounds returns the lon/lat bounding box of tile x/y/z.
func TileBounds(x, y, z int) (west, south, east, north float64) {
	b := maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound()
	return b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()
}

// TileCenter returns the midpoint of the tile's bounding box.
func TileCenter(x, y, z int) (lon, lat float64) {
	w, s, e, n := TileBounds(x, y, z)
	return (w + e) / 2, (s + n) / 2
}

// TilesForBBox lists every tile at zoom intersecting bb, row major.
func (*Mapper) TilesForBBox(bb model.BBox, zoom int) ([]model.TileAddress, error) {
	if zoom < 0 || zoom > 30 {
		return nil, fmt.Errorf("zoom %d outside [0,30]", zoom)
	}
	if bb.X2 < bb.X1 || bb.Y2 < bb.Y1 {
		return nil, errors.New("bbox must satisfy x2>=x1 and y2>=y1")
	}
	z := maptile.Zoom(zoom)
	nw := maptile.At(orb.Point{bb.X1, clampLat(bb.Y2)}, z)
	se := maptile.At(orb.Point{bb.X2, clampLat(bb.Y1)}, z)

	last := uint32(1)<<uint32(zoom) - 1
	minX, maxX := nw.X, min(se.X, last)
	minY, maxY := nw.Y, min(se.Y, last)

	count := (int(maxX) - int(minX) + 1) * (int(maxY) - int(minY) + 1)
	if count > maxTilesPerBBox {
		return nil, fmt.Errorf("bbox covers %d tiles at zoom %d (limit %d)", count, zoom, maxTilesPerBBox)
	}
	out := make([]model.TileAddress, 0, count)
	for y := minY; y <= maxY; y++ {
		for x := minX; x <= maxX; x++ {
			out = append(out, model.TileAddress{Z: zoom, X: int(x), Y: int(y)})
		}
	}
	return out, nil
}

func clampLat(lat float64) float64 {
	return math.Max(-MaxLatitude, math.Min(MaxLatitude, lat))
}
