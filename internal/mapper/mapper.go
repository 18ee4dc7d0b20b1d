// Package mapper converts between geographic coordinates and tile addresses.
package mapper

import (
	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

type Interface interface {
	LonLatToTilePixel(lon, lat float64, zoom, tileSize int) (tileX, tileY int, pixelX, pixelY float64)
	TileBounds(x, y, z int) (west, south, east, north float64)
	TilesForBBox(bb model.BBox, zoom int) ([]model.TileAddress, error)
}
