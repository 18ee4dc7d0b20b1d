// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"net/http"
	"strings"
)

// ContainerKind identifies the on-disk/remote container backing a source.
type ContainerKind int

const (
	KindPMTiles ContainerKind = iota + 1
	KindMBTiles
)

func (k ContainerKind) String() string {
	switch k {
	case KindPMTiles:
		return "pmtiles"
	case KindMBTiles:
		return "mbtiles"
	default:
		return "unknown"
	}
}

// Format is the native payload format of a source.
type Format string

const (
	FormatPBF  Format = "pbf"
	FormatPNG  Format = "png"
	FormatWebP Format = "webp"
)

// ParseFormat accepts the container spellings of the supported formats.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pbf", "mvt", "application/x-protobuf", "application/vnd.mapbox-vector-tile":
		return FormatPBF, nil
	case "png", "image/png":
		return FormatPNG, nil
	case "webp", "image/webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("%w: unsupported tile format %q", ErrInvalidRequest, s)
	}
}

func (f Format) IsRaster() bool { return f == FormatPNG || f == FormatWebP }

func (f Format) ContentType() string {
	switch f {
	case FormatPBF:
		return "application/x-protobuf"
	case FormatPNG:
		return "image/png"
	case FormatWebP:
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}

// OutputFormat is what a client asks for; it is either a native format or
// the derived geojson re-encoding of vector tiles.
type OutputFormat string

const OutputGeoJSON OutputFormat = "geojson"

// Encoding is the RGB elevation encoding of a terrain source.
type Encoding string

const (
	EncodingNone      Encoding = ""
	EncodingMapbox    Encoding = "mapbox"
	EncodingTerrarium Encoding = "terrarium"
)

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return EncodingNone, nil
	case "mapbox":
		return EncodingMapbox, nil
	case "terrarium":
		return EncodingTerrarium, nil
	default:
		return "", fmt.Errorf("unsupported terrain encoding %q (want mapbox or terrarium)", s)
	}
}

// MissingTilePolicy decides what an absent tile turns into.
type MissingTilePolicy int

const (
	// PolicyNotFound answers 404 so clients may overzoom from a parent tile.
	PolicyNotFound MissingTilePolicy = iota + 1
	// PolicyEmpty answers 204 and suppresses overzoom.
	PolicyEmpty
)

func (p MissingTilePolicy) String() string {
	if p == PolicyEmpty {
		return "empty"
	}
	return "not_found"
}

// DefaultPolicy returns the format based default when neither the source
// nor the global options set sparse.
func DefaultPolicy(f Format) MissingTilePolicy {
	if f == FormatPBF {
		return PolicyEmpty
	}
	return PolicyNotFound
}

const DefaultTileSize = 256

type VectorLayer struct {
	ID          string            `json:"id"`
	Description string            `json:"description,omitempty"`
	MinZoom     *int              `json:"minzoom,omitempty"`
	MaxZoom     *int              `json:"maxzoom,omitempty"`
	Fields      map[string]string `json:"fields"`
}

// TileMetadata is the normalized metadata of one source.
type TileMetadata struct {
	Name         string
	Description  string
	Attribution  string
	Version      string
	Format       Format
	MinZoom      int
	MaxZoom      int
	Bounds       []float64 // west, south, east, north
	Center       []float64 // lon, lat, zoom
	Encoding     Encoding
	TileSize     int
	VectorLayers []VectorLayer
}

func (m TileMetadata) IsTerrain() bool { return m.Encoding != EncodingNone }

// TileAddress is a z/x/y coordinate in the XYZ scheme.
type TileAddress struct {
	Z, X, Y int
}

func (a TileAddress) String() string {
	return fmt.Sprintf("%d/%d/%d", a.Z, a.X, a.Y)
}

// Valid reports whether x and y fit the 2^z grid.
func (a TileAddress) Valid() bool {
	if a.Z < 0 || a.Z > 30 {
		return false
	}
	n := 1 << a.Z
	return a.X >= 0 && a.X < n && a.Y >= 0 && a.Y < n
}

// Payload is raw tile content plus the headers that travel with it.
type Payload struct {
	Data   []byte
	Header http.Header
}

// BBox is a lon/lat rectangle in EPSG:4326.
type BBox struct {
	X1, Y1 float64
	X2, Y2 float64
}

func (b BBox) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b.X1, b.Y1, b.X2, b.Y2)
}
