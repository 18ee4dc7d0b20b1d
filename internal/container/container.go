// Package container is the boundary between the tile server and the archive
// formats it reads from.
package container

import (
	"context"
	"errors"
	"net/http"
)

// ErrTileNotFound means the archive holds no tile at the address. It is data,
// not a failure.
var ErrTileNotFound = errors.New("tile not found in container")

// Tile is one stored tile with the headers the container attaches to it.
type Tile struct {
	Data   []byte
	Header http.Header
}

// Metadata is what a container reports about itself before any config
// overrides. Zoom fields are nil when the container does not declare them.
type Metadata struct {
	Name        string
	Description string
	Attribution string
	Version     string
	Format      string
	MinZoom     *int
	MaxZoom     *int
	Bounds      []float64
	Center      []float64
	// VectorLayers is the raw vector_layers JSON, if any.
	VectorLayers []byte
}

// Source is an open archive. Implementations are safe for concurrent use.
type Source interface {
	Tile(ctx context.Context, z, x, y int) (Tile, error)
	Metadata(ctx context.Context) (Metadata, error)
	// Size is the archive size in bytes; zero means empty or unreadable.
	Size() int64
	// Remote reports whether reads cross the network.
	Remote() bool
	Close() error
}

func IntPtr(v int) *int { return &v }
