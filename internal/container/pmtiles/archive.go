// Package pmtiles reads tiles out of PMTiles v3 archives.
package pmtiles

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/klauspost/compress/gzip"
	gopm "github.com/protomaps/go-pmtiles/pmtiles"

	"github.com/mohammed-shakir/tileplane/internal/container"
)

const (
	// first read covers the header and, per the format, the root directory
	preludeLen = 16384
	maxDepth   = 3
)

type Options struct {
	// LeafCacheSize is the number of decoded leaf directories kept.
	LeafCacheSize int
	Client        *http.Client
}

type Archive struct {
	r      RangeReader
	header gopm.HeaderV3
	root   []gopm.EntryV3
	leaves *lru.Cache[uint64, []gopm.EntryV3]
}

var _ container.Source = (*Archive)(nil)

func Open(ctx context.Context, location string, opts Options) (*Archive, error) {
	if opts.Client == nil {
		opts.Client = http.DefaultClient
	}
	r, err := NewReader(ctx, location, opts.Client)
	if err != nil {
		return nil, err
	}
	a, err := OpenReader(ctx, r, opts)
	if err != nil {
		_ = r.Close()
		return nil, fmt.Errorf("%s: %w", location, err)
	}
	return a, nil
}

// OpenReader reads the header and root directory through r. The archive owns
// r from then on.
func OpenReader(ctx context.Context, r RangeReader, opts Options) (*Archive, error) {
	prelude, err := r.ReadRange(ctx, 0, preludeLen)
	if err != nil {
		return nil, fmt.Errorf("pmtiles read header: %w", err)
	}
	if len(prelude) < gopm.HeaderV3LenBytes {
		return nil, errors.New("pmtiles: archive shorter than header")
	}
	h, err := gopm.DeserializeHeader(prelude[:gopm.HeaderV3LenBytes])
	if err != nil {
		return nil, fmt.Errorf("pmtiles header: %w", err)
	}
	if h.SpecVersion != 3 {
		return nil, fmt.Errorf("pmtiles: unsupported spec version %d", h.SpecVersion)
	}
	switch h.InternalCompression {
	case gopm.NoCompression, gopm.Gzip:
	default:
		return nil, fmt.Errorf("pmtiles: unsupported directory compression %d", h.InternalCompression)
	}
	switch h.TileCompression {
	case gopm.NoCompression, gopm.Gzip, gopm.UnknownCompression:
	default:
		return nil, fmt.Errorf("pmtiles: unsupported tile compression %d", h.TileCompression)
	}

	var rootBytes []byte
	if end := h.RootOffset + h.RootLength; end <= uint64(len(prelude)) {
		rootBytes = prelude[h.RootOffset:end]
	} else {
		rootBytes, err = r.ReadRange(ctx, int64(h.RootOffset), int64(h.RootLength))
		if err != nil {
			return nil, fmt.Errorf("pmtiles read root directory: %w", err)
		}
	}

	size := opts.LeafCacheSize
	if size <= 0 {
		size = 64
	}
	leaves, _ := lru.New[uint64, []gopm.EntryV3](size)

	return &Archive{
		r:      r,
		header: h,
		root:   gopm.DeserializeEntries(bytes.NewBuffer(rootBytes), h.InternalCompression),
		leaves: leaves,
	}, nil
}

func (a *Archive) Tile(ctx context.Context, z, x, y int) (container.Tile, error) {
	if z < int(a.header.MinZoom) || z > int(a.header.MaxZoom) {
		return container.Tile{}, container.ErrTileNotFound
	}
	id := gopm.ZxyToID(uint8(z), uint32(x), uint32(y))

	entries := a.root
	for depth := 0; depth <= maxDepth; depth++ {
		e, ok := gopm.FindTile(entries, id)
		if !ok {
			return container.Tile{}, container.ErrTileNotFound
		}
		if e.RunLength > 0 {
			data, err := a.r.ReadRange(ctx, int64(a.header.TileDataOffset+e.Offset), int64(e.Length))
			if err != nil {
				return container.Tile{}, fmt.Errorf("pmtiles read tile %d/%d/%d: %w", z, x, y, err)
			}
			if len(data) != int(e.Length) {
				return container.Tile{}, fmt.Errorf("pmtiles tile %d/%d/%d: short read %d of %d", z, x, y, len(data), e.Length)
			}
			return container.Tile{Data: data, Header: a.tileHeader()}, nil
		}
		leaf, err := a.leaf(ctx, a.header.LeafDirectoryOffset+e.Offset, e.Length)
		if err != nil {
			return container.Tile{}, err
		}
		entries = leaf
	}
	return container.Tile{}, fmt.Errorf("pmtiles: directory deeper than %d levels", maxDepth)
}

func (a *Archive) leaf(ctx context.Context, offset uint64, length uint32) ([]gopm.EntryV3, error) {
	if e, ok := a.leaves.Get(offset); ok {
		return e, nil
	}
	b, err := a.r.ReadRange(ctx, int64(offset), int64(length))
	if err != nil {
		return nil, fmt.Errorf("pmtiles read leaf: %w", err)
	}
	e := gopm.DeserializeEntries(bytes.NewBuffer(b), a.header.InternalCompression)
	a.leaves.Add(offset, e)
	return e, nil
}

func (a *Archive) tileHeader() http.Header {
	h := http.Header{}
	h.Set("Content-Type", contentType(a.header.TileType))
	if a.header.TileCompression == gopm.Gzip {
		h.Set("Content-Encoding", "gzip")
	}
	return h
}

func (a *Archive) Metadata(ctx context.Context) (container.Metadata, error) {
	h := a.header
	md := container.Metadata{
		Format:  formatName(h.TileType),
		MinZoom: container.IntPtr(int(h.MinZoom)),
		MaxZoom: container.IntPtr(int(h.MaxZoom)),
	}
	if h.MinLonE7 != 0 || h.MinLatE7 != 0 || h.MaxLonE7 != 0 || h.MaxLatE7 != 0 {
		md.Bounds = []float64{e7(h.MinLonE7), e7(h.MinLatE7), e7(h.MaxLonE7), e7(h.MaxLatE7)}
	}
	if h.CenterLonE7 != 0 || h.CenterLatE7 != 0 || h.CenterZoom != 0 {
		md.Center = []float64{e7(h.CenterLonE7), e7(h.CenterLatE7), float64(h.CenterZoom)}
	}
	if h.MetadataLength == 0 {
		return md, nil
	}

	raw, err := a.r.ReadRange(ctx, int64(h.MetadataOffset), int64(h.MetadataLength))
	if err != nil {
		return md, fmt.Errorf("pmtiles read metadata: %w", err)
	}
	if h.InternalCompression == gopm.Gzip {
		zr, err := gzip.NewReader(bytes.NewReader(raw))
		if err != nil {
			return md, fmt.Errorf("pmtiles metadata gzip: %w", err)
		}
		raw, err = io.ReadAll(zr)
		if err != nil {
			return md, fmt.Errorf("pmtiles metadata gunzip: %w", err)
		}
	}

	var doc struct {
		Name         string          `json:"name"`
		Description  string          `json:"description"`
		Attribution  string          `json:"attribution"`
		Version      string          `json:"version"`
		VectorLayers json.RawMessage `json:"vector_layers"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return md, fmt.Errorf("pmtiles metadata json: %w", err)
	}
	md.Name = doc.Name
	md.Description = doc.Description
	md.Attribution = doc.Attribution
	md.Version = doc.Version
	if len(doc.VectorLayers) > 0 && string(doc.VectorLayers) != "null" {
		md.VectorLayers = doc.VectorLayers
	}
	return md, nil
}

// Size is the object size, or the end of the furthest section when the
// transport cannot report it.
func (a *Archive) Size() int64 {
	if n := a.r.Size(); n > 0 {
		return n
	}
	h := a.header
	end := h.RootOffset + h.RootLength
	for _, e := range []uint64{
		h.MetadataOffset + h.MetadataLength,
		h.LeafDirectoryOffset + h.LeafDirectoryLength,
		h.TileDataOffset + h.TileDataLength,
	} {
		end = max(end, e)
	}
	return int64(end)
}

func (a *Archive) Remote() bool { return a.r.Remote() }

func (a *Archive) Close() error { return a.r.Close() }

func e7(v int32) float64 { return float64(v) / 1e7 }

func formatName(t gopm.TileType) string {
	switch t {
	case gopm.Mvt:
		return "pbf"
	case gopm.Png:
		return "png"
	case gopm.Webp:
		return "webp"
	case gopm.Jpeg:
		return "jpg"
	case gopm.Avif:
		return "avif"
	default:
		return ""
	}
}

func contentType(t gopm.TileType) string {
	switch t {
	case gopm.Mvt:
		return "application/x-protobuf"
	case gopm.Png:
		return "image/png"
	case gopm.Webp:
		return "image/webp"
	case gopm.Jpeg:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}
