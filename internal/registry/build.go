package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"

	"github.com/mohammed-shakir/tileplane/internal/container"
	"github.com/mohammed-shakir/tileplane/internal/container/mbtiles"
	"github.com/mohammed-shakir/tileplane/internal/container/pmtiles"
	"github.com/mohammed-shakir/tileplane/internal/core/config"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/mapper/mercator"
)

// zoom range assumed for non-terrain sources whose container is silent
const (
	defaultMinZoom = 0
	defaultMaxZoom = 22
)

var worldBounds = []float64{-180, -mercator.MaxLatitude, 180, mercator.MaxLatitude}

// Opener opens the container at location.
type Opener func(ctx context.Context, kind model.ContainerKind, location string) (container.Source, error)

type BuildOptions struct {
	// Sparse is the global missing-tile default; nil falls back to the
	// format default.
	Sparse    *bool
	PublicURL string
	Open      Opener
	Logger    *slog.Logger
}

// DefaultOpener opens PMTiles with client for http(s) reads and MBTiles from
// local disk.
func DefaultOpener(client *http.Client, leafCache int) Opener {
	return func(ctx context.Context, kind model.ContainerKind, location string) (container.Source, error) {
		switch kind {
		case model.KindPMTiles:
			return pmtiles.Open(ctx, location, pmtiles.Options{Client: client, LeafCacheSize: leafCache})
		case model.KindMBTiles:
			return mbtiles.Open(ctx, location)
		default:
			return nil, fmt.Errorf("%w: container kind %v", model.ErrUnsupportedSource, kind)
		}
	}
}

// Build opens and validates every source in sf. A single rejected source
// fails the whole build; handles opened so far are closed.
func Build(ctx context.Context, sf *config.SourcesFile, opts BuildOptions) (*Generation, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Open == nil {
		opts.Open = DefaultOpener(http.DefaultClient, 0)
	}
	sparse := opts.Sparse
	if sf.Options.Sparse != nil {
		sparse = sf.Options.Sparse
	}
	publicURL := opts.PublicURL
	if sf.Options.PublicURL != "" {
		publicURL = sf.Options.PublicURL
	}

	sources := make(map[string]*Descriptor, len(sf.Data))
	var errs []error
	for _, id := range sf.IDs() {
		sc := sf.Data[id]
		d, err := buildOne(ctx, id, sc, sf.Location(sc), opts.Open)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %q: %w", id, err))
			continue
		}
		d.Policy = resolvePolicy(sc.Sparse, sparse, d.Meta.Format)
		d.PublicURL = sc.PublicURL
		if d.PublicURL == "" {
			d.PublicURL = publicURL
		}
		sources[id] = d
		opts.Logger.Info("source loaded",
			"source", id,
			"kind", d.Kind.String(),
			"format", string(d.Meta.Format),
			"minzoom", d.Meta.MinZoom,
			"maxzoom", d.Meta.MaxZoom,
			"policy", d.Policy.String(),
			"terrain", d.Meta.IsTerrain(),
		)
	}
	if len(errs) > 0 {
		for _, d := range sources {
			_ = d.Handle.Close()
		}
		return nil, errors.Join(errs...)
	}
	return newGeneration(sources, opts.Logger), nil
}

func buildOne(ctx context.Context, id string, sc config.SourceConfig, location string, open Opener) (*Descriptor, error) {
	enc, err := model.ParseEncoding(sc.Encoding)
	if err != nil {
		return nil, err
	}
	h, err := open(ctx, sc.Kind(), location)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sc.Kind(), err)
	}
	meta, err := normalize(ctx, h, sc, enc)
	if err != nil {
		_ = h.Close()
		return nil, err
	}
	return &Descriptor{ID: id, Kind: sc.Kind(), Handle: h, Meta: meta}, nil
}

func normalize(ctx context.Context, h container.Source, sc config.SourceConfig, enc model.Encoding) (model.TileMetadata, error) {
	if h.Size() <= 0 {
		return model.TileMetadata{}, errors.New("container is empty")
	}
	cm, err := h.Metadata(ctx)
	if err != nil {
		return model.TileMetadata{}, fmt.Errorf("read metadata: %w", err)
	}
	format, err := model.ParseFormat(cm.Format)
	if err != nil {
		return model.TileMetadata{}, fmt.Errorf("%w: format %q", model.ErrUnsupportedSource, cm.Format)
	}
	if enc != model.EncodingNone && !format.IsRaster() {
		return model.TileMetadata{}, fmt.Errorf("%w: %s encoding needs png or webp tiles, container holds %s",
			model.ErrUnsupportedSource, enc, format)
	}

	minZ, maxZ := cm.MinZoom, cm.MaxZoom
	if sc.MinZoom != nil {
		minZ = sc.MinZoom
	}
	if sc.MaxZoom != nil {
		maxZ = sc.MaxZoom
	}
	if minZ == nil || maxZ == nil {
		if enc != model.EncodingNone {
			return model.TileMetadata{}, errors.New("terrain source must declare minzoom and maxzoom")
		}
		if minZ == nil {
			minZ = container.IntPtr(defaultMinZoom)
		}
		if maxZ == nil {
			maxZ = container.IntPtr(defaultMaxZoom)
		}
	}
	if *minZ < 0 || *maxZ > 30 || *minZ > *maxZ {
		return model.TileMetadata{}, fmt.Errorf("invalid zoom range [%d,%d]", *minZ, *maxZ)
	}

	md := model.TileMetadata{
		Name:        cm.Name,
		Description: cm.Description,
		Attribution: cm.Attribution,
		Version:     cm.Version,
		Format:      format,
		MinZoom:     *minZ,
		MaxZoom:     *maxZ,
		Bounds:      cm.Bounds,
		Center:      cm.Center,
		Encoding:    enc,
		TileSize:    sc.TileSize,
	}
	if md.TileSize == 0 {
		md.TileSize = model.DefaultTileSize
	}
	if len(md.Bounds) != 4 {
		md.Bounds = worldBounds
	}
	if len(md.Center) != 3 {
		md.Center = deriveCenter(md.Bounds, md.MinZoom, md.MaxZoom)
	}
	if len(cm.VectorLayers) > 0 {
		if err := json.Unmarshal(cm.VectorLayers, &md.VectorLayers); err != nil {
			return model.TileMetadata{}, fmt.Errorf("vector_layers: %w", err)
		}
	}
	return md, nil
}

// deriveCenter picks the bounds midpoint at a zoom where the bounds span
// about four tiles, clamped to the source's zoom range.
func deriveCenter(b []float64, minZoom, maxZoom int) []float64 {
	lon := (b[0] + b[2]) / 2
	lat := (b[1] + b[3]) / 2
	z := minZoom
	if span := b[2] - b[0]; span > 0 {
		z = int(math.Round(-math.Log2(span / 360 / 4)))
	}
	z = max(minZoom, min(maxZoom, z))
	return []float64{lon, lat, float64(z)}
}

// resolvePolicy applies source override, then global option, then the
// format default. sparse=true means absent tiles answer not found.
func resolvePolicy(source, global *bool, f model.Format) model.MissingTilePolicy {
	for _, s := range []*bool{source, global} {
		if s == nil {
			continue
		}
		if *s {
			return model.PolicyNotFound
		}
		return model.PolicyEmpty
	}
	return model.DefaultPolicy(f)
}
