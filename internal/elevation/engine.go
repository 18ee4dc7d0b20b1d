// Package elevation answers point elevation queries against terrain sources.
//
// Points are projected onto the source's tile pyramid and grouped by tile so
// every tile is fetched and decoded once per query, however many points fall
// on it.
package elevation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/fetcher"
	"github.com/mohammed-shakir/tileplane/internal/mapper/mercator"
	"github.com/mohammed-shakir/tileplane/internal/registry"
	"github.com/mohammed-shakir/tileplane/internal/tiles"
)

// Point is a geographic query. Zoom is clamped into the source's range.
type Point struct {
	Lon  float64 `json:"lon"`
	Lat  float64 `json:"lat"`
	Zoom float64 `json:"z"`
}

// Result is the answer for the point at Index. Elevation is nil when the
// tile holding the point does not exist.
type Result struct {
	Index     int      `json:"index"`
	Lon       float64  `json:"lon"`
	Lat       float64  `json:"lat"`
	Z         int      `json:"z"`
	X         int      `json:"x"`
	Y         int      `json:"y"`
	PixelX    int      `json:"pixelX"`
	PixelY    int      `json:"pixelY"`
	Elevation *float64 `json:"elevation"`
}

type Sources interface {
	Acquire() (*registry.Generation, error)
}

type Options struct {
	// Workers bounds concurrent tile fetches per query.
	Workers int
	// MaxPoints rejects larger batches; 0 means unlimited.
	MaxPoints int
	Logger    *slog.Logger
}

type Engine struct {
	sources Sources
	fetch   fetcher.Interface
	opts    Options
}

func New(sources Sources, f fetcher.Interface, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = 8
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{sources: sources, fetch: f, opts: opts}
}

// placed is a point after zoom clamping and projection.
type placed struct {
	index  int
	lon    float64
	lat    float64
	addr   model.TileAddress
	px, py float64
}

// group is every point that falls on one tile.
type group struct {
	addr   model.TileAddress
	points []placed
}

// Query returns one result per point, in input order.
func (e *Engine) Query(ctx context.Context, sourceID string, points []Point) ([]Result, error) {
	if e.opts.MaxPoints > 0 && len(points) > e.opts.MaxPoints {
		return nil, fmt.Errorf("%w: %d points exceeds limit of %d", model.ErrInvalidRequest, len(points), e.opts.MaxPoints)
	}
	g, err := e.sources.Acquire()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	defer g.Release()

	d, err := terrainSource(g, sourceID)
	if err != nil {
		return nil, err
	}
	for i, p := range points {
		if err := validPoint(p); err != nil {
			return nil, fmt.Errorf("%w: point %d: %w", model.ErrInvalidRequest, i, err)
		}
	}

	meta := d.Meta
	placedPts := make([]placed, len(points))
	for i, p := range points {
		z := clampZoom(p.Zoom, meta.MinZoom, meta.MaxZoom)
		tx, ty, px, py := mercator.LonLatToTilePixel(p.Lon, p.Lat, z, meta.TileSize)
		placedPts[i] = placed{
			index: i, lon: p.Lon, lat: p.Lat,
			addr: model.TileAddress{Z: z, X: tx, Y: ty},
			px:   px, py: py,
		}
	}
	return e.evaluate(ctx, d, placedPts)
}

// QueryPoint is Query for a single point.
func (e *Engine) QueryPoint(ctx context.Context, sourceID string, p Point) (Result, error) {
	res, err := e.Query(ctx, sourceID, []Point{p})
	if err != nil {
		return Result{}, err
	}
	return res[0], nil
}

// QueryTile samples the centre pixel of tile addr. Unlike Query the zoom is
// not clamped: an address outside the source's range is ErrOutOfBounds.
func (e *Engine) QueryTile(ctx context.Context, sourceID string, addr model.TileAddress) (Result, error) {
	g, err := e.sources.Acquire()
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	defer g.Release()

	d, err := terrainSource(g, sourceID)
	if err != nil {
		return Result{}, err
	}
	if err := tiles.CheckBounds(d.Meta, addr); err != nil {
		return Result{}, err
	}
	lon, lat := mercator.TileCenter(addr.X, addr.Y, addr.Z)
	half := float64(d.Meta.TileSize) / 2
	res, err := e.evaluate(ctx, d, []placed{{lon: lon, lat: lat, addr: addr, px: half, py: half}})
	if err != nil {
		return Result{}, err
	}
	return res[0], nil
}

func (e *Engine) evaluate(ctx context.Context, d *registry.Descriptor, pts []placed) ([]Result, error) {
	results := make([]Result, len(pts))
	var groups []*group
	byTile := make(map[model.TileAddress]*group)
	for _, p := range pts {
		results[p.index] = Result{
			Index: p.index, Lon: p.lon, Lat: p.lat,
			Z: p.addr.Z, X: p.addr.X, Y: p.addr.Y,
			PixelX: int(math.Floor(p.px)), PixelY: int(math.Floor(p.py)),
		}
		if !p.addr.Valid() {
			// outside the pyramid, e.g. a longitude past 180
			continue
		}
		gr, ok := byTile[p.addr]
		if !ok {
			gr = &group{addr: p.addr}
			byTile[p.addr] = gr
			groups = append(groups, gr)
		}
		gr.points = append(gr.points, p)
	}

	errs := e.runGroups(ctx, d, groups, results)
	for i, err := range errs {
		if err != nil {
			e.opts.Logger.Warn("elevation tile failed",
				"source", d.ID, "tile", groups[i].addr.String(), "err", err)
			return nil, err
		}
	}

	absent := 0
	for _, r := range results {
		if r.Elevation == nil {
			absent++
		}
	}
	observability.ObserveElevationBatch(len(pts), len(groups), absent)
	return results, nil
}

// runGroups fetches and samples every group on a bounded pool of workers.
// Each group writes only its own points' slots in results. The returned
// slice holds one error per group.
func (e *Engine) runGroups(ctx context.Context, d *registry.Descriptor, groups []*group, results []Result) []error {
	errs := make([]error, len(groups))
	if len(groups) == 0 {
		return errs
	}

	jobs := make(chan int)
	workerN := min(e.opts.Workers, len(groups))
	var wg sync.WaitGroup
	wg.Add(workerN)
	for range workerN {
		go func() {
			defer wg.Done()
			for i := range jobs {
				errs[i] = e.sampleGroup(ctx, d, groups[i], results)
			}
		}()
	}

	for i := range groups {
		select {
		case jobs <- i:
		case <-ctx.Done():
			errs[i] = abandoned(ctx.Err())
		}
	}
	close(jobs)
	wg.Wait()
	return errs
}

func (e *Engine) sampleGroup(ctx context.Context, d *registry.Descriptor, gr *group, results []Result) error {
	// own context per group so one cancelled lookup leaves its siblings alone
	gctx, cancel := context.WithCancel(ctx)
	defer cancel()

	payload, found, err := e.fetch.Fetch(gctx, d, gr.addr)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	img, err := decodeRaster(payload.Data, d.Meta.TileSize)
	if err != nil {
		return fmt.Errorf("%s %s: %w", d.ID, gr.addr, err)
	}
	for _, p := range gr.points {
		r, g, b := img.sample(p.px, p.py)
		v := Decode(d.Meta.Encoding, r, g, b)
		results[p.index].Elevation = &v
	}
	return nil
}

// terrainSource resolves id and checks it can answer elevation queries.
func terrainSource(g *registry.Generation, id string) (*registry.Descriptor, error) {
	d, err := g.Resolve(id)
	if err != nil {
		return nil, err
	}
	switch d.Kind {
	case model.KindPMTiles, model.KindMBTiles:
	default:
		return nil, fmt.Errorf("%w: %s has container kind %v", model.ErrUnsupportedSource, id, d.Kind)
	}
	if !d.Meta.IsTerrain() {
		return nil, fmt.Errorf("%w: %s has no terrain encoding", model.ErrUnsupportedSource, id)
	}
	if !d.Meta.Format.IsRaster() {
		return nil, fmt.Errorf("%w: %s serves %s, terrain needs png or webp", model.ErrUnsupportedSource, id, d.Meta.Format)
	}
	return d, nil
}

func validPoint(p Point) error {
	for _, v := range []float64{p.Lon, p.Lat, p.Zoom} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("lon, lat and z must be finite numbers")
		}
	}
	if p.Lat <= -90 || p.Lat >= 90 {
		return fmt.Errorf("latitude %g outside (-90, 90)", p.Lat)
	}
	return nil
}

// clampZoom clamps z into [minZoom, maxZoom] and floors it.
func clampZoom(z float64, minZoom, maxZoom int) int {
	z = math.Max(float64(minZoom), math.Min(float64(maxZoom), z))
	return int(math.Floor(z))
}

func abandoned(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", model.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("elevation query abandoned: %w", err)
}
