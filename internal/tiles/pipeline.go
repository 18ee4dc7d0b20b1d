// Package tiles turns a tile request into the bytes sent to the client.
package tiles

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/gzip"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/fetcher"
	"github.com/mohammed-shakir/tileplane/internal/registry"
)

type Outcome int

const (
	OutcomeTile Outcome = iota + 1
	OutcomeNotFound
	OutcomeEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeTile:
		return "tile"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeEmpty:
		return "empty"
	default:
		return "unknown"
	}
}

// DecorateFunc may rewrite a vector tile before it is re-encoded. It sees
// uncompressed protobuf and must return protobuf.
type DecorateFunc func(ctx context.Context, sourceID string, data []byte, z, x, y int) ([]byte, error)

// Sources hands out the active registry generation.
type Sources interface {
	Acquire() (*registry.Generation, error)
}

type Request struct {
	SourceID string
	Addr     model.TileAddress
	// Format is the requested extension: pbf, png, webp or geojson.
	Format string
}

type Response struct {
	Outcome Outcome
	// Payload is set only for OutcomeTile.
	Payload model.Payload
}

type Pipeline struct {
	sources  Sources
	fetch    fetcher.Interface
	decorate DecorateFunc
	log      *slog.Logger
}

type Option func(*Pipeline)

func WithDecorator(fn DecorateFunc) Option { return func(p *Pipeline) { p.decorate = fn } }

func WithLogger(l *slog.Logger) Option { return func(p *Pipeline) { p.log = l } }

func New(sources Sources, f fetcher.Interface, opts ...Option) *Pipeline {
	p := &Pipeline{sources: sources, fetch: f, log: slog.Default()}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Serve(ctx context.Context, req Request) (Response, error) {
	g, err := p.sources.Acquire()
	if err != nil {
		return Response{}, fmt.Errorf("%w: %w", model.ErrNotFound, err)
	}
	defer g.Release()

	d, err := g.Resolve(req.SourceID)
	if err != nil {
		return Response{}, err
	}
	out, err := outputFormat(d.Meta.Format, req.Format)
	if err != nil {
		return Response{}, err
	}
	if err := CheckBounds(d.Meta, req.Addr); err != nil {
		return Response{}, err
	}

	payload, found, err := p.fetch.Fetch(ctx, d, req.Addr)
	if err != nil {
		observability.ObserveTileResponse(string(out), "error", 0)
		return Response{}, err
	}
	if !found {
		o := OutcomeNotFound
		if d.Policy == model.PolicyEmpty {
			o = OutcomeEmpty
		}
		observability.ObserveTileResponse(string(out), o.String(), 0)
		return Response{Outcome: o}, nil
	}

	body, err := p.transform(ctx, d, req.Addr, out, payload.Data)
	if err != nil {
		p.log.Warn("tile transform failed", "source", d.ID, "tile", req.Addr.String(), "format", out, "err", err)
		observability.ObserveTileResponse(string(out), "error", 0)
		return Response{}, err
	}
	resp, err := finish(payload.Header, out, body)
	if err != nil {
		return Response{}, err
	}
	observability.ObserveTileResponse(string(out), OutcomeTile.String(), len(resp.Data))
	return Response{Outcome: OutcomeTile, Payload: resp}, nil
}

// CheckBounds rejects addresses outside the grid or the source's zoom range.
func CheckBounds(m model.TileMetadata, a model.TileAddress) error {
	if a.Z < m.MinZoom || a.Z > m.MaxZoom || !a.Valid() {
		return fmt.Errorf("%w: %s outside zoom %d-%d", model.ErrOutOfBounds, a, m.MinZoom, m.MaxZoom)
	}
	return nil
}

func outputFormat(native model.Format, requested string) (model.OutputFormat, error) {
	r := strings.ToLower(requested)
	if r == string(model.OutputGeoJSON) {
		if native != model.FormatPBF {
			return "", fmt.Errorf("%w: geojson requires a vector source, have %s", model.ErrInvalidRequest, native)
		}
		return model.OutputGeoJSON, nil
	}
	if r != string(native) {
		return "", fmt.Errorf("%w: source serves %s, not %q", model.ErrInvalidRequest, native, requested)
	}
	return model.OutputFormat(native), nil
}

func (p *Pipeline) transform(ctx context.Context, d *registry.Descriptor, a model.TileAddress, out model.OutputFormat, data []byte) ([]byte, error) {
	data, err := Decompress(data)
	if err != nil {
		return nil, err
	}
	if d.Meta.Format != model.FormatPBF {
		return data, nil
	}
	if p.decorate != nil {
		if data, err = p.decorate(ctx, d.ID, data, a.Z, a.X, a.Y); err != nil {
			return nil, fmt.Errorf("decorate %s %s: %w", d.ID, a, err)
		}
	}
	if out == model.OutputGeoJSON {
		return ToGeoJSON(data, a)
	}
	return data, nil
}

func isGzip(b []byte) bool { return len(b) >= 2 && b[0] == 0x1f && b[1] == 0x8b }

// Decompress gunzips b when it starts with the gzip magic and returns it
// unchanged otherwise.
func Decompress(b []byte) ([]byte, error) {
	if !isGzip(b) {
		return b, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: gzip header: %w", model.ErrDecodeFailure, err)
	}
	defer func() { _ = zr.Close() }()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: gzip body: %w", model.ErrDecodeFailure, err)
	}
	return out, nil
}

// ToGeoJSON decodes a vector tile into one FeatureCollection in WGS84. Each
// feature gets a "layer" property naming its source layer.
func ToGeoJSON(pbf []byte, a model.TileAddress) ([]byte, error) {
	layers, err := mvt.Unmarshal(pbf)
	if err != nil {
		return nil, fmt.Errorf("%w: mvt: %w", model.ErrDecodeFailure, err)
	}
	layers.ProjectToWGS84(maptile.New(uint32(a.X), uint32(a.Y), maptile.Zoom(a.Z)))

	fc := geojson.NewFeatureCollection()
	for _, l := range layers {
		for _, f := range l.Features {
			if f.Properties == nil {
				f.Properties = geojson.Properties{}
			}
			f.Properties["layer"] = l.Name
			fc.Append(f)
		}
	}
	b, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("%w: geojson encode: %w", model.ErrDecodeFailure, err)
	}
	return b, nil
}

func contentType(out model.OutputFormat) string {
	if out == model.OutputGeoJSON {
		return "application/json"
	}
	return model.Format(out).ContentType()
}

// finish gzips body and rebuilds the headers. Validators from the container
// never survive because the bytes they described have changed.
func finish(inherited http.Header, out model.OutputFormat, body []byte) (model.Payload, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return model.Payload{}, fmt.Errorf("gzip tile: %w", err)
	}
	if err := zw.Close(); err != nil {
		return model.Payload{}, fmt.Errorf("gzip tile: %w", err)
	}

	h := inherited.Clone()
	if h == nil {
		h = http.Header{}
	}
	for _, k := range []string{"ETag", "Last-Modified", "Content-Length", "Content-Encoding", "Content-Type"} {
		h.Del(k)
	}
	h.Set("Content-Type", contentType(out))
	h.Set("Content-Encoding", "gzip")
	h.Set("ETag", fmt.Sprintf(`"%016x"`, xxhash.Sum64(buf.Bytes())))
	return model.Payload{Data: buf.Bytes(), Header: h}, nil
}
