// Package router maps the public HTTP surface onto the tile pipeline, the
// elevation engine and the TileJSON builder.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/elevation"
	"github.com/mohammed-shakir/tileplane/internal/hitevents"
	mylog "github.com/mohammed-shakir/tileplane/internal/logger"
	"github.com/mohammed-shakir/tileplane/internal/registry"
	"github.com/mohammed-shakir/tileplane/internal/tilejson"
	"github.com/mohammed-shakir/tileplane/internal/tiles"
)

// maxBatchBody caps POST /elevation bodies before JSON decoding.
const maxBatchBody = 4 << 20

type TileServer interface {
	Serve(ctx context.Context, req tiles.Request) (tiles.Response, error)
}

type ElevationQuerier interface {
	Query(ctx context.Context, sourceID string, points []elevation.Point) ([]elevation.Result, error)
	QueryPoint(ctx context.Context, sourceID string, p elevation.Point) (elevation.Result, error)
	QueryTile(ctx context.Context, sourceID string, addr model.TileAddress) (elevation.Result, error)
}

type Sources interface {
	Acquire() (*registry.Generation, error)
}

type HitPublisher interface {
	Publish(ev hitevents.Event)
}

type Deps struct {
	Sources   Sources
	Tiles     TileServer
	Elevation ElevationQuerier
	// Hits is optional.
	Hits   HitPublisher
	Logger *slog.Logger
}

type handlers struct {
	Deps
}

// Mount registers the data routes on r.
func Mount(r chi.Router, d Deps) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := &handlers{Deps: d}

	r.Get("/data.json", h.index)
	r.Route("/data", func(r chi.Router) {
		r.Get("/{id}.json", h.tileJSON)
		r.Get("/{id}/{z}/{x}/{y}.{format}", h.tile)
		r.Post("/{id}/elevation", h.elevationBatch)
		r.Get("/{id}/elevation/{z}/{x}/{y}", h.elevationTile)
		r.Get("/{id}/elevation/lonlat/{z}/{lon}/{lat}", h.elevationLonLat)
	})
}

func (h *handlers) index(w http.ResponseWriter, r *http.Request) {
	g, err := h.Sources.Acquire()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", model.ErrNotFound, err))
		return
	}
	defer g.Release()

	opts := tilejson.Options{BaseURL: tilejson.BaseURL(r)}
	docs := make([]tilejson.Document, 0, g.Len())
	for _, id := range g.IDs() {
		d, err := g.Resolve(id)
		if err != nil {
			continue
		}
		docs = append(docs, tilejson.Build(d, opts))
	}
	writeJSON(w, http.StatusOK, docs)
}

func (h *handlers) tileJSON(w http.ResponseWriter, r *http.Request) {
	g, err := h.Sources.Acquire()
	if err != nil {
		h.fail(w, r, fmt.Errorf("%w: %w", model.ErrNotFound, err))
		return
	}
	defer g.Release()

	d, err := g.Resolve(chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tilejson.Build(d, tilejson.Options{BaseURL: tilejson.BaseURL(r)}))
}

func (h *handlers) tile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ctx := mylog.WithSource(r.Context(), id)
	addr, err := tileAddress(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	format := chi.URLParam(r, "format")

	resp, err := h.Tiles.Serve(ctx, tiles.Request{SourceID: id, Addr: addr, Format: format})
	if err != nil {
		h.fail(w, r.WithContext(ctx), err)
		return
	}
	h.hit(hitevents.Event{Source: id, Kind: hitevents.KindTile, Z: addr.Z, X: addr.X, Y: addr.Y, Format: format, Outcome: resp.Outcome.String()})

	switch resp.Outcome {
	case tiles.OutcomeEmpty:
		w.WriteHeader(http.StatusNoContent)
		return
	case tiles.OutcomeNotFound:
		http.Error(w, "tile not found", http.StatusNotFound)
		return
	}

	for k, vs := range resp.Payload.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if etag := resp.Payload.Header.Get("ETag"); etag != "" && matchETag(r.Header.Get("If-None-Match"), etag) {
		w.Header().Del("Content-Encoding")
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(resp.Payload.Data)
}

func (h *handlers) elevationTile(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	addr, err := tileAddress(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Elevation.QueryTile(mylog.WithSource(r.Context(), id), id, addr)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hit(hitevents.Event{Source: id, Kind: hitevents.KindElevation, Z: res.Z, X: res.X, Y: res.Y, Outcome: outcome(res), Points: 1})
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) elevationLonLat(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	p, err := lonLatPoint(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Elevation.QueryPoint(mylog.WithSource(r.Context(), id), id, p)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hit(hitevents.Event{Source: id, Kind: hitevents.KindElevation, Z: res.Z, X: res.X, Y: res.Y, Outcome: outcome(res), Points: 1})
	writeJSON(w, http.StatusOK, res)
}

type batchRequest struct {
	Points []batchPoint `json:"points"`
}

// batchPoint keeps absent and null fields apart from zero.
type batchPoint struct {
	Lon  *float64 `json:"lon"`
	Lat  *float64 `json:"lat"`
	Zoom *float64 `json:"z"`
}

func (req batchRequest) points() ([]elevation.Point, error) {
	if req.Points == nil {
		return nil, fmt.Errorf("%w: body must contain a points array", model.ErrInvalidRequest)
	}
	out := make([]elevation.Point, len(req.Points))
	for i, p := range req.Points {
		if p.Lon == nil || p.Lat == nil || p.Zoom == nil {
			return nil, fmt.Errorf("%w: point %d: lon, lat and z are required", model.ErrInvalidRequest, i)
		}
		out[i] = elevation.Point{Lon: *p.Lon, Lat: *p.Lat, Zoom: *p.Zoom}
	}
	return out, nil
}

func (h *handlers) elevationBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req batchRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBatchBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		h.fail(w, r, fmt.Errorf("%w: body: %w", model.ErrInvalidRequest, err))
		return
	}
	pts, err := req.points()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.Elevation.Query(mylog.WithSource(r.Context(), id), id, pts)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.hit(hitevents.Event{Source: id, Kind: hitevents.KindElevation, Outcome: "batch", Points: len(res)})
	writeJSON(w, http.StatusOK, res)
}

func (h *handlers) hit(ev hitevents.Event) {
	if h.Hits != nil {
		h.Hits.Publish(ev)
	}
}

func outcome(r elevation.Result) string {
	if r.Elevation == nil {
		return tiles.OutcomeNotFound.String()
	}
	return tiles.OutcomeTile.String()
}

// fail writes the status for err's class. Server side failures are logged,
// client mistakes are not.
func (h *handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	code, msg := Status(err)
	if code >= http.StatusInternalServerError {
		h.Logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "status", code, "err", err)
	}
	http.Error(w, msg, code)
}

// StatusClientClosedRequest is written when the client went away first.
const StatusClientClosedRequest = 499

// Status maps an error onto an HTTP status and a client-facing message.
func Status(err error) (int, string) {
	switch {
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest, "client closed request"
	case errors.Is(err, model.ErrOutOfBounds):
		return http.StatusNotFound, "out of bounds"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "source not found"
	case errors.Is(err, model.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUnsupportedSource):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, model.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream timeout"
	case errors.Is(err, model.ErrUpstreamIO):
		return http.StatusBadGateway, "upstream error"
	case errors.Is(err, model.ErrDecodeFailure):
		return http.StatusInternalServerError, "tile decode failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

func matchETag(header, etag string) bool {
	for c := range strings.SplitSeq(header, ",") {
		c = strings.TrimSpace(c)
		if c == "*" || strings.TrimPrefix(c, "W/") == etag {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
