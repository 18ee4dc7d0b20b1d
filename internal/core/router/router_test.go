package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileplane/internal/container"
	"github.com/mohammed-shakir/tileplane/internal/core/config"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/elevation"
	"github.com/mohammed-shakir/tileplane/internal/fetcher"
	"github.com/mohammed-shakir/tileplane/internal/hitevents"
	"github.com/mohammed-shakir/tileplane/internal/registry"
	"github.com/mohammed-shakir/tileplane/internal/tilefixture"
	"github.com/mohammed-shakir/tileplane/internal/tiles"
)

type memSource struct {
	format string
	tiles  map[model.TileAddress][]byte
	err    error
}

func (m *memSource) Tile(_ context.Context, z, x, y int) (container.Tile, error) {
	if m.err != nil {
		return container.Tile{}, m.err
	}
	d, ok := m.tiles[model.TileAddress{Z: z, X: x, Y: y}]
	if !ok {
		return container.Tile{}, container.ErrTileNotFound
	}
	return container.Tile{Data: d}, nil
}

func (m *memSource) Metadata(context.Context) (container.Metadata, error) {
	return container.Metadata{Format: m.format, Name: "fixture " + m.format}, nil
}
func (*memSource) Size() int64  { return 1 }
func (*memSource) Remote() bool { return false }
func (*memSource) Close() error { return nil }

type hitSink struct {
	mu  sync.Mutex
	evs []hitevents.Event
}

func (s *hitSink) Publish(ev hitevents.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evs = append(s.evs, ev)
}

func (s *hitSink) all() []hitevents.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hitevents.Event(nil), s.evs...)
}

func intp(i int) *int    { return &i }
func boolp(b bool) *bool { return &b }

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var roadsTile = model.TileAddress{Z: 2, X: 1, Y: 1}

func newServer(t *testing.T) (*httptest.Server, *hitSink) {
	t.Helper()
	quads := map[model.TileAddress][]byte{}
	for a, m := range map[model.TileAddress]float64{
		{Z: 1, X: 0, Y: 0}: 200, {Z: 1, X: 1, Y: 0}: 500,
		{Z: 1, X: 0, Y: 1}: 1000, {Z: 1, X: 1, Y: 1}: 2500,
	} {
		quads[a] = tilefixture.FlatPNG(t, 256, model.EncodingTerrarium, m)
	}
	srcs := map[string]*memSource{
		"roads": {format: "pbf", tiles: map[model.TileAddress][]byte{
			roadsTile: tilefixture.Gzip(t, tilefixture.VectorTile(t, roadsTile,
				tilefixture.Layer{Name: "roads", Features: 3}, tilefixture.Layer{Name: "pois", Features: 2})),
		}},
		"dem":   {format: "png", tiles: quads},
		"ortho": {format: "png"},
		"flaky": {format: "png", err: fmt.Errorf("%w: disk gone", model.ErrUpstreamIO)},
	}
	cfgs := map[string]config.SourceConfig{
		"roads": {PMTiles: "roads", MinZoom: intp(0), MaxZoom: intp(4)},
		"dem":   {MBTiles: "dem", Encoding: "terrarium", MinZoom: intp(1), MaxZoom: intp(1)},
		"ortho": {PMTiles: "ortho", MinZoom: intp(0), MaxZoom: intp(3), Sparse: boolp(true)},
		"flaky": {PMTiles: "flaky", MinZoom: intp(0), MaxZoom: intp(3)},
	}
	open := func(_ context.Context, _ model.ContainerKind, loc string) (container.Source, error) {
		return srcs[loc], nil
	}
	g, err := registry.Build(context.Background(), &config.SourcesFile{Data: cfgs}, registry.BuildOptions{Open: open, Logger: quiet})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	reg := registry.New(quiet)
	reg.Replace(g)
	t.Cleanup(reg.Close)

	f := fetcher.New(0, 0)
	hits := &hitSink{}
	r := chi.NewRouter()
	Mount(r, Deps{
		Sources:   reg,
		Tiles:     tiles.New(reg, f, tiles.WithLogger(quiet)),
		Elevation: elevation.New(reg, f, elevation.Options{MaxPoints: 5, Logger: quiet}),
		Hits:      hits,
		Logger:    quiet,
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, hits
}

func get(t *testing.T, url string, hdr ...string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	// keep the gzip body as served
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func body(t *testing.T, r *http.Response) []byte {
	t.Helper()
	b, err := io.ReadAll(r.Body)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestTile_VectorAndGeoJSON(t *testing.T) {
	srv, hits := newServer(t)

	resp := get(t, srv.URL+"/data/roads/2/1/1.pbf")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if resp.Header.Get("Content-Type") != "application/x-protobuf" || resp.Header.Get("Content-Encoding") != "gzip" {
		t.Fatalf("headers=%v", resp.Header)
	}
	etag := resp.Header.Get("ETag")
	if etag == "" {
		t.Fatalf("missing etag")
	}

	again := get(t, srv.URL+"/data/roads/2/1/1.pbf", "If-None-Match", etag)
	if again.StatusCode != http.StatusNotModified {
		t.Fatalf("conditional status=%d", again.StatusCode)
	}

	gj := get(t, srv.URL+"/data/roads/2/1/1.geojson")
	if gj.StatusCode != http.StatusOK || gj.Header.Get("Content-Type") != "application/json" {
		t.Fatalf("geojson status=%d headers=%v", gj.StatusCode, gj.Header)
	}
	fc, err := geojson.UnmarshalFeatureCollection(tilefixture.Gunzip(t, body(t, gj)))
	if err != nil {
		t.Fatal(err)
	}
	perLayer := map[string]int{}
	for _, f := range fc.Features {
		perLayer[f.Properties.MustString("layer")]++
	}
	if perLayer["roads"] != 3 || perLayer["pois"] != 2 {
		t.Fatalf("per layer=%v", perLayer)
	}

	evs := hits.all()
	if len(evs) != 3 || evs[0].Source != "roads" || evs[0].Outcome != "tile" || evs[2].Format != "geojson" {
		t.Fatalf("hits=%+v", evs)
	}
}

func TestTile_StatusMapping(t *testing.T) {
	srv, _ := newServer(t)
	cases := []struct {
		path string
		code int
		text string
	}{
		{"/data/roads/3/0/0.pbf", http.StatusNoContent, ""},
		{"/data/ortho/3/0/0.png", http.StatusNotFound, "tile not found"},
		{"/data/roads/5/0/0.pbf", http.StatusNotFound, "out of bounds"},
		{"/data/roads/2/4/0.pbf", http.StatusNotFound, "out of bounds"},
		{"/data/roads/2/-1/0.pbf", http.StatusNotFound, "out of bounds"},
		{"/data/nope/0/0/0.pbf", http.StatusNotFound, "source not found"},
		{"/data/roads/2/1/1.png", http.StatusBadRequest, "invalid request"},
		{"/data/dem/1/0/0.geojson", http.StatusBadRequest, "geojson"},
		{"/data/roads/a/1/1.pbf", http.StatusBadRequest, "z must be an integer"},
		{"/data/flaky/1/0/0.png", http.StatusBadGateway, "upstream error"},
	}
	for _, tc := range cases {
		resp := get(t, srv.URL+tc.path)
		b := string(body(t, resp))
		if resp.StatusCode != tc.code || !strings.Contains(b, tc.text) {
			t.Fatalf("%s: status=%d body=%q", tc.path, resp.StatusCode, b)
		}
	}
}

func TestTileJSON(t *testing.T) {
	srv, _ := newServer(t)
	resp := get(t, srv.URL+"/data/dem.json")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	var doc map[string]any
	if err := json.Unmarshal(body(t, resp), &doc); err != nil {
		t.Fatal(err)
	}
	tilesURL := doc["tiles"].([]any)[0].(string)
	if tilesURL != srv.URL+"/data/dem/{z}/{x}/{y}.png" || doc["encoding"] != "terrarium" {
		t.Fatalf("doc=%v", doc)
	}

	resp = get(t, srv.URL+"/data.json")
	var docs []map[string]any
	if err := json.Unmarshal(body(t, resp), &docs); err != nil {
		t.Fatal(err)
	}
	if len(docs) != 4 || docs[0]["id"] != "dem" {
		t.Fatalf("index=%v", docs)
	}

	if resp := get(t, srv.URL+"/data/nope.json"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("missing source status=%d", resp.StatusCode)
	}
}

func TestElevation_Endpoints(t *testing.T) {
	srv, hits := newServer(t)

	var res elevation.Result
	resp := get(t, srv.URL+"/data/dem/elevation/lonlat/1/45.5/45.5")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
	if err := json.Unmarshal(body(t, resp), &res); err != nil {
		t.Fatal(err)
	}
	if res.Elevation == nil || *res.Elevation != 500 {
		t.Fatalf("res=%+v", res)
	}

	resp = get(t, srv.URL+"/data/dem/elevation/1/0/1")
	if err := json.Unmarshal(body(t, resp), &res); err != nil {
		t.Fatal(err)
	}
	if res.Elevation == nil || *res.Elevation != 1000 || res.PixelX != 128 {
		t.Fatalf("tile res=%+v", res)
	}

	pts := `{"points":[{"lon":-45.5,"lat":-45.5,"z":1},{"lon":45.5,"lat":45.5,"z":9},{"lon":-45.5,"lat":45.5,"z":0}]}`
	post, err := http.Post(srv.URL+"/data/dem/elevation", "application/json", strings.NewReader(pts))
	if err != nil {
		t.Fatal(err)
	}
	defer post.Body.Close()
	var batch []elevation.Result
	if err := json.NewDecoder(post.Body).Decode(&batch); err != nil {
		t.Fatal(err)
	}
	want := []float64{1000, 500, 200}
	if len(batch) != len(want) {
		t.Fatalf("batch=%+v", batch)
	}
	for i, w := range want {
		if batch[i].Index != i || batch[i].Elevation == nil || *batch[i].Elevation != w {
			t.Fatalf("batch[%d]=%+v want %v", i, batch[i], w)
		}
	}

	if got := hits.all(); len(got) != 3 || got[2].Points != 3 || got[2].Kind != hitevents.KindElevation {
		t.Fatalf("hits=%+v", got)
	}
}

func TestElevation_Errors(t *testing.T) {
	srv, _ := newServer(t)
	cases := []struct {
		method, path, body string
		code               int
	}{
		{http.MethodGet, "/data/roads/elevation/1/0/0", "", http.StatusBadRequest},
		{http.MethodGet, "/data/dem/elevation/4/0/0", "", http.StatusNotFound},
		{http.MethodGet, "/data/dem/elevation/lonlat/1/x/0", "", http.StatusBadRequest},
		{http.MethodGet, "/data/dem/elevation/lonlat/1/0/95", "", http.StatusBadRequest},
		{http.MethodGet, "/data/nope/elevation/lonlat/1/0/0", "", http.StatusNotFound},
		{http.MethodPost, "/data/dem/elevation", `{"points":`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"pts":[]}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"points":[{},{},{},{},{},{}]}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"points":[{}]}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"points":[{"lon":null,"lat":null,"z":null}]}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"points":[{"lat":10}]}`, http.StatusBadRequest},
		{http.MethodPost, "/data/dem/elevation", `{"points":[{"lon":1,"lat":1,"z":1},{"lon":1,"lat":1}]}`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		req, _ := http.NewRequest(tc.method, srv.URL+tc.path, bytes.NewBufferString(tc.body))
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != tc.code {
			t.Fatalf("%s %s %s: status=%d want %d", tc.method, tc.path, tc.body, resp.StatusCode, tc.code)
		}
	}
}

func TestStatus(t *testing.T) {
	cancelled := fmt.Errorf("%w: %w", model.ErrUpstreamIO, context.Canceled)
	cases := map[error]int{
		model.ErrNotFound:                                   http.StatusNotFound,
		model.ErrOutOfBounds:                                http.StatusNotFound,
		model.ErrInvalidRequest:                             http.StatusBadRequest,
		model.ErrUnsupportedSource:                          http.StatusBadRequest,
		model.ErrDecodeFailure:                              http.StatusInternalServerError,
		model.ErrUpstreamIO:                                 http.StatusBadGateway,
		fmt.Errorf("wrapped: %w", model.ErrUpstreamTimeout): http.StatusGatewayTimeout,
		errors.New("anything else"):                         http.StatusInternalServerError,
		cancelled:                                           StatusClientClosedRequest,
	}
	for err, want := range cases {
		if got, _ := Status(err); got != want {
			t.Fatalf("%v: got %d want %d", err, got, want)
		}
	}
}
