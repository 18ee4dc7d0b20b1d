package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

func TestFromEnv_Defaults(t *testing.T) {
	for _, k := range []string{"ADDR", "SPARSE", "ELEVATION_MAX_POINTS", "REMOTE_FETCH_TIMEOUT"} {
		t.Setenv(k, "")
	}
	cfg := FromEnv()
	if cfg.Addr != ":8080" {
		t.Fatalf("addr=%q", cfg.Addr)
	}
	if cfg.Sparse != nil {
		t.Fatalf("sparse should be unset, got %v", *cfg.Sparse)
	}
	if cfg.RemoteFetchTimeout != 10*time.Second || cfg.ElevationMaxPoints != 1000 {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
}

func TestFromEnv_Overrides(t *testing.T) {
	t.Setenv("ADDR", ":9999")
	t.Setenv("SPARSE", "true")
	t.Setenv("PUBLIC_URL", "https://tiles.example.com/")
	t.Setenv("REMOTE_FETCH_TIMEOUT", "3s")
	t.Setenv("ELEVATION_MAX_WORKERS", "0")
	t.Setenv("TILE_CACHE_ENABLED", "yes")

	cfg := FromEnv()
	if cfg.Addr != ":9999" || cfg.Sparse == nil || !*cfg.Sparse {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.PublicURL != "https://tiles.example.com" {
		t.Fatalf("public url=%q", cfg.PublicURL)
	}
	if cfg.RemoteFetchTimeout != 3*time.Second {
		t.Fatalf("remote timeout=%v", cfg.RemoteFetchTimeout)
	}
	if cfg.ElevationMaxWorkers != 1 {
		t.Fatalf("workers=%d want clamped to 1", cfg.ElevationMaxWorkers)
	}
	if !cfg.TileCache.Enabled {
		t.Fatalf("tile cache not enabled")
	}
}

const sampleSources = `
options:
  sparse: false
  publicUrl: https://tiles.example.com
data:
  terrain:
    pmtiles: s3://bucket/terrain.pmtiles
    encoding: terrarium
    tileSize: 512
    sparse: true
  roads:
    mbtiles: data/roads.mbtiles
    minzoom: 2
    maxzoom: 14
`

func TestLoadSources_ResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "sources.yaml")
	if err := os.WriteFile(p, []byte(sampleSources), 0o600); err != nil {
		t.Fatal(err)
	}
	sf, err := LoadSources(p)
	if err != nil {
		t.Fatalf("LoadSources: %v", err)
	}
	if got := sf.IDs(); len(got) != 2 || got[0] != "roads" || got[1] != "terrain" {
		t.Fatalf("ids=%v", got)
	}
	if sf.Options.Sparse == nil || *sf.Options.Sparse || sf.Options.PublicURL != "https://tiles.example.com" {
		t.Fatalf("options=%+v", sf.Options)
	}

	roads := sf.Data["roads"]
	if roads.Kind() != model.KindMBTiles {
		t.Fatalf("roads kind=%v", roads.Kind())
	}
	if want := filepath.Join(dir, "data", "roads.mbtiles"); sf.Location(roads) != want {
		t.Fatalf("location=%q want %q", sf.Location(roads), want)
	}
	terrain := sf.Data["terrain"]
	if sf.Location(terrain) != "s3://bucket/terrain.pmtiles" || terrain.Kind() != model.KindPMTiles {
		t.Fatalf("terrain=%+v", terrain)
	}
	if terrain.Sparse == nil || !*terrain.Sparse || terrain.TileSize != 512 {
		t.Fatalf("terrain overrides=%+v", terrain)
	}
}

func TestParseSources_Validation(t *testing.T) {
	cases := map[string]string{
		"empty":      "data: {}",
		"no kind":    "data:\n  a:\n    encoding: mapbox\n",
		"both kinds": "data:\n  a:\n    pmtiles: a.pmtiles\n    mbtiles: a.mbtiles\n",
		"encoding":   "data:\n  a:\n    pmtiles: a.pmtiles\n    encoding: lerc\n",
		"tile size":  "data:\n  a:\n    pmtiles: a.pmtiles\n    tileSize: 300\n",
		"zoom order": "data:\n  a:\n    pmtiles: a.pmtiles\n    minzoom: 5\n    maxzoom: 2\n",
		"bad yaml":   "data: [",
	}
	for name, doc := range cases {
		if _, err := ParseSources([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestValidate_ReportsEverySource(t *testing.T) {
	_, err := ParseSources([]byte("data:\n  a: {}\n  b: {}\n"))
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "data.a") || !strings.Contains(err.Error(), "data.b") {
		t.Fatalf("error should mention both sources: %v", err)
	}
}
