// Package tilefixture builds small archives and tiles for tests.
package tilefixture

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/klauspost/compress/gzip"
	_ "github.com/mattn/go-sqlite3"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/mvt"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/maptile"
	gopm "github.com/protomaps/go-pmtiles/pmtiles"
	gombtiles "github.com/twpayne/go-mbtiles"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

type PMTilesOptions struct {
	TileType        gopm.TileType
	TileCompression gopm.Compression
	MinZoom         uint8
	MaxZoom         uint8
	Metadata        map[string]any
	// LeafSize > 0 splits the directory into leaves of that many entries.
	LeafSize int
	// Bounds in degrees; zero leaves the header bounds empty.
	Bounds [4]float64
}

// PMTiles returns a complete v3 archive holding tiles.
func PMTiles(tb testing.TB, tiles map[model.TileAddress][]byte, o PMTilesOptions) []byte {
	tb.Helper()
	if o.TileCompression == gopm.UnknownCompression {
		o.TileCompression = gopm.NoCompression
	}
	type item struct {
		id   uint64
		data []byte
	}
	items := make([]item, 0, len(tiles))
	for a, d := range tiles {
		items = append(items, item{id: gopm.ZxyToID(uint8(a.Z), uint32(a.X), uint32(a.Y)), data: d})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].id < items[j].id })

	var data bytes.Buffer
	entries := make([]gopm.EntryV3, 0, len(items))
	for _, it := range items {
		entries = append(entries, gopm.EntryV3{
			TileID: it.id, Offset: uint64(data.Len()), Length: uint32(len(it.data)), RunLength: 1,
		})
		data.Write(it.data)
	}

	var root, leaves []byte
	if o.LeafSize > 0 && len(entries) > o.LeafSize {
		var rootEntries []gopm.EntryV3
		for i := 0; i < len(entries); i += o.LeafSize {
			chunk := entries[i:min(i+o.LeafSize, len(entries))]
			b := gopm.SerializeEntries(chunk, gopm.Gzip)
			rootEntries = append(rootEntries, gopm.EntryV3{
				TileID: chunk[0].TileID, Offset: uint64(len(leaves)), Length: uint32(len(b)),
			})
			leaves = append(leaves, b...)
		}
		root = gopm.SerializeEntries(rootEntries, gopm.Gzip)
	} else {
		root = gopm.SerializeEntries(entries, gopm.Gzip)
	}

	md := o.Metadata
	if md == nil {
		md = map[string]any{}
	}
	meta, err := gopm.SerializeMetadata(md, gopm.Gzip)
	if err != nil {
		tb.Fatalf("serialize metadata: %v", err)
	}

	h := gopm.HeaderV3{
		SpecVersion:         3,
		RootOffset:          gopm.HeaderV3LenBytes,
		RootLength:          uint64(len(root)),
		AddressedTilesCount: uint64(len(entries)),
		TileEntriesCount:    uint64(len(entries)),
		TileContentsCount:   uint64(len(entries)),
		Clustered:           true,
		InternalCompression: gopm.Gzip,
		TileCompression:     o.TileCompression,
		TileType:            o.TileType,
		MinZoom:             o.MinZoom,
		MaxZoom:             o.MaxZoom,
		MinLonE7:            int32(o.Bounds[0] * 1e7),
		MinLatE7:            int32(o.Bounds[1] * 1e7),
		MaxLonE7:            int32(o.Bounds[2] * 1e7),
		MaxLatE7:            int32(o.Bounds[3] * 1e7),
	}
	h.MetadataOffset = h.RootOffset + h.RootLength
	h.MetadataLength = uint64(len(meta))
	h.LeafDirectoryOffset = h.MetadataOffset + h.MetadataLength
	h.LeafDirectoryLength = uint64(len(leaves))
	h.TileDataOffset = h.LeafDirectoryOffset + h.LeafDirectoryLength
	h.TileDataLength = uint64(data.Len())

	var out bytes.Buffer
	out.Write(gopm.SerializeHeader(h))
	out.Write(root)
	out.Write(meta)
	out.Write(leaves)
	out.Write(data.Bytes())
	return out.Bytes()
}

// WritePMTiles writes an archive into dir and returns its path.
func WritePMTiles(tb testing.TB, dir, name string, tiles map[model.TileAddress][]byte, o PMTilesOptions) string {
	tb.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, PMTiles(tb, tiles, o), 0o600); err != nil {
		tb.Fatalf("write pmtiles: %v", err)
	}
	return p
}

// WriteMBTiles creates an MBTiles file with tiles (XYZ addresses) and
// metadata rows. Vector layers go into the json row.
func WriteMBTiles(tb testing.TB, dir, name string, tiles map[model.TileAddress][]byte, metadata map[string]string, layers []gombtiles.MetadataJsonVectorLayer) string {
	tb.Helper()
	p := filepath.Join(dir, name)
	db, err := sql.Open("sqlite3", p)
	if err != nil {
		tb.Fatalf("open sqlite: %v", err)
	}
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`CREATE TABLE metadata (name text, value text)`,
		`CREATE TABLE tiles (zoom_level integer, tile_column integer, tile_row integer, tile_data blob)`,
		`CREATE UNIQUE INDEX tile_index ON tiles (zoom_level, tile_column, tile_row)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			tb.Fatalf("%s: %v", stmt, err)
		}
	}
	for k, v := range metadata {
		if _, err := db.Exec(`INSERT INTO metadata (name, value) VALUES (?, ?)`, k, v); err != nil {
			tb.Fatalf("insert metadata: %v", err)
		}
	}
	if len(layers) > 0 {
		b, err := json.Marshal(gombtiles.MetadataJson{VectorLayers: layers})
		if err != nil {
			tb.Fatalf("marshal json metadata: %v", err)
		}
		if _, err := db.Exec(`INSERT INTO metadata (name, value) VALUES ('json', ?)`, string(b)); err != nil {
			tb.Fatalf("insert json metadata: %v", err)
		}
	}
	for a, d := range tiles {
		row := (1 << a.Z) - 1 - a.Y
		if _, err := db.Exec(`INSERT INTO tiles (zoom_level, tile_column, tile_row, tile_data) VALUES (?, ?, ?, ?)`,
			a.Z, a.X, row, d); err != nil {
			tb.Fatalf("insert tile %s: %v", a, err)
		}
	}
	return p
}

// Layer is one named layer of a vector tile fixture.
type Layer struct {
	Name     string
	Features int
}

// VectorTile encodes layers in order, each holding n point features spread
// across the tile, with a "seq" property.
func VectorTile(tb testing.TB, a model.TileAddress, layers ...Layer) []byte {
	tb.Helper()
	t := maptile.New(uint32(a.X), uint32(a.Y), maptile.Zoom(a.Z))
	b := t.Bound()
	var ls mvt.Layers
	for _, l := range layers {
		fc := geojson.NewFeatureCollection()
		for i := range l.Features {
			f := float64(i+1) / float64(l.Features+1)
			pt := orb.Point{
				b.Min.Lon() + f*(b.Max.Lon()-b.Min.Lon()),
				b.Min.Lat() + f*(b.Max.Lat()-b.Min.Lat()),
			}
			feat := geojson.NewFeature(pt)
			feat.Properties["seq"] = i
			fc.Append(feat)
		}
		ls = append(ls, mvt.NewLayer(l.Name, fc))
	}
	ls.ProjectToTile(t)
	data, err := mvt.Marshal(ls)
	if err != nil {
		tb.Fatalf("mvt marshal: %v", err)
	}
	return data
}

// Gzip compresses b.
func Gzip(tb testing.TB, b []byte) []byte {
	tb.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(b); err != nil {
		tb.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		tb.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// Gunzip reverses Gzip.
func Gunzip(tb testing.TB, b []byte) []byte {
	tb.Helper()
	zr, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		tb.Fatalf("gunzip: %v", err)
	}
	var out bytes.Buffer
	if _, err := out.ReadFrom(zr); err != nil {
		tb.Fatalf("gunzip read: %v", err)
	}
	return out.Bytes()
}

// EncodeElevation returns the RGB triplet for meters in the given encoding.
func EncodeElevation(enc model.Encoding, meters float64) color.NRGBA {
	switch enc {
	case model.EncodingTerrarium:
		v := meters + 32768
		r := math.Floor(v / 256)
		g := math.Floor(v - r*256)
		b := math.Floor((v - math.Floor(v)) * 256)
		return color.NRGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}
	default:
		v := int(math.Round((meters + 10000) * 10))
		return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}
	}
}

// TerrainPNG renders a size x size tile where each pixel encodes elev(px, py).
func TerrainPNG(tb testing.TB, size int, enc model.Encoding, elev func(px, py int) float64) []byte {
	tb.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for py := range size {
		for px := range size {
			img.SetNRGBA(px, py, EncodeElevation(enc, elev(px, py)))
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		tb.Fatalf("png encode: %v", err)
	}
	return buf.Bytes()
}

// FlatPNG is a terrain tile with one elevation everywhere.
func FlatPNG(tb testing.TB, size int, enc model.Encoding, meters float64) []byte {
	tb.Helper()
	return TerrainPNG(tb, size, enc, func(int, int) float64 { return meters })
}

func (l Layer) String() string { return fmt.Sprintf("%s(%d)", l.Name, l.Features) }
