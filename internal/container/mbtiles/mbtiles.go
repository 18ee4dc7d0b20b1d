// Package mbtiles reads tiles from MBTiles SQLite files.
package mbtiles

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	gombtiles "github.com/twpayne/go-mbtiles"

	"github.com/mohammed-shakir/tileplane/internal/container"
)

type Archive struct {
	db     *sql.DB
	size   int64
	format string
}

var _ container.Source = (*Archive)(nil)

// Open opens path read-only. The tiles table must exist.
func Open(ctx context.Context, path string) (*Archive, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("mbtiles stat: %w", err)
	}
	dsn := "file:" + path + "?mode=ro&_query_only=true"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("mbtiles open %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("mbtiles ping %s: %w", path, err)
	}
	var n int
	if err := db.QueryRowContext(ctx,
		`SELECT count(*) FROM sqlite_master WHERE name = 'tiles'`).Scan(&n); err != nil || n == 0 {
		_ = db.Close()
		if err == nil {
			err = errors.New("no tiles table")
		}
		return nil, fmt.Errorf("mbtiles %s: %w", path, err)
	}
	a := &Archive{db: db, size: st.Size()}
	var format string
	err = db.QueryRowContext(ctx, `SELECT value FROM metadata WHERE name = 'format'`).Scan(&format)
	if err == nil {
		a.format = strings.ToLower(strings.TrimSpace(format))
	}
	return a, nil
}

// Tile reads z/x/y, given in XYZ order; rows are stored TMS style.
func (a *Archive) Tile(ctx context.Context, z, x, y int) (container.Tile, error) {
	row := (1 << z) - 1 - y
	var data []byte
	err := a.db.QueryRowContext(ctx,
		`SELECT tile_data FROM tiles WHERE zoom_level = ? AND tile_column = ? AND tile_row = ?`,
		z, x, row).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return container.Tile{}, container.ErrTileNotFound
	}
	if err != nil {
		return container.Tile{}, fmt.Errorf("mbtiles read tile %d/%d/%d: %w", z, x, y, err)
	}
	if len(data) == 0 {
		return container.Tile{}, container.ErrTileNotFound
	}
	h := http.Header{}
	if ct := contentType(a.format); ct != "" {
		h.Set("Content-Type", ct)
	}
	return container.Tile{Data: data, Header: h}, nil
}

func (a *Archive) Metadata(ctx context.Context) (container.Metadata, error) {
	rows, err := a.db.QueryContext(ctx, `SELECT name, value FROM metadata`)
	if err != nil {
		return container.Metadata{}, fmt.Errorf("mbtiles metadata: %w", err)
	}
	defer func() { _ = rows.Close() }()

	kv := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return container.Metadata{}, fmt.Errorf("mbtiles metadata row: %w", err)
		}
		kv[strings.ToLower(strings.TrimSpace(k))] = v
	}
	if err := rows.Err(); err != nil {
		return container.Metadata{}, fmt.Errorf("mbtiles metadata rows: %w", err)
	}
	return parseMetadata(kv)
}

func parseMetadata(kv map[string]string) (container.Metadata, error) {
	md := container.Metadata{
		Name:        kv["name"],
		Description: kv["description"],
		Attribution: kv["attribution"],
		Version:     kv["version"],
		Format:      strings.ToLower(strings.TrimSpace(kv["format"])),
	}
	if v, ok := kv["minzoom"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return md, fmt.Errorf("mbtiles minzoom %q: %w", v, err)
		}
		md.MinZoom = &n
	}
	if v, ok := kv["maxzoom"]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return md, fmt.Errorf("mbtiles maxzoom %q: %w", v, err)
		}
		md.MaxZoom = &n
	}
	if v := kv["bounds"]; v != "" {
		b, err := floats(v, 4)
		if err != nil {
			return md, fmt.Errorf("mbtiles bounds: %w", err)
		}
		md.Bounds = b
	}
	if v := kv["center"]; v != "" {
		c, err := floats(v, 3)
		if err != nil {
			return md, fmt.Errorf("mbtiles center: %w", err)
		}
		md.Center = c
	}
	if v := kv["json"]; v != "" {
		var doc gombtiles.MetadataJson
		if err := json.Unmarshal([]byte(v), &doc); err != nil {
			return md, fmt.Errorf("mbtiles json metadata: %w", err)
		}
		if len(doc.VectorLayers) > 0 {
			b, err := json.Marshal(doc.VectorLayers)
			if err != nil {
				return md, fmt.Errorf("mbtiles vector_layers: %w", err)
			}
			md.VectorLayers = b
		}
	}
	return md, nil
}

func floats(s string, n int) ([]float64, error) {
	parts := strings.Split(s, ",")
	if len(parts) != n {
		return nil, fmt.Errorf("%q: want %d numbers", s, n)
	}
	out := make([]float64, n)
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("%q: %w", s, err)
		}
		out[i] = f
	}
	return out, nil
}

func contentType(format string) string {
	switch format {
	case "pbf":
		return "application/x-protobuf"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "jpg", "jpeg":
		return "image/jpeg"
	default:
		return ""
	}
}

func (a *Archive) Size() int64  { return a.size }
func (a *Archive) Remote() bool { return false }

func (a *Archive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("mbtiles close: %w", err)
	}
	return nil
}
