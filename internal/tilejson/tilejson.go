// Package tilejson builds the public TileJSON document of a source.
package tilejson

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/registry"
)

const Version = "3.0.0"

type Document struct {
	TileJSON     string              `json:"tilejson"`
	ID           string              `json:"id"`
	Name         string              `json:"name,omitempty"`
	Description  string              `json:"description,omitempty"`
	Attribution  string              `json:"attribution,omitempty"`
	Version      string              `json:"version,omitempty"`
	Scheme       string              `json:"scheme"`
	Tiles        []string            `json:"tiles"`
	Format       string              `json:"format"`
	MinZoom      int                 `json:"minzoom"`
	MaxZoom      int                 `json:"maxzoom"`
	Bounds       []float64           `json:"bounds,omitempty"`
	Center       []float64           `json:"center,omitempty"`
	TileSize     int                 `json:"tileSize,omitempty"`
	Encoding     string              `json:"encoding,omitempty"`
	VectorLayers []model.VectorLayer `json:"vector_layers,omitempty"`
}

type Options struct {
	// BaseURL is used when the source has no public URL, normally derived
	// from the request.
	BaseURL string
}

// Build returns the index document for d. Tile URLs always point at this
// server, never at the container's own templates.
func Build(d *registry.Descriptor, opts Options) Document {
	m := d.Meta
	base := d.PublicURL
	if base == "" {
		base = opts.BaseURL
	}
	doc := Document{
		TileJSON:     Version,
		ID:           d.ID,
		Name:         m.Name,
		Description:  m.Description,
		Attribution:  m.Attribution,
		Version:      m.Version,
		Scheme:       "xyz",
		Tiles:        []string{TileURL(base, d.ID, m.Format)},
		Format:       string(m.Format),
		MinZoom:      m.MinZoom,
		MaxZoom:      m.MaxZoom,
		Bounds:       m.Bounds,
		Center:       m.Center,
		Encoding:     string(m.Encoding),
		VectorLayers: m.VectorLayers,
	}
	if doc.Name == "" {
		doc.Name = d.ID
	}
	if m.TileSize != model.DefaultTileSize {
		doc.TileSize = m.TileSize
	}
	return doc
}

// TileURL is the z/x/y template under base for source id.
func TileURL(base, id string, f model.Format) string {
	return fmt.Sprintf("%s/data/%s/{z}/{x}/{y}.%s", strings.TrimRight(base, "/"), id, f)
}

// BaseURL derives scheme://host from r, honouring X-Forwarded-* headers set
// by a fronting proxy.
func BaseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = strings.TrimSpace(strings.Split(p, ",")[0])
	}
	host := r.Host
	if h := r.Header.Get("X-Forwarded-Host"); h != "" {
		host = strings.TrimSpace(strings.Split(h, ",")[0])
	}
	return scheme + "://" + host
}
