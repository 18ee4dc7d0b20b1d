package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mohammed-shakir/tileplane/internal/core/model"
)

// SourcesFile is the YAML document listing the served sources.
type SourcesFile struct {
	Options SourcesOptions          `yaml:"options"`
	Data    map[string]SourceConfig `yaml:"data"`

	// dir is where relative container paths are resolved from.
	dir string
}

type SourcesOptions struct {
	Sparse    *bool  `yaml:"sparse,omitempty"`
	PublicURL string `yaml:"publicUrl,omitempty"`
}

// SourceConfig is one entry under data. Exactly one of PMTiles and MBTiles
// is set.
type SourceConfig struct {
	PMTiles   string `yaml:"pmtiles,omitempty"`
	MBTiles   string `yaml:"mbtiles,omitempty"`
	Encoding  string `yaml:"encoding,omitempty"`
	TileSize  int    `yaml:"tileSize,omitempty"`
	Sparse    *bool  `yaml:"sparse,omitempty"`
	MinZoom   *int   `yaml:"minzoom,omitempty"`
	MaxZoom   *int   `yaml:"maxzoom,omitempty"`
	PublicURL string `yaml:"publicUrl,omitempty"`
}

// LoadSources reads and validates path.
func LoadSources(path string) (*SourcesFile, error) {
	if path == "" {
		return nil, errors.New("sources file path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources file: %w", err)
	}
	sf, err := ParseSources(b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("resolve sources dir: %w", err)
	}
	sf.dir = abs
	return sf, nil
}

func ParseSources(b []byte) (*SourcesFile, error) {
	var sf SourcesFile
	if err := yaml.Unmarshal(b, &sf); err != nil {
		return nil, fmt.Errorf("parse sources yaml: %w", err)
	}
	if err := sf.Validate(); err != nil {
		return nil, err
	}
	return &sf, nil
}

// Validate checks every entry and reports all problems at once.
func (sf *SourcesFile) Validate() error {
	if len(sf.Data) == 0 {
		return errors.New("sources: data must list at least one source")
	}
	var errs []error
	for _, id := range sf.IDs() {
		if err := sf.Data[id].validate(); err != nil {
			errs = append(errs, fmt.Errorf("data.%s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

func (s SourceConfig) validate() error {
	switch {
	case s.PMTiles == "" && s.MBTiles == "":
		return errors.New("one of pmtiles or mbtiles is required")
	case s.PMTiles != "" && s.MBTiles != "":
		return errors.New("pmtiles and mbtiles are mutually exclusive")
	}
	if _, err := model.ParseEncoding(s.Encoding); err != nil {
		return err
	}
	if s.TileSize != 0 && s.TileSize != 256 && s.TileSize != 512 {
		return fmt.Errorf("tileSize %d must be 256 or 512", s.TileSize)
	}
	if s.MinZoom != nil && (*s.MinZoom < 0 || *s.MinZoom > 30) {
		return fmt.Errorf("minzoom %d outside [0,30]", *s.MinZoom)
	}
	if s.MaxZoom != nil && (*s.MaxZoom < 0 || *s.MaxZoom > 30) {
		return fmt.Errorf("maxzoom %d outside [0,30]", *s.MaxZoom)
	}
	if s.MinZoom != nil && s.MaxZoom != nil && *s.MinZoom > *s.MaxZoom {
		return fmt.Errorf("minzoom %d > maxzoom %d", *s.MinZoom, *s.MaxZoom)
	}
	return nil
}

// IDs returns the source ids sorted.
func (sf *SourcesFile) IDs() []string {
	ids := make([]string, 0, len(sf.Data))
	for id := range sf.Data {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Kind reports which container backs s.
func (s SourceConfig) Kind() model.ContainerKind {
	if s.PMTiles != "" {
		return model.KindPMTiles
	}
	return model.KindMBTiles
}

// Location returns the container path or URL, resolving relative local
// paths against the sources file directory.
func (sf *SourcesFile) Location(s SourceConfig) string {
	loc := s.PMTiles
	if loc == "" {
		loc = s.MBTiles
	}
	if strings.Contains(loc, "://") || filepath.IsAbs(loc) || sf.dir == "" {
		return loc
	}
	return filepath.Join(sf.dir, loc)
}
