// Package registry holds the set of served sources.
//
// Sources live in an immutable Generation. A reload builds a new generation
// and swaps it in; the old one closes its container handles once the last
// request holding it calls Release.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"

	"github.com/mohammed-shakir/tileplane/internal/container"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
)

var ErrNoGeneration = errors.New("registry: no sources loaded")

// Descriptor is one resolved source. It is never mutated after Build.
type Descriptor struct {
	ID        string
	Kind      model.ContainerKind
	Handle    container.Source
	Meta      model.TileMetadata
	Policy    model.MissingTilePolicy
	PublicURL string
}

type Generation struct {
	Seq     uint64
	sources map[string]*Descriptor
	refs    atomic.Int64
	log     *slog.Logger
}

func newGeneration(sources map[string]*Descriptor, log *slog.Logger) *Generation {
	g := &Generation{sources: sources, log: log}
	g.refs.Store(1) // held by the registry until replaced
	return g
}

// Resolve returns the descriptor for id or model.ErrNotFound.
func (g *Generation) Resolve(id string) (*Descriptor, error) {
	d, ok := g.sources[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", model.ErrNotFound, id)
	}
	return d, nil
}

// IDs lists source ids in sorted order.
func (g *Generation) IDs() []string {
	ids := make([]string, 0, len(g.sources))
	for id := range g.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (g *Generation) Len() int { return len(g.sources) }

func (g *Generation) tryAcquire() bool {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops one reference; the last one closes every handle.
func (g *Generation) Release() {
	if g.refs.Add(-1) != 0 {
		return
	}
	for id, d := range g.sources {
		if err := d.Handle.Close(); err != nil {
			g.log.Warn("close source", "source", id, "generation", g.Seq, "err", err)
		}
	}
	g.log.Debug("generation retired", "generation", g.Seq)
}

type Registry struct {
	cur atomic.Pointer[Generation]
	seq atomic.Uint64
	log *slog.Logger
}

func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{log: log}
}

// Acquire returns the active generation with a reference held. Callers must
// Release it when the request is done.
func (r *Registry) Acquire() (*Generation, error) {
	for {
		g := r.cur.Load()
		if g == nil {
			return nil, ErrNoGeneration
		}
		if g.tryAcquire() {
			return g, nil
		}
		// g was retired between Load and tryAcquire; a newer one is installed
	}
}

// Current returns the descriptor id resolves to in the active generation,
// without taking a reference.
func (r *Registry) Current(id string) (*Descriptor, bool) {
	g := r.cur.Load()
	if g == nil {
		return nil, false
	}
	d, ok := g.sources[id]
	return d, ok
}

// Replace installs g and releases the registry's hold on the previous one.
func (r *Registry) Replace(g *Generation) {
	if g != nil {
		g.Seq = r.seq.Add(1)
		g.log = r.log
		observability.SetRegistryGeneration(g.Seq, g.Len())
		r.log.Info("source generation active", "generation", g.Seq, "sources", g.Len())
	}
	if old := r.cur.Swap(g); old != nil {
		old.Release()
	}
}

// Close retires the active generation.
func (r *Registry) Close() { r.Replace(nil) }
