// Package tilecache keeps raw container tiles in front of a fetcher.
//
// Lookups go process LRU, then the shared store, then the wrapped fetcher.
// Only found tiles are cached: absent tiles and errors always reach the
// container again. Tiles are admitted to the shared store once their
// hotness score reaches HotThreshold.
package tilecache

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/mohammed-shakir/tileplane/internal/cache"
	"github.com/mohammed-shakir/tileplane/internal/cache/keys"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/fetcher"
	"github.com/mohammed-shakir/tileplane/internal/hotness"
	"github.com/mohammed-shakir/tileplane/internal/registry"
)

const tierLRU = "lru"

// Live reports which descriptor currently serves a source id.
type Live interface {
	Current(id string) (*registry.Descriptor, bool)
}

type Options struct {
	LRUSize int
	// Live keeps tiles read from a retired generation out of both tiers; nil
	// treats every descriptor as current.
	Live Live
	// Shared is the cross-instance tier; nil disables it.
	Shared    cache.Interface
	TTL       time.Duration
	OpTimeout time.Duration
	// Hotness gates admission to Shared; nil admits every tile.
	Hotness      hotness.Interface
	HotThreshold float64
	Logger       *slog.Logger
}

type Fetcher struct {
	next fetcher.Interface
	lru  *lru.Cache[string, []byte]
	opts Options
}

var _ fetcher.Interface = (*Fetcher)(nil)

func New(next fetcher.Interface, opts Options) (*Fetcher, error) {
	if next == nil {
		return nil, errors.New("tilecache: next fetcher is required")
	}
	if opts.LRUSize <= 0 {
		opts.LRUSize = 1024
	}
	if opts.OpTimeout <= 0 {
		opts.OpTimeout = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c, err := lru.New[string, []byte](opts.LRUSize)
	if err != nil {
		return nil, err
	}
	return &Fetcher{next: next, lru: c, opts: opts}, nil
}

func (f *Fetcher) Fetch(ctx context.Context, d *registry.Descriptor, addr model.TileAddress) (model.Payload, bool, error) {
	key := keys.TileKey(d.ID, addr)
	if f.opts.Hotness != nil {
		f.opts.Hotness.Inc(key)
	}

	if b, ok := f.lru.Get(key); ok {
		observability.AddCacheHits(tierLRU, 1)
		return payload(d, b), true, nil
	}
	observability.AddCacheMisses(tierLRU, 1)

	if b, ok := f.sharedGet(ctx, key); ok {
		f.lru.Add(key, b)
		return payload(d, b), true, nil
	}

	p, found, err := f.next.Fetch(ctx, d, addr)
	if err != nil || !found {
		return p, found, err
	}
	if f.stale(d) {
		return p, true, nil
	}
	f.lru.Add(key, slices.Clone(p.Data))
	// a reload that lands after the check above purges before or after this
	// second look, either way the entry does not survive it
	if f.stale(d) {
		f.lru.Remove(key)
		return p, true, nil
	}
	if f.admit(key) {
		f.sharedSet(ctx, key, p.Data)
	}
	return p, true, nil
}

// Invalidate drops keys from both tiers.
func (f *Fetcher) Invalidate(ctx context.Context, ks ...string) error {
	for _, k := range ks {
		f.lru.Remove(k)
	}
	if f.opts.Shared == nil || len(ks) == 0 {
		return nil
	}
	return f.opts.Shared.Del(ctx, ks...)
}

// Purge empties the process tier, used when sources are reloaded.
func (f *Fetcher) Purge() { f.lru.Purge() }

func (f *Fetcher) Len() int { return f.lru.Len() }

// stale reports whether d belongs to a generation that was replaced.
func (f *Fetcher) stale(d *registry.Descriptor) bool {
	if f.opts.Live == nil {
		return false
	}
	cur, ok := f.opts.Live.Current(d.ID)
	return !ok || cur != d
}

func (f *Fetcher) admit(key string) bool {
	if f.opts.Shared == nil {
		return false
	}
	if f.opts.Hotness == nil || f.opts.HotThreshold <= 0 {
		return true
	}
	return f.opts.Hotness.Score(key) >= f.opts.HotThreshold
}

// sharedGet fails open: a store error is logged and treated as a miss.
func (f *Fetcher) sharedGet(ctx context.Context, key string) ([]byte, bool) {
	if f.opts.Shared == nil {
		return nil, false
	}
	opCtx, cancel := context.WithTimeout(ctx, f.opts.OpTimeout)
	defer cancel()
	got, err := f.opts.Shared.MGet(opCtx, []string{key})
	if err != nil {
		f.opts.Logger.Warn("tile cache read failed", "key", key, "err", err)
		return nil, false
	}
	b, ok := got[key]
	return b, ok && len(b) > 0
}

func (f *Fetcher) sharedSet(ctx context.Context, key string, b []byte) {
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), f.opts.OpTimeout)
	defer cancel()
	if err := f.opts.Shared.Set(opCtx, key, b, f.opts.TTL); err != nil {
		f.opts.Logger.Warn("tile cache write failed", "key", key, "err", err)
	}
}

func payload(d *registry.Descriptor, b []byte) model.Payload {
	h := http.Header{}
	h.Set("Content-Type", d.Meta.Format.ContentType())
	// callers may rewrite the bytes in place
	return model.Payload{Data: slices.Clone(b), Header: h}
}
