package tilecache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"

	"github.com/mohammed-shakir/tileplane/internal/cache/keys"
	"github.com/mohammed-shakir/tileplane/internal/cache/redisstore"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/hotness/expdecay"
	"github.com/mohammed-shakir/tileplane/internal/registry"
)

type stubFetcher struct {
	calls atomic.Int32
	tiles map[model.TileAddress][]byte
	err   error
}

func (s *stubFetcher) Fetch(_ context.Context, _ *registry.Descriptor, a model.TileAddress) (model.Payload, bool, error) {
	s.calls.Add(1)
	if s.err != nil {
		return model.Payload{}, false, s.err
	}
	b, ok := s.tiles[a]
	if !ok {
		return model.Payload{}, false, nil
	}
	return model.Payload{Data: b}, true, nil
}

// swappingFetcher retires its descriptor while the fetch is in flight.
type swappingFetcher struct {
	stubFetcher
	live *liveSet
	next *registry.Descriptor
}

func (s *swappingFetcher) Fetch(ctx context.Context, d *registry.Descriptor, a model.TileAddress) (model.Payload, bool, error) {
	p, found, err := s.stubFetcher.Fetch(ctx, d, a)
	s.live.cur.Store(s.next)
	return p, found, err
}

type liveSet struct{ cur atomic.Pointer[registry.Descriptor] }

func (l *liveSet) Current(id string) (*registry.Descriptor, bool) {
	d := l.cur.Load()
	if d == nil || d.ID != id {
		return nil, false
	}
	return d, true
}

var (
	desc  = &registry.Descriptor{ID: "roads", Meta: model.TileMetadata{Format: model.FormatPBF}}
	addr  = model.TileAddress{Z: 3, X: 1, Y: 2}
	quiet = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func newRedis(t *testing.T) (*redisstore.Client, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	rc, err := redisstore.New(context.Background(), mr.Addr())
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	return rc, mr
}

func TestFetch_LRUServesRepeatsAndCopies(t *testing.T) {
	next := &stubFetcher{tiles: map[model.TileAddress][]byte{addr: []byte("tile")}}
	f, err := New(next, Options{LRUSize: 8, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	p, found, err := f.Fetch(context.Background(), desc, addr)
	if err != nil || !found || string(p.Data) != "tile" {
		t.Fatalf("p=%q found=%v err=%v", p.Data, found, err)
	}
	p.Data[0] = 'X'

	p, found, _ = f.Fetch(context.Background(), desc, addr)
	if !found || string(p.Data) != "tile" {
		t.Fatalf("cached copy mutated: %q", p.Data)
	}
	if p.Header.Get("Content-Type") != "application/x-protobuf" {
		t.Fatalf("header=%v", p.Header)
	}
	if next.calls.Load() != 1 {
		t.Fatalf("next called %d times", next.calls.Load())
	}
}

func TestFetch_AbsentAndErrorsAreNotCached(t *testing.T) {
	next := &stubFetcher{tiles: map[model.TileAddress][]byte{}}
	f, _ := New(next, Options{Logger: quiet})
	for range 2 {
		if _, found, err := f.Fetch(context.Background(), desc, addr); found || err != nil {
			t.Fatalf("found=%v err=%v", found, err)
		}
	}
	next.err = model.ErrUpstreamIO
	for range 2 {
		if _, _, err := f.Fetch(context.Background(), desc, addr); !errors.Is(err, model.ErrUpstreamIO) {
			t.Fatalf("err=%v", err)
		}
	}
	if next.calls.Load() != 4 || f.Len() != 0 {
		t.Fatalf("calls=%d len=%d", next.calls.Load(), f.Len())
	}
}

func TestFetch_SharedTierAdmitsHotTiles(t *testing.T) {
	rc, mr := newRedis(t)
	next := &stubFetcher{tiles: map[model.TileAddress][]byte{addr: []byte("tile")}}
	f, _ := New(next, Options{
		Shared: rc, TTL: time.Minute, Hotness: expdecay.New(time.Hour), HotThreshold: 1.5, Logger: quiet,
	})
	key := keys.TileKey(desc.ID, addr)

	if _, _, err := f.Fetch(context.Background(), desc, addr); err != nil {
		t.Fatal(err)
	}
	if mr.Exists(key) {
		t.Fatalf("cold tile admitted to redis")
	}

	f.Purge()
	if _, _, err := f.Fetch(context.Background(), desc, addr); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists(key) {
		t.Fatalf("hot tile not admitted")
	}
	if ttl := mr.TTL(key); ttl != time.Minute {
		t.Fatalf("ttl=%v", ttl)
	}

	// a fresh process tier is filled from redis without touching next
	f.Purge()
	before := next.calls.Load()
	p, found, err := f.Fetch(context.Background(), desc, addr)
	if err != nil || !found || string(p.Data) != "tile" || next.calls.Load() != before {
		t.Fatalf("redis hit failed: %q %v %v calls=%d", p.Data, found, err, next.calls.Load())
	}
}

func TestFetch_SharedTierFailsOpen(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	rc, err := redisstore.New(context.Background(), mr.Addr(), redisstore.WithDialTimeout(50*time.Millisecond))
	if err != nil {
		t.Fatalf("redisstore: %v", err)
	}
	t.Cleanup(func() { _ = rc.Close() })
	next := &stubFetcher{tiles: map[model.TileAddress][]byte{addr: []byte("tile")}}
	f, _ := New(next, Options{Shared: rc, OpTimeout: 50 * time.Millisecond, Logger: quiet})
	mr.Close()

	p, found, err := f.Fetch(context.Background(), desc, addr)
	if err != nil || !found || string(p.Data) != "tile" {
		t.Fatalf("p=%q found=%v err=%v", p.Data, found, err)
	}
}

func TestInvalidate(t *testing.T) {
	rc, mr := newRedis(t)
	next := &stubFetcher{tiles: map[model.TileAddress][]byte{addr: []byte("tile")}}
	f, _ := New(next, Options{Shared: rc, TTL: time.Minute, Logger: quiet})
	if _, _, err := f.Fetch(context.Background(), desc, addr); err != nil {
		t.Fatal(err)
	}
	key := keys.TileKey(desc.ID, addr)
	if !mr.Exists(key) || f.Len() != 1 {
		t.Fatalf("not cached")
	}
	if err := f.Invalidate(context.Background(), key); err != nil {
		t.Fatalf("Invalidate: %v", err)
	}
	if mr.Exists(key) || f.Len() != 0 {
		t.Fatalf("still cached after invalidate")
	}
}

func TestNew_RequiresNext(t *testing.T) {
	if _, err := New(nil, Options{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestFetch_RetiredGenerationIsNotCached(t *testing.T) {
	rc, mr := newRedis(t)
	live := &liveSet{}
	live.cur.Store(desc)
	reloaded := &registry.Descriptor{ID: desc.ID, Meta: desc.Meta}
	next := &swappingFetcher{
		stubFetcher: stubFetcher{tiles: map[model.TileAddress][]byte{addr: []byte("old")}},
		live:        live,
		next:        reloaded,
	}
	f, err := New(next, Options{Shared: rc, TTL: time.Minute, Live: live, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}

	p, found, err := f.Fetch(context.Background(), desc, addr)
	if err != nil || !found || string(p.Data) != "old" {
		t.Fatalf("p=%q found=%v err=%v", p.Data, found, err)
	}
	if f.Len() != 0 {
		t.Fatalf("tile from retired generation kept in lru")
	}
	if mr.Exists(keys.TileKey(desc.ID, addr)) {
		t.Fatalf("tile from retired generation written to shared tier")
	}

	// the current descriptor caches as usual
	next.tiles[addr] = []byte("new")
	if _, _, err := f.Fetch(context.Background(), reloaded, addr); err != nil {
		t.Fatal(err)
	}
	if f.Len() != 1 {
		t.Fatalf("len=%d want 1", f.Len())
	}
}
