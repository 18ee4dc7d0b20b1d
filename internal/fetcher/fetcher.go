// Package fetcher reads single tiles from whichever container backs a source.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mohammed-shakir/tileplane/internal/container"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/registry"
)

// Interface is satisfied by Fetcher and by the caching layer wrapping it.
// found is false with a nil error when the container has no such tile.
type Interface interface {
	Fetch(ctx context.Context, d *registry.Descriptor, addr model.TileAddress) (p model.Payload, found bool, err error)
}

type Fetcher struct {
	LocalTimeout  time.Duration
	RemoteTimeout time.Duration
}

var _ Interface = (*Fetcher)(nil)

func New(local, remote time.Duration) *Fetcher {
	return &Fetcher{LocalTimeout: local, RemoteTimeout: remote}
}

func (f *Fetcher) Fetch(ctx context.Context, d *registry.Descriptor, addr model.TileAddress) (model.Payload, bool, error) {
	start := time.Now()
	p, found, err := f.fetch(ctx, d, addr)
	observability.ObserveFetch(d.Kind.String(), result(found, err), time.Since(start).Seconds())
	return p, found, err
}

func (f *Fetcher) fetch(ctx context.Context, d *registry.Descriptor, addr model.TileAddress) (model.Payload, bool, error) {
	timeout := f.LocalTimeout
	switch d.Kind {
	case model.KindPMTiles:
		if d.Handle.Remote() {
			timeout = f.RemoteTimeout
		}
	case model.KindMBTiles:
	default:
		return model.Payload{}, false, fmt.Errorf("%w: container kind %v", model.ErrUnsupportedSource, d.Kind)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	// an abandoned request never reaches the container
	err := ctx.Err()
	var t container.Tile
	if err == nil {
		t, err = d.Handle.Tile(ctx, addr.Z, addr.X, addr.Y)
	}
	switch {
	case err == nil:
	case errors.Is(err, container.ErrTileNotFound):
		return model.Payload{}, false, nil
	case errors.Is(err, context.DeadlineExceeded):
		return model.Payload{}, false, fmt.Errorf("%w: %s %s: %w", model.ErrUpstreamTimeout, d.ID, addr, err)
	default:
		return model.Payload{}, false, fmt.Errorf("%w: %s %s: %w", model.ErrUpstreamIO, d.ID, addr, err)
	}
	if len(t.Data) == 0 {
		return model.Payload{}, false, nil
	}
	h := t.Header
	if h == nil {
		h = http.Header{}
	}
	return model.Payload{Data: t.Data, Header: h}, true, nil
}

func result(found bool, err error) string {
	switch {
	case errors.Is(err, model.ErrUpstreamTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case !found:
		return "absent"
	default:
		return "hit"
	}
}
