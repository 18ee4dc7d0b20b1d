// Package metricswrap reports hotness tracker size and hot tiles.
package metricswrap

import (
	"fmt"
	"log/slog"

	xx "github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/hotness"
)

type Sizer interface{ Size() int }

type Pruner interface{ Prune(floor float64) int }

type Options struct {
	Kind string
	// HotThreshold logs a sampled line when a key's score crosses it; 0 disables.
	HotThreshold float64
	// LogSample is the fraction of hot keys logged, in [0,1].
	LogSample float64
	Logger    *slog.Logger
}

type WithMetrics struct {
	inner hotness.Interface
	opts  Options
}

var _ hotness.Interface = (*WithMetrics)(nil)

func New(inner hotness.Interface, opts Options) *WithMetrics {
	if opts.Kind == "" {
		opts.Kind = "tracked"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WithMetrics{inner: inner, opts: opts}
}

func (w *WithMetrics) Inc(key string) {
	w.inner.Inc(key)
	if w.opts.HotThreshold > 0 {
		score := w.inner.Score(key)
		if score >= w.opts.HotThreshold && shouldLog(w.opts.LogSample, key) {
			w.opts.Logger.Info("hot tile above threshold",
				"event", "hotness_threshold",
				"score", score,
				"key_hash", fmt.Sprintf("%08x", xx.Sum64String(key)),
			)
		}
	}
	w.report()
}

func (w *WithMetrics) Score(key string) float64 {
	return w.inner.Score(key)
}

func (w *WithMetrics) Reset(keys ...string) {
	w.inner.Reset(keys...)
	w.report()
}

// Prune forwards to the inner tracker when it supports pruning.
func (w *WithMetrics) Prune(floor float64) int {
	p, ok := w.inner.(Pruner)
	if !ok {
		return 0
	}
	n := p.Prune(floor)
	w.report()
	return n
}

func (w *WithMetrics) report() {
	if s, ok := w.inner.(Sizer); ok {
		observability.SetHotKeysGauge(w.opts.Kind, s.Size())
	}
}

func shouldLog(sample float64, key string) bool {
	if sample <= 0 {
		return false
	}
	if sample >= 1 {
		return true
	}
	const denom = 10000
	threshold := uint64(sample*denom + 0.5)
	if threshold == 0 {
		return false
	}
	return xx.Sum64String(key)%denom < threshold
}
