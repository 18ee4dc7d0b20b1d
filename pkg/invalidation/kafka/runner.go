package kafka

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/tileplane/internal/cache/keys"
	"github.com/mohammed-shakir/tileplane/internal/core/model"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/invalidation"
)

// Invalidator drops cache keys from every tier; tilecache.Fetcher is one.
type Invalidator interface {
	Invalidate(ctx context.Context, keys ...string) error
}

type HotnessResetter interface {
	Reset(keys ...string)
}

type Mapper interface {
	TilesForBBox(bb model.BBox, zoom int) ([]model.TileAddress, error)
}

type Runner struct {
	log      *slog.Logger
	cfg      InvalidationConfig
	inv      Invalidator
	mapper   Mapper
	ms       *metricSet
	ver      *versionDedupe
	assigned atomic.Bool
	assignMu sync.RWMutex
	assign   map[int32]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	hot      HotnessResetter
}

type Options struct {
	Logger   *slog.Logger
	Register prometheus.Registerer
	Hotness  HotnessResetter
}

func New(cfg InvalidationConfig, inv Invalidator, m Mapper, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.MaxKeysPerEvent <= 0 {
		cfg.MaxKeysPerEvent = 1 << 16
	}
	return &Runner{
		log:    opts.Logger,
		cfg:    cfg,
		inv:    inv,
		mapper: m,
		ms:     newMetricSet(opts.Register),
		ver:    newVersionDedupe(8192),
		assign: map[int32]struct{}{},
		hot:    opts.Hotness,
	}
}

func (r *Runner) Start(ctx context.Context) error {
	if r.cfg.Driver != DriverKafka || !r.cfg.Enabled {
		r.log.Info("invalidation runner disabled", "driver", r.cfg.Driver, "enabled", r.cfg.Enabled)
		return nil
	}
	if r.inv == nil || r.mapper == nil {
		return errors.New("kafka runner: invalidator and mapper are required")
	}

	cfg, err := saramaConfig(r.cfg)
	if err != nil {
		return err
	}
	group, err := sarama.NewConsumerGroup(r.cfg.Brokers, r.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("consumer group: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	h := &groupHandler{
		setup: func(sess sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(true)
			r.assign = map[int32]struct{}{}
			for _, parts := range sess.Claims() {
				for _, p := range parts {
					r.assign[p] = struct{}{}
				}
			}
			r.assignMu.Unlock()
		},
		cleanup: func(sarama.ConsumerGroupSession) {
			r.assignMu.Lock()
			r.assigned.Store(false)
			r.assign = map[int32]struct{}{}
			r.assignMu.Unlock()
		},
		process: r.handleMessage,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				r.log.Error("kafka consumer group close", "err", err)
			}
		}()

		for {
			if err := group.Consume(ctx, []string{r.cfg.Topic}, h); err != nil {
				observability.IncKafkaConsumerError("consume")
				r.log.Error("kafka consume error", "err", err)
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for err := range group.Errors() {
			observability.IncKafkaConsumerError("group")
			r.log.Error("kafka group error", "err", err)
		}
	}()

	r.log.Info("kafka invalidation runner started",
		"topic", r.cfg.Topic, "group", r.cfg.GroupID, "brokers", r.cfg.Brokers)
	return nil
}

func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.log.Info("kafka invalidation runner stopped")
}

// Readiness reports whether the group currently owns partitions.
func (r *Runner) Readiness() (ready bool, partitions []int32) {
	if !r.assigned.Load() {
		return false, nil
	}
	r.assignMu.RLock()
	defer r.assignMu.RUnlock()
	for p := range r.assign {
		partitions = append(partitions, p)
	}
	return true, partitions
}

// handleMessage never returns an error for a malformed payload: the message
// is counted and committed so one bad record cannot stall the partition.
func (r *Runner) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	start := time.Now()

	if !msg.Timestamp.IsZero() {
		lag := time.Since(msg.Timestamp).Seconds()
		r.ms.lagGauge.Set(lag)
		observability.SetInvalidationLagSeconds(lag)
	}

	var w WireEvent
	if err := json.Unmarshal(msg.Value, &w); err == nil && w.targeted() {
		ts := w.TS
		if ts.IsZero() {
			ts = msg.Timestamp
		}
		err := r.applyWire(ctx, w)
		r.observe(w.Op, err, time.Since(start))
		if err == nil && w.Source != "" && !ts.IsZero() {
			observability.SetSourceInvalidatedAt(w.Source, ts)
		}
		return r.settle(err)
	}

	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		r.reject("decode", msg, err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		r.reject("validate", msg, err)
		return nil
	}
	err := r.applySpatial(ctx, ev)
	r.observe(ev.Op, err, time.Since(start))
	if err == nil {
		observability.SetSourceInvalidatedAt(ev.Source, ev.TS)
	}
	return r.settle(err)
}

func (r *Runner) reject(stage string, msg *sarama.ConsumerMessage, err error) {
	r.ms.msgs.WithLabelValues("rejected").Inc()
	observability.IncKafkaConsumerError(stage)
	r.log.Warn("invalidation message rejected",
		"stage", stage, "partition", msg.Partition, "offset", msg.Offset, "err", err)
}

// settle keeps store failures retryable and drops events that can never apply.
func (r *Runner) settle(err error) error {
	if err == nil || !errors.Is(err, errUnappliable) {
		return err
	}
	r.log.Warn("invalidation event skipped", "err", err)
	return nil
}

var errUnappliable = errors.New("event cannot be applied")

func (r *Runner) observe(op string, err error, dur time.Duration) {
	if op == "" {
		op = "unknown"
	}
	if err != nil {
		r.ms.msgs.WithLabelValues("error").Inc()
	} else {
		r.ms.msgs.WithLabelValues("ok").Inc()
	}
	r.ms.proc.WithLabelValues(op).Observe(dur.Seconds())
}

func (r *Runner) applyWire(ctx context.Context, w WireEvent) error {
	ks := append([]string(nil), w.Keys...)
	for _, s := range w.Tiles {
		a, err := parseTile(s)
		if err != nil {
			return fmt.Errorf("%w: %v", errUnappliable, err)
		}
		ks = append(ks, keys.TileKey(w.Source, a))
	}

	fresh := ks[:0:0]
	for _, k := range ks {
		if !r.ver.fresh(k, w.Version) {
			r.ms.apply.WithLabelValues("skip_version").Inc()
			continue
		}
		fresh = append(fresh, k)
	}
	if err := r.drop(ctx, fresh); err != nil {
		return err
	}
	r.ver.record(fresh, w.Version)
	return nil
}

func (r *Runner) applySpatial(ctx context.Context, ev invalidation.Event) error {
	bb := ev.BBox.Model()
	var ks []string
	for z := ev.MinZoom; z <= ev.MaxZoom; z++ {
		addrs, err := r.mapper.TilesForBBox(bb, z)
		if err != nil {
			return fmt.Errorf("%w: zoom %d: %v", errUnappliable, z, err)
		}
		if len(ks)+len(addrs) > r.cfg.MaxKeysPerEvent {
			return fmt.Errorf("%w: more than %d tiles", errUnappliable, r.cfg.MaxKeysPerEvent)
		}
		for _, a := range addrs {
			ks = append(ks, keys.TileKey(ev.Source, a))
		}
	}
	return r.drop(ctx, ks)
}

func (r *Runner) drop(ctx context.Context, ks []string) error {
	if len(ks) == 0 {
		return nil
	}
	if err := r.inv.Invalidate(ctx, ks...); err != nil {
		return fmt.Errorf("invalidate (%d keys): %w", len(ks), err)
	}
	r.ms.apply.WithLabelValues("delete").Add(float64(len(ks)))
	if r.hot != nil {
		r.hot.Reset(ks...)
	}
	return nil
}

func saramaConfig(c InvalidationConfig) (*sarama.Config, error) {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Consumer.Group.Session.Timeout = c.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.RebalanceTimeout
	if c.InitialOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Return.Errors = true

	if c.TLS.Enable {
		tc, err := tlsConfig(c.TLS)
		if err != nil {
			return nil, err
		}
		cfg.Net.TLS.Enable = true
		cfg.Net.TLS.Config = tc
	}
	if c.SASL.Enable {
		cfg.Net.SASL.Enable = true
		cfg.Net.SASL.User = c.SASL.Username
		cfg.Net.SASL.Password = c.SASL.Password
		switch c.SASL.Mechanism {
		case "", sarama.SASLTypePlaintext:
			cfg.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		default:
			return nil, fmt.Errorf("sasl mechanism %q not supported", c.SASL.Mechanism)
		}
	}
	return cfg, nil
}

func tlsConfig(c TLSConfig) (*tls.Config, error) {
	tc := &tls.Config{InsecureSkipVerify: c.SkipVerify} //nolint:gosec // operator opt-in
	if c.CaFile != "" {
		pem, err := os.ReadFile(c.CaFile)
		if err != nil {
			return nil, fmt.Errorf("read ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates in %s", c.CaFile)
		}
		tc.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tc.Certificates = []tls.Certificate{cert}
	}
	return tc, nil
}

type groupHandler struct {
	setup   func(sarama.ConsumerGroupSession)
	cleanup func(sarama.ConsumerGroupSession)
	process func(context.Context, *sarama.ConsumerMessage) error
}

func (h *groupHandler) Setup(sess sarama.ConsumerGroupSession) error {
	if h.setup != nil {
		h.setup(sess)
	}
	return nil
}

func (h *groupHandler) Cleanup(sess sarama.ConsumerGroupSession) error {
	if h.cleanup != nil {
		h.cleanup(sess)
	}
	return nil
}

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		if err := h.process(ctx, msg); err != nil {
			return err
		}
		sess.MarkMessage(msg, "")
	}
	return nil
}
