package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/mohammed-shakir/tileplane/internal/cache/redisstore"
	"github.com/mohammed-shakir/tileplane/internal/cache/tilecache"
	"github.com/mohammed-shakir/tileplane/internal/core/config"
	"github.com/mohammed-shakir/tileplane/internal/core/health"
	"github.com/mohammed-shakir/tileplane/internal/core/httpclient"
	"github.com/mohammed-shakir/tileplane/internal/core/observability"
	"github.com/mohammed-shakir/tileplane/internal/core/router"
	"github.com/mohammed-shakir/tileplane/internal/core/server"
	"github.com/mohammed-shakir/tileplane/internal/elevation"
	"github.com/mohammed-shakir/tileplane/internal/fetcher"
	"github.com/mohammed-shakir/tileplane/internal/hitevents"
	"github.com/mohammed-shakir/tileplane/internal/hotness/expdecay"
	"github.com/mohammed-shakir/tileplane/internal/hotness/metricswrap"
	"github.com/mohammed-shakir/tileplane/internal/logger"
	"github.com/mohammed-shakir/tileplane/internal/mapper/mercator"
	"github.com/mohammed-shakir/tileplane/internal/metrics"
	"github.com/mohammed-shakir/tileplane/internal/registry"
	"github.com/mohammed-shakir/tileplane/internal/tiles"
	"github.com/mohammed-shakir/tileplane/pkg/invalidation/kafka"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	sourcesFlag := flag.String("sources", "", "sources document (overrides SOURCES_FILE)")
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	flag.Parse()

	cfg := config.FromEnv()
	if *sourcesFlag != "" {
		cfg.SourcesFile = strings.TrimSpace(*sourcesFlag)
	}
	if *addrFlag != "" {
		cfg.Addr = strings.TrimSpace(*addrFlag)
	}
	if cfg.Version == "dev" {
		cfg.Version = Version
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Service:   cfg.ServiceName,
		Version:   cfg.Version,
		Component: "tileplane",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	prov := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnable,
		Build: metrics.BuildInfo{
			Version:   cfg.Version,
			Revision:  os.Getenv("BUILD_REVISION"),
			Branch:    os.Getenv("BUILD_BRANCH"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appLog.Info("starting tileplane",
		"addr", cfg.Addr,
		"version", cfg.Version,
		"sources", cfg.SourcesFile,
		"tile_cache", cfg.TileCache.Enabled)

	client := httpclient.NewOutbound(httpclient.Options{
		Timeout:   3 * cfg.RemoteFetchTimeout,
		UserAgent: cfg.ServiceName + "/" + cfg.Version,
	})
	load := loader(cfg, registry.DefaultOpener(client, cfg.PMTilesLeafCache), appLog)

	g, err := load(ctx)
	if err != nil {
		appLog.Error("failed to load sources", "err", err)
		return 1
	}
	reg := registry.New(appLog)
	reg.Replace(g)
	defer reg.Close()

	var f fetcher.Interface = fetcher.New(cfg.LocalFetchTimeout, cfg.RemoteFetchTimeout)
	var tc *tilecache.Fetcher
	var hot *metricswrap.WithMetrics
	if cfg.TileCache.Enabled {
		var closeCache func()
		tc, hot, closeCache, err = tileCache(ctx, cfg.TileCache, f, reg, appLog)
		if err != nil {
			appLog.Error("tile cache setup failed", "err", err)
			return 1
		}
		defer closeCache()
		f = tc
	}

	deps := router.Deps{
		Sources: reg,
		Tiles:   tiles.New(reg, f, tiles.WithLogger(appLog)),
		Elevation: elevation.New(reg, f, elevation.Options{
			Workers:   cfg.ElevationMaxWorkers,
			MaxPoints: cfg.ElevationMaxPoints,
			Logger:    appLog,
		}),
		Logger: appLog,
	}

	if cfg.HitEvents.Enabled {
		hits, err := hitevents.NewPublisher(splitList(cfg.HitEvents.Brokers), cfg.HitEvents.Topic, 4096, appLog)
		if err != nil {
			// access events are best effort
			appLog.Warn("hit events disabled", "err", err)
		} else {
			deps.Hits = hits
			defer func() {
				if err := hits.Close(); err != nil {
					appLog.Warn("hit events close", "err", err)
				}
			}()
		}
	}

	var consumer health.ReadinessReporter
	icfg := kafka.FromEnv()
	if icfg.Enabled && icfg.Driver == kafka.DriverKafka {
		if tc == nil {
			appLog.Error("kafka invalidation requires TILE_CACHE_ENABLED=true")
			return 1
		}
		opts := kafka.Options{Logger: appLog}
		if hot != nil {
			opts.Hotness = hot
		}
		if cfg.MetricsEnable {
			opts.Register = prov.Registerer()
		}
		runner := kafka.New(icfg, tc, mercator.New(), opts)
		if err := runner.Start(ctx); err != nil {
			appLog.Error("kafka runner start failed", "err", err)
			return 1
		}
		defer runner.Stop()
		consumer = runner
	}

	go reloadOnHangup(ctx, reg, load, tc, appLog)

	opts := server.Options{
		Data: deps,
		Readiness: health.Readiness(func() (int, error) {
			g, err := reg.Acquire()
			if err != nil {
				return 0, err
			}
			defer g.Release()
			return g.Len(), nil
		}, consumer),
	}
	if cfg.MetricsEnable {
		opts.Metrics = prov.Handler()
	}

	if err := server.Run(ctx, cfg, appLog, server.Handler(appLog, opts)); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	appLog.Info("server stopped")
	return 0
}

type loadFunc func(ctx context.Context) (*registry.Generation, error)

func loader(cfg config.Config, open registry.Opener, log *slog.Logger) loadFunc {
	return func(ctx context.Context) (*registry.Generation, error) {
		sf, err := config.LoadSources(cfg.SourcesFile)
		if err != nil {
			return nil, err
		}
		return registry.Build(ctx, sf, registry.BuildOptions{
			Sparse:    cfg.Sparse,
			PublicURL: cfg.PublicURL,
			Open:      open,
			Logger:    log,
		})
	}
}

// reloadOnHangup rebuilds the registry on SIGHUP. A failed build keeps the
// current generation serving.
func reloadOnHangup(ctx context.Context, reg *registry.Registry, load loadFunc, tc *tilecache.Fetcher, log *slog.Logger) {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		buildCtx, cancel := context.WithTimeout(ctx, time.Minute)
		g, err := load(buildCtx)
		cancel()
		if err != nil {
			observability.IncRegistryReloadFailure()
			log.Error("source reload failed; keeping current sources", "err", err)
			continue
		}
		reg.Replace(g)
		if tc != nil {
			tc.Purge()
		}
	}
}

func tileCache(ctx context.Context, c config.TileCacheCfg, next fetcher.Interface, live tilecache.Live, log *slog.Logger) (*tilecache.Fetcher, *metricswrap.WithMetrics, func(), error) {
	opts := tilecache.Options{
		LRUSize:      c.LRUSize,
		TTL:          c.RedisTTL,
		OpTimeout:    c.OpTimeout,
		HotThreshold: c.HotThreshold,
		Live:         live,
		Logger:       log,
	}
	closers := []func(){}
	var hot *metricswrap.WithMetrics

	if c.RedisAddr != "" {
		rc, err := redisstore.New(ctx, c.RedisAddr, redisstore.WithDialTimeout(c.OpTimeout*5))
		if err != nil {
			// the process tier still works without redis
			log.Warn("redis tier disabled", "addr", c.RedisAddr, "err", err)
		} else {
			opts.Shared = rc
			closers = append(closers, func() { _ = rc.Close() })

			hot = metricswrap.New(expdecay.New(c.HotHalfLife), metricswrap.Options{
				Kind:         "tiles",
				HotThreshold: c.HotThreshold,
				LogSample:    0.01,
				Logger:       log,
			})
			opts.Hotness = hot
			pctx, cancel := context.WithCancel(ctx)
			closers = append(closers, cancel)
			go pruneLoop(pctx, hot, c.HotHalfLife)
		}
	}

	tc, err := tilecache.New(next, opts)
	if err != nil {
		for _, fn := range closers {
			fn()
		}
		return nil, nil, nil, err
	}
	return tc, hot, func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}, nil
}

// pruneLoop drops keys whose score has decayed to noise.
func pruneLoop(ctx context.Context, p metricswrap.Pruner, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.Prune(0.01)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		if x := strings.TrimSpace(p); x != "" {
			out = append(out, x)
		}
	}
	return out
}
