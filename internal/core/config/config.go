package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type TileCacheCfg struct {
	Enabled bool
	// LRUSize is the number of tiles held in process.
	LRUSize int
	// Redis tier; empty RedisAddr disables it.
	RedisAddr    string
	RedisTTL     time.Duration
	OpTimeout    time.Duration
	HotThreshold float64
	HotHalfLife  time.Duration
}

type HitEventsCfg struct {
	Enabled bool
	Brokers string
	Topic   string
}

type Config struct {
	Addr          string
	LogLevel      string
	LogConsole    bool
	LogSampleN    int
	SourcesFile   string
	PublicURL     string
	Sparse        *bool
	ServiceName   string
	Version       string
	MetricsEnable bool

	LocalFetchTimeout   time.Duration
	RemoteFetchTimeout  time.Duration
	PMTilesLeafCache    int
	ElevationMaxWorkers int
	ElevationMaxPoints  int

	TileCache TileCacheCfg
	HitEvents HitEventsCfg
}

func FromEnv() Config {
	cfg := Config{
		Addr:          getenv("ADDR", ":8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		LogConsole:    getbool("LOG_CONSOLE", false),
		LogSampleN:    getint("LOG_SAMPLE_N", 0),
		SourcesFile:   getenv("SOURCES_FILE", "sources.yaml"),
		PublicURL:     strings.TrimRight(getenv("PUBLIC_URL", ""), "/"),
		ServiceName:   getenv("SERVICE_NAME", "tileplane"),
		Version:       getenv("VERSION", "dev"),
		MetricsEnable: getbool("METRICS_ENABLED", true),

		LocalFetchTimeout:   getduration("LOCAL_FETCH_TIMEOUT", 2*time.Second),
		RemoteFetchTimeout:  getduration("REMOTE_FETCH_TIMEOUT", 10*time.Second),
		PMTilesLeafCache:    getint("PMTILES_LEAF_CACHE", 64),
		ElevationMaxWorkers: getint("ELEVATION_MAX_WORKERS", 8),
		ElevationMaxPoints:  getint("ELEVATION_MAX_POINTS", 1000),

		TileCache: TileCacheCfg{
			Enabled:      getbool("TILE_CACHE_ENABLED", false),
			LRUSize:      getint("TILE_CACHE_LRU_SIZE", 4096),
			RedisAddr:    getenv("REDIS_ADDR", ""),
			RedisTTL:     getduration("TILE_CACHE_TTL", 10*time.Minute),
			OpTimeout:    getduration("TILE_CACHE_OP_TIMEOUT", 100*time.Millisecond),
			HotThreshold: getfloat("HOT_THRESHOLD", 3),
			HotHalfLife:  getduration("HOT_HALF_LIFE", time.Minute),
		},
		HitEvents: HitEventsCfg{
			Enabled: getbool("HIT_EVENTS_ENABLED", false),
			Brokers: getenv("KAFKA_BROKERS", "localhost:9092"),
			Topic:   getenv("HIT_EVENTS_TOPIC", "tile-access"),
		},
	}
	if v, ok := lookupbool("SPARSE"); ok {
		cfg.Sparse = &v
	}
	if cfg.ElevationMaxWorkers < 1 {
		cfg.ElevationMaxWorkers = 1
	}
	if cfg.ElevationMaxPoints < 1 {
		cfg.ElevationMaxPoints = 1
	}
	return cfg
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := lookupbool(k); ok {
		return v
	}
	return def
}

func lookupbool(k string) (bool, bool) {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(k))) {
	case "1", "t", "true", "y", "yes":
		return true, true
	case "0", "f", "false", "n", "no":
		return false, true
	}
	return false, false
}

func getfloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
