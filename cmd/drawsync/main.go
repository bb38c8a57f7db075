// Command drawsync runs the offline-resilient save pipeline for drawings:
// a quota-bounded local cache plus a background guard that pushes pending
// edits to the remote canvas store.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	drawsync "github.com/drawbase/drawsync"
	"github.com/drawbase/drawsync/cache"
	"github.com/drawbase/drawsync/gateway"
	"github.com/drawbase/drawsync/guard"
	"github.com/drawbase/drawsync/kv"
	"github.com/drawbase/drawsync/saver"
	"github.com/drawbase/drawsync/telemetry"
)

var version = "dev"

type Globals struct {
	CachePath string `help:"Path to the local cache database." default:"drawsync.db" env:"DRAWSYNC_CACHE_PATH"`
	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"DRAWSYNC_LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"text,json" default:"text" env:"DRAWSYNC_LOG_FORMAT"`

	RemoteURL string `help:"Canvas API base URL." env:"DRAWSYNC_REMOTE_URL"`
	Token     string `help:"Bearer token for the canvas API." env:"DRAWSYNC_TOKEN"`

	S3Bucket    string `help:"S3 bucket for canvas objects (used instead of the canvas API when set)." env:"DRAWSYNC_S3_BUCKET"`
	S3Region    string `help:"S3 region." default:"us-east-1" env:"DRAWSYNC_S3_REGION"`
	S3Endpoint  string `help:"S3-compatible endpoint (e.g. MinIO)." env:"DRAWSYNC_S3_ENDPOINT"`
	S3AccessKey string `help:"S3 access key." env:"DRAWSYNC_S3_ACCESS_KEY"`
	S3SecretKey string `help:"S3 secret key." env:"DRAWSYNC_S3_SECRET_KEY"`

	MaxCacheBytes int64         `help:"Local cache quota in bytes." default:"52428800" env:"DRAWSYNC_MAX_CACHE_BYTES"`
	Retention     time.Duration `help:"How long unsynced entries are kept." default:"168h" env:"DRAWSYNC_RETENTION"`
}

type CLI struct {
	Globals

	Agent AgentCmd `cmd:"" help:"Run the background sync agent."`
	Stats StatsCmd `cmd:"" help:"Print local cache statistics."`
	Sync  SyncCmd  `cmd:"" help:"Push one drawing to the remote immediately."`
	Purge PurgeCmd `cmd:"" help:"Purge expired entries from the local cache."`
	Put   PutCmd   `cmd:"" help:"Save a drawing from a JSON file."`
	Get   GetCmd   `cmd:"" help:"Load a drawing and print it as JSON."`

	Version kong.VersionFlag `help:"Print version and exit."`
}

// appContext carries the per-invocation dependencies into command Run
// methods.
type appContext struct {
	ctx     context.Context
	logger  *slog.Logger
	globals *Globals
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("drawsync"),
		kong.Description("Offline-resilient save pipeline for drawings."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)

	logger, err := buildLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app := &appContext{ctx: ctx, logger: logger, globals: &cli.Globals}
	if err := kctx.Run(app); err != nil {
		logger.Error("command failed", "error", err)
		os.Exit(1)
	}
}

func buildLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: lvl})
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

// openCache opens the bolt-backed cache store.
func (a *appContext) openCache(opts ...cache.Option) (*cache.Store, *kv.Bolt, error) {
	bolt := kv.NewBolt(kv.WithLogger(a.logger))
	if err := bolt.Open(a.globals.CachePath); err != nil {
		return nil, nil, fmt.Errorf("opening cache database: %w", err)
	}

	cfg := cache.DefaultConfig()
	cfg.MaxBytes = a.globals.MaxCacheBytes
	cfg.Retention = a.globals.Retention

	opts = append([]cache.Option{cache.WithLogger(a.logger)}, opts...)
	store, err := cache.New(bolt, cfg, opts...)
	if err != nil {
		_ = bolt.Close()
		return nil, nil, fmt.Errorf("creating cache store: %w", err)
	}
	return store, bolt, nil
}

// buildGateway selects the remote gateway: S3 when a bucket is configured,
// the canvas API otherwise.
func (a *appContext) buildGateway() (gateway.Gateway, error) {
	if a.globals.S3Bucket != "" {
		return gateway.NewS3(a.ctx, gateway.S3Config{
			Bucket:       a.globals.S3Bucket,
			Region:       a.globals.S3Region,
			BaseEndpoint: a.globals.S3Endpoint,
			AccessKey:    a.globals.S3AccessKey,
			SecretKey:    a.globals.S3SecretKey,
		})
	}
	if a.globals.RemoteURL == "" {
		return nil, fmt.Errorf("either --remote-url or --s3-bucket is required")
	}

	client := &http.Client{
		Timeout:   30 * time.Second,
		Transport: telemetry.NewInstrumentedTransport(nil),
	}
	return gateway.NewHTTP(a.globals.RemoteURL,
		gateway.WithHTTPClient(client),
		gateway.WithBearerToken(a.globals.Token),
	)
}

type AgentCmd struct {
	Owner        string        `help:"Owner whose pending drawings are synced." required:"" env:"DRAWSYNC_OWNER"`
	Interval     time.Duration `help:"Background sync interval." default:"30s" env:"DRAWSYNC_SYNC_INTERVAL"`
	MetricsAddr  string        `help:"Address for the Prometheus /metrics endpoint (empty disables)." env:"DRAWSYNC_METRICS_ADDR"`
	OTLPEndpoint string        `help:"OTLP gRPC endpoint for metric export (empty disables)." env:"DRAWSYNC_OTLP_ENDPOINT"`
	DeviceIDPath string        `help:"Path to the persistent device id." default:"drawsync.device" env:"DRAWSYNC_DEVICE_ID_PATH"`
}

func (c *AgentCmd) Run(a *appContext) error {
	shutdownMetrics, err := telemetry.InitMetrics(a.ctx, telemetry.MetricsConfig{
		ServiceName:      "drawsync",
		ServiceVersion:   version,
		OTLPEndpoint:     c.OTLPEndpoint,
		EnablePrometheus: c.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownMetrics(shutdownCtx)
	}()

	deviceID, err := drawsync.LoadDeviceID(c.DeviceIDPath)
	if err != nil {
		return fmt.Errorf("loading device id: %w", err)
	}
	sessionID := drawsync.NewSessionID()

	cacheMetrics, err := cache.NewMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("creating cache metrics: %w", err)
	}

	store, bolt, err := a.openCache(
		cache.WithMetrics(cacheMetrics),
		cache.WithIdentity(sessionID, deviceID),
	)
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	gw, err := a.buildGateway()
	if err != nil {
		return err
	}

	guardMetrics, err := guard.NewMetrics(telemetry.Meter())
	if err != nil {
		return fmt.Errorf("creating guard metrics: %w", err)
	}

	guardCfg := guard.DefaultConfig()
	guardCfg.Interval = c.Interval
	guardCfg.Logger = a.logger
	g := guard.New(store, gw, guardCfg, guard.WithMetrics(guardMetrics))
	if err := g.Start(a.ctx, c.Owner); err != nil {
		return fmt.Errorf("starting sync guard: %w", err)
	}
	defer g.Stop()

	reaper := cache.NewReaper(store, cache.ReaperConfig{Logger: a.logger})
	if err := reaper.Start(a.ctx); err != nil {
		return fmt.Errorf("starting reaper: %w", err)
	}
	defer reaper.Stop()

	var metricsSrv *http.Server
	if c.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.PrometheusHandler())
		metricsSrv = &http.Server{Addr: c.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				a.logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	a.logger.Info("sync agent started",
		"owner", c.Owner,
		"cache", a.globals.CachePath,
		"interval", c.Interval,
		"device", deviceID,
	)

	<-a.ctx.Done()
	a.logger.Info("shutting down")

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return nil
}

type StatsCmd struct{}

func (c *StatsCmd) Run(a *appContext) error {
	store, bolt, err := a.openCache()
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	stats := store.Stats(a.ctx)
	fmt.Printf("entries:  %d\n", stats.TotalEntries)
	fmt.Printf("bytes:    %d\n", stats.TotalBytes)
	fmt.Printf("pending:  %d\n", stats.PendingCount)
	if !stats.OldestTimestamp.IsZero() {
		fmt.Printf("oldest:   %s\n", stats.OldestTimestamp.Format(time.RFC3339))
	}

	if usage, ok := store.Usage(a.ctx); ok {
		fmt.Printf("on disk:  %d\n", usage.UsedBytes)
	}
	return nil
}

type SyncCmd struct {
	EntityID string `arg:"" help:"Drawing to push."`
	Owner    string `help:"Owner of the drawing." required:"" env:"DRAWSYNC_OWNER"`
}

func (c *SyncCmd) Run(a *appContext) error {
	store, bolt, err := a.openCache()
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	gw, err := a.buildGateway()
	if err != nil {
		return err
	}

	g := guard.New(store, gw, guard.DefaultConfig())
	if err := g.ForceSync(a.ctx, c.EntityID); err != nil {
		return fmt.Errorf("syncing %s: %w", c.EntityID, err)
	}

	a.logger.Info("synced", "entity", c.EntityID)
	return nil
}

type PutCmd struct {
	EntityID string `arg:"" help:"Drawing to save."`
	File     string `arg:"" help:"JSON file with the canvas content." type:"existingfile"`
	Owner    string `help:"Owner of the drawing." required:"" env:"DRAWSYNC_OWNER"`
	Local    bool   `help:"Write to the local cache only, leaving the push to the agent."`
}

func (c *PutCmd) Run(a *appContext) error {
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.File, err)
	}
	var content drawsync.CanvasContent
	if err := json.Unmarshal(data, &content); err != nil {
		return fmt.Errorf("parsing %s: %w", c.File, err)
	}

	store, bolt, err := a.openCache()
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	gw, err := a.buildGateway()
	if err != nil {
		return err
	}

	cfg := saver.DefaultConfig()
	cfg.Logger = a.logger
	cfg.DebounceDelay = 0
	session := saver.New(store, gw, c.EntityID, c.Owner, cfg)
	defer session.Close(a.ctx)

	if _, err := session.Load(a.ctx); err != nil {
		a.logger.Warn("load failed, saving anyway", "entity", c.EntityID, "error", err)
	}
	session.NoteChange(a.ctx, &content)

	if c.Local {
		a.logger.Info("saved locally", "entity", c.EntityID)
		return nil
	}
	if err := session.Save(a.ctx); err != nil {
		return fmt.Errorf("saving %s: %w", c.EntityID, err)
	}
	a.logger.Info("saved", "entity", c.EntityID)
	return nil
}

type GetCmd struct {
	EntityID string `arg:"" help:"Drawing to load."`
	Owner    string `help:"Owner of the drawing." required:"" env:"DRAWSYNC_OWNER"`
}

func (c *GetCmd) Run(a *appContext) error {
	store, bolt, err := a.openCache()
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	gw, err := a.buildGateway()
	if err != nil {
		return err
	}

	cfg := saver.DefaultConfig()
	cfg.Logger = a.logger
	session := saver.New(store, gw, c.EntityID, c.Owner, cfg)
	defer session.Close(a.ctx)

	res, err := session.Load(a.ctx)
	if err != nil {
		return fmt.Errorf("loading %s: %w", c.EntityID, err)
	}
	if res.RestoredFromCache {
		a.logger.Info("restored unsynced local edits", "entity", c.EntityID)
	}
	if res.Degraded {
		a.logger.Warn("remote unavailable, served from local cache", "entity", c.EntityID)
	}

	out, err := json.MarshalIndent(res.Content, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding content: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

type PurgeCmd struct{}

func (c *PurgeCmd) Run(a *appContext) error {
	store, bolt, err := a.openCache()
	if err != nil {
		return err
	}
	defer func() {
		store.Close()
		_ = bolt.Close()
	}()

	purged, bytes := store.PurgeExpired(a.ctx)
	fmt.Printf("purged %d entries, freed %d bytes\n", purged, bytes)
	return nil
}
