package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"golang.org/x/sync/errgroup"

	"github.com/rasd/surveillance-server/internal/api"
	"github.com/rasd/surveillance-server/internal/broadcast"
	"github.com/rasd/surveillance-server/internal/capture"
	"github.com/rasd/surveillance-server/internal/config"
	"github.com/rasd/surveillance-server/internal/lifecycle"
	"github.com/rasd/surveillance-server/internal/logger"
	"github.com/rasd/surveillance-server/internal/metrics"
	"github.com/rasd/surveillance-server/internal/storage"
	"github.com/rasd/surveillance-server/internal/vision"
	"github.com/rasd/surveillance-server/internal/vision/remote"
	"github.com/rasd/surveillance-server/internal/webrtc"
)

const (
	syntheticFPS    = 30
	syntheticFrames = 300
	connectTimeout  = 5 * time.Second
)

func main() {
	var (
		configPath string
		pprofAddr  string
		flags      = config.DefaultConfig()
	)

	flag.StringVar(&configPath, "config", "", "YAML config file")
	flag.StringVar(&pprofAddr, "pprof", "", "pprof server address (disabled when empty)")
	flag.StringVar(&flags.HTTP.Addr, "http", flags.HTTP.Addr, "HTTP server address")
	flag.StringVar(&flags.Log.Level, "log-level", flags.Log.Level, "Log level (debug, info, warn, error, silent)")
	flag.BoolVar(&flags.Log.Color, "log-color", flags.Log.Color, "Enable colored log output")
	flag.StringVar(&flags.Storage.StaticDir, "static", flags.Storage.StaticDir, "Static root for uploads, processed videos and captures")
	flag.StringVar(&flags.Detection.Backend, "detector", flags.Detection.Backend, "Detection backend (remote, opencv)")
	flag.StringVar(&flags.Detection.InferenceURL, "inference-url", flags.Detection.InferenceURL, "Inference sidecar base URL")
	flag.BoolVar(&flags.Capture.Synthetic, "synthetic", flags.Capture.Synthetic, "Replace every source with generated frames")
	flag.StringVar(&flags.Postgres.DSN, "postgres", flags.Postgres.DSN, "Postgres DSN for the alert log")
	flag.StringVar(&flags.Redis.Addr, "redis", flags.Redis.Addr, "Redis address for the task cache")
	flag.StringVar(&flags.Broadcast.MQTTBroker, "mqtt", flags.Broadcast.MQTTBroker, "MQTT broker host:port")
	flag.IntVar(&flags.WebRTC.MaxClients, "max-clients", flags.WebRTC.MaxClients, "Maximum WebRTC clients")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	flag.Visit(func(f *flag.Flag) { applyFlag(&cfg, flags, f.Name) })
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// Initialize logger
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logger.Init(level, os.Stderr, cfg.Log.Color)
	defer logger.Sync()

	logger.Info("Main", "Surveillance server starting...")
	logger.Info("Main", "Log level: %s", level)

	if pprofAddr != "" {
		go func() {
			logger.Info("Main", "Starting pprof server on %s", pprofAddr)
			if err := http.ListenAndServe(pprofAddr, nil); err != nil {
				logger.Warn("Main", "pprof server error: %v", err)
			}
		}()
	}

	if err := run(cfg); err != nil {
		logger.Error("Main", "%v", err)
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Main", "Server stopped")
}

// applyFlag copies one explicitly set flag over the file config.
func applyFlag(cfg *config.Config, flags config.Config, name string) {
	switch name {
	case "http":
		cfg.HTTP.Addr = flags.HTTP.Addr
	case "log-level":
		cfg.Log.Level = flags.Log.Level
	case "log-color":
		cfg.Log.Color = flags.Log.Color
	case "static":
		cfg.Storage.StaticDir = flags.Storage.StaticDir
	case "detector":
		cfg.Detection.Backend = flags.Detection.Backend
	case "inference-url":
		cfg.Detection.InferenceURL = flags.Detection.InferenceURL
	case "synthetic":
		cfg.Capture.Synthetic = flags.Capture.Synthetic
	case "postgres":
		cfg.Postgres.DSN = flags.Postgres.DSN
	case "redis":
		cfg.Redis.Addr = flags.Redis.Addr
	case "mqtt":
		cfg.Broadcast.MQTTBroker = flags.Broadcast.MQTTBroker
	case "max-clients":
		cfg.WebRTC.MaxClients = flags.WebRTC.MaxClients
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()

	snapshots := storage.NewSnapshotStore(cfg.Storage)
	if err := snapshots.EnsureDirs(); err != nil {
		return fmt.Errorf("create storage directories: %w", err)
	}
	logger.Info("Main", "Static root: %s", snapshots.Root())

	adapter, err := newAdapter(cfg, m)
	if err != nil {
		return err
	}
	defer adapter.Close()
	loadCtx, cancelLoad := context.WithTimeout(ctx, cfg.Detection.Timeout+connectTimeout)
	if err := adapter.Load(loadCtx); err != nil {
		// Runs started later fail with this error; the API stays up.
		logger.Error("Main", "Model load failed: %v", err)
	} else if !adapter.ClassifierAvailable() {
		logger.Warn("Main", "Mask classification disabled")
	}
	cancelLoad()

	var (
		alertLog   lifecycle.AlertLog
		alertQuery api.AlertQuery
		taskStore  lifecycle.TaskStore
	)
	if cfg.Postgres.DSN != "" {
		db, repo, err := connectAlerts(ctx, cfg.Postgres.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		alertLog, alertQuery = repo, repo
	}
	if cfg.Redis.Addr != "" {
		client, err := connectRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()
		taskStore = storage.NewTaskCache(client, cfg.Redis.TTL)
		logger.Info("Main", "Task cache on redis %s", cfg.Redis.Addr)
	}

	hub := broadcast.NewHub(cfg.Broadcast, m)
	mjpegSink := broadcast.NewMJPEGSink()
	rtc := webrtc.NewServer(cfg.WebRTC, m)
	gateways := broadcast.Multi{hub, mjpegSink, rtc, forgetFinished(hub)}

	if cfg.Broadcast.MQTTBroker != "" {
		mqttCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		client, err := broadcast.ConnectMQTT(mqttCtx, cfg.Broadcast.MQTTBroker, cfg.Broadcast.MQTTClientID)
		cancel()
		if err != nil {
			logger.Warn("Main", "MQTT disabled: %v", err)
		} else {
			defer client.Disconnect(250)
			gateways = append(gateways, broadcast.NewMQTTSink(client, cfg.Broadcast.MQTTTopic))
		}
	}

	var (
		opener  capture.Opener
		outputs capture.OutputFactory
	)
	if cfg.Capture.Synthetic {
		logger.Warn("Main", "Synthetic sources enabled, processed videos are not encoded")
		opener = capture.SyntheticOpener{
			Width:  cfg.Capture.WebcamWidth,
			Height: cfg.Capture.WebcamHeight,
			FPS:    syntheticFPS,
			Frames: syntheticFrames,
		}
		outputs = capture.DiscardOutputs{}
	} else {
		opener = capture.NewFFmpegOpener(cfg.Capture, m)
		outputs = capture.FFmpegOutputs{Codec: cfg.Capture.OutputCodec, Buffer: cfg.Capture.WriterBuffer, Metrics: m}
	}

	manager := lifecycle.NewManager(cfg.Pipeline, lifecycle.Deps{
		Models:    adapter,
		Opener:    opener,
		Outputs:   outputs,
		Snapshots: snapshots,
		Gateway:   gateways,
		Alerts:    alertLog,
		Tasks:     taskStore,
		Metrics:   m,
	})

	apiServer := api.NewServer(cfg, api.Deps{
		Runs:    manager,
		Uploads: snapshots,
		Events:  hub,
		Alerts:  alertQuery,
		WebRTC:  rtc,
		MJPEG:   mjpegSink,
		Metrics: m,
	})
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("Main", "Starting HTTP server on %s", cfg.HTTP.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Main", "Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()

		// Workers first so their final events still reach subscribers.
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Main", "Manager shutdown: %v", err)
		}
		hub.Close()
		if err := rtc.Close(); err != nil {
			logger.Warn("Main", "WebRTC shutdown: %v", err)
		}
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newAdapter(cfg config.Config, m *metrics.Metrics) (*vision.Adapter, error) {
	opts, err := vision.OptionsFromConfig(cfg.Detection)
	if err != nil {
		return nil, fmt.Errorf("detection options: %w", err)
	}

	var loader vision.Loader
	switch cfg.Detection.Backend {
	case "opencv":
		loader, err = opencvLoader(cfg)
		if err != nil {
			return nil, err
		}
	default:
		client := remote.New(cfg.Detection.InferenceURL, cfg.Detection.Timeout, opts.Labels.Texts())
		loader = remote.Loader(client)
	}
	logger.Info("Main", "Detection backend: %s", cfg.Detection.Backend)
	return vision.NewAdapter(opts, loader, m), nil
}

func connectAlerts(ctx context.Context, dsn string) (*sql.DB, *storage.AlertRepository, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	db, err := storage.OpenPostgres(ctx, dsn)
	if err != nil {
		return nil, nil, err
	}
	repo := storage.NewAlertRepository(db, logger.Zap())
	if err := repo.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("alert schema: %w", err)
	}
	logger.Info("Main", "Alert log on postgres")
	return db, repo, nil
}

func connectRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// forgetFinished drops frame limiter state once a stream or task ends.
func forgetFinished(hub *broadcast.Hub) broadcast.Gateway {
	return broadcast.GatewayFunc(func(ev broadcast.Event) {
		switch ev.Name {
		case broadcast.EventStreamStopped, broadcast.EventStreamError,
			broadcast.EventTaskCompleted, broadcast.EventTaskError:
			hub.Forget(ev.Key)
		}
	})
}
