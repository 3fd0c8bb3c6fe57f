package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cshum/vipsgen/vips"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/paulmach/orb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	_ "golang.org/x/crypto/x509roots/fallback"

	"github.com/Amund211/tilestream/internal/adapters/tilestore"
	"github.com/Amund211/tilestream/internal/adapters/transport"
	"github.com/Amund211/tilestream/internal/cache"
	"github.com/Amund211/tilestream/internal/codec"
	"github.com/Amund211/tilestream/internal/config"
	"github.com/Amund211/tilestream/internal/decode"
	"github.com/Amund211/tilestream/internal/domain"
	"github.com/Amund211/tilestream/internal/engine"
	"github.com/Amund211/tilestream/internal/fetchqueue"
	"github.com/Amund211/tilestream/internal/lifecycle"
	"github.com/Amund211/tilestream/internal/logging"
	"github.com/Amund211/tilestream/internal/ratelimiting"
	"github.com/Amund211/tilestream/internal/reporting"
	"github.com/Amund211/tilestream/internal/scheduler"
	"github.com/Amund211/tilestream/internal/statusserver"
	"github.com/Amund211/tilestream/internal/telemetry"
	"github.com/Amund211/tilestream/internal/viewport"
)

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(logging.NewTraceHandler(slog.NewJSONHandler(os.Stdout, nil))).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	// A missing .env file is fine, the environment may be set some other way
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fail("Failed to load .env file", "error", err.Error())
	}

	conf, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", conf.NonSensitiveString())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.AddToContext(ctx, logger)

	flush, err := reporting.NewSentryOrMock(conf)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry")

	ctx = reporting.AddHubToContext(ctx)
	ctx = reporting.SetStartedAtInContext(ctx, time.Now())
	ctx = reporting.AddTagsToContext(ctx, map[string]string{
		"instanceID": instanceID,
		"dataset":    conf.Dataset(),
		"persistent": conf.Cache().Persistent,
	})
	ctx = reporting.AddExtrasToContext(ctx, map[string]string{"tileURL": conf.TileURL()})

	if conf.OTelEnabled() {
		shutdownOTel, err := telemetry.SetupOTelSDK(ctx, "tilestream")
		if err != nil {
			fail("Failed to initialize OpenTelemetry", "error", err.Error())
		}
		defer func() {
			if err := shutdownOTel(context.WithoutCancel(ctx)); err != nil {
				logger.Error("Failed to shut down OpenTelemetry", "error", err.Error())
			}
		}()
		logger.Info("Initialized OpenTelemetry")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	registry.MustRegister(cache.Collectors()...)

	cacheConf := conf.Cache()
	entryCodec, err := codec.New(cacheConf.Codec, cacheConf.Compress)
	if err != nil {
		fail("Failed to create codec", "error", err.Error())
	}

	cacheOptions := cache.Options{
		MemoryEntries:           cacheConf.MemoryEntries,
		PersistentWriteAttempts: cacheConf.PersistentWriteAttempts,
	}
	if cacheConf.FileDir != "" {
		fileStore, err := tilestore.NewFile(cacheConf.FileDir, entryCodec)
		if err != nil {
			fail("Failed to initialize file tier", "error", err.Error())
		}
		cacheOptions.File = fileStore
		logger.Info("Initialized file tier", "dir", cacheConf.FileDir)
	}

	persistentStore, err := newPersistentStore(ctx, conf, entryCodec, registry, logger)
	if err != nil {
		fail("Failed to initialize persistent tier", "error", err.Error())
	}
	if persistentStore != nil {
		cacheOptions.Persistent = persistentStore
		logger.Info("Initialized persistent tier", "kind", cacheConf.Persistent)
	}

	taskConf := conf.Tasks()
	var decoder lifecycle.Decoder = decode.Passthrough{}
	if taskConf.DecodeRaster {
		vips.SetLogging(func(vipsDomain string, level vips.LogLevel, message string) {
			if level >= vips.LogLevelWarning {
				logger.Warn("vips", "domain", vipsDomain, "level", int(level), "message", message)
			}
		}, vips.LogLevelWarning)
		vips.Startup(&vips.Config{ConcurrencyLevel: taskConf.MaxRunning})
		defer vips.Shutdown()
		decoder = decode.NewVips(taskConf.TileSize)
		logger.Info("Initialized vips", "tileSize", taskConf.TileSize)
	}

	fetchConf := conf.Fetch()
	hostLimiter, stopHostLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(fetchConf.HostRatePerSecond),
		ratelimiting.BurstSize(fetchConf.HostRateBurst),
	)
	defer stopHostLimiter()
	httpTransport := transport.NewHTTP(transport.NewInstrumentedClient(), hostLimiter, conf.UserAgent(), time.Now)
	defer httpTransport.Close()

	renderer := &logRenderer{}
	e, err := engine.New(engine.Options{
		Transport: httpTransport,
		Decoder:   decoder,
		Renderer:  renderer,
		Cache:     cacheOptions,
		Fetch: fetchqueue.Options{
			Delay:        fetchConf.Delay,
			ActiveLimit:  fetchConf.ActiveLimit,
			PerTickLimit: fetchConf.PerTickLimit,
		},
		Tasks: scheduler.Options{MaxRunning: taskConf.MaxRunning},
		Lifecycle: lifecycle.Options{
			TileURL:        conf.TileURL(),
			FetchTimeout:   fetchConf.Timeout,
			FallbackLevels: taskConf.FallbackLevels,
		},
	}, time.Now)
	if err != nil {
		fail("Failed to create engine", "error", err.Error())
	}

	clearLimiter, stopClearLimiter := ratelimiting.NewTokenBucketRateLimiter(
		ratelimiting.RefillPerSecond(1.0/60.0),
		ratelimiting.BurstSize(2),
	)
	defer stopClearLimiter()
	router := statusserver.NewRouter(e, statusserver.Options{
		Logger:        logger.With("component", "statusserver"),
		Registry:      registry,
		ClearLimiter:  clearLimiter,
		SentryEnabled: conf.SentryDSN() != "",
	})

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := statusserver.Serve(ctx, conf.StatusAddr(), router); err != nil {
			logger.Error("Status server error", "error", err.Error())
			reporting.Report(ctx, err)
			stop()
		}
	})

	cameraConf := conf.Camera()
	camera := viewport.Camera{
		Start:               orb.Point{cameraConf.Lon, cameraConf.Lat},
		Zoom:                cameraConf.Zoom,
		Radius:              cameraConf.Radius,
		PanDegreesPerSecond: cameraConf.PanDegreesPerSecond,
		Dataset:             conf.Dataset(),
	}

	logger.Info("Init complete")
	err = e.Run(ctx, conf.TickInterval(), func(ctx context.Context, elapsed time.Duration) ([]domain.TileID, error) {
		return camera.Desired(elapsed)
	})
	if err != nil {
		logger.Error("Engine loop failed", "error", err.Error())
	}

	logger.Info("Shutting down", renderer.summary()...)
	if err := e.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Error("Failed to close engine", "error", err.Error())
		reporting.Report(ctx, err)
	}
	stop()
	wg.Wait()
	logger.Info("Shutdown complete")
}
