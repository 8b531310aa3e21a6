package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bus-tracker/internal/anim"
	"bus-tracker/internal/config"
	"bus-tracker/internal/logging"
	"bus-tracker/internal/observability"
	"bus-tracker/internal/runloop"
	"bus-tracker/internal/server"
	"bus-tracker/internal/store"
	"bus-tracker/internal/tracker"
)

var (
	configPath      = flag.String("config", "", "YAML config file")
	httpPort        = flag.Int("port", 8080, "HTTP port")
	shutdownTimeout = flag.Duration("shutdown_timeout", 10*time.Second, "HTTP server shutdown timeout")
	staticDir       = flag.String("static_dir", "./static", "Directory served at /")
	rtdbURL         = flag.String("rtdb_url", "", "Realtime database base URL (SSE streaming)")
	postgresDSN     = flag.String("postgres_dsn", "", "Postgres DSN for the LISTEN/NOTIFY snapshot store")
	ensureSchema    = flag.Bool("ensure_schema", false, "Create the Postgres snapshot table on start")
	amqpURL         = flag.String("amqp_url", "", "RabbitMQ URL for the snapshot exchange")
	gtfsrtURL       = flag.String("gtfsrt_url", "", "GTFS-RT vehicle positions URL (protobuf)")
	siriXmlURL      = flag.String("siri_xml_url", "", "SIRI VehicleMonitoring XML URL")
	siriJsonURL     = flag.String("siri_json_url", "", "SIRI VehicleMonitoring JSON URL")
	refreshMinSecs  = flag.Int("refresh_min_secs", 10, "Minimum refresh interval in seconds")
	inProcess       = flag.Bool("in_process", false, "Use an empty in-process store when no source is set")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	log := logging.New(logging.FromEnv(cfg.Logging))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, cfg.Tracing, log)
	if err != nil {
		log.Error("init tracing", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var metrics *observability.Collector
	if cfg.Server.MetricsEnabled {
		metrics, err = observability.NewCollector(prometheus.DefaultRegisterer)
		if err != nil {
			log.Error("init metrics", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	st, closeStore, err := selectStore(ctx, cfg, log)
	if err != nil {
		log.Error("open store", slog.String("error", err.Error()))
		os.Exit(1)
	}

	loop := runloop.NewLoop(runloop.WithFrameRate(cfg.Display.FrameRate))
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go loop.Run(loopCtx)

	srv := server.New(server.Options{
		Store:         st,
		Loop:          loop,
		Log:           log,
		Metrics:       metrics,
		Tracker:       trackerConfig(cfg.Display),
		LocationsPath: cfg.Feed.LocationsPath,
		StatusPath:    cfg.Feed.StatusPath,
		EntityPath:    cfg.Feed.EntityPath,
		StaticDir:     cfg.Server.StaticDir,
		SendBuffer:    cfg.Server.SendBuffer,
	})
	if err := srv.Start(ctx); err != nil {
		log.Error("start server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Info("server starting", slog.String("url", fmt.Sprintf("http://localhost:%d/", cfg.Server.Port)))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", slog.String("error", err.Error()))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutdown initiated")

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Close(sctx); err != nil {
		log.Warn("tracker shutdown error", slog.String("error", err.Error()))
	}
	if err := httpSrv.Shutdown(sctx); err != nil {
		log.Warn("HTTP server shutdown error", slog.String("error", err.Error()))
	} else {
		log.Info("HTTP server shut down successfully")
	}
	stopLoop()
	<-loop.Done()
	if err := closeStore.Close(); err != nil {
		log.Warn("store close error", slog.String("error", err.Error()))
	}
	observability.ShutdownWithTimeout(sctx, shutdownTracing, log)
}

// loadConfig layers defaults, the optional YAML file and any flags set on
// the command line, in that order.
func loadConfig() (config.Config, error) {
	cfg := config.Default()
	if *configPath != "" {
		var err error
		if cfg, err = config.Load(*configPath); err != nil {
			return config.Config{}, err
		}
	}
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Server.Port = *httpPort
		case "shutdown_timeout":
			cfg.Server.ShutdownTimeout = *shutdownTimeout
		case "static_dir":
			cfg.Server.StaticDir = *staticDir
		case "rtdb_url":
			cfg.Store.RTDBURL = *rtdbURL
		case "postgres_dsn":
			cfg.Store.PostgresDSN = *postgresDSN
		case "ensure_schema":
			cfg.Store.EnsureSchema = *ensureSchema
		case "amqp_url":
			cfg.Store.AMQPURL = *amqpURL
		case "gtfsrt_url":
			cfg.Store.GTFSRTURL = *gtfsrtURL
		case "siri_xml_url":
			cfg.Store.SiriXMLURL = *siriXmlURL
		case "siri_json_url":
			cfg.Store.SiriJSONURL = *siriJsonURL
		case "refresh_min_secs":
			cfg.Store.RefreshMin = time.Duration(*refreshMinSecs) * time.Second
		case "in_process":
			cfg.Store.AllowInProcess = *inProcess
		}
	})
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

var nopCloser io.Closer = closerFunc(func() error { return nil })

func selectStore(ctx context.Context, cfg config.Config, log *slog.Logger) (store.Store, io.Closer, error) {
	source, err := cfg.Store.Source()
	if err != nil {
		return nil, nil, err
	}
	log = log.With(slog.String("source", source))
	timeout := cfg.Store.FetchTimeout

	switch source {
	case config.SourceRTDB:
		return store.NewRTDBStore(cfg.Store.RTDBURL, log), nopCloser, nil
	case config.SourcePostgres:
		pool, err := store.NewPostgresPool(ctx, cfg.Store.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		pg := store.NewPostgresStore(pool, log)
		if cfg.Store.EnsureSchema {
			if err := pg.EnsureSchema(ctx); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		return pg, closerFunc(func() error { pool.Close(); return nil }), nil
	case config.SourceAMQP:
		mq, err := store.DialAMQP(cfg.Store.AMQPURL, log)
		if err != nil {
			return nil, nil, err
		}
		return mq, mq, nil
	case config.SourceGTFSRT, config.SourceSiriXML, config.SourceSiriJSON:
		var src store.VehicleFeedSource
		switch source {
		case config.SourceGTFSRT:
			src = store.NewGtfsRtVehicleFeedSource(cfg.Store.GTFSRTURL, timeout)
		case config.SourceSiriXML:
			src = store.NewSiriXmlVehicleFeedSource(cfg.Store.SiriXMLURL, timeout)
		default:
			src = store.NewSiriJsonVehicleFeedSource(cfg.Store.SiriJSONURL, timeout)
		}
		fs := store.NewFeedStore(src, cfg.Store.RefreshMin, log,
			store.WithFeedPaths(cfg.Feed.LocationsPath, cfg.Feed.StatusPath))
		go fs.Run(ctx)
		return fs, nopCloser, nil
	default:
		log.Warn("using empty in-process store")
		return store.NewMemoryStore(), nopCloser, nil
	}
}

func trackerConfig(d config.DisplayConfig) tracker.Config {
	tc := tracker.DefaultConfig()
	tc.Duration = d.Animation
	tc.JitterDegrees = d.JitterDegrees
	tc.StaleThreshold = d.StaleThreshold
	tc.StalePoll = d.StalePoll
	if d.Heading == config.HeadingShortestArc {
		tc.Heading = anim.ShortestArcHeading{}
	}
	return tc
}
