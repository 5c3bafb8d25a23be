// Package main is the hostrunnerd entry point: it loads config.json, wires
// every subsystem together, and serves the control-plane HTTP API until a
// shutdown signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/r3e-network/hostrunner/internal/api"
	"github.com/r3e-network/hostrunner/internal/catalog"
	"github.com/r3e-network/hostrunner/internal/config"
	"github.com/r3e-network/hostrunner/internal/eventbus"
	"github.com/r3e-network/hostrunner/internal/hostpaths"
	"github.com/r3e-network/hostrunner/internal/instance"
	"github.com/r3e-network/hostrunner/internal/logging"
	"github.com/r3e-network/hostrunner/internal/metrics"
	"github.com/r3e-network/hostrunner/internal/pgarchive"
	"github.com/r3e-network/hostrunner/internal/project"
	"github.com/r3e-network/hostrunner/internal/schedule"
	"github.com/r3e-network/hostrunner/internal/svccatalog"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("hostrunnerd", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	dataRoot := fs.String("data-root", "", "data root directory (required)")
	port := fs.Int("port", 0, "HTTP port (overrides config.json)")
	host := fs.String("host", "", "HTTP bind address (overrides config.json)")
	logLevel := fs.String("log-level", "", "log level: debug|info|warn|error (overrides config.json)")
	webuiDir := fs.String("webui-dir", "", "static web UI directory (overrides config.json)")
	showVersion := fs.Bool("v", false, "print version and exit")
	fs.BoolVar(showVersion, "version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("hostrunnerd " + version)
		return 0
	}
	if *dataRoot == "" {
		fmt.Fprintln(os.Stderr, "hostrunnerd: --data-root is required")
		fs.Usage()
		return 2
	}

	root := hostpaths.New(*dataRoot)
	if err := root.EnsureLayout(); err != nil {
		fmt.Fprintf(os.Stderr, "hostrunnerd: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(root)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hostrunnerd: %v\n", err)
		return 2
	}
	if *port != 0 {
		cfg.Port = *port
	}
	if *host != "" {
		cfg.Host = *host
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *webuiDir != "" {
		cfg.WebuiDir = *webuiDir
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "hostrunnerd: %v\n", err)
		return 2
	}

	log := logging.New("hostrunnerd", cfg.LogLevel, "text")

	if err := serve(cfg, root, log); err != nil {
		log.WithContext(context.Background()).Errorf("fatal: %v", err)
		return 1
	}
	return 0
}

// openArchive opens the optional Postgres event archive and applies its
// migrations. Only called when config.json's dbURL is set.
func openArchive(dsn string, log *logging.Logger) (*pgarchive.Store, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	db, err := pgarchive.Open(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pgarchive.RunMigrations(db.DB); err != nil {
		db.Close()
		return nil, err
	}
	return pgarchive.New(db, log), nil
}

func loadConfig(root hostpaths.Root) (config.HostConfig, error) {
	raw, err := os.ReadFile(root.ConfigFile())
	if err != nil {
		if os.IsNotExist(err) {
			return config.Default(), nil
		}
		return config.HostConfig{}, fmt.Errorf("read config.json: %w", err)
	}
	return config.ParseHostConfig(raw)
}

func serve(cfg config.HostConfig, root hostpaths.Root, log *logging.Logger) error {
	bus := eventbus.New()

	rotLog, err := eventbus.NewRotatingLog(root.LogsDir(), "events", cfg.LogMaxBytes, cfg.LogMaxFiles)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer rotLog.Close()
	bus.Subscribe(rotLog.Subscriber())

	sse := eventbus.NewSSEFanout(bus)
	defer sse.Close()

	if cfg.DBURL != "" {
		archive, err := openArchive(cfg.DBURL, log)
		if err != nil {
			return fmt.Errorf("postgres archive: %w", err)
		}
		defer archive.Close()
		bus.Subscribe(archive.Subscriber())
	}

	var metricsCollector *metrics.Metrics
	if cfg.MetricsEnabled {
		metricsCollector = metrics.New()
	}

	drivers := catalog.New(root.DriversDir(), 10*time.Second, log)
	if err := drivers.Scan(context.Background()); err != nil {
		log.WithContext(context.Background()).Warnf("initial driver scan: %v", err)
	}

	services := svccatalog.New(root.ServicesDir(), log)
	if err := services.Scan(); err != nil {
		log.WithContext(context.Background()).Warnf("initial service scan: %v", err)
	}

	projects := project.New(root, services)
	if err := projects.Load(); err != nil {
		log.WithContext(context.Background()).Warnf("initial project load: %v", err)
	}

	hostBinaryDir := ""
	if exe, err := os.Executable(); err == nil {
		hostBinaryDir = filepath.Dir(exe)
	}
	resolver := instance.RunnerResolver{
		ConfiguredPath: cfg.ServiceProgram,
		HostBinaryDir:  hostBinaryDir,
	}
	instances := instance.New(root, resolver, bus, log)

	sched := schedule.New(projects, instances, bus, log)
	sched.StartAll()

	handler := api.New(drivers, services, projects, instances, sched, bus, sse, log, cfg.CorsOrigin,
		metricsCollector, 100, 200)
	if cfg.WebuiDir != "" {
		handler = withWebUI(handler, cfg.WebuiDir)
	}

	addr := cfg.Host + ":" + strconv.Itoa(cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithContext(context.Background()).Infof("hostrunnerd listening on %s", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-sigCh:
		log.WithContext(context.Background()).Info("shutdown signal received")
	}

	return shutdown(server, sse, sched, instances)
}

// shutdown implements the deterministic teardown order: close SSE streams,
// stop the schedule engine from starting new work, terminate instances,
// wait up to 5s, force-kill the remainder. Open driverlab WebSocket
// sessions are not closed by this sequence.
func shutdown(server *http.Server, sse *eventbus.SSEFanout, sched *schedule.Engine, instances *instance.Manager) error {
	sse.Close()
	sched.SetShuttingDown(true)
	sched.StopAll()

	if err := instances.TerminateAll(); err != nil {
		return fmt.Errorf("terminate instances: %w", err)
	}
	instances.WaitAllFinished(5 * time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(ctx)
}

// withWebUI serves the static web UI directory for any request the API
// router doesn't claim, falling back to the API handler for /api/... paths
// and /metrics.
func withWebUI(apiHandler http.Handler, dir string) http.Handler {
	fileServer := http.FileServer(http.Dir(dir))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if (len(r.URL.Path) >= 5 && r.URL.Path[:5] == "/api/") || r.URL.Path == "/metrics" {
			apiHandler.ServeHTTP(w, r)
			return
		}
		fileServer.ServeHTTP(w, r)
	})
}
