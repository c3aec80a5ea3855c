// stm-tracker records the positions of the buses running on a set of
// lines, polling the transit gateway and writing every movement to
// PostgreSQL.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"stm-tracker/internal/bus"
	"stm-tracker/internal/config"
	"stm-tracker/internal/db"
	"stm-tracker/internal/logging"
	"stm-tracker/internal/metrics"
	"stm-tracker/internal/publisher"
	"stm-tracker/internal/stmapi"
	"stm-tracker/internal/supervisor"
	"stm-tracker/internal/tracker"
)

const usage = `usage: stm-tracker <command> [flags]

commands:
  migrate                                         apply database migrations
  add-line --bus B --destination D --variant V    register a line variant
  init <bus>                                      fetch and store the paths of a bus
  track <bus> [<bus>...]                          track units until interrupted
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(os.Stderr, usage)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	// Root context with cancellation on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	switch cmd, rest := args[0], args[1:]; cmd {
	case "migrate":
		return runMigrate(cfg, logger)
	case "add-line":
		return runAddLine(ctx, cfg, logger, rest)
	case "init":
		return runInit(ctx, cfg, logger, rest)
	case "track":
		return runTrack(ctx, cfg, logger, rest)
	default:
		fmt.Fprint(os.Stderr, usage)
		return errors.Errorf("unknown command %q", cmd)
	}
}

func runMigrate(cfg *config.Config, logger *zap.Logger) error {
	if err := db.Migrate(cfg.DatabaseURL); err != nil {
		return errors.Wrap(err, "migrate")
	}
	logger.Info("database schema up to date")
	return nil
}

func runAddLine(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	var line bus.Line
	fs := pflag.NewFlagSet("add-line", pflag.ContinueOnError)
	fs.StringVar(&line.Bus, "bus", "", "bus code, e.g. 192")
	fs.StringVar(&line.Destination, "destination", "", "destination shown on the bus")
	fs.IntVar(&line.VariantID, "variant", 0, "gateway variant id")
	fs.BoolVar(&line.Going, "going", false, "outbound direction")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if line.Bus == "" || line.Destination == "" || line.VariantID == 0 {
		return errors.New("add-line requires --bus, --destination and --variant")
	}

	sqlDB, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	created, err := db.NewStore(sqlDB).CreateLine(ctx, line)
	if err != nil {
		if db.IsConflict(err) {
			return errors.Wrapf(err, "variant %d is already registered", line.VariantID)
		}
		return err
	}
	logger.Info("line added", zap.Stringer("line", created), zap.Int64("id", created.ID))
	return nil
}

func runInit(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	if len(args) != 1 {
		return errors.New("init takes exactly one bus code")
	}
	if err := cfg.RequireGateway(); err != nil {
		return err
	}

	sqlDB, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	gw := stmapi.NewClient(cfg.GatewayURL, cfg.GatewayTimeout, nil)
	n, err := tracker.InitializePaths(ctx, gw, db.NewStore(sqlDB), args[0], logger)
	if err != nil {
		return errors.Wrapf(err, "initialize paths of bus %s", args[0])
	}
	logger.Info("paths initialized", zap.String("bus", args[0]), zap.Int("points", n))
	return nil
}

func runTrack(ctx context.Context, cfg *config.Config, logger *zap.Logger, buses []string) error {
	if len(buses) == 0 {
		return errors.New("track needs at least one bus code")
	}
	if err := cfg.RequireGateway(); err != nil {
		return err
	}

	sqlDB, err := openDB(ctx, cfg)
	if err != nil {
		return err
	}
	defer sqlDB.Close()
	store := db.NewStore(sqlDB)

	// Metrics setup
	var mcol *metrics.Collector
	var gwMetrics stmapi.Metrics
	var supMetrics supervisor.Metrics
	if cfg.MetricsAddr != "" {
		mcol = metrics.NewCollector(cfg.DiscoveryInterval, cfg.TrackInterval)
		gwMetrics, supMetrics = mcol, mcol
		srv := mcol.Serve(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	var pub tracker.LocationPublisher
	if cfg.NATSURL != "" {
		np, err := publisher.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, cfg.LogNATSSubjects, wrapPublisherMetrics(mcol), logger)
		if err != nil {
			return errors.Wrap(err, "nats")
		}
		defer np.Close()
		pub = np
	}

	gw := stmapi.NewClient(cfg.GatewayURL, cfg.GatewayTimeout, gwMetrics)
	sup := supervisor.New(cfg.RetryBackoff, logger, supMetrics)
	opts := tracker.Options{
		DiscoveryInterval: cfg.DiscoveryInterval,
		TrackInterval:     cfg.TrackInterval,
		TrackJitter:       cfg.TrackJitter,
		StaggerMin:        cfg.StaggerMin,
		StaggerMax:        cfg.StaggerMax,
		LineCacheSize:     cfg.LineCacheSize,
	}

	logger.Info("stm tracker started", zap.String("buses", strings.Join(buses, ",")))
	var wg sync.WaitGroup
	for _, b := range buses {
		mgr := tracker.NewManager(b, gw, store, pub, mcol, logger, opts)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Run(ctx, "line-"+b, mgr.Run)
		}()
	}
	wg.Wait()
	logger.Info("stm tracker ended")
	return nil
}

func openDB(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	sqlDB, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "db open")
	}
	if err := db.Ping(ctx, sqlDB); err != nil {
		sqlDB.Close()
		return nil, errors.Wrap(err, "db ping")
	}
	return sqlDB, nil
}

// wrapPublisherMetrics adapts our Collector to the PublisherMetrics interface.
func wrapPublisherMetrics(c *metrics.Collector) publisher.PublisherMetrics {
	if c == nil {
		return nil
	}
	return &pubMetrics{c: c}
}

type pubMetrics struct{ c *metrics.Collector }

func (p *pubMetrics) NATSPublishedInc()              { p.c.NATSPublished.Inc() }
func (p *pubMetrics) NATSPublishErrInc()             { p.c.NATSPublishErrs.Inc() }
func (p *pubMetrics) PublishObserve(d time.Duration) { p.c.PublishDuration.Observe(d.Seconds()) }
func (p *pubMetrics) NATSSetConnected(b bool) {
	if b {
		p.c.NATSConnected.Set(1)
	} else {
		p.c.NATSConnected.Set(0)
	}
}
