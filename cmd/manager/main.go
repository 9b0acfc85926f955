package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"icnaas/pkg/api"
	"icnaas/pkg/config"
	"icnaas/pkg/consul"
	"icnaas/pkg/db"
	"icnaas/pkg/device"
	"icnaas/pkg/logging"
	"icnaas/pkg/metrics"
	"icnaas/pkg/store"
	"icnaas/pkg/topology"
	"icnaas/pkg/version"
)

func main() {
	envFile := flag.String("env", "", "env file to load before the environment (default ./.env when present)")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("icnaas-manager"))
		return
	}

	cfg, err := config.LoadManager(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("manager stopped")
	}
	log.Info().Msg("manager stopped")
}

func run(ctx context.Context, cfg *config.Manager, log zerolog.Logger) error {
	log.Info().
		Str("version", version.Build).
		Str("addr", cfg.ListenAddr).
		Str("store", cfg.Store).
		Str("locker", cfg.Locker).
		Bool("dry_run", cfg.DryRun).
		Msg("starting topology manager")

	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	journal, err := device.OpenJournal(ctx, cfg.JournalPath)
	if err != nil {
		return err
	}
	defer journal.Close()

	var exec device.Executor = device.LogExecutor{Log: log.With().Str("component", "device").Logger()}
	if !cfg.DryRun {
		ssh, err := device.NewSSHExecutor(cfg.SSH())
		if err != nil {
			return fmt.Errorf("ssh executor: %w", err)
		}
		exec = ssh
	}

	m := metrics.New()
	queue := device.NewQueue(device.NewChannel(exec, cfg.Commands()), cfg.Queue(),
		device.WithJournal(journal),
		device.WithMetrics(m),
		device.WithLogger(log.With().Str("component", "queue").Logger()))

	var locker topology.Locker = topology.NewKeyedMutex()
	if cfg.Locker == "consul" {
		cl, err := consul.NewLocker(cfg.Consul(), log.With().Str("component", "consul").Logger())
		if err != nil {
			return err
		}
		locker = cl
	}

	hub := api.NewEventHub(log)
	defer hub.Close()
	mgr := topology.New(cfg.Topology, st, queue,
		topology.WithLocker(locker),
		topology.WithEvents(hub),
		topology.WithMetrics(m),
		topology.WithLogger(log.With().Str("component", "topology").Logger()))

	srv := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: api.NewManagerHandler(api.ManagerDeps{
			Topology: mgr,
			Store:    st,
			Pushes:   journal,
			Pending:  queue.Pending,
			Events:   hub,
			Metrics:  m,
			Log:      log.With().Str("component", "api").Logger(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	tlsFiles := cfg.TLS()
	if tlsFiles.Enabled() {
		if srv.TLSConfig, err = tlsFiles.ServerConfig(); err != nil {
			return fmt.Errorf("tls: %w", err)
		}
	}

	// The queue outlives the HTTP server so pushes accepted before shutdown
	// still reach the routers.
	qctx, stopQueue := context.WithCancel(context.WithoutCancel(ctx))
	defer stopQueue()
	queueDone := make(chan struct{})
	go func() {
		defer close(queueDone)
		_ = queue.Run(qctx)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Bool("tls", tlsFiles.Enabled()).Msg("manager listening")
		var err error
		if tlsFiles.Enabled() {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownWindow)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(func() error {
		prune(gctx, journal, cfg.JournalKeep, log)
		return nil
	})
	err = g.Wait()

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout)
	defer cancel()
	if derr := queue.Drain(dctx); derr != nil {
		log.Warn().Err(derr).Int("pending", queue.Pending()).Msg("device pushes abandoned")
	}
	stopQueue()
	<-queueDone
	return err
}

func openStore(ctx context.Context, cfg *config.Manager, log zerolog.Logger) (store.Store, error) {
	slog := log.With().Str("component", "store").Logger()
	switch cfg.Store {
	case "mysql":
		return db.Open(ctx, cfg.MySQL(), slog)
	case "memory":
		slog.Warn().Msg("memory store: topology is lost on restart")
		return store.NewMemory(), nil
	}
	return store.OpenSQLite(ctx, cfg.SQLitePath, slog)
}

// prune drops push records older than keep once an hour.
func prune(ctx context.Context, journal *device.Journal, keep time.Duration, log zerolog.Logger) {
	if keep <= 0 {
		return
	}
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := journal.Prune(ctx, time.Now().Add(-keep))
			if err != nil {
				log.Warn().Err(err).Msg("journal prune failed")
				continue
			}
			if n > 0 {
				log.Info().Int64("records", n).Msg("journal pruned")
			}
		}
	}
}
