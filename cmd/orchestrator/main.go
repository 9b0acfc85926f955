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
	"icnaas/pkg/client"
	"icnaas/pkg/config"
	"icnaas/pkg/deployer"
	"icnaas/pkg/logging"
	"icnaas/pkg/metrics"
	"icnaas/pkg/monitor"
	"icnaas/pkg/orchestrator"
	"icnaas/pkg/rules"
	"icnaas/pkg/version"
)

func main() {
	envFile := flag.String("env", "", "env file to load before the environment (default ./.env when present)")
	showVersion := flag.Bool("v", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version.String("icnaas-orchestrator"))
		return
	}

	cfg, err := config.LoadOrchestrator(*envFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Environment, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("orchestrator stopped")
	}
	log.Info().Msg("orchestrator stopped")
}

func run(ctx context.Context, cfg *config.Orchestrator, log zerolog.Logger) error {
	log.Info().
		Str("version", version.Build).
		Str("addr", cfg.ListenAddr).
		Str("deployer", cfg.Deployer).
		Str("monitor", cfg.Monitor).
		Int("layers", cfg.Layers).
		Msg("starting orchestrator")

	rc, err := cfg.Rules()
	if err != nil {
		return err
	}
	registrars, err := registrarFunc(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	exec := orchestrator.NewExecution(cfg.Execution(), newDeployer(cfg, log),
		orchestrator.WithRegistrar(registrars),
		orchestrator.WithExecLogger(log.With().Str("component", "execution").Logger()))
	dec := orchestrator.NewDecision(exec, rules.NewEngine(rc), connector(cfg, log), cfg.Decision(),
		orchestrator.WithDecisionMetrics(m),
		orchestrator.WithDecisionLogger(log.With().Str("component", "decision").Logger()))
	orch := orchestrator.New(exec, dec, log.With().Str("component", "orchestrator").Logger())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewLifecycleHandler(orch, m, log.With().Str("component", "api").Logger()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("orchestrator listening")
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownWindow)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func newDeployer(cfg *config.Orchestrator, log zerolog.Logger) deployer.Deployer {
	if cfg.Deployer == "memory" {
		return deployer.NewMemory(cfg.DeployerSettle)
	}
	return deployer.NewClient(cfg.DeployerURL, cfg.DeployerToken, cfg.HTTPTimeout,
		log.With().Str("component", "deployer").Logger())
}

func connector(cfg *config.Orchestrator, log zerolog.Logger) monitor.Connector {
	switch cfg.Monitor {
	case "influx":
		return monitor.InfluxConnector(cfg.Influx())
	case "static":
		return monitor.NewStatic().Connector()
	}
	return monitor.PrometheusConnector(nil, log.With().Str("component", "monitor").Logger())
}

// registrarFunc reaches the topology manager announced by the deployment.
func registrarFunc(cfg *config.Orchestrator) (orchestrator.RegistrarFunc, error) {
	opts := []client.Option{client.WithTimeout(cfg.HTTPTimeout)}
	files := cfg.ManagerTLS()
	if files.Enabled() || files.ClientCA != "" {
		tc, err := files.ClientConfig()
		if err != nil {
			return nil, fmt.Errorf("manager tls: %w", err)
		}
		opts = append(opts, client.WithTLS(tc))
	}
	return func(endpoint string) orchestrator.Registrar {
		return client.New(endpoint, opts...)
	}, nil
}
