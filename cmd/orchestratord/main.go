// Command orchestratord is the orchestration core's process entrypoint
// (SPEC_FULL.md §2.1): it wires configuration, the orchestrator factory,
// the Docker base-cache mount point and the idle reaper into a long-running
// daemon, or runs a single reap pass for cron-style invocation.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/tesslate/orchestrator-core/pkg/corelog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/factory"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/reaper"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// rootParams holds flags shared across subcommands, the same
// shared-struct-attached-to-subcommands pattern as the teacher's
// pkg/cmd/root_cmd.RootCmd.
type rootParams struct {
	configPath string
	healthAddr string
}

func main() {
	params := &rootParams{}

	root := &cobra.Command{
		Use:   "orchestratord",
		Short: "Orchestration core daemon: Docker Compose / Kubernetes project lifecycle backend",
	}
	root.PersistentFlags().StringVarP(&params.configPath, "config", "c", "orchestratord.yaml", "Path to the orchestrator config document")
	root.PersistentFlags().StringVar(&params.healthAddr, "health-addr", ":8080", "Listen address for the health endpoint")

	root.AddCommand(newRunCmd(params), newReapCmd(params))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRunCmd(p *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the daemon: prepare the base cache mount point (Docker mode; no bases are pre-warmed), run the idle reaper, serve /healthz",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(p)
		},
	}
}

func newReapCmd(p *rootParams) *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Run a single idle-environment sweep and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReapOnce(p)
		},
	}
}

func loadConfig(p *rootParams) (config.Config, error) {
	cfg, err := config.Load(config.FSReader, p.configPath)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to load config %q", p.configPath)
	}
	cfg.CredentialMasterKey = os.Getenv("CREDENTIAL_MASTER_KEY")
	return cfg, nil
}

func runDaemon(p *rootParams) error {
	logger := util.NewStdoutLogger(os.Stdout, os.Stderr)
	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The marketplace base catalog itself is owned by the external
	// marketplace/billing collaborator (SPEC_FULL.md §2), so this process
	// doesn't pre-warm a fixed list at startup; basecache.Cache.Warm runs
	// lazily from pkg/orchestration/initializer the first time a given
	// base is requested. Only the cache's mount point is prepared here.
	if cfg.DeploymentMode == config.DeploymentModeDocker && cfg.Docker.BaseCacheMountPath != "" {
		if err := os.MkdirAll(cfg.Docker.BaseCacheMountPath, 0o755); err != nil {
			return errors.Wrap(err, "failed to prepare base cache mount path")
		}
	}

	f := factory.New(cfg, logger)
	orch, err := f.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to build orchestrator")
	}

	idleMinutes := cfg.HibernationIdleMinutes
	if cfg.DeploymentMode == config.DeploymentModeDocker {
		idleMinutes = cfg.IdleTimeoutMinutes
	}
	coreLogger := f.CoreLogger()
	r := reaper.New(orch, &loggingProjectStore{logger: coreLogger}, coreLogger, idleMinutes, time.Minute)

	go r.Run(ctx)
	go serveHealth(ctx, p.healthAddr, logger)

	<-ctx.Done()
	logger.Log("orchestratord shutting down")
	return nil
}

func runReapOnce(p *rootParams) error {
	logger := util.NewStdoutLogger(os.Stdout, os.Stderr)
	cfg, err := loadConfig(p)
	if err != nil {
		return err
	}

	ctx := context.Background()
	f := factory.New(cfg, logger)
	orch, err := f.Get(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to build orchestrator")
	}

	idleMinutes := cfg.HibernationIdleMinutes
	if cfg.DeploymentMode == config.DeploymentModeDocker {
		idleMinutes = cfg.IdleTimeoutMinutes
	}
	coreLogger := f.CoreLogger()
	r := reaper.New(orch, &loggingProjectStore{logger: coreLogger}, coreLogger, idleMinutes, time.Minute)
	committed := r.Tick(ctx)
	logger.Logf("reap pass committed %d project(s)", len(committed))
	return nil
}

// loggingProjectStore is the reaper.ProjectStore this binary wires by
// default: the real relational project store lives in the external API
// layer (SPEC_FULL.md §2, "external collaborators"), so this process
// only logs the hibernation commit it would have persisted. A deployment
// embedding this daemon alongside its own store replaces this with one
// backed by that store.
type loggingProjectStore struct {
	logger corelog.Logger
}

func (s *loggingProjectStore) MarkHibernated(ctx context.Context, projectID string, hibernatedAt time.Time) error {
	s.logger.Info(ctx, "project %s hibernated at %s", projectID, hibernatedAt.Format(time.RFC3339))
	return nil
}

// serveHealth runs a minimal liveness endpoint so the daemon can run
// under a process supervisor (SPEC_FULL.md §2: "no HTTP server beyond a
// minimal health endpoint"). Plain net/http: no web framework appears
// anywhere in the example corpus to ground a richer choice on, and one
// static 200-OK handler doesn't need one.
func serveHealth(ctx context.Context, addr string, logger util.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Errf("health endpoint stopped: %v", err)
	}
}
