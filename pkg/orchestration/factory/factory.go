// Package factory builds and caches the single Orchestrator instance the
// rest of the process talks to (spec.md §4.9: "get_orchestrator() returns a
// cached instance of the concrete backend selected by the deployment_mode
// setting"). Everything downstream of Get — the reaper, the initializer,
// the API handlers — depends on the orchestration.Orchestrator interface
// only, never on dockerbackend or k8sbackend directly.
package factory

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/tesslate/orchestrator-core/pkg/corelog"
	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/activity"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/archive"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/basecache"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/catalog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/dockerbackend"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/initializer"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/k8sbackend"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/proxy"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/secretstore"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// credentialMasterKeyEnv is read directly with os.Getenv, the same 12-
// factor pattern the teacher's own cmd/ binaries use for API tokens rather
// than threading secrets through the YAML config file.
const credentialMasterKeyEnv = "CREDENTIAL_MASTER_KEY"

// Factory lazily builds and caches the process's single Orchestrator
// instance. The zero value is not usable; construct with New.
type Factory struct {
	cfg        config.Config
	logger     util.Logger
	coreLogger corelog.Logger

	mu   sync.Mutex
	inst orchestration.Orchestrator
	err  error

	initMu  sync.Mutex
	init    *initializer.Initializer
	initErr error
}

// New builds a Factory. Nothing is constructed eagerly — Get does the real
// work on first call and caches the result for every call after.
func New(cfg config.Config, logger util.Logger) *Factory {
	return &Factory{cfg: cfg, logger: logger, coreLogger: corelog.New()}
}

// CoreLogger returns the context-carrying structured logger business-logic
// code (the reaper, the initializer, cmd/orchestratord's own control flow)
// logs through, as distinct from the subprocess-output util.Logger passed
// into the backends.
func (f *Factory) CoreLogger() corelog.Logger {
	return f.coreLogger
}

// Get returns the process-wide Orchestrator singleton, building it on the
// first call. Safe for concurrent use; every caller after the first blocks
// briefly on the same build and then shares its result (or its error —
// a failed build is not retried, since a bad deploymentMode or missing
// credential is a static misconfiguration that will not resolve itself).
func (f *Factory) Get(ctx context.Context) (orchestration.Orchestrator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.inst != nil || f.err != nil {
		return f.inst, f.err
	}
	f.inst, f.err = f.build(ctx)
	return f.inst, f.err
}

func (f *Factory) build(ctx context.Context) (orchestration.Orchestrator, error) {
	cat := catalog.NewDefault()

	var vault *secretstore.Vault
	if key := os.Getenv(credentialMasterKeyEnv); key != "" {
		v, err := secretstore.NewVault([]byte(key))
		if err != nil {
			return nil, errors.Wrap(err, "failed to build credential vault")
		}
		vault = v
	}

	archiver, err := archive.New(ctx, f.cfg.ObjectStore)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build object-store archiver")
	}

	store := activity.NewMemoryStore()

	switch f.cfg.DeploymentMode {
	case config.DeploymentModeDocker:
		proxyMgr, err := proxy.NewManager(ctx, f.logger, f.cfg.Docker.RegionalProxyShardSize,
			f.cfg.Docker.RegionalProxyComposeDir, f.cfg.Docker.RegionalProxyImage)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build regional proxy manager")
		}
		return dockerbackend.New(ctx, dockerbackend.Deps{
			Config:         f.cfg.Docker,
			AppDomain:      f.cfg.AppDomain,
			DevServerImage: devServerImage(),
			Logger:         f.logger,
			Catalog:        cat,
			Vault:          vault,
			Activity:       store,
			ProxyManager:   proxyMgr,
		}), nil

	case config.DeploymentModeKubernetes:
		backend, err := k8sbackend.New(k8sbackend.Deps{
			Config:         f.cfg.Kubernetes,
			AppDomain:      f.cfg.AppDomain,
			DevServerImage: devServerImage(),
			Logger:         f.logger,
			Catalog:        cat,
			Vault:          vault,
			Archiver:       archiver,
			Activity:       store,
		})
		if err != nil {
			return nil, errors.Wrap(err, "failed to build kubernetes backend")
		}
		return backend, nil

	default:
		return nil, errors.Errorf("unknown deployment mode %q", f.cfg.DeploymentMode)
	}
}

// GetInitializer returns the process-wide Initializer singleton, building
// it (and the Orchestrator it wraps) on first call. The Docker backend's
// base cache is wired in automatically when BaseCacheMountPath is set;
// the Kubernetes backend never gets one (source_type=base falls back to
// a temp-directory clone there, see pkg/orchestration/initializer).
func (f *Factory) GetInitializer(ctx context.Context) (*initializer.Initializer, error) {
	orch, err := f.Get(ctx)
	if err != nil {
		return nil, err
	}

	f.initMu.Lock()
	defer f.initMu.Unlock()
	if f.init != nil || f.initErr != nil {
		return f.init, f.initErr
	}

	var cache *basecache.Cache
	if f.cfg.DeploymentMode == config.DeploymentModeDocker && f.cfg.Docker.BaseCacheMountPath != "" {
		cache = basecache.New(ctx, f.cfg.Docker.BaseCacheMountPath, f.logger)
	}
	f.init = initializer.New(orch, cache, f.cfg.TemplatesDir, f.coreLogger)
	return f.init, nil
}

func devServerImage() string {
	if img := os.Getenv("DEV_SERVER_IMAGE"); img != "" {
		return img
	}
	return "ghcr.io/tesslate/dev-server:latest"
}
