// Package proxy implements the Docker backend's Regional Proxy Manager: a
// pool of sharded reverse-proxy container instances that grows by one
// shard whenever every existing shard is full, each with its own Docker
// network, used to route
// `{project-slug}-{container-directory}.{app-domain}` hostnames to the
// right project network while staying under per-host Docker network
// limits.
//
// On first assignment to a shard that has never been started, the
// manager synthesizes that shard's own Compose file (a Traefik instance
// reading the Docker socket) and brings it up itself, the same
// shell-exec-driven `docker compose ... up -d` idiom the dockerbackend
// package uses for project stacks. Network attach/detach against an
// already-running shard is done with plain `docker network
// connect`/`disconnect` shell calls.
package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/lock"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// regionalProxyTimeout is applied to Traefik's read/write/idle transport
// timeouts: dev servers behind a freshly assigned project can take minutes
// to first-compile, so the regional proxy must not give up on them early
// (spec.md §4.8).
const regionalProxyTimeout = 600 * time.Second

const defaultProxyImage = "traefik:v2.11"

// defaultComposeFilesDir matches spec.md §6's file-naming convention for
// generated regional proxy stacks.
const defaultComposeFilesDir = "docker-compose-regional-traefiks"

// commandRunner is the subset of util.Exec's behavior the Manager needs.
// A separate interface (rather than depending on util.Exec directly) so
// tests can supply a fake instead of shelling out to a real Docker daemon.
type commandRunner interface {
	ExecCommand(cmd string, opts util.ExecOpts) (string, error)
}

// Manager assigns projects to a growing pool of proxy shards, starting each
// shard's own Compose stack the first time it's needed and keeping its
// Docker network connected to every project network currently routed
// through it.
type Manager struct {
	ShardSize       int // max projects per shard before a new shard is created
	ComposeFilesDir string
	ProxyImage      string
	exec            commandRunner

	registry *lock.Registry

	// assignments maps project slug -> shard index. Mutation is guarded by
	// registry's "proxy-manager" key so concurrent Assign calls serialize.
	assignments map[string]int
	shardCounts map[int]int
	started     map[int]bool
}

// NewManager builds a Manager. shardSize must be positive. composeFilesDir
// and proxyImage fall back to defaultComposeFilesDir/defaultProxyImage
// when empty.
func NewManager(ctx context.Context, logger util.Logger, shardSize int, composeFilesDir, proxyImage string) (*Manager, error) {
	if shardSize <= 0 {
		return nil, errors.New("proxy shard size must be positive")
	}
	exec := util.NewExec(ctx, logger)
	return newManager(&exec, shardSize, composeFilesDir, proxyImage)
}

func newManager(exec commandRunner, shardSize int, composeFilesDir, proxyImage string) (*Manager, error) {
	if shardSize <= 0 {
		return nil, errors.New("proxy shard size must be positive")
	}
	if composeFilesDir == "" {
		composeFilesDir = defaultComposeFilesDir
	}
	if proxyImage == "" {
		proxyImage = defaultProxyImage
	}
	return &Manager{
		ShardSize:       shardSize,
		ComposeFilesDir: composeFilesDir,
		ProxyImage:      proxyImage,
		exec:            exec,
		registry:        lock.NewRegistry(),
		assignments:     make(map[string]int),
		shardCounts:     make(map[int]int),
		started:         make(map[int]bool),
	}, nil
}

// ShardContainerName returns the conventional container name of the
// reverse-proxy instance for a given shard index.
func ShardContainerName(shardIndex int) string {
	return fmt.Sprintf("tesslate-proxy-shard-%d", shardIndex)
}

// ShardNetworkName returns the Docker network name the shard's proxy
// container listens on.
func ShardNetworkName(shardIndex int) string {
	return fmt.Sprintf("tesslate-proxy-net-%d", shardIndex)
}

// Assign picks (or reuses) a shard for projectSlug, starting that shard's
// own Compose stack first if it has never been assigned a project before,
// connects the shard's proxy network to the project's own Docker network,
// and returns the shard index. Idempotent: calling Assign again for an
// already-assigned project is a no-op that returns the same shard.
func (m *Manager) Assign(projectSlug, projectNetwork string) (int, error) {
	var shard int
	err := m.registry.WithLock("proxy-manager", func() error {
		if existing, ok := m.assignments[projectSlug]; ok {
			shard = existing
			return nil
		}
		shard = m.leastLoadedShard()
		if !m.started[shard] {
			if err := m.startShard(shard); err != nil {
				return err
			}
			m.started[shard] = true
		}
		if err := m.connectNetwork(projectNetwork, shard); err != nil {
			return err
		}
		m.assignments[projectSlug] = shard
		m.shardCounts[shard]++
		return nil
	})
	return shard, err
}

// Release disconnects projectSlug's network from its shard and forgets
// the assignment.
func (m *Manager) Release(projectSlug, projectNetwork string) error {
	return m.registry.WithLock("proxy-manager", func() error {
		shard, ok := m.assignments[projectSlug]
		if !ok {
			return nil
		}
		if err := m.disconnectNetwork(projectNetwork, shard); err != nil {
			return err
		}
		delete(m.assignments, projectSlug)
		m.shardCounts[shard]--
		return nil
	})
}

// leastLoadedShard returns the lowest-indexed shard under ShardSize
// capacity, creating a new shard index if every existing one is full.
// Caller must hold the proxy-manager lock.
func (m *Manager) leastLoadedShard() int {
	shard := 0
	for {
		if m.shardCounts[shard] < m.ShardSize {
			return shard
		}
		shard++
	}
}

// shardComposeDocument mirrors the handful of Compose v2 fields a
// Traefik-backed regional proxy shard needs: one service reading the
// Docker socket, bound to the shard's own dedicated network.
type shardComposeDocument struct {
	Name     string                         `yaml:"name"`
	Services map[string]shardComposeService `yaml:"services"`
	Networks map[string]shardComposeNetwork `yaml:"networks"`
}

type shardComposeService struct {
	Image         string   `yaml:"image"`
	ContainerName string   `yaml:"container_name"`
	Command       []string `yaml:"command"`
	Volumes       []string `yaml:"volumes"`
	Networks      []string `yaml:"networks"`
	RestartPolicy string   `yaml:"restart"`
}

type shardComposeNetwork struct {
	Name     string `yaml:"name"`
	External bool   `yaml:"external"`
}

// buildShardComposeDocument lays out a Traefik instance whose Docker
// provider discovers routed containers via the `traefik.*` labels
// dockerbackend already attaches to project service containers, with its
// read/write/idle transport timeouts all set to regionalProxyTimeout
// (spec.md §4.8).
func (m *Manager) buildShardComposeDocument(shard int) shardComposeDocument {
	timeout := fmt.Sprintf("%ds", int(regionalProxyTimeout.Seconds()))
	network := ShardNetworkName(shard)

	return shardComposeDocument{
		Name: ShardContainerName(shard),
		Services: map[string]shardComposeService{
			"proxy": {
				Image:         m.ProxyImage,
				ContainerName: ShardContainerName(shard),
				Command: []string{
					"--providers.docker=true",
					"--providers.docker.exposedbydefault=false",
					"--entrypoints.web.address=:80",
					"--entrypoints.web.transport.respondingTimeouts.readTimeout=" + timeout,
					"--entrypoints.web.transport.respondingTimeouts.writeTimeout=" + timeout,
					"--entrypoints.web.transport.respondingTimeouts.idleTimeout=" + timeout,
				},
				Volumes:       []string{"/var/run/docker.sock:/var/run/docker.sock:ro"},
				Networks:      []string{network},
				RestartPolicy: "unless-stopped",
			},
		},
		Networks: map[string]shardComposeNetwork{
			network: {Name: network, External: false},
		},
	}
}

func (m *Manager) shardComposeFilePath(shard int) string {
	return filepath.Join(m.ComposeFilesDir, fmt.Sprintf("regional-%d.yml", shard))
}

func (m *Manager) writeShardComposeFile(shard int) error {
	raw, err := yaml.Marshal(m.buildShardComposeDocument(shard))
	if err != nil {
		return errors.Wrapf(err, "failed to marshal compose document for shard %d", shard)
	}
	if err := os.MkdirAll(m.ComposeFilesDir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create regional proxy compose files directory")
	}
	if err := os.WriteFile(m.shardComposeFilePath(shard), raw, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write compose file for shard %d", shard)
	}
	return nil
}

// startShard synthesizes shard's Compose file and brings it up. Caller
// must hold the proxy-manager lock.
func (m *Manager) startShard(shard int) error {
	if err := m.writeShardComposeFile(shard); err != nil {
		return err
	}
	cmd := fmt.Sprintf("docker compose -f %s -p %s up -d --remove-orphans",
		m.shardComposeFilePath(shard), ShardContainerName(shard))
	if _, err := m.exec.ExecCommand(cmd, util.ExecOpts{}); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to start regional proxy shard %d", shard)
	}
	return nil
}

// connectNetwork joins the shard's proxy container to the project's own
// bridge network by name, so the proxy can route to containers on it
// without the project network needing to know about proxy shards.
func (m *Manager) connectNetwork(projectNetwork string, shard int) error {
	cmd := fmt.Sprintf("docker network connect %s %s", projectNetwork, ShardContainerName(shard))
	if _, err := m.exec.ExecCommand(cmd, util.ExecOpts{}); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to connect shard %d to network %q", shard, projectNetwork)
	}
	return nil
}

func (m *Manager) disconnectNetwork(projectNetwork string, shard int) error {
	cmd := fmt.Sprintf("docker network disconnect %s %s", projectNetwork, ShardContainerName(shard))
	if _, err := m.exec.ExecCommand(cmd, util.ExecOpts{}); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to disconnect shard %d from network %q", shard, projectNetwork)
	}
	return nil
}

// ShardFor returns the shard index currently assigned to projectSlug.
func (m *Manager) ShardFor(projectSlug string) (shard int, ok bool) {
	_ = m.registry.WithLock("proxy-manager", func() error {
		shard, ok = m.assignments[projectSlug]
		return nil
	})
	return shard, ok
}
