// Package model holds the flat data entities the orchestration core reads
// and writes. Projects, containers and connections are stored as three flat
// collections with foreign-key style references; no entity holds a
// back-pointer to another, so a ProjectGraph is always built on demand
// (see Graph) instead of being carried across calls.
package model

import (
	"encoding/json"
	"time"
)

// EnvironmentStatus is the per-project lifecycle state: absent, active, or
// hibernated.
type EnvironmentStatus string

const (
	EnvironmentAbsent     EnvironmentStatus = "absent"
	EnvironmentActive     EnvironmentStatus = "active"
	EnvironmentHibernated EnvironmentStatus = "hibernated"
)

// ContainerType distinguishes a user workload from a catalog-backed service.
type ContainerType string

const (
	ContainerTypeBase    ContainerType = "base"
	ContainerTypeService ContainerType = "service"
)

// DeploymentMode is the declarative per-container override of how a
// container is realized; most containers leave this unset and inherit the
// backend default.
type DeploymentMode string

const (
	DeploymentModeContainer DeploymentMode = "container"
	DeploymentModeExternal  DeploymentMode = "external"
)

// ConnectorType identifies how a ContainerConnection is materialized on
// start.
type ConnectorType string

const (
	ConnectorEnvInjection ConnectorType = "env_injection"
	ConnectorHTTPAPI      ConnectorType = "http_api"
	ConnectorDatabase     ConnectorType = "database"
)

// ContainerStatus mirrors the backend-reported lifecycle of a workload.
type ContainerStatus string

const (
	ContainerStatusStopped     ContainerStatus = "stopped"
	ContainerStatusStarting    ContainerStatus = "starting"
	ContainerStatusRunning     ContainerStatus = "running"
	ContainerStatusFailed      ContainerStatus = "failed"
	ContainerStatusUninitiated ContainerStatus = "uninitiated"
)

// Project is a user-owned graph of containers and connections, with its own
// directory on shared storage.
type Project struct {
	ID            string            `json:"id"`
	Slug          string            `json:"slug"`
	Name          string            `json:"name"`
	UserID        string            `json:"userId"`
	Status        EnvironmentStatus `json:"environmentStatus"`
	LastActivity  *time.Time        `json:"lastActivity,omitempty"`
	HibernatedAt  *time.Time        `json:"hibernatedAt,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	// GitRemoteURL is recorded when the project was seeded from a
	// marketplace base or a GitHub import (§4.11). Supplements the
	// distilled spec per original_source/orchestrator/app/models.py.
	GitRemoteURL *string `json:"gitRemoteUrl,omitempty"`
}

// ContainerReadyState is the last observed readiness probe for a container,
// persisted so callers don't need to re-probe the backend on every read.
// Supplements the distilled spec's is_container_ready return shape.
type ContainerReadyState struct {
	Ready     bool      `json:"ready"`
	Message   string    `json:"message"`
	Replicas  int       `json:"replicas"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Container is one workload within a project.
type Container struct {
	ID              string            `json:"id"`
	ProjectID       string            `json:"projectId"`
	Name            string            `json:"name"`
	Directory       string            `json:"directory"`
	Type            ContainerType     `json:"type"`
	BaseID          *string           `json:"baseId,omitempty"`
	ServiceSlug     *string           `json:"serviceSlug,omitempty"`
	InternalPort    int               `json:"internalPort"`
	EnvironmentVars map[string]string `json:"environmentVars"`
	DeploymentMode  *DeploymentMode   `json:"deploymentMode,omitempty"`
	Status          ContainerStatus   `json:"status"`
	Ready           ContainerReadyState `json:"ready"`
}

// IsExternalOverride reports whether this container's own deployment_mode
// declares it external, regardless of what its catalog entry's
// service_type would otherwise imply.
func (c Container) IsExternalOverride() bool {
	return c.DeploymentMode != nil && *c.DeploymentMode == DeploymentModeExternal
}

// Validate enforces the invariant that exactly one of BaseID /
// ServiceSlug is set.
func (c Container) Validate() error {
	hasBase := c.BaseID != nil && *c.BaseID != ""
	hasService := c.ServiceSlug != nil && *c.ServiceSlug != ""
	if hasBase == hasService {
		return errInvalidContainerSource
	}
	return nil
}

// ContainerConnection is a directed edge from a source container to a
// target container/service.
type ContainerConnection struct {
	ID            string          `json:"id"`
	ProjectID     string          `json:"projectId"`
	SourceID      string          `json:"sourceContainerId"`
	TargetID      string          `json:"targetContainerId"`
	ConnectorType ConnectorType   `json:"connectorType"`
	ConfigJSON    json.RawMessage `json:"config,omitempty"`
}

// MarketplaceBase is a reusable project template (GLOSSARY).
type MarketplaceBase struct {
	ID             string            `json:"id"`
	Slug           string            `json:"slug"`
	GitRepoURL     *string           `json:"gitRepoUrl,omitempty"`
	DefaultBranch  *string           `json:"defaultBranch,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// Graph is the in-memory, per-project view built on demand from the flat
// Container/ContainerConnection collections (Design Note §9: "never hold
// back-pointers across DB-session boundaries").
type Graph struct {
	Project     Project
	Containers  []Container
	Connections []ContainerConnection
}

// BuildGraph assembles a Graph for one project from flat collections,
// filtering out entities that belong to other projects.
func BuildGraph(project Project, containers []Container, connections []ContainerConnection) Graph {
	g := Graph{Project: project}
	for _, c := range containers {
		if c.ProjectID == project.ID {
			g.Containers = append(g.Containers, c)
		}
	}
	for _, conn := range connections {
		if conn.ProjectID == project.ID {
			g.Connections = append(g.Connections, conn)
		}
	}
	return g
}

// ConnectionsInto returns the connections terminating at the given
// container, used to synthesize env_injection variables on start.
func (g Graph) ConnectionsInto(containerID string) []ContainerConnection {
	var res []ContainerConnection
	for _, conn := range g.Connections {
		if conn.TargetID == containerID {
			res = append(res, conn)
		}
	}
	return res
}

// ContainerByID looks up a container within the graph.
func (g Graph) ContainerByID(id string) (Container, bool) {
	for _, c := range g.Containers {
		if c.ID == id {
			return c, true
		}
	}
	return Container{}, false
}
