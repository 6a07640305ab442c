package dockerbackend

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/catalog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
)

// composeDocument mirrors the subset of the Compose v2 schema the backend
// needs to generate. Hand-rolled with yaml tags rather than built through
// compose-go/types: that package's loader is a read path (types.Project is
// assembled by parsing a YAML file, see pkg/clouds/compose), and has no
// writer counterpart in this version, so round-tripping a generator's
// in-memory document through its loader-shaped struct would fight the
// grain of the library rather than use it. gopkg.in/yaml.v3, already the
// orchestrator's config-file codec (orchestration/config.Load), marshals a
// plain struct tree into the same document docker compose itself reads.
type composeDocument struct {
	Name     string                   `yaml:"name"`
	Services map[string]composeService `yaml:"services"`
	Networks map[string]composeNetwork `yaml:"networks"`
}

type composeService struct {
	Image       string            `yaml:"image"`
	User        string            `yaml:"user,omitempty"`
	WorkingDir  string            `yaml:"working_dir,omitempty"`
	Command     string            `yaml:"command,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	ExtraHosts  []string          `yaml:"extra_hosts,omitempty"`
	HealthCheck *composeHealth    `yaml:"healthcheck,omitempty"`
}

type composeHealth struct {
	Test []string `yaml:"test"`
}

type composeNetwork struct {
	Name     string `yaml:"name,omitempty"`
	External bool   `yaml:"external,omitempty"`
}

// pinnedInternalHosts are resolved to 127.0.0.1 inside every workload
// container so untrusted project code cannot reach platform
// infrastructure by its conventional in-cluster name (spec.md §4.6, §8
// property 6).
var pinnedInternalHosts = []string{
	"tesslate-orchestrator",
	"tesslate-postgres",
	"tesslate-redis",
	"postgres",
	"redis",
}

// buildComposeDocument synthesizes the full per-project Compose document
// from the project graph. The document is derived state (spec.md §9 Design
// Note): every call rebuilds it from scratch from the Container/
// ContainerConnection records, it is never hand-edited or read back as a
// source of truth.
func (b *Backend) buildComposeDocument(graph model.Graph, startupByContainer map[string]startupInfo) (composeDocument, error) {
	projectNetwork := b.projectNetworkName(graph.Project.Slug)
	doc := composeDocument{
		Name:     graph.Project.Slug,
		Services: make(map[string]composeService, len(graph.Containers)),
		Networks: map[string]composeNetwork{
			"project": {Name: projectNetwork},
			"proxy":   {Name: b.regionalProxyNetworkName(), External: true},
		},
	}

	for _, c := range graph.Containers {
		if b.catalog.IsExternal(c) {
			continue
		}
		svc, err := b.buildService(graph, c, startupByContainer[c.ID])
		if err != nil {
			return composeDocument{}, err
		}
		doc.Services[naming.SanitizeName(c.Name)] = svc
	}
	return doc, nil
}

type startupInfo struct {
	command string
	port    int
}

func (b *Backend) buildService(graph model.Graph, c model.Container, startup startupInfo) (composeService, error) {
	env := map[string]string{
		"PROJECT_ID":     graph.Project.ID,
		"CONTAINER_ID":   c.ID,
		"CONTAINER_NAME": naming.SanitizeName(c.Name),
	}
	for k, v := range c.EnvironmentVars {
		env[k] = v
	}

	if c.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*c.ServiceSlug); ok {
			for k, v := range def.DefaultEnv {
				env[k] = v
			}
		}
	}

	if err := b.injectConnectionEnv(graph, c, env); err != nil {
		return composeService{}, err
	}

	workingDir := "/app"
	subpath := graph.Project.Slug
	if !isRootDirectory(c.Directory) {
		workingDir = "/app/" + c.Directory
		subpath = graph.Project.Slug + "/" + c.Directory
	}

	image := b.workloadImage(c)
	svc := composeService{
		Image:      image,
		User:       "1000:1000",
		WorkingDir: workingDir,
		Command:    startup.command,
		Environment: env,
		Volumes: []string{
			fmt.Sprintf("%s:/app:subpath=%s", b.cfg.SharedVolumeName, subpath),
		},
		Networks:   []string{"project", "proxy"},
		ExtraHosts: pinnedExtraHosts(),
		Labels:     b.routingLabels(graph.Project.Slug, c, startup.port),
	}

	if c.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*c.ServiceSlug); ok && def.HealthProbe != "" {
			svc.HealthCheck = &composeHealth{Test: []string{"CMD-SHELL", def.HealthProbe}}
		}
	}
	return svc, nil
}

func (b *Backend) workloadImage(c model.Container) string {
	if c.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*c.ServiceSlug); ok {
			return def.Image
		}
	}
	return b.devServerImage
}

func pinnedExtraHosts() []string {
	hosts := make([]string, 0, len(pinnedInternalHosts))
	for _, h := range pinnedInternalHosts {
		hosts = append(hosts, fmt.Sprintf("%s:127.0.0.1", h))
	}
	sort.Strings(hosts)
	return hosts
}

// routingLabels only routes a container when it's a base workload, or a
// service whose category is proxy/storage/search (spec.md §4.6).
func (b *Backend) routingLabels(projectSlug string, c model.Container, port int) map[string]string {
	route := c.Type == model.ContainerTypeBase
	if c.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*c.ServiceSlug); ok {
			switch def.Category {
			case catalog.CategoryProxy, catalog.CategoryStorage, catalog.CategorySearch:
				route = true
			}
		}
	}
	labels := map[string]string{
		"tesslate.project":   projectSlug,
		"tesslate.container": c.Name,
	}
	if route {
		host := naming.Hostname(projectSlug, c.Directory, b.appDomain)
		labels["traefik.enable"] = "true"
		labels[fmt.Sprintf("traefik.http.routers.%s.rule", naming.SanitizeName(c.Name))] = fmt.Sprintf("Host(`%s`)", host)
		labels[fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", naming.SanitizeName(c.Name))] = fmt.Sprintf("%d", port)
	}
	return labels
}

// injectConnectionEnv expands every inbound env_injection connection's
// template into target's environment (spec.md §4.3, §8 property 12).
func (b *Backend) injectConnectionEnv(graph model.Graph, target model.Container, env map[string]string) error {
	for _, conn := range graph.ConnectionsInto(target.ID) {
		if conn.ConnectorType != model.ConnectorEnvInjection {
			continue
		}
		source, ok := graph.ContainerByID(conn.SourceID)
		if !ok || source.ServiceSlug == nil {
			continue
		}
		def, ok := b.catalog.Get(*source.ServiceSlug)
		if !ok {
			continue
		}
		creds, err := b.resolveCredentials(conn)
		if err != nil {
			return err
		}
		expanded, err := def.ExpandConnectionEnv(creds, naming.SanitizeName(source.Name))
		if err != nil {
			return err
		}
		for k, v := range expanded {
			env[k] = v
		}
	}
	return nil
}

func isRootDirectory(dir string) bool {
	return dir == "" || dir == "."
}

func marshalCompose(doc composeDocument) ([]byte, error) {
	return yaml.Marshal(doc)
}
