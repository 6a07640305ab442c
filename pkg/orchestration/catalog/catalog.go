// Package catalog is the in-process static Service Catalog: definitions of
// first-party services (databases, caches, external SaaS) and the
// connection templates that wire one container's environment to another
// service's.
package catalog

import (
	"fmt"
	"strings"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
)

// Category groups ServiceDefinitions for catalog listing/filtering.
type Category string

const (
	CategoryDatabase Category = "database"
	CategoryCache    Category = "cache"
	CategoryQueue    Category = "queue"
	CategoryProxy    Category = "proxy"
	CategorySearch   Category = "search"
	CategoryStorage  Category = "storage"
	CategoryBaaS     Category = "baas"
	CategoryAI       Category = "ai"
	CategoryPayments Category = "payments"
	CategoryAuth     Category = "auth"
)

// ServiceType determines whether a service runs as a workload the Docker
// backend composes into the project network, or is purely an external
// endpoint reached over the internet.
type ServiceType string

const (
	ServiceTypeContainer ServiceType = "container"
	ServiceTypeExternal  ServiceType = "external"
	ServiceTypeHybrid    ServiceType = "hybrid"
)

// AuthType describes how credentials for an external/hybrid service are
// presented in its connection template.
type AuthType string

const (
	AuthTypeAPIKey      AuthType = "api_key"
	AuthTypeWebhookURL  AuthType = "webhook_url"
	AuthTypeOAuth       AuthType = "oauth"
	AuthTypeNone        AuthType = "none"
)

// ServiceDefinition is one catalog entry, addressed by Slug.
type ServiceDefinition struct {
	Slug        string
	Category    Category
	ServiceType ServiceType

	// Container/hybrid fields.
	Image          string
	DefaultPort    int
	InternalPort   int
	DefaultEnv     map[string]string
	VolumeMountPath string
	HealthProbe    string // command, empty = no probe

	// External/hybrid fields.
	CredentialFields []string
	AuthType         AuthType

	// ConnectionTemplate maps target env-var name -> template string with
	// {placeholder} tokens. Placeholders resolve against the source
	// service's own DefaultEnv, its sanitized container name, its internal
	// port, and (for external services) user-supplied credentials.
	ConnectionTemplate map[string]string
}

// Catalog is the static, read-only registry. Safe for concurrent use: built
// once at process start from NewDefault and never mutated.
type Catalog struct {
	bySlug map[string]ServiceDefinition
}

// New builds a Catalog from an explicit definition list, validating slug
// uniqueness. Exists so tests can construct a Catalog without the built-in
// entries.
func New(defs []ServiceDefinition) (*Catalog, error) {
	bySlug := make(map[string]ServiceDefinition, len(defs))
	for _, d := range defs {
		if _, exists := bySlug[d.Slug]; exists {
			return nil, apierr.New(apierr.DataIntegrity, "duplicate service catalog slug %q", d.Slug)
		}
		bySlug[d.Slug] = d
	}
	return &Catalog{bySlug: bySlug}, nil
}

// NewDefault builds the Catalog shipped with the orchestrator: Postgres,
// Redis, MongoDB as container services, Stripe/Slack/Discord as external
// ones.
func NewDefault() *Catalog {
	cat, err := New(defaultDefinitions())
	if err != nil {
		// defaultDefinitions is a fixed, test-covered literal; a collision
		// here is a programmer error, not a runtime condition.
		panic(err)
	}
	return cat
}

func defaultDefinitions() []ServiceDefinition {
	return []ServiceDefinition{
		{
			Slug:            "postgres",
			Category:        CategoryDatabase,
			ServiceType:     ServiceTypeContainer,
			Image:           "postgres:16-alpine",
			DefaultPort:     5432,
			InternalPort:    5432,
			VolumeMountPath: "/var/lib/postgresql/data",
			HealthProbe:     "pg_isready -U postgres",
			DefaultEnv: map[string]string{
				"POSTGRES_USER":     "postgres",
				"POSTGRES_PASSWORD": "postgres",
				"POSTGRES_DB":       "app",
			},
			ConnectionTemplate: map[string]string{
				"DATABASE_URL": "postgresql://{POSTGRES_USER}:{POSTGRES_PASSWORD}@{container_name}:{internal_port}/{POSTGRES_DB}",
			},
		},
		{
			Slug:            "redis",
			Category:        CategoryCache,
			ServiceType:     ServiceTypeContainer,
			Image:           "redis:7-alpine",
			DefaultPort:     6379,
			InternalPort:    6379,
			VolumeMountPath: "/data",
			HealthProbe:     "redis-cli ping",
			ConnectionTemplate: map[string]string{
				"REDIS_URL": "redis://{container_name}:{internal_port}",
			},
		},
		{
			Slug:            "mongodb",
			Category:        CategoryDatabase,
			ServiceType:     ServiceTypeContainer,
			Image:           "mongo:7",
			DefaultPort:     27017,
			InternalPort:    27017,
			VolumeMountPath: "/data/db",
			HealthProbe:     "mongosh --eval 'db.runCommand(\"ping\")'",
			DefaultEnv: map[string]string{
				"MONGO_INITDB_ROOT_USERNAME": "root",
				"MONGO_INITDB_ROOT_PASSWORD": "mongo",
			},
			ConnectionTemplate: map[string]string{
				"MONGODB_URL": "mongodb://{MONGO_INITDB_ROOT_USERNAME}:{MONGO_INITDB_ROOT_PASSWORD}@{container_name}:{internal_port}",
			},
		},
		{
			Slug:             "stripe",
			Category:         CategoryPayments,
			ServiceType:      ServiceTypeExternal,
			CredentialFields: []string{"secret_key", "publishable_key"},
			AuthType:         AuthTypeAPIKey,
			ConnectionTemplate: map[string]string{
				"STRIPE_SECRET_KEY":      "{secret_key}",
				"STRIPE_PUBLISHABLE_KEY": "{publishable_key}",
			},
		},
		{
			Slug:             "slack-webhook",
			Category:         CategoryBaaS,
			ServiceType:      ServiceTypeExternal,
			CredentialFields: []string{"webhook_url"},
			AuthType:         AuthTypeWebhookURL,
			ConnectionTemplate: map[string]string{
				"SLACK_WEBHOOK_URL": "{webhook_url}",
			},
		},
		{
			Slug:             "discord",
			Category:         CategoryBaaS,
			ServiceType:      ServiceTypeExternal,
			CredentialFields: []string{"webhook_url"},
			AuthType:         AuthTypeWebhookURL,
			ConnectionTemplate: map[string]string{
				"DISCORD_WEBHOOK_URL": "{webhook_url}",
			},
		},
	}
}

// Get looks up a ServiceDefinition by slug.
func (c *Catalog) Get(slug string) (ServiceDefinition, bool) {
	d, ok := c.bySlug[slug]
	return d, ok
}

// IsExternal reports whether a container must be excluded from
// container/workload provisioning (no Compose service, no Deployment/
// Ingress, no startup resolution): either its own deployment_mode
// declares it external, or it's a service container backed by a
// service_type=external catalog entry (stripe, slack-webhook, discord —
// reachable over the internet, never scheduled as a workload). Mirrors
// original_source/orchestrator/app/services/orchestration/docker.py's
// is_external_only / is_deployed_externally check (spec.md §3, §4.3).
func (c *Catalog) IsExternal(container model.Container) bool {
	if container.IsExternalOverride() {
		return true
	}
	if container.Type != model.ContainerTypeService || container.ServiceSlug == nil {
		return false
	}
	def, ok := c.Get(*container.ServiceSlug)
	return ok && def.ServiceType == ServiceTypeExternal
}

// List returns all ServiceDefinitions, optionally filtered by category
// (pass "" for no filter).
func (c *Catalog) List(category Category) []ServiceDefinition {
	out := make([]ServiceDefinition, 0, len(c.bySlug))
	for _, d := range c.bySlug {
		if category == "" || d.Category == category {
			out = append(out, d)
		}
	}
	return out
}

// ResolvePlaceholders expands a connection template string, substituting
// {name} tokens against (in priority order) the two structural values
// container_name/internal_port, user-supplied credentials, and the
// source service's DefaultEnv.
func ResolvePlaceholders(template string, credentials map[string]string, defaultEnv map[string]string, containerName string, internalPort int) (string, error) {
	out := template
	for {
		start := strings.IndexByte(out, '{')
		if start < 0 {
			return out, nil
		}
		end := strings.IndexByte(out[start:], '}')
		if end < 0 {
			return "", apierr.New(apierr.DataIntegrity, "unterminated placeholder in connection template %q", template)
		}
		end += start
		key := out[start+1 : end]

		var value string
		switch key {
		case "container_name":
			value = containerName
		case "internal_port":
			value = fmt.Sprintf("%d", internalPort)
		default:
			if v, ok := credentials[key]; ok {
				value = v
			} else if v, ok := defaultEnv[key]; ok {
				value = v
			} else {
				return "", apierr.New(apierr.DataIntegrity, "connection template references unresolved placeholder %q", key)
			}
		}
		out = out[:start] + value + out[end+1:]
	}
}

// ExpandConnectionEnv expands every entry of a ServiceDefinition's
// ConnectionTemplate, returning the target container's injected
// environment variables.
func (d ServiceDefinition) ExpandConnectionEnv(credentials map[string]string, containerName string) (map[string]string, error) {
	out := make(map[string]string, len(d.ConnectionTemplate))
	for envVar, tmpl := range d.ConnectionTemplate {
		val, err := ResolvePlaceholders(tmpl, credentials, d.DefaultEnv, containerName, d.InternalPort)
		if err != nil {
			return nil, err
		}
		out[envVar] = val
	}
	return out, nil
}
