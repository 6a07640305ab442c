package config

import (
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DeploymentMode selects which Orchestrator backend the factory hands out
// (see the factory package).
type DeploymentMode string

const (
	DeploymentModeDocker     DeploymentMode = "docker"
	DeploymentModeKubernetes DeploymentMode = "kubernetes"
)

// Config is the orchestrator process's own static configuration: which
// backend to run, the public hostname suffix, object-store coordinates and
// idle-policy thresholds. Loaded once at process start and passed down
// explicitly (Design Note §9: no module-level globals).
type Config struct {
	DeploymentMode DeploymentMode `yaml:"deploymentMode"`
	AppDomain      string         `yaml:"appDomain"`

	Docker     DockerConfig     `yaml:"docker"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	ObjectStore ObjectStoreConfig `yaml:"objectStore"`

	IdleTimeoutMinutes       int `yaml:"idleTimeoutMinutes"`       // Docker tier 1
	DeleteAfterIdleMinutes   int `yaml:"deleteAfterIdleMinutes"`   // Docker tier 2
	HibernationIdleMinutes   int `yaml:"hibernationIdleMinutes"`   // K8s

	// TemplatesDir is the in-repo root the initializer copies
	// source_type=template project seeds from: TemplatesDir/{templateName}.
	TemplatesDir string `yaml:"templatesDir"`

	// CredentialMasterKey seeds secretstore.NewVault. Never read from the
	// YAML document itself (it would end up alongside the config file on
	// disk); the factory reads it from the CREDENTIAL_MASTER_KEY
	// environment variable instead, the same way the rest of this codebase
	// keeps secrets out of config files.
	CredentialMasterKey string `yaml:"-"`
}

type DockerConfig struct {
	SharedVolumeName  string `yaml:"sharedVolumeName"`
	ProjectsMountPath string `yaml:"projectsMountPath"`
	ComposeFilesDir   string `yaml:"composeFilesDir"`
	BaseCacheVolume   string `yaml:"baseCacheVolume"`
	// BaseCacheMountPath is the host-visible mount point of BaseCacheVolume,
	// the root basecache.Cache pre-warms and copies marketplace bases out of.
	BaseCacheMountPath string `yaml:"baseCacheMountPath"`
	RegionalProxyShardSize int `yaml:"regionalProxyShardSize"`
	// RegionalProxyComposeDir and RegionalProxyImage configure the
	// shard Compose stacks proxy.Manager synthesizes on first use; both
	// fall back to sensible defaults when left empty.
	RegionalProxyComposeDir string `yaml:"regionalProxyComposeDir"`
	RegionalProxyImage      string `yaml:"regionalProxyImage"`
}

type KubernetesConfig struct {
	Kubeconfig      string `yaml:"kubeconfig"` // empty = in-cluster
	PVCStorageClass string `yaml:"pvcStorageClass"`
	PVCSize         string `yaml:"pvcSize"`
	WildcardTLSSecretName string `yaml:"wildcardTlsSecretName"`
	// WildcardTLSSecretNamespace is where the cluster's wildcard TLS
	// secret already lives (e.g. the namespace cert-manager issues it
	// into); ensureNamespaceShell copies it from here into every project
	// namespace so ingress TLS termination has something to reference.
	WildcardTLSSecretNamespace string `yaml:"wildcardTlsSecretNamespace"`
	IngressClassName string `yaml:"ingressClassName"`
	FileManagerImage string `yaml:"fileManagerImage"`
}

type ObjectStoreConfig struct {
	Endpoint        string `yaml:"endpoint"`
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	ProjectsPrefix  string `yaml:"projectsPrefix"`
	AccessKeyID     string `yaml:"accessKeyId"`
	SecretAccessKey string `yaml:"secretAccessKey"`
}

// Load reads and parses the orchestrator config document at path through
// the given Reader.
func Load(reader Reader, path string) (Config, error) {
	var cfg Config
	raw, err := reader.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "failed to read orchestrator config %q", path)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse orchestrator config %q", path)
	}
	if cfg.DeploymentMode != DeploymentModeDocker && cfg.DeploymentMode != DeploymentModeKubernetes {
		return cfg, errors.Errorf("invalid deploymentMode %q: must be %q or %q", cfg.DeploymentMode, DeploymentModeDocker, DeploymentModeKubernetes)
	}
	return cfg, nil
}
