// Package k8sbackend implements the Orchestrator contract (spec.md §4.9)
// against a Kubernetes cluster (spec.md §4.7): one namespace per project,
// a PVC shared by every container in it, a file-manager Deployment that
// guarantees file I/O even with no dev container running, and per-
// container Deployments/Services/Ingresses with pod affinity so they can
// all mount the same RWO volume.
package k8sbackend

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/activity"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/archive"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/baseconfig"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/catalog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/lock"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/secretstore"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// fileManagerContainerName is the single container in the file-manager
// Deployment's pod template; every exec-stream file operation targets it.
const fileManagerContainerName = "file-manager"

// Backend is the Kubernetes Orchestrator implementation.
type Backend struct {
	cfg            config.KubernetesConfig
	restConfig     *rest.Config
	client         kubernetes.Interface
	appDomain      string
	devServerImage string

	logger   util.Logger
	catalog  *catalog.Catalog
	vault    *secretstore.Vault
	archiver *archive.Archiver

	locks    *lock.Registry
	activity activity.Store

	fileReader config.Reader

	// refs maps project id to (slug, userID): the activity.Store (and the
	// idle reaper that drives CleanupIdleEnvironments) only knows project
	// ids, but hibernation needs the slug to address the namespace and the
	// userID to address the project's object-store key.
	refs   map[string]projectRef
	refsMu sync.RWMutex
}

type projectRef struct {
	slug   string
	userID string
}

// Deps bundles the Backend's constructor dependencies.
type Deps struct {
	Config         config.KubernetesConfig
	AppDomain      string
	DevServerImage string
	Logger         util.Logger
	Catalog        *catalog.Catalog
	Vault          *secretstore.Vault
	Archiver       *archive.Archiver
	Activity       activity.Store
}

// New builds a Kubernetes backend, resolving cluster credentials from
// cfg.Kubeconfig when set, falling back to in-cluster config — the
// standard client-go bootstrap sequence, mirrored from how the pack's own
// Kubernetes tooling (Scoutflo-kubernetes-mcp-server) resolves a client
// against either an in-cluster service account or a kubeconfig file.
func New(deps Deps) (*Backend, error) {
	restConfig, err := resolveRESTConfig(deps.Config.Kubeconfig)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendPermanent, err, "failed to resolve kubernetes client config")
	}
	client, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, apierr.Wrap(apierr.BackendPermanent, err, "failed to build kubernetes clientset")
	}
	return newWithClient(deps, restConfig, client), nil
}

// newWithClient is the seam tests use to inject a fake clientset; exec-
// stream operations aren't exercised against a fake (remotecommand needs a
// real API server), but every object-lifecycle method is.
func newWithClient(deps Deps, restConfig *rest.Config, client kubernetes.Interface) *Backend {
	return &Backend{
		cfg:            deps.Config,
		restConfig:     restConfig,
		client:         client,
		appDomain:      deps.AppDomain,
		devServerImage: deps.DevServerImage,
		logger:         deps.Logger,
		catalog:        deps.Catalog,
		vault:          deps.Vault,
		archiver:       deps.Archiver,
		locks:          lock.NewRegistry(),
		activity:       deps.Activity,
		fileReader:     config.FSReader,
		refs:           make(map[string]projectRef),
	}
}

func (b *Backend) rememberRef(projectID, slug, userID string) {
	b.refsMu.Lock()
	defer b.refsMu.Unlock()
	b.refs[projectID] = projectRef{slug: slug, userID: userID}
}

func (b *Backend) projectRef(projectID string) (slug, userID string, ok bool) {
	b.refsMu.RLock()
	defer b.refsMu.RUnlock()
	ref, ok := b.refs[projectID]
	return ref.slug, ref.userID, ok
}

func (b *Backend) forgetRef(projectID string) {
	b.refsMu.Lock()
	defer b.refsMu.Unlock()
	delete(b.refs, projectID)
}

func resolveRESTConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

var _ orchestration.Orchestrator = (*Backend)(nil)

func (b *Backend) namespace(projectID string) string {
	return naming.K8sNamespaceName(projectID)
}

func (b *Backend) fileManagerDeploymentName() string {
	return "file-manager"
}

func (b *Backend) containerResourceName(containerDirectory string) string {
	return naming.K8sContainerResourceName(containerDirectory)
}

func (b *Backend) pvcName() string {
	return "project-data"
}

// EnsureProjectDirectory provisions the whole per-project namespace shell:
// namespace, PVC, NetworkPolicy, a copy of the wildcard TLS secret (if
// configured) and the file-manager Deployment. It is idempotent — an
// AlreadyExists on any sub-resource create counts as success, and the
// existing object is left as it is, not updated to the new spec (so an
// existing PVC keeps its original access mode).
func (b *Backend) EnsureProjectDirectory(ctx context.Context, projectSlug string) error {
	return b.ensureNamespaceShell(ctx, projectSlug, false)
}

func (b *Backend) ensureNamespaceShell(ctx context.Context, projectSlug string, multiContainer bool) error {
	ns := b.namespace(projectSlug)

	if err := b.applyNamespace(ctx, ns, projectSlug); err != nil {
		return err
	}
	if err := b.applyPVC(ctx, ns, multiContainer); err != nil {
		return err
	}
	if err := b.applyNetworkPolicy(ctx, ns); err != nil {
		return err
	}
	if err := b.applyWildcardTLSSecret(ctx, ns); err != nil {
		return err
	}
	if err := b.applyFileManager(ctx, ns); err != nil {
		return err
	}
	return nil
}

func (b *Backend) applyNamespace(ctx context.Context, ns, projectSlug string) error {
	obj := &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{
			Name:   ns,
			Labels: projectLabels(projectSlug),
		},
	}
	_, err := b.client.CoreV1().Namespaces().Create(ctx, obj, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create namespace %s", ns)
	}
	return nil
}

// StartProject ensures the namespace shell exists (provisioning it with
// RWX when the project has more than one container, per spec.md §4.7),
// then starts every container's Deployment/Service/Ingress.
func (b *Backend) StartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (orchestration.ProjectStartResult, error) {
	var result orchestration.ProjectStartResult
	err := b.locks.WithLock(project.ID, func() error {
		graph := model.BuildGraph(project, containers, connections)
		b.rememberRef(project.ID, project.Slug, project.UserID)
		if err := b.ensureNamespaceShell(ctx, project.Slug, len(graph.Containers) > 1); err != nil {
			return err
		}

		urls := make(map[string]string, len(graph.Containers))
		for _, c := range graph.Containers {
			if _, err := b.startContainerLocked(ctx, graph, c); err != nil {
				return err
			}
			urls[c.Name] = b.GetContainerURL(project.Slug, c.Directory)
		}

		b.activity.Touch(project.ID, time.Now())
		result = orchestration.ProjectStartResult{Status: model.EnvironmentActive, URLs: urls}
		return nil
	})
	return result, err
}

// RestartProject reapplies every container's manifests; Kubernetes'
// own reconciliation makes this safe to call on an already-running
// project (rolling update semantics on the Deployment spec).
func (b *Backend) RestartProject(ctx context.Context, project model.Project, containers []model.Container, connections []model.ContainerConnection) (orchestration.ProjectStartResult, error) {
	return b.StartProject(ctx, project, containers, connections)
}

// StopProject deletes every Deployment/Service/Ingress in the namespace
// but leaves the namespace, PVC and file-manager Deployment in place so
// the project's files and object identity survive a stop/start cycle —
// only hibernation (CleanupIdleEnvironments) deletes the namespace.
func (b *Backend) StopProject(ctx context.Context, projectSlug, projectID string) error {
	return b.locks.WithLock(projectID, func() error {
		ns := b.namespace(projectSlug)
		selector := fmt.Sprintf("tesslate.io/project=%s,tesslate.io/role=workload", projectSlug)
		if err := b.client.AppsV1().Deployments(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete workload deployments for %s", projectSlug)
		}
		if err := b.client.CoreV1().Services(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete workload services for %s", projectSlug)
		}
		if err := b.client.NetworkingV1().Ingresses(ns).DeleteCollection(ctx, metav1.DeleteOptions{}, metav1.ListOptions{LabelSelector: selector}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete workload ingresses for %s", projectSlug)
		}
		return nil
	})
}

// GetProjectStatus reports active when the project's namespace exists.
// This backend never reports "hibernated" itself — that transition is
// recorded by the reaper against the project store once the namespace is
// gone and the archive confirmed uploaded.
func (b *Backend) GetProjectStatus(ctx context.Context, projectSlug, projectID string) (model.EnvironmentStatus, error) {
	_, err := b.client.CoreV1().Namespaces().Get(ctx, b.namespace(projectSlug), metav1.GetOptions{})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return model.EnvironmentAbsent, nil
		}
		return "", apierr.Wrap(apierr.BackendTransient, err, "failed to get namespace for %s", projectSlug)
	}
	return model.EnvironmentActive, nil
}

// GetContainerURL returns the single-subdomain-level public URL for a
// container, identical across both backends.
func (b *Backend) GetContainerURL(projectSlug, containerDirectory string) string {
	return "https://" + naming.Hostname(projectSlug, containerDirectory, b.appDomain)
}

// TrackActivity is best-effort: a failure to record activity must never
// fail the caller's underlying operation.
func (b *Backend) TrackActivity(ctx context.Context, projectID, containerName string) {
	b.activity.Touch(projectID, time.Now())
}

// execReader adapts the file-manager pod's exec stream to
// config.Reader, so baseconfig.Parse can be reused unmodified against a
// backend with no direct filesystem access: the manifest is read the same
// way any other file is (see files.go/readViaFileManager), just fronted
// by this adapter instead of os.ReadFile.
type execReader struct {
	ctx         context.Context
	b           *Backend
	projectSlug string
}

func (r *execReader) ReadFile(path string) ([]byte, error) {
	return r.b.readViaFileManager(r.ctx, r.projectSlug, "", path)
}

func (b *Backend) resolveStartup(ctx context.Context, projectSlug string, c model.Container) (baseconfig.StartupConfig, error) {
	reader := &execReader{ctx: ctx, b: b, projectSlug: projectSlug}
	return baseconfig.Parse(reader, c.Directory)
}

// resolveCredentials decrypts a connection's stored credential fields
// (spec.md §5: "decrypted only in the orchestrator process's memory").
func (b *Backend) resolveCredentials(conn model.ContainerConnection) (map[string]string, error) {
	if len(conn.ConfigJSON) == 0 {
		return nil, nil
	}
	var encrypted map[string]string
	if err := json.Unmarshal(conn.ConfigJSON, &encrypted); err != nil {
		return nil, apierr.Wrap(apierr.DataIntegrity, err, "failed to parse connection config for %s", conn.ID)
	}
	if b.vault == nil {
		return encrypted, nil
	}
	return b.vault.DecryptFields(encrypted)
}

func isRootDirectory(dir string) bool {
	return dir == "" || dir == "."
}

func projectLabels(projectSlug string) map[string]string {
	return map[string]string{
		"tesslate.io/project": projectSlug,
	}
}
