package k8sbackend

import (
	"context"
	"testing"

	. "github.com/onsi/gomega"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/activity"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
)

// newTestBackend wires a Backend against a fake clientset. A file-manager
// pod is pre-seeded under every namespace the tests touch so
// waitForDeploymentPod (which polls a real cluster's Deployment controller
// for a pod to appear) returns immediately instead of polling for its
// 10-second bound.
func newTestBackend(t *testing.T, seedNamespaces ...string) *Backend {
	t.Helper()
	client := fake.NewSimpleClientset()
	for _, ns := range seedNamespaces {
		pod := &corev1.Pod{
			ObjectMeta: metav1.ObjectMeta{
				Name:      "file-manager-seed",
				Namespace: ns,
				Labels:    map[string]string{"tesslate.io/role": "file-manager"},
			},
			Status: corev1.PodStatus{Phase: corev1.PodRunning},
		}
		if _, err := client.CoreV1().Pods(ns).Create(context.Background(), pod, metav1.CreateOptions{}); err != nil {
			t.Fatalf("failed to seed pod: %v", err)
		}
	}

	b := newWithClient(Deps{
		Config:         config.KubernetesConfig{PVCSize: "5Gi"},
		AppDomain:      "example.test",
		DevServerImage: "ghcr.io/tesslate/dev-server:latest",
		Activity:       activity.NewMemoryStore(),
	}, nil, client)
	return b
}

func TestEnsureProjectDirectoryCreatesNamespaceShell(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	b := newTestBackend(t, ns)

	err := b.EnsureProjectDirectory(context.Background(), "demo-project")
	Expect(err).NotTo(HaveOccurred())

	_, err = b.client.CoreV1().Namespaces().Get(context.Background(), ns, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())

	_, err = b.client.CoreV1().PersistentVolumeClaims(ns).Get(context.Background(), b.pvcName(), metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())

	_, err = b.client.NetworkingV1().NetworkPolicies(ns).Get(context.Background(), "project-isolation", metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())

	_, err = b.client.AppsV1().Deployments(ns).Get(context.Background(), b.fileManagerDeploymentName(), metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
}

func TestEnsureProjectDirectoryIsIdempotent(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	b := newTestBackend(t, ns)

	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())
	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())
}

func TestEnsureProjectDirectoryCopiesWildcardTLSSecretWhenConfigured(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	client := fake.NewSimpleClientset()
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "file-manager-seed", Namespace: ns, Labels: map[string]string{"tesslate.io/role": "file-manager"}},
		Status:     corev1.PodStatus{Phase: corev1.PodRunning},
	}
	_, err := client.CoreV1().Pods(ns).Create(context.Background(), pod, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())

	sourceSecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "wildcard-tls", Namespace: "platform"},
		Type:       corev1.SecretTypeTLS,
		Data:       map[string][]byte{"tls.crt": []byte("cert"), "tls.key": []byte("key")},
	}
	_, err = client.CoreV1().Secrets("platform").Create(context.Background(), sourceSecret, metav1.CreateOptions{})
	Expect(err).NotTo(HaveOccurred())

	b := newWithClient(Deps{
		Config: config.KubernetesConfig{
			PVCSize:                    "5Gi",
			WildcardTLSSecretName:      "wildcard-tls",
			WildcardTLSSecretNamespace: "platform",
		},
		AppDomain:      "example.test",
		DevServerImage: "ghcr.io/tesslate/dev-server:latest",
		Activity:       activity.NewMemoryStore(),
	}, nil, client)

	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())

	copied, err := b.client.CoreV1().Secrets(ns).Get(context.Background(), "wildcard-tls", metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
	Expect(copied.Type).To(Equal(corev1.SecretTypeTLS))
	Expect(copied.Data["tls.crt"]).To(Equal([]byte("cert")))
}

func TestGetProjectStatusReportsAbsentForUnknownNamespace(t *testing.T) {
	RegisterTestingT(t)
	b := newTestBackend(t)

	status, err := b.GetProjectStatus(context.Background(), "never-started", "proj-1")
	Expect(err).NotTo(HaveOccurred())
	Expect(status).To(Equal(model.EnvironmentAbsent))
}

func TestGetProjectStatusReportsActiveAfterEnsure(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	b := newTestBackend(t, ns)
	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())

	status, err := b.GetProjectStatus(context.Background(), "demo-project", "proj-1")
	Expect(err).NotTo(HaveOccurred())
	Expect(status).To(Equal(model.EnvironmentActive))
}

func TestGetContainerURLUsesSingleLevelHostname(t *testing.T) {
	RegisterTestingT(t)
	b := newTestBackend(t)
	url := b.GetContainerURL("demo-project", "api")
	Expect(url).To(Equal("https://demo-project-api.example.test"))
}

func TestStopProjectKeepsNamespace(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	b := newTestBackend(t, ns)
	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())

	Expect(b.StopProject(context.Background(), "demo-project", "proj-1")).To(Succeed())

	_, err := b.client.CoreV1().Namespaces().Get(context.Background(), ns, metav1.GetOptions{})
	Expect(err).NotTo(HaveOccurred())
}

func TestRestoreProjectIfHibernatedIsNoOpWhenNamespaceAlreadyExists(t *testing.T) {
	RegisterTestingT(t)
	ns := naming.K8sNamespaceName("demo-project")
	b := newTestBackend(t, ns)
	Expect(b.EnsureProjectDirectory(context.Background(), "demo-project")).To(Succeed())

	project := model.Project{ID: "proj-1", Slug: "demo-project", UserID: "user-1"}
	Expect(b.RestoreProjectIfHibernated(context.Background(), project)).To(Succeed())

	slug, userID, ok := b.projectRef("proj-1")
	Expect(ok).To(BeTrue())
	Expect(slug).To(Equal("demo-project"))
	Expect(userID).To(Equal("user-1"))
}
