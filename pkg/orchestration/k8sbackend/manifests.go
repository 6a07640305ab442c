package k8sbackend

import (
	"context"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
)

// applyPVC creates the project's single shared volume claim.
// ReadWriteMany is selected once the project has more than one container
// so every container Deployment can mount it concurrently (spec.md §4.7);
// RWO otherwise, since a single workload never needs concurrent mounters.
func (b *Backend) applyPVC(ctx context.Context, ns string, multiContainer bool) error {
	mode := corev1.ReadWriteOnce
	if multiContainer {
		mode = corev1.ReadWriteMany
	}
	qty, err := resource.ParseQuantity(b.pvcSize())
	if err != nil {
		return apierr.Wrap(apierr.BackendPermanent, err, "invalid configured PVC size %q", b.cfg.PVCSize)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: b.pvcName(), Namespace: ns},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{mode},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{corev1.ResourceStorage: qty},
			},
		},
	}
	if b.cfg.PVCStorageClass != "" {
		pvc.Spec.StorageClassName = &b.cfg.PVCStorageClass
	}

	_, err = b.client.CoreV1().PersistentVolumeClaims(ns).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create PVC in namespace %s", ns)
	}
	return nil
}

func (b *Backend) pvcSize() string {
	if b.cfg.PVCSize == "" {
		return "5Gi"
	}
	return b.cfg.PVCSize
}

// applyNetworkPolicy locks a project's namespace down per spec.md §4.7:
// ingress only from within the namespace and from the ingress-controller
// namespace; egress within the namespace, to kube-system for DNS, and to
// the public internet — never to another project's namespace or to the
// platform's own namespace.
func (b *Backend) applyNetworkPolicy(ctx context.Context, ns string) error {
	tcp := corev1.ProtocolTCP
	udp := corev1.ProtocolUDP
	dnsPort := intstr.FromInt(53)

	policy := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: "project-isolation", Namespace: ns},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{},
			PolicyTypes: []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress},
			Ingress: []networkingv1.NetworkPolicyIngressRule{
				{
					From: []networkingv1.NetworkPolicyPeer{
						{PodSelector: &metav1.LabelSelector{}},
						{NamespaceSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{"kubernetes.io/metadata.name": "ingress-nginx"},
						}},
					},
				},
			},
			Egress: []networkingv1.NetworkPolicyEgressRule{
				{To: []networkingv1.NetworkPolicyPeer{{PodSelector: &metav1.LabelSelector{}}}},
				{
					To: []networkingv1.NetworkPolicyPeer{{NamespaceSelector: &metav1.LabelSelector{
						MatchLabels: map[string]string{"kubernetes.io/metadata.name": "kube-system"},
					}}},
					Ports: []networkingv1.NetworkPolicyPort{
						{Protocol: &udp, Port: &dnsPort},
						{Protocol: &tcp, Port: &dnsPort},
					},
				},
				{
					To: []networkingv1.NetworkPolicyPeer{
						{IPBlock: &networkingv1.IPBlock{
							CIDR: "0.0.0.0/0",
							Except: []string{
								"10.0.0.0/8", "172.16.0.0/12", "192.168.0.0/16",
							},
						}},
					},
				},
			},
		},
	}

	_, err := b.client.NetworkingV1().NetworkPolicies(ns).Create(ctx, policy, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create network policy in namespace %s", ns)
	}
	return nil
}

// applyFileManager creates the single small idle pod that guarantees file
// I/O is available even when no dev container is running (spec.md §4.7).
func (b *Backend) applyFileManager(ctx context.Context, ns string) error {
	name := b.fileManagerDeploymentName()
	replicas := int32(1)
	labels := map[string]string{"tesslate.io/role": "file-manager"}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{
						{
							Name:       fileManagerContainerName,
							Image:      b.fileManagerImage(),
							Command:    []string{"/bin/sh", "-c", "sleep infinity"},
							WorkingDir: "/app",
							VolumeMounts: []corev1.VolumeMount{
								{Name: "project-data", MountPath: "/app"},
							},
						},
					},
					Volumes: []corev1.Volume{
						{
							Name: "project-data",
							VolumeSource: corev1.VolumeSource{
								PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: b.pvcName()},
							},
						},
					},
				},
			},
		},
	}

	_, err := b.client.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create file-manager deployment in namespace %s", ns)
	}
	return b.waitForDeploymentPod(ctx, ns, labels)
}

func (b *Backend) fileManagerImage() string {
	if b.cfg.FileManagerImage != "" {
		return b.cfg.FileManagerImage
	}
	return b.devServerImage
}

// applyWildcardTLSSecret copies the cluster's wildcard TLS secret into the
// project namespace so applyContainerIngress's TLS reference resolves
// (spec.md §4.7). A no-op when no secret is configured (local/no-TLS
// deployments), and idempotent: an existing copy in the target namespace
// is left alone rather than refreshed, matching
// original_source/orchestrator/.../kubernetes/client.py's
// copy_wildcard_tls_secret.
func (b *Backend) applyWildcardTLSSecret(ctx context.Context, ns string) error {
	name := b.cfg.WildcardTLSSecretName
	if name == "" {
		return nil
	}

	if _, err := b.client.CoreV1().Secrets(ns).Get(ctx, name, metav1.GetOptions{}); err == nil {
		return nil
	} else if !apierrs.IsNotFound(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to check for existing TLS secret in namespace %s", ns)
	}

	source, err := b.client.CoreV1().Secrets(b.wildcardTLSSecretNamespace()).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return apierr.New(apierr.BackendPermanent, "wildcard TLS secret %q not found in namespace %s", name, b.wildcardTLSSecretNamespace())
		}
		return apierr.Wrap(apierr.BackendTransient, err, "failed to read wildcard TLS secret %q", name)
	}

	copySecret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: ns,
			Labels: map[string]string{
				"tesslate.io/managed-by":  "orchestrator-core",
				"tesslate.io/copied-from": b.wildcardTLSSecretNamespace(),
			},
		},
		Type: source.Type,
		Data: source.Data,
	}
	_, err = b.client.CoreV1().Secrets(ns).Create(ctx, copySecret, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to copy wildcard TLS secret into namespace %s", ns)
	}
	return nil
}

func (b *Backend) wildcardTLSSecretNamespace() string {
	if b.cfg.WildcardTLSSecretNamespace != "" {
		return b.cfg.WildcardTLSSecretNamespace
	}
	return "default"
}
