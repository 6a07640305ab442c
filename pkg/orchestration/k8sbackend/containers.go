package k8sbackend

import (
	"context"
	"fmt"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrs "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/baseconfig"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/catalog"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/model"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
)

const projectAffinityKey = "tesslate.io/project"

// StartContainer applies a single container's Deployment/Service/Ingress
// without disturbing its siblings — Kubernetes' own reconciliation makes
// repeated applies against the same project a no-op beyond the usual
// rolling-update churn.
func (b *Backend) StartContainer(ctx context.Context, project model.Project, container model.Container, allContainers []model.Container, connections []model.ContainerConnection) (orchestration.ContainerStartResult, error) {
	var result orchestration.ContainerStartResult
	err := b.locks.WithLock(project.ID, func() error {
		graph := model.BuildGraph(project, allContainers, connections)
		status, err := b.startContainerLocked(ctx, graph, container)
		if err != nil {
			return err
		}
		b.activity.Touch(project.ID, time.Now())
		result = orchestration.ContainerStartResult{Status: status, URL: b.GetContainerURL(project.Slug, container.Directory)}
		return nil
	})
	return result, err
}

// startContainerLocked assumes the caller already holds the project lock
// (StartProject iterates every container under a single lock acquisition;
// StartContainer acquires it itself for a single-container call). External
// containers (service_type=external catalog entries, or an explicit
// deployment_mode=external override) never get a Deployment/Service/
// Ingress — there's nothing to schedule and their directory, if any, isn't
// meaningful (spec.md §3, §4.3).
func (b *Backend) startContainerLocked(ctx context.Context, graph model.Graph, c model.Container) (model.ContainerStatus, error) {
	if b.catalog.IsExternal(c) {
		return model.ContainerStatusRunning, nil
	}

	ns := b.namespace(graph.Project.Slug)

	startup, err := b.resolveStartup(ctx, graph.Project.Slug, c)
	if err != nil {
		return "", err
	}
	env, err := b.buildEnv(graph, c)
	if err != nil {
		return "", err
	}

	multiContainer := len(graph.Containers) > 1
	if err := b.applyContainerDeployment(ctx, ns, graph.Project.Slug, c, startup, env, multiContainer); err != nil {
		return "", err
	}
	if err := b.applyContainerService(ctx, ns, c, startup.Port); err != nil {
		return "", err
	}
	if b.routesTraffic(c) {
		if err := b.applyContainerIngress(ctx, ns, graph.Project.Slug, c); err != nil {
			return "", err
		}
	}
	return model.ContainerStatusStarting, nil
}

func (b *Backend) buildEnv(graph model.Graph, target model.Container) (map[string]string, error) {
	env := map[string]string{
		"PROJECT_ID":     graph.Project.ID,
		"CONTAINER_ID":   target.ID,
		"CONTAINER_NAME": naming.SanitizeName(target.Name),
	}
	for k, v := range target.EnvironmentVars {
		env[k] = v
	}
	if target.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*target.ServiceSlug); ok {
			for k, v := range def.DefaultEnv {
				env[k] = v
			}
		}
	}
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
			return nil, err
		}
		expanded, err := def.ExpandConnectionEnv(creds, naming.SanitizeName(source.Name))
		if err != nil {
			return nil, err
		}
		for k, v := range expanded {
			env[k] = v
		}
	}
	return env, nil
}

func (b *Backend) routesTraffic(c model.Container) bool {
	if c.Type == model.ContainerTypeBase {
		return true
	}
	if def, ok := b.catalog.Get(*c.ServiceSlug); ok {
		switch def.Category {
		case catalog.CategoryProxy, catalog.CategoryStorage, catalog.CategorySearch:
			return true
		}
	}
	return false
}

func (b *Backend) workloadImage(c model.Container) string {
	if c.Type == model.ContainerTypeService {
		if def, ok := b.catalog.Get(*c.ServiceSlug); ok {
			return def.Image
		}
	}
	return b.devServerImage
}

// applyContainerDeployment creates or updates the container's Deployment.
// When the project has more than one container, pod affinity requires
// co-location with every other pod labeled as belonging to the same
// project — what makes a single RWO-mode PVC tenable across several
// workloads (spec.md §4.7).
func (b *Backend) applyContainerDeployment(ctx context.Context, ns, projectSlug string, c model.Container, startup baseconfig.StartupConfig, env map[string]string, multiContainer bool) error {
	name := b.containerResourceName(c.Directory)
	replicas := int32(1)
	labels := map[string]string{
		"tesslate.io/role":      "workload",
		"tesslate.io/project":   projectSlug,
		"tesslate.io/container": naming.SanitizeName(c.Name),
	}

	workingDir := "/app"
	if !isRootDirectory(c.Directory) {
		workingDir = "/app/" + c.Directory
	}

	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	podSpec := corev1.PodSpec{
		Containers: []corev1.Container{
			{
				Name:       "workload",
				Image:      b.workloadImage(c),
				Command:    []string{"/bin/sh", "-c", startup.Command},
				WorkingDir: workingDir,
				Env:        envVars,
				Ports:      []corev1.ContainerPort{{ContainerPort: int32(startup.Port)}},
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
	}

	if multiContainer {
		podSpec.Affinity = &corev1.Affinity{
			PodAffinity: &corev1.PodAffinity{
				RequiredDuringSchedulingIgnoredDuringExecution: []corev1.PodAffinityTerm{
					{
						LabelSelector: &metav1.LabelSelector{
							MatchLabels: map[string]string{projectAffinityKey: projectSlug},
						},
						TopologyKey: "kubernetes.io/hostname",
					},
				},
			},
		}
	}

	deployment := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns, Labels: labels},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"tesslate.io/container": labels["tesslate.io/container"]}},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels},
				Spec:       podSpec,
			},
		},
	}

	existing, err := b.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if apierrs.IsNotFound(err) {
		_, err := b.client.AppsV1().Deployments(ns).Create(ctx, deployment, metav1.CreateOptions{})
		if err != nil {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to create deployment %s", name)
		}
		return nil
	}
	if err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to get deployment %s", name)
	}
	existing.Spec = deployment.Spec
	if _, err := b.client.AppsV1().Deployments(ns).Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to update deployment %s", name)
	}
	return nil
}

func (b *Backend) applyContainerService(ctx context.Context, ns string, c model.Container, port int) error {
	name := b.containerResourceName(c.Directory)
	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{"tesslate.io/container": naming.SanitizeName(c.Name)},
			Ports:    []corev1.ServicePort{{Port: int32(port), TargetPort: intstr.FromInt(port)}},
		},
	}
	_, err := b.client.CoreV1().Services(ns).Create(ctx, svc, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create service %s", name)
	}
	return nil
}

func (b *Backend) applyContainerIngress(ctx context.Context, ns, projectSlug string, c model.Container) error {
	name := b.containerResourceName(c.Directory)
	host := naming.Hostname(projectSlug, c.Directory, b.appDomain)
	pathType := networkingv1.PathTypePrefix

	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: ns},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{
				{
					Host: host,
					IngressRuleValue: networkingv1.IngressRuleValue{
						HTTP: &networkingv1.HTTPIngressRuleValue{
							Paths: []networkingv1.HTTPIngressPath{
								{
									Path:     "/",
									PathType: &pathType,
									Backend: networkingv1.IngressBackend{
										Service: &networkingv1.IngressServiceBackend{
											Name: name,
											Port: networkingv1.ServiceBackendPort{Number: 80},
										},
									},
								},
							},
						},
					},
				},
			},
		},
	}
	if b.cfg.IngressClassName != "" {
		ingress.Spec.IngressClassName = &b.cfg.IngressClassName
	}
	if b.cfg.WildcardTLSSecretName != "" {
		ingress.Spec.TLS = []networkingv1.IngressTLS{{Hosts: []string{host}, SecretName: b.cfg.WildcardTLSSecretName}}
	}

	_, err := b.client.NetworkingV1().Ingresses(ns).Create(ctx, ingress, metav1.CreateOptions{})
	if err != nil && !apierrs.IsAlreadyExists(err) {
		return apierr.Wrap(apierr.BackendTransient, err, "failed to create ingress %s", name)
	}
	return nil
}

// StopContainer deletes the container's Deployment/Service/Ingress but
// leaves the PVC and namespace untouched.
func (b *Backend) StopContainer(ctx context.Context, projectSlug, projectID, containerName string) error {
	return b.locks.WithLock(projectID, func() error {
		ns := b.namespace(projectSlug)
		name := b.containerResourceName(containerName)
		if err := b.client.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete deployment %s", name)
		}
		if err := b.client.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete service %s", name)
		}
		if err := b.client.NetworkingV1().Ingresses(ns).Delete(ctx, name, metav1.DeleteOptions{}); err != nil && !apierrs.IsNotFound(err) {
			return apierr.Wrap(apierr.BackendTransient, err, "failed to delete ingress %s", name)
		}
		return nil
	})
}

// GetContainerStatus reports status from the Deployment's observed
// replica counts, matching the teacher corpus's general preference for
// reading controller status subresources over inspecting pods directly.
func (b *Backend) GetContainerStatus(ctx context.Context, projectSlug, projectID, containerName string) (orchestration.ContainerStatusResult, error) {
	ns := b.namespace(projectSlug)
	name := b.containerResourceName(containerName)
	dep, err := b.client.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrs.IsNotFound(err) {
			return orchestration.ContainerStatusResult{Status: model.ContainerStatusStopped}, nil
		}
		return orchestration.ContainerStatusResult{}, apierr.Wrap(apierr.BackendTransient, err, "failed to get deployment %s", name)
	}
	ready := dep.Status.ReadyReplicas > 0
	status := model.ContainerStatusStarting
	if ready {
		status = model.ContainerStatusRunning
	} else if dep.Status.Replicas == 0 {
		status = model.ContainerStatusStopped
	}
	return orchestration.ContainerStatusResult{
		Status:   status,
		URL:      b.GetContainerURL(projectSlug, containerName),
		Ready:    ready,
		Replicas: int(dep.Status.ReadyReplicas),
	}, nil
}

func (b *Backend) IsContainerReady(ctx context.Context, projectSlug, projectID, containerName string) (orchestration.ReadinessResult, error) {
	status, err := b.GetContainerStatus(ctx, projectSlug, projectID, containerName)
	if err != nil {
		return orchestration.ReadinessResult{}, err
	}
	if !status.Ready {
		return orchestration.ReadinessResult{Ready: false, Message: fmt.Sprintf("deployment is %s", status.Status)}, nil
	}
	return orchestration.ReadinessResult{Ready: true, Message: "deployment has a ready replica", Replicas: status.Replicas}, nil
}

// waitForDeploymentPod polls briefly for at least one pod matching labels
// to exist, so a caller that immediately execs into the file-manager pod
// doesn't race its own Create call. Bounded to a few seconds: callers that
// need a hard readiness guarantee should use IsContainerReady instead.
func (b *Backend) waitForDeploymentPod(ctx context.Context, ns string, labels map[string]string) error {
	deadline := time.Now().Add(10 * time.Second)
	selector := metav1.ListOptions{LabelSelector: labelSelectorString(labels)}
	for time.Now().Before(deadline) {
		pods, err := b.client.CoreV1().Pods(ns).List(ctx, selector)
		if err == nil && len(pods.Items) > 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return apierr.Wrap(apierr.Timeout, ctx.Err(), "context cancelled waiting for file-manager pod in namespace %s", ns)
		case <-time.After(250 * time.Millisecond):
		}
	}
	return nil
}

func labelSelectorString(labels map[string]string) string {
	out := ""
	for k, v := range labels {
		if out != "" {
			out += ","
		}
		out += fmt.Sprintf("%s=%s", k, v)
	}
	return out
}
