package k8sbackend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/scheme"
	"k8s.io/client-go/tools/remotecommand"
	clientexec "k8s.io/client-go/util/exec"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
)

// maxCommandTimeout is the hard ceiling on ExecuteCommand regardless of
// what the caller requests (spec.md §5).
const maxCommandTimeout = 300 * time.Second

// execInPod streams command into the named pod/container and captures its
// stdout/stderr. A fresh remotecommand.NewSPDYExecutor is built per call —
// deliberately not cached on Backend — so a long-lived exec stream from
// one project can never be reused against a different pod after that pod
// is recreated; the executor is only as long-lived as the single
// operation it serves.
func (b *Backend) execInPod(ctx context.Context, ns, podName, containerName string, command []string, stdin io.Reader) (stdout, stderr bytes.Buffer, err error) {
	req := b.client.CoreV1().RESTClient().Post().
		Resource("pods").
		Name(podName).
		Namespace(ns).
		SubResource("exec").
		VersionedParams(&corev1.PodExecOptions{
			Container: containerName,
			Command:   command,
			Stdin:     stdin != nil,
			Stdout:    true,
			Stderr:    true,
		}, scheme.ParameterCodec)

	executor, buildErr := remotecommand.NewSPDYExecutor(b.restConfig, "POST", req.URL())
	if buildErr != nil {
		return stdout, stderr, apierr.Wrap(apierr.BackendTransient, buildErr, "failed to build exec stream to pod %s", podName)
	}

	opts := remotecommand.StreamOptions{Stdout: &stdout, Stderr: &stderr}
	if stdin != nil {
		opts.Stdin = stdin
	}
	if err := executor.StreamWithContext(ctx, opts); err != nil {
		if _, ok := err.(clientexec.CodeExitError); ok {
			// the remote command ran and exited non-zero; that's data for
			// the caller, not a transport failure.
			return stdout, stderr, err
		}
		return stdout, stderr, apierr.Wrap(apierr.BackendTransient, err, "exec stream to pod %s failed", podName)
	}
	return stdout, stderr, nil
}

// fileManagerPod finds the running file-manager pod for a project.
func (b *Backend) fileManagerPod(ctx context.Context, ns string) (string, error) {
	return b.podByLabel(ctx, ns, "tesslate.io/role=file-manager")
}

// devContainerPod finds the running workload pod for a specific container.
func (b *Backend) devContainerPod(ctx context.Context, ns, containerName string) (string, error) {
	return b.podByLabel(ctx, ns, fmt.Sprintf("tesslate.io/container=%s", naming.SanitizeName(containerName)))
}

func (b *Backend) podByLabel(ctx context.Context, ns, selector string) (string, error) {
	pods, err := b.client.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{LabelSelector: selector})
	if err != nil {
		return "", apierr.Wrap(apierr.BackendTransient, err, "failed to list pods in namespace %s", ns)
	}
	for _, p := range pods.Items {
		if p.Status.Phase == corev1.PodRunning {
			return p.Name, nil
		}
	}
	if len(pods.Items) > 0 {
		return pods.Items[0].Name, nil
	}
	return "", apierr.New(apierr.NotFound, "no pod found for selector %q in namespace %s", selector, ns)
}

// ExecuteCommand runs argv inside the named container's workload pod via
// an exec stream — there is no POSIX shortcut here the way the Docker
// backend has direct filesystem access, so every command, including file
// operations, goes through remotecommand.
func (b *Backend) ExecuteCommand(ctx context.Context, projectSlug, projectID, containerName string, argv []string, timeout time.Duration, workingDir string) (orchestration.CommandResult, error) {
	if len(argv) == 0 {
		return orchestration.CommandResult{}, apierr.New(apierr.Validation, "argv must not be empty")
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	if timeout > maxCommandTimeout {
		timeout = maxCommandTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ns := b.namespace(projectSlug)
	pod, err := b.devContainerPod(ctx, ns, containerName)
	if err != nil {
		return orchestration.CommandResult{}, err
	}

	wd := "/app"
	if !isRootDirectory(workingDir) {
		wd = "/app/" + workingDir
	}
	wrapped := []string{"/bin/sh", "-c", fmt.Sprintf("cd %s && %s", shellQuote(wd), shellJoin(argv))}

	stdout, stderr, err := b.execInPod(ctx, ns, pod, "workload", wrapped, nil)
	if err != nil {
		if exitErr, ok := err.(clientexec.CodeExitError); ok {
			return orchestration.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitErr.ExitStatus()}, nil
		}
		return orchestration.CommandResult{}, err
	}
	return orchestration.CommandResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: 0}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}
