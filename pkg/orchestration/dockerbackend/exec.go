package dockerbackend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	orchestration "github.com/tesslate/orchestrator-core/pkg/orchestration"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/naming"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

// maxCommandTimeout is the hard ceiling on ExecuteCommand regardless of
// what the caller requests (spec.md §5).
const maxCommandTimeout = 300 * time.Second

// ExecuteCommand runs argv inside the running container via docker exec.
// The Docker backend could read/write files directly off the shared
// volume, but arbitrary command execution has no POSIX shortcut, so it
// always goes through the container's own process namespace.
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

	name := fmt.Sprintf("%s-%s-1", projectSlug, naming.SanitizeName(containerName))
	wd := "/app"
	if !isRootDirectory(workingDir) {
		wd = "/app/" + workingDir
	}

	dockerArgs := append([]string{"exec", "-w", wd, name}, argv...)
	cmd := "docker " + shellQuoteJoin(dockerArgs)

	out, err := b.exec.ExecCommand(cmd, util.ExecOpts{Timeout: timeout})
	result := orchestration.CommandResult{Stdout: out}
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			result.Stderr = out
			return result, nil
		}
		return orchestration.CommandResult{}, apierr.Wrap(apierr.BackendTransient, err, "failed to exec in container %s", containerName)
	}
	return result, nil
}

func shellQuoteJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}
