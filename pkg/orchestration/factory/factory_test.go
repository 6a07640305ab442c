package factory

import (
	"context"
	"os"
	"testing"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
	"github.com/tesslate/orchestrator-core/pkg/util"
)

func testLogger() util.Logger {
	return util.NewStdoutLogger(os.Stdout, os.Stderr)
}

func TestGetRejectsUnknownDeploymentMode(t *testing.T) {
	RegisterTestingT(t)
	f := New(config.Config{DeploymentMode: "nonsense"}, testLogger())

	_, err := f.Get(context.Background())
	Expect(err).To(HaveOccurred())
	Expect(err.Error()).To(ContainSubstring("unknown deployment mode"))
}

func TestGetReturnsCachedDockerBackendOnRepeatCalls(t *testing.T) {
	RegisterTestingT(t)
	f := New(config.Config{
		DeploymentMode: config.DeploymentModeDocker,
		AppDomain:      "example.test",
		Docker: config.DockerConfig{
			ProjectsMountPath:      t.TempDir(),
			ComposeFilesDir:        t.TempDir(),
			RegionalProxyShardSize: 5,
		},
	}, testLogger())

	first, err := f.Get(context.Background())
	Expect(err).NotTo(HaveOccurred())
	Expect(first).NotTo(BeNil())

	second, err := f.Get(context.Background())
	Expect(err).NotTo(HaveOccurred())
	Expect(second).To(BeIdenticalTo(first))
}

func TestGetInitializerReturnsCachedInstanceOnRepeatCalls(t *testing.T) {
	RegisterTestingT(t)
	f := New(config.Config{
		DeploymentMode: config.DeploymentModeDocker,
		AppDomain:      "example.test",
		TemplatesDir:   t.TempDir(),
		Docker: config.DockerConfig{
			ProjectsMountPath:      t.TempDir(),
			ComposeFilesDir:        t.TempDir(),
			RegionalProxyShardSize: 5,
		},
	}, testLogger())

	first, err := f.GetInitializer(context.Background())
	Expect(err).NotTo(HaveOccurred())
	Expect(first).NotTo(BeNil())

	second, err := f.GetInitializer(context.Background())
	Expect(err).NotTo(HaveOccurred())
	Expect(second).To(BeIdenticalTo(first))
}

func TestGetCachesBuildErrorWithoutRetrying(t *testing.T) {
	RegisterTestingT(t)
	f := New(config.Config{DeploymentMode: "nonsense"}, testLogger())

	_, firstErr := f.Get(context.Background())
	_, secondErr := f.Get(context.Background())
	Expect(secondErr).To(Equal(firstErr))
}
