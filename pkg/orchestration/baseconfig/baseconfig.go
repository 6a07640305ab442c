// Package baseconfig parses a project's TESSLATE.md manifest into a
// validated startup command and port, and is the single point at which
// user-controllable content is allowed to influence a process the
// orchestrator executes. File access goes through orchestration/config.Reader;
// extraction is regexp-driven and every command passes a whitelist/blocklist
// validator before use, errors wrapped with github.com/pkg/errors.
package baseconfig

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/tesslate/orchestrator-core/pkg/orchestration/apierr"
	"github.com/tesslate/orchestrator-core/pkg/orchestration/config"
)

const (
	manifestFilename  = "TESSLATE.md"
	maxCommandLength  = 10000
	defaultSafeCommand = `export PATH="$HOME/.local/bin:$HOME/go/bin:$PATH"; ` +
		`if [ -f package.json ]; then npm install; fi; ` +
		`if [ -f frontend/package.json ]; then (cd frontend && npm install); fi; ` +
		`if [ -f backend/package.json ]; then (cd backend && npm install); fi; ` +
		`if [ -f requirements.txt ]; then pip install -r requirements.txt; fi; ` +
		`if [ -f go.mod ]; then go mod download; fi; ` +
		`if [ -f package.json ] && grep -q '"dev"' package.json; then exec npm run dev; fi; ` +
		`if [ -f main.py ]; then exec python main.py; fi; ` +
		`if [ -f app.py ]; then exec python app.py; fi; ` +
		`if [ -f go.mod ]; then exec go run .; fi; ` +
		`exec sleep infinity`
)

// StartupConfig is the result of parsing and validating a manifest: a
// command safe to pass to (*util.Exec).ExecCommandAndLog, and the port the
// dev server is expected to listen on.
type StartupConfig struct {
	Command string
	Port    int
	// FromManifest is false when no manifest was found, or it failed
	// validation and the safe fallback was substituted.
	FromManifest bool
}

var (
	devServerBlockRE = regexp.MustCompile(`(?is)##\s*Development Server\s*\n(?:.*?\n)?` + "```" + `(?:[a-z]*\n)?(.*?)` + "```")
	portLineRE       = regexp.MustCompile(`(?im)^\s*\*\*Port\*\*:\s*(\d+)`)
)

// portHints maps a keyword that may appear in the manifest body to the
// conventional default port for that tool.
var portHints = []struct {
	keyword string
	port    int
}{
	{"vite", 5173},
	{"next", 3000},
	{"uvicorn", 8000},
	{"fastapi", 8000},
}

// blocklistPatterns are substrings/regexes that unconditionally reject a
// command regardless of its leading word.
var blocklistPatterns = []*regexp.Regexp{
	regexp.MustCompile(`rm\s+-rf\s+/(\s|$)`),
	regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`), // fork bomb
	regexp.MustCompile(`curl[^|]*\|\s*(sh|bash)`),
	regexp.MustCompile(`wget[^|]*\|\s*(sh|bash)`),
	regexp.MustCompile(`\bnc\b.*-l\b`),
	regexp.MustCompile(`>\s*/dev/sd`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`docker\s+run`),
	regexp.MustCompile(`docker-in-docker`),
	regexp.MustCompile(`\$\(.*\b(curl|wget)\b`),
	regexp.MustCompile(">\\s*/dev/"),
	regexp.MustCompile(">\\s*/proc/"),
	regexp.MustCompile(`iptables`),
	regexp.MustCompile(`/etc/passwd`),
	regexp.MustCompile(`chmod\s+[+]?[ug]*s`),
}

// wordWhitelist is the closed set of permitted leading command words for
// each top-level segment of a `;`/`&`/`|`-separated command.
var wordWhitelist = map[string]bool{
	"npm": true, "node": true, "yarn": true, "pnpm": true, "npx": true,
	"python": true, "python3": true, "pip": true, "pip3": true, "uvicorn": true, "gunicorn": true,
	"go": true, "air": true,
	"cargo": true,
	"java": true, "mvn": true, "gradle": true,
	"ruby": true, "bundle": true,
	"php": true, "composer": true,
	"cd": true, "ls": true, "echo": true, "sleep": true, "cat": true,
	"mkdir": true, "cp": true, "mv": true, "if": true, "for": true, "while": true, "test": true,
	"export": true, "exec": true, "then": true, "fi": true, "do": true, "done": true, "else": true,
}

var topLevelSplitRE = regexp.MustCompile(`[;&|]+`)

// Validate reports a non-nil apierr.SecurityBlock error if cmd is unsafe to
// execute: too long, matching the blocklist, or containing a top-level
// command word outside the whitelist.
func Validate(cmd string) error {
	if len(cmd) > maxCommandLength {
		return apierr.New(apierr.SecurityBlock, "startup command exceeds %d characters", maxCommandLength)
	}
	for _, re := range blocklistPatterns {
		if re.MatchString(cmd) {
			return apierr.New(apierr.SecurityBlock, "startup command matches a blocked pattern")
		}
	}
	for _, segment := range topLevelSplitRE.Split(cmd, -1) {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		fields := strings.Fields(segment)
		word := strings.TrimLeft(fields[0], "(")
		if !wordWhitelist[word] {
			return apierr.New(apierr.SecurityBlock, "startup command uses disallowed command %q", word)
		}
	}
	return nil
}

// Parse reads manifestFilename from dir via reader, extracts a startup
// command and port, validates the command, and falls back to a safe
// generic command when the manifest is absent, unparseable, or the
// command fails validation.
func Parse(reader config.Reader, dir string) (StartupConfig, error) {
	path := dir + "/" + manifestFilename
	raw, err := reader.ReadFile(path)
	if err != nil {
		return StartupConfig{Command: defaultSafeCommand, Port: 3000, FromManifest: false}, nil
	}
	content := string(raw)

	cmd := defaultSafeCommand
	if m := devServerBlockRE.FindStringSubmatch(content); m != nil {
		extracted := strings.TrimSpace(m[1])
		if extracted != "" {
			cmd = extracted
		}
	}

	port := inferPort(content)

	if err := Validate(cmd); err != nil {
		return StartupConfig{Command: defaultSafeCommand, Port: port, FromManifest: false}, nil
	}
	if cmd == defaultSafeCommand {
		return StartupConfig{Command: cmd, Port: port, FromManifest: false}, nil
	}
	return StartupConfig{Command: cmd, Port: port, FromManifest: true}, nil
}

func inferPort(content string) int {
	if m := portLineRE.FindStringSubmatch(content); m != nil {
		if port, err := strconv.Atoi(m[1]); err == nil {
			return port
		}
	}
	lower := strings.ToLower(content)
	for _, hint := range portHints {
		if strings.Contains(lower, hint.keyword) {
			return hint.port
		}
	}
	return 3000
}
