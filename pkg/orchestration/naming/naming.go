// Package naming provides the pure, deterministic name/slug functions used
// to turn project and container names into DNS-safe identifiers.
// Every function here is side-effect free; retry-on-collision
// is the caller's responsibility (callers own the datastore lookup).
package naming

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
)

const (
	maxDNSLabelLength = 63
	slugSuffixChars   = "0123456789abcdefghijklmnopqrstuvwxyz" // base36
	slugSuffixLen     = 6
)

var (
	nonAlphanumericRun = regexp.MustCompile(`[^a-z0-9]+`)
	dashRun            = regexp.MustCompile(`-{2,}`)
)

// Slugify lowercases name, collapses runs of non-alphanumeric characters to
// a single '-', trims leading/trailing '-', truncates to maxLen, and falls
// back to "project" if the result is empty.
func Slugify(name string, maxLen int) string {
	s := strings.ToLower(name)
	s = nonAlphanumericRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxLen {
		s = strings.Trim(s[:maxLen], "-")
	}
	if s == "" {
		s = "project"
	}
	return s
}

// randomBase36Suffix returns a slugSuffixLen-character base36 string using
// crypto/rand, so suffix collisions are a property of counting, not of a
// predictable seed.
func randomBase36Suffix() (string, error) {
	b := make([]byte, slugSuffixLen)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(slugSuffixChars))))
		if err != nil {
			return "", err
		}
		b[i] = slugSuffixChars[n.Int64()]
	}
	return string(b), nil
}

// GenerateProjectSlug produces a `{slugify(name,<=50)}-{6-char base36}` slug.
// Spec.md §8 property 1 requires retrying on datastore collision up to 10
// times; that loop lives in the caller since only the caller can check
// uniqueness.
func GenerateProjectSlug(name string) (string, error) {
	base := Slugify(name, 50)
	suffix, err := randomBase36Suffix()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s", base, suffix), nil
}

// GenerateUsernameSlug derives a slug of the same shape from a display name
// or the local part of an email address.
func GenerateUsernameSlug(displayNameOrEmail string) (string, error) {
	local := displayNameOrEmail
	if i := strings.IndexByte(local, '@'); i >= 0 {
		local = local[:i]
	}
	return GenerateProjectSlug(local)
}

// SanitizeName turns an arbitrary container/service name into a
// DNS-1123-label-safe string: lowercase, '_'/space/'.' become '-', '--'
// collapses, leading/trailing '-' stripped, truncated to 63 chars.
func SanitizeName(name string) string {
	s := strings.ToLower(name)
	s = strings.Map(func(r rune) rune {
		switch r {
		case '_', ' ', '.':
			return '-'
		}
		return r
	}, s)
	s = nonAlphanumericRun.ReplaceAllString(s, "-")
	s = dashRun.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if len(s) > maxDNSLabelLength {
		s = strings.Trim(s[:maxDNSLabelLength], "-")
	}
	if s == "" {
		s = "container"
	}
	return s
}

// K8sContainerResourceName builds the `dev-{sanitized-directory}` name used
// for per-container Deployments/Services/Ingresses.
func K8sContainerResourceName(containerDirectory string) string {
	return truncateDNSLabel("dev-" + SanitizeName(containerDirectory))
}

// K8sNamespaceName builds the `proj-{project-id}` namespace name.
func K8sNamespaceName(projectID string) string {
	return truncateDNSLabel("proj-" + SanitizeName(projectID))
}

// Hostname builds the single-subdomain-level hostname:
// `{project-slug}-{sanitized-container-directory}.{app-domain}`.
func Hostname(projectSlug, containerDirectory, appDomain string) string {
	dir := SanitizeName(containerDirectory)
	label := truncateDNSLabel(fmt.Sprintf("%s-%s", projectSlug, dir))
	return fmt.Sprintf("%s.%s", label, appDomain)
}

func truncateDNSLabel(s string) string {
	if len(s) <= maxDNSLabelLength {
		return strings.Trim(s, "-")
	}
	return strings.Trim(s[:maxDNSLabelLength], "-")
}

// dnsLabelRE matches RFC-1123 label shape: ^[a-z0-9]+(-[a-z0-9]+)*$
var dnsLabelRE = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// IsValidDNSLabel reports whether s satisfies RFC-1123 label rules and the
// ≤63 char limit.
func IsValidDNSLabel(s string) bool {
	return len(s) > 0 && len(s) <= maxDNSLabelLength && dnsLabelRE.MatchString(s)
}
