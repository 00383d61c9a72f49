package sanitize

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/qloader/internal/errkind"
)

// previewLength is how many leading characters of a secret survive in the
// redaction marker and in findings reported to run summaries.
const previewLength = 4

// Finding describes one detected secret.
type Finding struct {
	RuleID      string // gitleaks rule ID, e.g. "openai-api-key"
	Description string // human-readable rule description
	Line        int    // 1-based line number
	StartCol    int    // start column within the line
	EndCol      int    // end column within the line
	Secret      string // the matched secret value
}

// Preview returns the first few characters of the secret for audit output.
func (f Finding) Preview() string {
	return preview(f.Secret, previewLength)
}

// Scrubber detects and redacts secrets in document content before it is
// chunked and embedded. Detection uses the default gitleaks ruleset,
// optionally narrowed by a workspace allowlist. Secrets are replaced with
// [REDACTED:rule-id:preview] markers so surrounding context stays useful
// for embeddings while the secret itself never reaches the vector store.
type Scrubber struct {
	mu       sync.Mutex
	detector *detect.Detector
}

// NewScrubber builds a scrubber with the default gitleaks ruleset. A
// non-empty allowlistPath must name a readable TOML file with an
// [allowlist] table; its patterns suppress matching findings.
func NewScrubber(allowlistPath string) (*Scrubber, error) {
	detector, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, errkind.New(errkind.Config, "init secret detector: %v", err)
	}

	if allowlistPath != "" {
		rules, err := loadAllowlist(allowlistPath)
		if err != nil {
			return nil, err
		}
		applyAllowlist(&detector.Config, rules)
	}

	return &Scrubber{detector: detector}, nil
}

// Scrub scans content and replaces every detected secret with a redaction
// marker. It returns the redacted content and the findings in detection
// order. One scan runs at a time per scrubber.
func (s *Scrubber) Scrub(content string) (string, []Finding) {
	if content == "" {
		return content, nil
	}

	s.mu.Lock()
	raw := s.detector.DetectString(content)
	s.mu.Unlock()

	if len(raw) == 0 {
		return content, nil
	}

	findings := make([]Finding, 0, len(raw))
	for _, f := range raw {
		findings = append(findings, Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Line:        f.StartLine,
			StartCol:    f.StartColumn,
			EndCol:      f.EndColumn,
			Secret:      f.Secret,
		})
	}

	return replaceFindings(content, findings), findings
}

// Marker returns the redaction marker for a finding.
func Marker(f Finding) string {
	return fmt.Sprintf("[REDACTED:%s:%s]", f.RuleID, f.Preview())
}

// RuleCounts aggregates findings per rule ID for run summaries. Returns
// nil for no findings.
func RuleCounts(findings []Finding) map[string]int {
	if len(findings) == 0 {
		return nil
	}
	counts := make(map[string]int, len(findings))
	for _, f := range findings {
		counts[f.RuleID]++
	}
	return counts
}

// replaceFindings rewrites content with redaction markers. Findings are
// applied in reverse position order so earlier indices stay valid while
// lines are edited in place.
func replaceFindings(content string, findings []Finding) string {
	sorted := make([]Finding, len(findings))
	copy(sorted, findings)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Line != sorted[j].Line {
			return sorted[i].Line > sorted[j].Line
		}
		return sorted[i].StartCol > sorted[j].StartCol
	})

	lines := strings.Split(content, "\n")
	for _, f := range sorted {
		if f.Line < 1 || f.Line > len(lines) {
			continue
		}
		line := lines[f.Line-1]
		if f.StartCol < 0 || f.EndCol > len(line) || f.StartCol > f.EndCol {
			continue
		}
		lines[f.Line-1] = line[:f.StartCol] + Marker(f) + line[f.EndCol:]
	}
	return strings.Join(lines, "\n")
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// allowlistRules holds compiled patterns from a workspace allowlist file.
type allowlistRules struct {
	paths   []*regexp.Regexp
	regexes []*regexp.Regexp
	words   []string
}

// loadAllowlist reads a TOML allowlist of the form
//
//	[allowlist]
//	paths = ['''docs/examples/.*''']
//	regexes = ['''EXAMPLE_KEY''']
//	stopwords = ["sample"]
//
// Unlike conventional dotfiles, the path comes from the workspace config,
// so a missing file is a configuration error rather than a silent skip.
func loadAllowlist(path string) (*allowlistRules, error) {
	var doc struct {
		Allowlist struct {
			Paths     []string `toml:"paths"`
			Regexes   []string `toml:"regexes"`
			Stopwords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}

	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if os.IsNotExist(err) {
			return nil, errkind.New(errkind.Config, "sanitize allowlist %s: %v", path, err)
		}
		return nil, errkind.New(errkind.Config, "parse sanitize allowlist %s: %v", path, err)
	}

	rules := &allowlistRules{words: doc.Allowlist.Stopwords}
	for _, pattern := range doc.Allowlist.Paths {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errkind.New(errkind.Config, "allowlist path pattern %q in %s: %v", pattern, path, err)
		}
		rules.paths = append(rules.paths, re)
	}
	for _, pattern := range doc.Allowlist.Regexes {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, errkind.New(errkind.Config, "allowlist regex %q in %s: %v", pattern, path, err)
		}
		rules.regexes = append(rules.regexes, re)
	}
	return rules, nil
}

// applyAllowlist appends the workspace patterns to the detector config as
// one global allowlist entry. Regexes run against the rule match text so
// patterns can anchor on the surrounding key name, not just the secret.
func applyAllowlist(cfg *gitleaksConfig.Config, rules *allowlistRules) {
	allow := &gitleaksConfig.Allowlist{
		Description: "qloader workspace allowlist",
		RegexTarget: "match",
		StopWords:   rules.words,
	}
	for _, re := range rules.paths {
		allow.Paths = append(allow.Paths, (*gitleaksRegexp.Regexp)(re))
	}
	for _, re := range rules.regexes {
		allow.Regexes = append(allow.Regexes, (*gitleaksRegexp.Regexp)(re))
	}
	cfg.Allowlists = append(cfg.Allowlists, allow)
}
