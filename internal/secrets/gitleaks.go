package secrets

import (
	"fmt"
	"strings"

	"github.com/zricethezav/gitleaks/v8/detect"
)

// gitleaksScrubber redacts whatever the gitleaks default rule set finds.
type gitleaksScrubber struct {
	detector *detect.Detector
	config   *Config
}

// NewGitleaks creates a Scrubber backed by the gitleaks default config.
// Allow-list patterns from cfg still apply to each finding.
func NewGitleaks(cfg *Config) (Scrubber, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d, err := detect.NewDetectorDefaultConfig()
	if err != nil {
		return nil, fmt.Errorf("gitleaks detector: %w", err)
	}
	return &gitleaksScrubber{detector: d, config: cfg}, nil
}

func (g *gitleaksScrubber) Scrub(content string) *Result {
	result := newResult(content)
	if content == "" {
		return result
	}

	scrubbed := content
	for _, f := range g.detector.DetectString(content) {
		if f.Secret == "" || g.allowed(f.Secret) {
			continue
		}
		result.add(Finding{
			RuleID:      f.RuleID,
			Description: f.Description,
			Severity:    "high",
			Line:        f.StartLine,
		})
		scrubbed = strings.ReplaceAll(scrubbed, f.Secret, g.config.RedactionString)
	}
	result.Scrubbed = scrubbed
	return result
}

func (g *gitleaksScrubber) IsEnabled() bool { return true }

func (g *gitleaksScrubber) allowed(match string) bool {
	for _, p := range g.config.compiledAllowList {
		if p.MatchString(match) {
			return true
		}
	}
	return false
}
