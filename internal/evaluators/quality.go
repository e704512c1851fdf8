package evaluators

import (
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/npmlens/npmlens/internal/collectors"
)

// sizeAnchors map artifact byte sizes to a quality signal: 400 bytes of
// readme or tests is already a meaningful effort.
var sizeAnchors = []Breakpoint{{0, 0}, {400, 1}}

var badgesAnchors = []Breakpoint{{0, 0}, {4, 1}}

func evaluateQuality(c *collectors.Collected) Quality {
	return Quality{
		Carefulness:        carefulness(c),
		Tests:              tests(c),
		DependenciesHealth: dependenciesHealth(c),
		Branding:           branding(c),
	}
}

// carefulness rewards licensing, documentation, linting and publish
// hygiene, dampened for deprecated and pre-1.0 packages.
func carefulness(c *collectors.Collected) float64 {
	md := c.Metadata
	if md == nil {
		return 0
	}

	var license, readme, linters, ignore float64

	if md.License != "" {
		license = 1
	}

	if src := c.Source; src != nil {
		readme = normalize(float64(src.Files.ReadmeSize), sizeAnchors)

		if len(src.Linters) > 0 {
			linters = 1
		}

		if src.Files.HasNpmIgnore {
			ignore = 1
		}
	}

	score := 0.35*license + 0.40*readme + 0.15*linters + 0.10*ignore

	return clamp(score * stabilityFactor(md))
}

// stabilityFactor dampens packages that advertise their own immaturity.
func stabilityFactor(md *collectors.Metadata) float64 {
	if md.Deprecated != "" {
		return 0.3
	}

	if v, err := semver.NewVersion(md.Version); err == nil && v.Major() == 0 {
		return 0.7
	}

	return 1
}

func tests(c *collectors.Collected) float64 {
	var testsScore, statusScore, coverage float64

	if src := c.Source; src != nil {
		if md := c.Metadata; md != nil && md.HasTestScript {
			testsScore = normalize(float64(src.Files.TestsSize), sizeAnchors)
		}

		if src.Coverage != nil {
			coverage = *src.Coverage
		}
	}

	if gh := c.GitHub; gh != nil && len(gh.Statuses) > 0 {
		var sum float64

		for _, s := range gh.Statuses {
			switch s.State {
			case "success":
				sum++
			case "pending":
				sum += 0.3
			}
		}

		statusScore = sum / float64(len(gh.Statuses))
	}

	return clamp(0.6*testsScore + 0.25*statusScore + 0.15*coverage)
}

// dependenciesHealth penalizes outdated and vulnerable dependencies,
// scaled by how many the package has, and halves repeatedly for wide
// open ranges left unlocked.
func dependenciesHealth(c *collectors.Collected) float64 {
	md := c.Metadata
	if md == nil || len(md.Dependencies) == 0 {
		return 1
	}

	n := float64(len(md.Dependencies))

	var outdated, vulnerable float64
	var unlocked int

	if src := c.Source; src != nil {
		outdated = float64(len(src.OutdatedDependencies))
		vulnerable = float64(len(src.Vulnerabilities))

		if !src.Files.HasLockfile {
			unlocked = unlockedRanges(md.Dependencies)
		}
	}

	ceiling := max(2, n/4)
	anchors := []Breakpoint{{0, 1}, {ceiling, 0}}

	score := 0.5*normalize(outdated, anchors) + 0.5*normalize(vulnerable, anchors)

	return clamp(score / float64(1+unlocked))
}

// unlockedRanges counts dependency ranges that accept anything:
// "*" and ">=0" style ranges.
func unlockedRanges(deps map[string]string) int {
	count := 0

	for _, rng := range deps {
		trimmed := strings.TrimSpace(rng)
		if trimmed == "*" || strings.HasPrefix(trimmed, ">=0") {
			count++
		}
	}

	return count
}

func branding(c *collectors.Collected) float64 {
	var website, badges float64

	if md := c.Metadata; md != nil && hasCustomWebsite(md) {
		website = 1
	}

	if src := c.Source; src != nil {
		badges = normalize(float64(len(src.Badges)), badgesAnchors)
	}

	return clamp(0.4*website + 0.6*badges)
}

// hasCustomWebsite reports whether the homepage is a real site rather
// than a pointer back into the repository.
func hasCustomWebsite(md *collectors.Metadata) bool {
	home := md.Links.Homepage
	if home == "" {
		return false
	}

	repo := md.Links.Repository

	return repo == "" || !strings.HasPrefix(home, repo)
}
