// Package release computes the next semantic version of a repository from
// its conventional-commit history or from its tags.
package release

import (
	"regexp"
	"strings"
)

// Bump is the kind of release a set of commits calls for.
type Bump int

const (
	BumpNone Bump = iota
	BumpPatch
	BumpMinor
	BumpMajor
)

func (b Bump) String() string {
	switch b {
	case BumpPatch:
		return "patch"
	case BumpMinor:
		return "minor"
	case BumpMajor:
		return "major"
	}
	return "none"
}

var headerRe = regexp.MustCompile(`^(\w+)(?:\(([^()]*)\))?(!)?:\s+\S`)

// Analyze classifies one commit message the way the conventional-commits
// analyzer does: breaking changes are major, feat is minor, fix, perf and
// revert are patch, anything else does not release.
func Analyze(message string) Bump {
	message = strings.ReplaceAll(message, "\r\n", "\n")
	header, body, _ := strings.Cut(message, "\n")
	header = strings.TrimSpace(header)

	m := headerRe.FindStringSubmatch(header)
	if m == nil {
		if strings.HasPrefix(header, "Revert \"") {
			return BumpPatch
		}
		return BumpNone
	}
	if m[3] == "!" || hasBreakingFooter(body) {
		return BumpMajor
	}
	switch strings.ToLower(m[1]) {
	case "feat":
		return BumpMinor
	case "fix", "perf", "revert":
		return BumpPatch
	}
	return BumpNone
}

func hasBreakingFooter(body string) bool {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "BREAKING CHANGE:") || strings.HasPrefix(line, "BREAKING-CHANGE:") {
			return true
		}
	}
	return false
}

// AnalyzeAll returns the highest bump of messages.
func AnalyzeAll(messages []string) Bump {
	best := BumpNone
	for _, msg := range messages {
		if b := Analyze(msg); b > best {
			best = b
			if best == BumpMajor {
				break
			}
		}
	}
	return best
}
