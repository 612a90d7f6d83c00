package snapshot

import (
	"path/filepath"
	"strings"

	"github.com/mhoffm/backupd/pkg/plog"
)

type exclusionMatchType int

const (
	prefixMatch exclusionMatchType = iota
	suffixMatch
	globMatch
)

// exclusionSet holds the categorized ignore patterns for efficient matching.
// Patterns are matched against base names only, with shell-glob semantics.
type exclusionSet struct {
	// literals are for exact basename matches (e.g., "node_modules"), the fastest to check.
	literals map[string]struct{}
	// nonLiterals are for patterns requiring more complex logic (wildcards).
	nonLiterals []exclusion
}

// exclusion stores the pre-analyzed pattern details.
type exclusion struct {
	pattern      string             // The original pattern for logging/debugging.
	cleanPattern string             // The pattern without wildcards for prefix/suffix matching, or the full pattern for glob.
	matchType    exclusionMatchType // The type of match to perform.
}

// makeExclusionSet analyzes and categorizes patterns to enable optimized matching later.
func makeExclusionSet(patterns []string) exclusionSet {
	set := exclusionSet{
		literals:    make(map[string]struct{}),
		nonLiterals: make([]exclusion, 0, len(patterns)),
	}

	for _, p := range patterns {
		if !strings.ContainsAny(p, "*?[]") {
			// No wildcards, e.g. "node_modules".
			set.literals[p] = struct{}{}
			continue
		}

		switch {
		case strings.HasSuffix(p, "*") && !strings.ContainsAny(p[:len(p)-1], "*?[]"):
			// A pattern like `~*` or `temp_*`.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern:      p,
				cleanPattern: strings.TrimSuffix(p, "*"),
				matchType:    prefixMatch,
			})
		case strings.HasPrefix(p, "*") && !strings.ContainsAny(p[1:], "*?[]"):
			// A pattern like `*.log` or `*.tmp`.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern:      p,
				cleanPattern: p[1:],
				matchType:    suffixMatch,
			})
		default:
			// A general glob pattern.
			set.nonLiterals = append(set.nonLiterals, exclusion{
				pattern:      p,
				cleanPattern: p,
				matchType:    globMatch,
			})
		}
	}
	return set
}

// matches checks if a base name matches any of the ignore patterns.
func (es *exclusionSet) matches(basename string) bool {
	// 1. Check for O(1) literal matches.
	if _, ok := es.literals[basename]; ok {
		return true
	}

	// 2. If no literal match, check the wildcard patterns.
	for _, p := range es.nonLiterals {
		switch p.matchType {
		case prefixMatch:
			if strings.HasPrefix(basename, p.cleanPattern) {
				return true
			}
		case suffixMatch:
			if strings.HasSuffix(basename, p.cleanPattern) {
				return true
			}
		case globMatch:
			match, err := filepath.Match(p.cleanPattern, basename)
			if err != nil {
				// Log the error for the invalid pattern but continue checking others.
				plog.Warn("Invalid ignore pattern", "pattern", p.cleanPattern, "error", err)
				continue
			}
			if match {
				return true
			}
		}
	}
	return false
}
