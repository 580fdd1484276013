package corpus

import (
	"bufio"
	"fmt"
	"os"
	"path"
	"strings"
)

// ExclusionList is the set of path globs excluded from residue and
// traceability analysis. An excluded code unit is simply never a
// candidate for residue and never required to trace; the rest of the
// system does not see it.
type ExclusionList struct {
	patterns []string
}

// LoadExclusionList reads a glob file: one pattern per line, blank
// lines and #-comments ignored. A missing file yields an empty list;
// exclusions are optional.
func LoadExclusionList(filePath string) (*ExclusionList, error) {
	f, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return &ExclusionList{}, nil
		}
		return nil, fmt.Errorf("failed to open exclusion list %s: %w", filePath, err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read exclusion list %s: %w", filePath, err)
	}
	return &ExclusionList{patterns: patterns}, nil
}

// NewExclusionList builds a list from in-memory patterns (for tests
// and programmatic configuration)
func NewExclusionList(patterns ...string) *ExclusionList {
	return &ExclusionList{patterns: patterns}
}

// Len returns the number of configured patterns
func (e *ExclusionList) Len() int { return len(e.patterns) }

// Match reports whether a slash-separated relative path is excluded.
// Patterns follow path.Match syntax with one extension: a leading
// "**/" matches any number of leading directories, and a trailing
// "/**" matches everything under a directory.
func (e *ExclusionList) Match(p string) bool {
	for _, pattern := range e.patterns {
		if matchGlob(pattern, p) {
			return true
		}
	}
	return false
}

func matchGlob(pattern, p string) bool {
	// dir/** excludes the whole subtree
	if rest, ok := strings.CutSuffix(pattern, "/**"); ok {
		return p == rest || strings.HasPrefix(p, rest+"/")
	}

	// **/tail matches tail at any depth, including depth zero
	if tail, ok := strings.CutPrefix(pattern, "**/"); ok {
		if matched, _ := path.Match(tail, p); matched {
			return true
		}
		segs := strings.Split(p, "/")
		for i := 1; i < len(segs); i++ {
			if matched, _ := path.Match(tail, strings.Join(segs[i:], "/")); matched {
				return true
			}
		}
		return false
	}

	matched, _ := path.Match(pattern, p)
	return matched
}
