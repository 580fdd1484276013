// Package graph builds the spec DAG from a corpus snapshot and runs
// the deterministic structural checks over it.
package graph

import (
	"strconv"
	"strings"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/types"
)

// parsedHeading is one heading-level section of a spec file before
// graph assembly
type parsedHeading struct {
	node      *types.SpecNode
	kindDecl  bool     // Node carried an explicit kind: line
	targets   []string // Raw specifies targets, in declaration order
	targetLns []int    // Declaration line per target
	malformed []malformedDecl
}

type malformedDecl struct {
	line int
	text string
}

// parseFile splits a markdown file into heading sections.
//
// Declarations are recognized immediately under a heading, before any
// body prose (blank lines permitted):
//
//	## Retry behavior
//	specifies: core.md#error-handling
//	kind: behavioral
//
// One target per line. A malformed declaration is recorded and parsing
// continues with the rest of the file; the builder never aborts the
// corpus over one bad line.
func parseFile(f *corpus.File) []parsedHeading {
	var sections []parsedHeading
	var current *parsedHeading
	inDeclBlock := false

	var bodies []strings.Builder

	lines := strings.Split(string(f.Content), "\n")
	slugs := newSlugger()
	for i, line := range lines {
		lineNo := i + 1
		if title, ok := headingTitle(line); ok {
			sections = append(sections, parsedHeading{
				node: &types.SpecNode{
					ID:    types.NodeID{Path: f.Path, Heading: slugs.slug(title)},
					Title: title,
					Line:  lineNo,
				},
			})
			bodies = append(bodies, strings.Builder{})
			current = &sections[len(sections)-1]
			inDeclBlock = true
			continue
		}
		if current == nil {
			continue // Preamble before the first heading is not a node
		}

		trimmed := strings.TrimSpace(line)
		if inDeclBlock {
			if trimmed == "" {
				continue
			}
			if rest, ok := strings.CutPrefix(trimmed, "specifies:"); ok {
				target := strings.TrimSpace(rest)
				if target == "" {
					current.malformed = append(current.malformed, malformedDecl{line: lineNo, text: trimmed})
					continue
				}
				current.targets = append(current.targets, target)
				current.targetLns = append(current.targetLns, lineNo)
				continue
			}
			if rest, ok := strings.CutPrefix(trimmed, "kind:"); ok {
				kind := types.NodeKind(strings.TrimSpace(rest))
				if !kind.IsValid() {
					current.malformed = append(current.malformed, malformedDecl{line: lineNo, text: trimmed})
					continue
				}
				current.node.Kind = kind
				current.kindDecl = true
				continue
			}
			if strings.HasPrefix(trimmed, "specifies") {
				// A specifies line without the colon or with other
				// damage: report it rather than silently treating it
				// as prose.
				current.malformed = append(current.malformed, malformedDecl{line: lineNo, text: trimmed})
				continue
			}
			inDeclBlock = false
		}
		bodies[len(bodies)-1].WriteString(line)
		bodies[len(bodies)-1].WriteByte('\n')
	}

	for i := range sections {
		body := bodies[i].String()
		sections[i].node.Text = body
		sections[i].node.Hash = corpus.HashContent([]byte(sections[i].node.Title + "\n" + body))
	}
	return sections
}

// headingTitle reports whether a line is an ATX heading and returns
// its title text
func headingTitle(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "#") {
		return "", false
	}
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level > 6 {
		return "", false
	}
	if level == len(trimmed) {
		return "", false // Bare hashes, not a heading
	}
	if trimmed[level] != ' ' && trimmed[level] != '\t' {
		return "", false
	}
	return strings.TrimSpace(trimmed[level:]), true
}

// slugger produces GitHub-flavored heading slugs with the same
// duplicate handling GitHub applies (second "Overview" in a file
// becomes overview-1).
type slugger struct {
	seen map[string]int
}

func newSlugger() *slugger {
	return &slugger{seen: make(map[string]int)}
}

func (s *slugger) slug(title string) string {
	base := Slug(title)
	n := s.seen[base]
	s.seen[base] = n + 1
	if n == 0 {
		return base
	}
	return base + "-" + strconv.Itoa(n)
}

// Slug converts a heading title to its GitHub-flavored slug:
// lowercase, punctuation stripped, spaces to hyphens.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		case r == ' ', r == '\t':
			b.WriteByte('-')
		}
	}
	return b.String()
}
