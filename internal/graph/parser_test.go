package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/types"
)

func specFile(path, content string) *corpus.File {
	return &corpus.File{Path: path, Content: []byte(content), Hash: corpus.HashContent([]byte(content))}
}

func TestSlug(t *testing.T) {
	tests := []struct {
		title string
		want  string
	}{
		{"Login Flow", "login-flow"},
		{"Error Handling", "error-handling"},
		{"API: v2 (draft)", "api-v2-draft"},
		{"snake_case stays", "snake_case-stays"},
		{"  trimmed  ", "trimmed"},
		{"Already-slugged", "already-slugged"},
		{"Ünïcode dropped", "ncode-dropped"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Slug(tt.title), "title %q", tt.title)
	}
}

func TestParseFileHeadingsAndDeclarations(t *testing.T) {
	f := specFile("specs/auth.md", `# Auth

The intent of authentication.

## Login Flow
specifies: specs/auth.md#auth
kind: behavioral

Users log in with a token.

## Token Refresh
specifies: specs/auth.md#auth

Refresh before expiry.
`)

	sections := parseFile(f)
	require.Len(t, sections, 3)

	root := sections[0]
	assert.Equal(t, "auth", root.node.ID.Heading)
	assert.Empty(t, root.targets)
	assert.Contains(t, root.node.Text, "intent of authentication")

	login := sections[1]
	assert.Equal(t, "login-flow", login.node.ID.Heading)
	assert.Equal(t, []string{"specs/auth.md#auth"}, login.targets)
	assert.Equal(t, types.KindBehavioral, login.node.Kind)
	assert.True(t, login.kindDecl)
	assert.Contains(t, login.node.Text, "log in with a token")
	assert.NotContains(t, login.node.Text, "specifies:")

	refresh := sections[2]
	assert.Equal(t, "token-refresh", refresh.node.ID.Heading)
	assert.Equal(t, []string{"specs/auth.md#auth"}, refresh.targets)
}

func TestParseFileDeclarationMustFollowHeading(t *testing.T) {
	f := specFile("s.md", `# Top

Some prose first.
specifies: s.md#other

# Other
`)

	sections := parseFile(f)
	require.Len(t, sections, 2)

	// A specifies line after body prose is ordinary text, not an edge
	assert.Empty(t, sections[0].targets)
	assert.Contains(t, sections[0].node.Text, "specifies: s.md#other")
}

func TestParseFileMalformedDeclarations(t *testing.T) {
	f := specFile("s.md", `# A
specifies:
specifies junk without colon
kind: not-a-kind

body
`)

	sections := parseFile(f)
	require.Len(t, sections, 1)
	assert.Len(t, sections[0].malformed, 3)
	assert.Empty(t, sections[0].targets)
}

func TestParseFileDuplicateHeadings(t *testing.T) {
	f := specFile("s.md", "# Overview\n\n# Overview\n\n# Overview\n")

	sections := parseFile(f)
	require.Len(t, sections, 3)
	assert.Equal(t, "overview", sections[0].node.ID.Heading)
	assert.Equal(t, "overview-1", sections[1].node.ID.Heading)
	assert.Equal(t, "overview-2", sections[2].node.ID.Heading)
}

func TestParseFileHashChangesWithContent(t *testing.T) {
	a := parseFile(specFile("s.md", "# A\n\noriginal body\n"))
	b := parseFile(specFile("s.md", "# A\n\nedited body\n"))
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.NotEqual(t, a[0].node.Hash, b[0].node.Hash)
}

func TestHeadingTitle(t *testing.T) {
	tests := []struct {
		line  string
		title string
		ok    bool
	}{
		{"# Title", "Title", true},
		{"### Deep Title", "Deep Title", true},
		{"####### too deep", "", false},
		{"#nospace", "", false},
		{"##", "", false},
		{"not a heading", "", false},
	}
	for _, tt := range tests {
		title, ok := headingTitle(tt.line)
		assert.Equal(t, tt.ok, ok, "line %q", tt.line)
		if ok {
			assert.Equal(t, tt.title, title)
		}
	}
}
