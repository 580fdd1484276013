// Package corpus loads immutable, content-addressed snapshots of the
// spec corpus and the code artifact. Every engine operation takes an
// explicit snapshot reference; there is no shared mutable corpus state.
package corpus

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/mod/sumdb/dirhash"

	"github.com/specsync/specsync/internal/types"
)

// HashContent returns the hex-encoded SHA-256 of content.
// This is the content hash used for spec nodes and code units.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// File is one file captured in a snapshot
type File struct {
	Path    string // Relative to the snapshot root, slash-separated
	Content []byte
	Hash    string
}

// SpecSnapshot is a point-in-time read of the spec corpus
type SpecSnapshot struct {
	Root     string
	TreeHash string
	Files    []*File
}

// CodeSnapshot is a point-in-time read of the code artifact
type CodeSnapshot struct {
	Root     string
	TreeHash string
	Units    []types.CodeUnit

	content map[string][]byte
}

// LoadSpecSnapshot reads every markdown file under root into an
// immutable snapshot. Files are ordered by path so the tree hash and
// all downstream reports are deterministic.
func LoadSpecSnapshot(root string) (*SpecSnapshot, error) {
	files, err := collectFiles(root, func(path string) bool {
		return strings.HasSuffix(path, ".md")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read spec corpus at %s: %w", root, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no markdown files found under %s", root)
	}

	treeHash, err := hashFileSet(root, files)
	if err != nil {
		return nil, fmt.Errorf("failed to hash spec corpus: %w", err)
	}

	return &SpecSnapshot{Root: root, TreeHash: treeHash, Files: files}, nil
}

// LoadCodeSnapshot reads the code artifact under root. Hidden
// directories and the files under skipDirs (e.g. the spec corpus when
// it lives inside the artifact) are not part of the snapshot.
func LoadCodeSnapshot(root string, skipDirs ...string) (*CodeSnapshot, error) {
	skip := make(map[string]bool, len(skipDirs))
	for _, d := range skipDirs {
		skip[filepath.ToSlash(filepath.Clean(d))] = true
	}

	files, err := collectFiles(root, func(path string) bool {
		for dir := range skip {
			if path == dir || strings.HasPrefix(path, dir+"/") {
				return false
			}
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read code artifact at %s: %w", root, err)
	}

	treeHash, err := hashFileSet(root, files)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code artifact: %w", err)
	}

	snap := &CodeSnapshot{
		Root:     root,
		TreeHash: treeHash,
		content:  make(map[string][]byte, len(files)),
	}
	for _, f := range files {
		snap.Units = append(snap.Units, types.CodeUnit{Path: f.Path, Hash: f.Hash})
		snap.content[f.Path] = f.Content
	}
	return snap, nil
}

// NewCodeSnapshot assembles a code snapshot from already-captured
// files, without touching the filesystem. Used when applying generated
// changes to a base snapshot before they are committed.
func NewCodeSnapshot(root string, files []*File) (*CodeSnapshot, error) {
	sorted := make([]*File, len(files))
	copy(sorted, files)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	treeHash, err := hashFileSet(root, sorted)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code artifact: %w", err)
	}
	snap := &CodeSnapshot{
		Root:     root,
		TreeHash: treeHash,
		content:  make(map[string][]byte, len(sorted)),
	}
	for _, f := range sorted {
		snap.Units = append(snap.Units, types.CodeUnit{Path: f.Path, Hash: f.Hash})
		snap.content[f.Path] = f.Content
	}
	return snap, nil
}

// Unit returns the code unit for path, if present in the snapshot
func (c *CodeSnapshot) Unit(path string) (types.CodeUnit, bool) {
	for _, u := range c.Units {
		if u.Path == path {
			return u, true
		}
	}
	return types.CodeUnit{}, false
}

// Content returns the captured content of a unit
func (c *CodeSnapshot) Content(path string) ([]byte, bool) {
	b, ok := c.content[path]
	return b, ok
}

// collectFiles walks root and captures every regular file accepted by
// keep. Hidden files and directories (dot-prefixed) are skipped.
func collectFiles(root string, keep func(string) bool) ([]*File, error) {
	var files []*File
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if strings.HasPrefix(name, ".") && path != root {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !keep(rel) {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", rel, err)
		}
		files = append(files, &File{Path: rel, Content: content, Hash: HashContent(content)})
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// hashFileSet computes the snapshot tree hash over exactly the files
// captured, using the module dirhash scheme so the hash covers both
// paths and contents.
func hashFileSet(root string, files []*File) (string, error) {
	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Path
	}
	open := func(name string) (io.ReadCloser, error) {
		for _, f := range files {
			if f.Path == name {
				return io.NopCloser(strings.NewReader(string(f.Content))), nil
			}
		}
		return nil, fmt.Errorf("file %s not in snapshot", name)
	}
	return dirhash.Hash1(names, open)
}

// WriteUnit writes unit content beneath root, creating parent
// directories as needed. Used only by the session commit step.
func WriteUnit(root, path string, content []byte) error {
	full := filepath.Join(root, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", path, err)
	}
	if err := os.WriteFile(full, content, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
