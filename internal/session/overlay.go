package session

import (
	"fmt"
	"sort"
	"sync"

	"github.com/specsync/specsync/internal/corpus"
	"github.com/specsync/specsync/internal/oracle"
)

// ErrVersionConflict reports that a unit changed between a scope's
// version capture and its write-back
var ErrVersionConflict = fmt.Errorf("unit version conflict")

// overlay is the session's in-memory view of the code artifact. Scopes
// read and write the overlay; the disk copy changes only at commit.
type overlay struct {
	mu    sync.Mutex
	files map[string][]byte
	dirty map[string]bool
}

func newOverlay(code *corpus.CodeSnapshot) *overlay {
	o := &overlay{
		files: make(map[string][]byte, len(code.Units)),
		dirty: make(map[string]bool),
	}
	for _, u := range code.Units {
		content, _ := code.Content(u.Path)
		o.files[u.Path] = content
	}
	return o
}

// capture returns the current content hash of each listed unit.
// Missing units hash to the empty string, which still participates in
// conflict detection.
func (o *overlay) capture(units []string) map[string]string {
	o.mu.Lock()
	defer o.mu.Unlock()
	hashes := make(map[string]string, len(units))
	for _, path := range units {
		if content, ok := o.files[path]; ok {
			hashes[path] = corpus.HashContent(content)
		} else {
			hashes[path] = ""
		}
	}
	return hashes
}

// get reads one unit's current content
func (o *overlay) get(path string) ([]byte, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	content, ok := o.files[path]
	return content, ok
}

// apply writes a change set if and only if every captured unit still
// carries its captured hash. One atomic check-and-write; the caller
// handles ErrVersionConflict with a bounded retry.
func (o *overlay) apply(changes []oracle.CodeChange, captured map[string]string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for path, want := range captured {
		got := ""
		if content, ok := o.files[path]; ok {
			got = corpus.HashContent(content)
		}
		if got != want {
			return fmt.Errorf("%w: %s changed since scope start", ErrVersionConflict, path)
		}
	}

	for _, ch := range changes {
		o.files[ch.Path] = []byte(ch.Content)
		o.dirty[ch.Path] = true
	}
	return nil
}

// changedFiles lists every unit some scope wrote, sorted
func (o *overlay) changedFiles() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	paths := make([]string, 0, len(o.dirty))
	for path := range o.dirty {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// snapshot materializes the overlay as a code snapshot for residue and
// proportionality analysis
func (o *overlay) snapshot(root string) (*corpus.CodeSnapshot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	files := make([]*corpus.File, 0, len(o.files))
	for path, content := range o.files {
		files = append(files, &corpus.File{
			Path:    path,
			Content: content,
			Hash:    corpus.HashContent(content),
		})
	}
	return corpus.NewCodeSnapshot(root, files)
}

// writeTo flushes dirty units beneath root. Only the commit step calls
// this.
func (o *overlay) writeTo(root string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	for path := range o.dirty {
		if err := corpus.WriteUnit(root, path, o.files[path]); err != nil {
			return err
		}
	}
	return nil
}
