// Package bundle holds the immutable application bundle a runner executes:
// one entry module id plus the source text of every module, keyed by id.
package bundle

import (
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
)

var (
	ErrEmptyBundle   = errors.New("bundle has no files")
	ErrEntryNotFound = errors.New("entry module not found in bundle")
)

// Bundle is safe for concurrent use; it never changes after New.
type Bundle struct {
	entry string
	files map[string]string
}

// New copies files, normalizing every id, and checks that entry is present.
func New(entry string, files map[string]string) (*Bundle, error) {
	if len(files) == 0 {
		return nil, ErrEmptyBundle
	}

	normalized := make(map[string]string, len(files))
	for id, src := range files {
		normalized[Normalize(id)] = src
	}

	entry = Normalize(entry)
	if _, ok := normalized[entry]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, entry)
	}

	return &Bundle{entry: entry, files: normalized}, nil
}

// Normalize maps a module id onto the virtual project root, so "./app",
// "app" and "lib/../app" all name the same module. Leading slashes are
// dropped: ids never escape to the physical filesystem.
func Normalize(id string) string {
	id = strings.ReplaceAll(id, "\\", "/")
	return path.Clean(path.Join(".", id))
}

// Entry returns the normalized entry module id.
func (b *Bundle) Entry() string {
	return b.entry
}

// Source returns the source text for a normalized id.
func (b *Bundle) Source(id string) (string, bool) {
	src, ok := b.files[id]
	return src, ok
}

// Has reports whether the normalized id is part of the bundle.
func (b *Bundle) Has(id string) bool {
	_, ok := b.files[id]
	return ok
}

// IDs returns every module id in lexical order.
func (b *Bundle) IDs() []string {
	ids := make([]string, 0, len(b.files))
	for id := range b.files {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (b *Bundle) Len() int {
	return len(b.files)
}
