package bundle

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/bytedance/sonic"
	"github.com/charlievieth/fastwalk"
	"github.com/klauspost/compress/gzip"
)

// DefaultPatterns selects the files LoadDir puts into a bundle.
var DefaultPatterns = []string{"**/*.js", "**/*.json"}

// Manifest is the on-disk bundle format produced by server bundlers:
//
//	{"entry": "main.js", "files": {"main.js": "...", "chunk.js": "..."}}
//
// Other fields, such as source maps, are ignored.
type Manifest struct {
	Entry string            `json:"entry"`
	Files map[string]string `json:"files"`
}

// Decode parses a JSON manifest into a Bundle.
func Decode(data []byte) (*Bundle, error) {
	var m Manifest
	if err := sonic.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if m.Entry == "" {
		return nil, fmt.Errorf("decode manifest: %w", ErrEntryNotFound)
	}
	return New(m.Entry, m.Files)
}

// LoadFile reads a JSON manifest. Files ending in .gz are decompressed first.
func LoadFile(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	if strings.HasSuffix(path, ".gz") {
		zr, err := gzip.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("open gzip bundle: %w", err)
		}
		defer zr.Close()
		if data, err = io.ReadAll(zr); err != nil {
			return nil, fmt.Errorf("read gzip bundle: %w", err)
		}
	}

	return Decode(data)
}

// LoadDir builds a bundle from every file under dir matching one of the
// doublestar patterns (DefaultPatterns when none are given). Ids are the
// slash-separated paths relative to dir.
func LoadDir(dir, entry string, patterns ...string) (*Bundle, error) {
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid pattern %q", p)
		}
	}

	var (
		mu    sync.Mutex
		files = make(map[string]string)
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == "node_modules" {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !matchAny(patterns, rel) {
			return nil
		}

		src, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		mu.Lock()
		files[rel] = string(src)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk bundle dir: %w", err)
	}

	return New(entry, files)
}

// Load picks LoadDir for directories and LoadFile otherwise.
func Load(path, entry string, patterns ...string) (*Bundle, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat bundle: %w", err)
	}
	if info.IsDir() {
		return LoadDir(path, entry, patterns...)
	}
	return LoadFile(path)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := doublestar.Match(p, name); ok {
			return true
		}
	}
	return false
}
