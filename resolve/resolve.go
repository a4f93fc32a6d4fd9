// Package resolve locates modules that are not part of a bundle: native
// modules provided by the realm and files on the host filesystem, found
// with node's lookup rules.
package resolve

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
)

var ErrNotFound = errors.New("module not found")

type Kind int

const (
	File Kind = iota
	Native
)

func (k Kind) String() string {
	if k == Native {
		return "native"
	}
	return "file"
}

// Location is where a module id resolved to. Name is set for native
// modules, Path (absolute) for files.
type Location struct {
	Kind Kind
	Name string
	Path string
}

// Resolver finds the module a require(id) issued from fromDir refers to.
type Resolver interface {
	Resolve(id, fromDir string) (Location, error)
}

// ResolutionError reports a require that could not be satisfied.
type ResolutionError struct {
	ID   string
	From string
	Err  error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %q from %s: %v", e.ID, e.From, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// NodeResolver implements node's CommonJS lookup over the host filesystem.
type NodeResolver struct {
	natives map[string]bool
}

// NewNodeResolver returns a resolver that treats the given names as native
// modules. A "node:" prefix on a required id is accepted.
func NewNodeResolver(natives ...string) *NodeResolver {
	r := &NodeResolver{natives: make(map[string]bool, len(natives))}
	for _, n := range natives {
		r.natives[n] = true
	}
	return r
}

func (r *NodeResolver) Resolve(id, fromDir string) (Location, error) {
	if name, ok := strings.CutPrefix(id, "node:"); ok {
		if r.natives[name] {
			return Location{Kind: Native, Name: name}, nil
		}
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.natives[id] {
		return Location{Kind: Native, Name: id}, nil
	}

	if isPath(id) {
		target := id
		if !filepath.IsAbs(target) {
			target = filepath.Join(fromDir, filepath.FromSlash(id))
		}
		if p, ok := loadAsFile(target); ok {
			return fileLocation(p)
		}
		if p, ok := loadAsDirectory(target); ok {
			return fileLocation(p)
		}
		return Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	for _, dir := range nodeModulesPaths(fromDir) {
		target := filepath.Join(dir, filepath.FromSlash(id))
		if p, ok := loadAsFile(target); ok {
			return fileLocation(p)
		}
		if p, ok := loadAsDirectory(target); ok {
			return fileLocation(p)
		}
	}
	return Location{}, fmt.Errorf("%w: %s", ErrNotFound, id)
}

func isPath(id string) bool {
	return id == "." || id == ".." ||
		strings.HasPrefix(id, "./") || strings.HasPrefix(id, "../") ||
		strings.HasPrefix(id, "/")
}

func fileLocation(p string) (Location, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return Location{}, fmt.Errorf("absolute path: %w", err)
	}
	return Location{Kind: File, Path: abs}, nil
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

func loadAsFile(p string) (string, bool) {
	for _, candidate := range []string{p, p + ".js", p + ".json"} {
		if isFile(candidate) {
			return candidate, true
		}
	}
	return "", false
}

type packageJSON struct {
	Main string `json:"main"`
}

func loadAsDirectory(dir string) (string, bool) {
	if data, err := os.ReadFile(filepath.Join(dir, "package.json")); err == nil {
		var pkg packageJSON
		if err := sonic.Unmarshal(data, &pkg); err == nil && pkg.Main != "" {
			main := filepath.Join(dir, filepath.FromSlash(pkg.Main))
			if p, ok := loadAsFile(main); ok {
				return p, true
			}
			if p, ok := loadIndex(main); ok {
				return p, true
			}
		}
	}
	return loadIndex(dir)
}

func loadIndex(dir string) (string, bool) {
	for _, name := range []string{"index.js", "index.json"} {
		p := filepath.Join(dir, name)
		if isFile(p) {
			return p, true
		}
	}
	return "", false
}

// nodeModulesPaths lists the node_modules directories searched for a bare
// id, nearest first.
func nodeModulesPaths(from string) []string {
	from, err := filepath.Abs(from)
	if err != nil {
		return nil
	}

	var dirs []string
	for {
		if filepath.Base(from) != "node_modules" {
			dirs = append(dirs, filepath.Join(from, "node_modules"))
		}
		parent := filepath.Dir(from)
		if parent == from {
			return dirs
		}
		from = parent
	}
}
