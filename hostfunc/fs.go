package hostfunc

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultMaxFileSize = 10 << 20 // 10MB

// Mount exposes a host directory, read-only, under a virtual path. Render
// code may read templates, translations or fixtures but never write.
type Mount struct {
	VirtualPath string // Path as seen by bundle code (e.g., "/data")
	HostPath    string // Actual path on host filesystem
}

type mount struct {
	prefix string
	fsys   fs.FS
}

type FSOption func(*FS)

// WithMaxFileSize caps the size of files returned by fs_read.
func WithMaxFileSize(size int64) FSOption {
	return func(f *FS) {
		f.maxFileSize = size
	}
}

// FS serves read-only views of mounted host directories.
type FS struct {
	mounts      []mount
	maxFileSize int64
}

// NewFS creates a filesystem handler. Longer virtual paths take precedence
// when mounts overlap.
func NewFS(mounts []Mount, opts ...FSOption) *FS {
	f := &FS{maxFileSize: DefaultMaxFileSize}
	for _, opt := range opts {
		opt(f)
	}

	for _, m := range mounts {
		hp, err := filepath.Abs(m.HostPath)
		if err != nil {
			continue
		}
		f.mounts = append(f.mounts, mount{
			prefix: "/" + strings.Trim(m.VirtualPath, "/"),
			fsys:   os.DirFS(hp),
		})
	}
	sort.Slice(f.mounts, func(i, j int) bool {
		return len(f.mounts[i].prefix) > len(f.mounts[j].prefix)
	})
	return f
}

// Register adds fs_read, fs_list, fs_exists and fs_stat to r.
func (f *FS) Register(r *Registry) {
	r.Register("fs_read", f.Read)
	r.Register("fs_list", f.List)
	r.Register("fs_exists", f.Exists)
	r.Register("fs_stat", f.Stat)
}

// resolve maps a virtual path to a mount and a path valid for fs.FS.
// Cleaning happens against the virtual root, so ".." cannot leave a mount.
func (f *FS) resolve(virtualPath string) (fs.FS, string, error) {
	vp := path.Clean("/" + virtualPath)

	for _, m := range f.mounts {
		if vp != m.prefix && !strings.HasPrefix(vp, m.prefix+"/") && m.prefix != "/" {
			continue
		}
		rel := strings.TrimPrefix(strings.TrimPrefix(vp, m.prefix), "/")
		if rel == "" {
			rel = "."
		}
		if !fs.ValidPath(rel) {
			return nil, "", errors.New("invalid path")
		}
		return m.fsys, rel, nil
	}

	return nil, "", errors.New("permission denied: path not in any mount")
}

func pathArg(args map[string]any) (string, error) {
	p, ok := args["path"].(string)
	if !ok {
		return "", errors.New("path required")
	}
	return p, nil
}

// Read returns the contents of a file.
func (f *FS) Read(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}

	fsys, rel, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := fs.Stat(fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, fmt.Errorf("read error: %w", err)
	}
	if info.IsDir() {
		return nil, errors.New("is a directory: " + p)
	}
	if f.maxFileSize > 0 && info.Size() > f.maxFileSize {
		return nil, fmt.Errorf("file exceeds max size of %d bytes", f.maxFileSize)
	}

	data, err := fs.ReadFile(fsys, rel)
	if err != nil {
		return nil, fmt.Errorf("read error: %w", err)
	}
	return string(data), nil
}

// List returns the entries of a directory.
func (f *FS) List(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}

	fsys, rel, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	entries, err := fs.ReadDir(fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("directory not found: " + p)
		}
		return nil, fmt.Errorf("list error: %w", err)
	}

	result := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		item := map[string]any{
			"name":   entry.Name(),
			"is_dir": entry.IsDir(),
		}
		if info, err := entry.Info(); err == nil {
			item["size"] = info.Size()
		}
		result = append(result, item)
	}
	return result, nil
}

// Exists reports whether a path exists. Paths outside every mount do not.
func (f *FS) Exists(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}

	fsys, rel, err := f.resolve(p)
	if err != nil {
		return false, nil
	}

	_, err = fs.Stat(fsys, rel)
	return err == nil, nil
}

// Stat returns information about a file or directory.
func (f *FS) Stat(ctx context.Context, args map[string]any) (any, error) {
	p, err := pathArg(args)
	if err != nil {
		return nil, err
	}

	fsys, rel, err := f.resolve(p)
	if err != nil {
		return nil, err
	}

	info, err := fs.Stat(fsys, rel)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.New("file not found: " + p)
		}
		return nil, fmt.Errorf("stat error: %w", err)
	}

	return map[string]any{
		"name":     info.Name(),
		"size":     info.Size(),
		"is_dir":   info.IsDir(),
		"mod_time": info.ModTime().Unix(),
	}, nil
}
