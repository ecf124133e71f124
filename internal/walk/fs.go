package walk

import (
	"context"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
)

// Entry is a regular file found by a walk.
type Entry interface {
	Path() string
	Open() (io.ReadCloser, error)
	Stat() (fs.FileInfo, error)
}

// Paths yields every regular file named in paths and every regular file found
// under the directories named in paths. Other file types are skipped, symlinks
// are not followed below the given paths.
func Paths(ctx context.Context, paths ...string) iter.Seq2[Entry, error] {
	return func(yield func(Entry, error) bool) {
		for _, p := range paths {
			if ctx.Err() != nil {
				return
			}
			info, err := os.Stat(p)
			if err != nil {
				if !yield(fsEntry{abspath: p, infoErr: err}, err) {
					return
				}
				continue
			}
			switch {
			case info.Mode().IsRegular():
				entry := fsEntry{
					root:    os.DirFS(filepath.Dir(p)),
					abspath: p,
					path:    filepath.Base(p),
					info:    info,
				}
				if !yield(entry, nil) {
					return
				}
			case info.IsDir():
				for entry, err := range FS(ctx, os.DirFS(p), p) {
					if !yield(entry, err) {
						return
					}
				}
			}
		}
	}
}

// FS recursively walks the filesystem rooted at root and return a handle for every regular file found.
// Or an error if file information retrieval fails.
// Each Entry's Path() is prefixed with name of a filesystem. It does not follow symlinks.
func FS(ctx context.Context, root fs.FS, name string) iter.Seq2[Entry, error] {
	if root == nil {
		panic("root is nil")
	}

	return func(yield func(Entry, error) bool) {
		fn := func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return fs.SkipAll
			}
			var entry = fsEntry{
				root:    root,
				abspath: filepath.Join(name, path),
				path:    path,
			}
			var yieldErr error
			if err != nil {
				entry.infoErr = err
				yieldErr = err
			} else {
				info, err := d.Info()
				if err != nil {
					entry.infoErr = err
					yieldErr = err
				} else {
					if !info.Mode().IsRegular() {
						return nil
					}
					entry.info = info
				}
			}

			if !yield(entry, yieldErr) {
				return fs.SkipAll
			}
			return nil
		}
		_ = fs.WalkDir(root, ".", fn)
	}
}

// fsEntry implements Entry for a filesystem
// it uses root.Open to open the file
type fsEntry struct {
	root    fs.FS
	abspath string
	path    string
	info    fs.FileInfo
	infoErr error
}

func (e fsEntry) Path() string {
	return e.abspath
}

func (e fsEntry) Open() (io.ReadCloser, error) {
	if e.infoErr != nil {
		return nil, e.infoErr
	}
	return e.root.Open(e.path)
}

func (e fsEntry) Stat() (fs.FileInfo, error) {
	return e.info, e.infoErr
}
