// Package collector gathers the local file tree that gets uploaded into a
// session.
package collector

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	gitignore "github.com/sabhiram/go-gitignore"

	"sandboxprobe/internal/util"
)

// FileEntry is one file ready for upload.
type FileEntry struct {
	RemotePath string
	Data       []byte
}

// ExclusionSet holds exact basenames; they are not glob patterns.
type ExclusionSet map[string]struct{}

// NewExclusionSet builds an ExclusionSet from names.
func NewExclusionSet(names ...string) ExclusionSet {
	s := make(ExclusionSet, len(names))
	for _, n := range names {
		s[n] = struct{}{}
	}
	return s
}

// Has reports whether name is excluded.
func (s ExclusionSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// FileAccessError describes a file that could not be read. It is reported
// through the warning callback and never aborts a collection.
type FileAccessError struct {
	Path string
	Err  error
}

func (e *FileAccessError) Error() string {
	return fmt.Sprintf("skipping %s: %v", e.Path, e.Err)
}

func (e *FileAccessError) Unwrap() error { return e.Err }

// Options configure a collection. Only LocalDir is required.
type Options struct {
	LocalDir   string
	RemoteRoot string
	Exclusions ExclusionSet
	// IgnorePatterns are gitignore-style patterns matched against the
	// slash-separated path relative to LocalDir, in addition to Exclusions.
	IgnorePatterns []string
	// Warn receives every per-file problem. May be nil.
	Warn func(*FileAccessError)
}

// Collect walks LocalDir and returns every file that survives the
// exclusions, in filesystem enumeration order. Excluded directories are
// pruned together with their whole subtree. Unreadable files are reported
// through Warn and skipped. Only a missing or unreadable root is an error.
func Collect(opts Options) ([]FileEntry, error) {
	info, err := os.Stat(opts.LocalDir)
	if err != nil {
		return nil, fmt.Errorf("cannot read local directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", opts.LocalDir)
	}

	var ignore *gitignore.GitIgnore
	if len(opts.IgnorePatterns) > 0 {
		ignore = gitignore.CompileIgnoreLines(opts.IgnorePatterns...)
	}
	warn := func(path string, err error) {
		if opts.Warn != nil {
			opts.Warn(&FileAccessError{Path: path, Err: err})
		}
	}

	var files []FileEntry
	walkErr := walk(opts.LocalDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == opts.LocalDir {
				return err
			}
			warn(relOrSelf(opts.LocalDir, path), err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if path == opts.LocalDir {
			return nil
		}
		if opts.Exclusions.Has(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel := relOrSelf(opts.LocalDir, path)
		if ignore != nil && ignore.MatchesPath(filepath.ToSlash(rel)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				warn(rel, err)
				return nil
			}
			if target.IsDir() {
				return nil
			}
		} else if !d.Type().IsRegular() {
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			warn(rel, err)
			return nil
		}
		remotePath, err := util.LocalToRemote(opts.LocalDir, opts.RemoteRoot, path)
		if err != nil {
			warn(rel, err)
			return nil
		}
		files = append(files, FileEntry{RemotePath: remotePath, Data: data})
		return nil
	})
	if walkErr != nil {
		return files, fmt.Errorf("walking %s: %w", opts.LocalDir, walkErr)
	}
	return files, nil
}

func relOrSelf(base, path string) string {
	if rel, err := filepath.Rel(base, path); err == nil {
		return rel
	}
	return path
}

// walk visits the tree in directory enumeration order (os.File.ReadDir
// without sorting), unlike filepath.WalkDir which sorts names.
func walk(root string, fn fs.WalkDirFunc) error {
	info, err := os.Stat(root)
	if err != nil {
		return fn(root, nil, err)
	}
	err = walkDir(root, fs.FileInfoToDirEntry(info), fn)
	if err == filepath.SkipDir || err == filepath.SkipAll {
		return nil
	}
	return err
}

func walkDir(path string, d fs.DirEntry, fn fs.WalkDirFunc) error {
	if err := fn(path, d, nil); err != nil || !d.IsDir() {
		if err == filepath.SkipDir && d.IsDir() {
			err = nil
		}
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return skipOnDir(fn(path, d, err))
	}
	entries, err := f.ReadDir(-1)
	f.Close()
	if err != nil {
		if err := fn(path, d, err); err != nil {
			return skipOnDir(err)
		}
	}

	for _, e := range entries {
		if err := walkDir(filepath.Join(path, e.Name()), e, fn); err != nil {
			if err == filepath.SkipDir {
				break
			}
			return err
		}
	}
	return nil
}

func skipOnDir(err error) error {
	if err == filepath.SkipDir {
		return nil
	}
	return err
}

// Summary describes a collection for progress output.
type Summary struct {
	Files  int
	Bytes  int64
	Digest uint64
}

// Summarize totals the entries and computes an xxhash digest over every
// remote path and content, independent of enumeration order.
func Summarize(files []FileEntry) Summary {
	var s Summary
	for _, f := range files {
		s.Files++
		s.Bytes += int64(len(f.Data))
		h := xxhash.New()
		h.WriteString(f.RemotePath)
		h.Write([]byte{0})
		h.Write(f.Data)
		s.Digest ^= h.Sum64()
	}
	return s
}
