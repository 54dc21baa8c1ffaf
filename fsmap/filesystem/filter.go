package filesystem

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	ignore "github.com/sabhiram/go-gitignore"
)

// Filter decides which files under a collection root carry records: regular
// files with the collection extension, outside dot-prefixed paths and not
// matched by the root's ignore file.
type Filter struct {
	root   string
	ext    string
	ignore *ignore.GitIgnore
}

// NewFilter builds the filter for root, loading root/.fsmapignore when present.
func NewFilter(root, ext string) (*Filter, error) {
	f := &Filter{root: filepath.Clean(root), ext: ext}

	ignoreFile := filepath.Join(root, fsmap.DefaultIgnoreFile)
	if _, err := os.Stat(ignoreFile); err == nil {
		gi, err := ignore.CompileIgnoreFile(ignoreFile)
		if err != nil {
			return nil, fsmap.Wrap(fsmap.ErrFileIO, "compile "+ignoreFile, err)
		}
		f.ignore = gi
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fsmap.Wrap(fsmap.ErrFileIO, "stat "+ignoreFile, err)
	}
	return f, nil
}

// Root returns the collection root.
func (f *Filter) Root() string {
	return f.root
}

// Ext returns the data file extension.
func (f *Filter) Ext() string {
	return f.ext
}

func (f *Filter) rel(path string) (string, bool) {
	rel, err := filepath.Rel(f.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

func hidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}

// Match reports whether path is a data-bearing file name.
func (f *Filter) Match(path string) bool {
	if !strings.EqualFold(filepath.Ext(path), f.ext) {
		return false
	}
	rel, ok := f.rel(path)
	if !ok || hidden(rel) {
		return false
	}
	return f.ignore == nil || !f.ignore.MatchesPath(rel)
}

// SkipDir reports whether a directory below the root is excluded.
func (f *Filter) SkipDir(path string) bool {
	rel, ok := f.rel(path)
	if !ok {
		return false
	}
	if hidden(rel) {
		return true
	}
	return f.ignore != nil && f.ignore.MatchesPath(rel+"/")
}

// Pk returns the record key of a data file path.
func (f *Filter) Pk(path string) (types.Pk, bool) {
	rel, ok := f.rel(path)
	if !ok {
		return types.Pk{}, false
	}
	return types.PkFromRel(rel), true
}
