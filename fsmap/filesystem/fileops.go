package filesystem

import (
	"bytes"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ZanzyTHEbar/fsmap/fsmap"
	"github.com/ZanzyTHEbar/fsmap/fsmap/filesystem/watcher"
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"github.com/natefinch/atomic"
)

// ReadRow reads a record file with its fingerprint.
func ReadRow(root string, pk types.Pk) (types.Row, error) {
	path := pk.Join(root)
	data, err := os.ReadFile(path)
	if err != nil {
		return types.Row{}, fsmap.Wrap(fsmap.ErrFileIO, "read "+path, err)
	}
	fp, err := watcher.Stat(path)
	if err != nil {
		return types.Row{}, fsmap.Wrap(fsmap.ErrFileIO, "stat "+path, err)
	}
	return types.Row{Pk: pk, Data: string(data), Fingerprint: fp}, nil
}

// WriteRecord atomically writes a record file, creating its directory.
func WriteRecord(root string, pk types.Pk, data string) error {
	path := pk.Join(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fsmap.Wrap(fsmap.ErrFileIO, "create directory for "+path, err)
	}
	if err := atomic.WriteFile(path, bytes.NewReader([]byte(data))); err != nil {
		return fsmap.Wrap(fsmap.ErrFileIO, "write "+path, err)
	}
	return nil
}

// DeleteRecord removes a record file. A missing file yields an error matching
// both fsmap.ErrNotFound and fs.ErrNotExist.
func DeleteRecord(root string, pk types.Pk) error {
	path := pk.Join(root)
	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fsmap.Wrap(fsmap.ErrNotFound, "delete "+path, err)
		}
		return fsmap.Wrap(fsmap.ErrFileIO, "delete "+path, err)
	}
	return nil
}
