package watcher

import (
	"os"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

// Stat returns the fingerprint of the file at path. Platforms without ctime or
// birthtime leave those fields zero.
func Stat(path string) (types.Fingerprint, error) {
	if fp, ok := statPlatform(path); ok {
		return fp, nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return types.Fingerprint{}, err
	}
	return FromFileInfo(info), nil
}

// FromFileInfo builds a fingerprint from portable file info.
func FromFileInfo(info os.FileInfo) types.Fingerprint {
	return types.Fingerprint{
		Size:  info.Size(),
		Mtime: info.ModTime().UnixNano(),
	}
}
