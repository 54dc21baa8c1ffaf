//go:build !linux

package watcher

import "github.com/ZanzyTHEbar/fsmap/fsmap/types"

func statPlatform(string) (types.Fingerprint, bool) {
	return types.Fingerprint{}, false
}
