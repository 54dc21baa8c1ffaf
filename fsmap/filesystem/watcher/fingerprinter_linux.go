//go:build linux

package watcher

import (
	"github.com/ZanzyTHEbar/fsmap/fsmap/types"

	"golang.org/x/sys/unix"
)

func statxNanos(ts unix.StatxTimestamp) int64 {
	return ts.Sec*1e9 + int64(ts.Nsec)
}

// statPlatform reads mtime, ctime and birthtime through statx. It reports false
// when statx is unavailable so the caller falls back to os.Stat.
func statPlatform(path string) (types.Fingerprint, bool) {
	var stx unix.Statx_t
	mask := unix.STATX_BASIC_STATS | unix.STATX_BTIME
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, mask, &stx); err != nil {
		return types.Fingerprint{}, false
	}
	fp := types.Fingerprint{
		Size:  int64(stx.Size),
		Mtime: statxNanos(stx.Mtime),
		Ctime: statxNanos(stx.Ctime),
	}
	if stx.Mask&unix.STATX_BTIME != 0 {
		fp.Birthtime = statxNanos(stx.Btime)
	}
	return fp, true
}
