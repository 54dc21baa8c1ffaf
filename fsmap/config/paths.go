package config

import (
	"path/filepath"

	"github.com/ZanzyTHEbar/fsmap/fsmap"

	"github.com/armon/go-radix"
)

func dirKey(p string) string {
	p = filepath.Clean(p)
	if p == string(filepath.Separator) {
		return p
	}
	return p + string(filepath.Separator)
}

// checkOverlap rejects data roots that are equal or nested, and file-backed
// index roots placed inside a data root.
func checkOverlap(cols []Collection) error {
	tree := radix.New()
	for _, c := range cols {
		if prev, exists := tree.Insert(dirKey(c.DataPath), c.Name); exists {
			return fsmap.Errorf(fsmap.ErrConfig, "collections %q and %q share data path %s", prev, c.Name, c.DataPath)
		}
	}

	for _, c := range cols {
		key := dirKey(c.DataPath)
		var conflict string
		tree.WalkPrefix(key, func(s string, v interface{}) bool {
			if s == key {
				return false
			}
			conflict = v.(string)
			return true
		})
		if conflict != "" {
			return fsmap.Errorf(fsmap.ErrConfig, "data path of collection %q is inside the data path of %q", conflict, c.Name)
		}
	}

	for _, c := range cols {
		if c.InMemory() {
			continue
		}
		if _, owner, ok := tree.LongestPrefix(dirKey(c.IndexPath)); ok {
			return fsmap.Errorf(fsmap.ErrConfig, "index path of collection %q is inside the data path of %q", c.Name, owner)
		}
	}
	return nil
}
