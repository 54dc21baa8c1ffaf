package types

import (
	"path/filepath"
	"strings"
)

// IndexType is the value type of a declared index property.
type IndexType string

const (
	IndexString IndexType = "string"
	IndexNumber IndexType = "number"
)

// Valid reports whether t is a known index type.
func (t IndexType) Valid() bool {
	return t == IndexString || t == IndexNumber
}

// Encoding describes how a collection's record files are encoded on disk.
type Encoding string

const (
	EncodingJSON   Encoding = "json"
	EncodingString Encoding = "string"
)

// Ext returns the data file extension for the encoding, including the dot.
func (e Encoding) Ext() string {
	if e == EncodingString {
		return ".txt"
	}
	return ".json"
}

// ResultShape controls how record data is returned to callers.
type ResultShape string

const (
	ResultNative ResultShape = "native"
	ResultString ResultShape = "string"
)

// IndexDecl declares one indexed property of a collection.
type IndexDecl struct {
	Prop string    `mapstructure:"prop" json:"prop"`
	Type IndexType `mapstructure:"type" json:"type"`
}

// Pk identifies a record by its directory (relative to the collection root, forward
// slashes, empty for the root) and its file name.
type Pk struct {
	Path string `json:"path"`
	File string `json:"file"`
}

// NewPk normalizes a relative directory and file name into a Pk.
func NewPk(dir, file string) Pk {
	return Pk{Path: NormalizeDir(dir), File: file}
}

// PkFromRel builds a Pk from a path relative to the collection root.
func PkFromRel(rel string) Pk {
	rel = filepath.ToSlash(rel)
	idx := strings.LastIndex(rel, "/")
	if idx < 0 {
		return Pk{File: rel}
	}
	return NewPk(rel[:idx], rel[idx+1:])
}

// NormalizeDir converts a relative directory to the stored form.
func NormalizeDir(dir string) string {
	dir = strings.ReplaceAll(dir, "\\", "/")
	dir = strings.Trim(dir, "/")
	if dir == "" || dir == "." {
		return ""
	}
	parts := strings.Split(dir, "/")
	out := parts[:0]
	for _, p := range parts {
		if p == "" || p == "." {
			continue
		}
		out = append(out, p)
	}
	return strings.Join(out, "/")
}

// Rel returns the slash separated path of the record relative to the collection root.
func (pk Pk) Rel() string {
	if pk.Path == "" {
		return pk.File
	}
	return pk.Path + "/" + pk.File
}

// Join returns the absolute file path of the record under root.
func (pk Pk) Join(root string) string {
	return filepath.Join(root, filepath.FromSlash(pk.Rel()))
}

func (pk Pk) String() string {
	return pk.Rel()
}

// Fingerprint is the stat-derived change detector of a record file.
// Times are unix nanoseconds; a zero field means the platform does not report it.
type Fingerprint struct {
	Size      int64 `json:"size"`
	Mtime     int64 `json:"mtime"`
	Ctime     int64 `json:"ctime"`
	Birthtime int64 `json:"birthtime"`
}

// Row is a record as read from disk: key, raw content and fingerprint.
type Row struct {
	Pk
	Data        string
	Fingerprint Fingerprint
}

// IndexValue is one derived index value attached to a returned record.
type IndexValue struct {
	Prop  string    `json:"prop"`
	Type  IndexType `json:"type"`
	Value any       `json:"value"`
}

// StateRow is a record returned by a query.
type StateRow struct {
	Path    string       `json:"path"`
	File    string       `json:"file"`
	Data    any          `json:"data"`
	Indexes []IndexValue `json:"indexes"`
}

// Action is a watcher classification of a file change.
type Action string

const (
	ActionAdd    Action = "add"
	ActionChange Action = "change"
	ActionUnlink Action = "unlink"
)

// ObtainCondition is an equality constraint on a declared index.
type ObtainCondition struct {
	Index string `json:"index"`
	Value any    `json:"value"`
}

// ObtainFilter is the safe, parameterized filter dialect.
type ObtainFilter struct {
	Collection string            `json:"collection"`
	Path       string            `json:"path,omitempty"`
	File       string            `json:"file,omitempty"`
	Filters    []ObtainCondition `json:"filters,omitempty"`
}

// QueryCondition attaches a raw SQL fragment to a declared index. $value is
// replaced by the joined index value column.
type QueryCondition struct {
	Index string `json:"index"`
	Query string `json:"query"`
}

// QueryFilter is the raw filter dialect. It is an unsanitized escape hatch.
type QueryFilter struct {
	Collection   string           `json:"collection"`
	FilterGlobal string           `json:"filterGlobal,omitempty"`
	Filters      []QueryCondition `json:"filters,omitempty"`
}
