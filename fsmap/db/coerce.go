package db

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"

	"github.com/ZanzyTHEbar/fsmap/fsmap/types"
)

var errNotObject = errors.New("document is not a json object")

// parseDocument decodes a record as a JSON object.
func parseDocument(data string) (map[string]any, error) {
	var doc map[string]any
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, errNotObject
	}
	return doc, nil
}

// IndexValue coerces a top-level document property to the index type.
// Missing and empty values become nil, stored as NULL.
func IndexValue(t types.IndexType, v any) any {
	if t == types.IndexNumber {
		if f, ok := ToNumber(v); ok {
			return f
		}
		return nil
	}
	if s, ok := ToString(v); ok {
		return s
	}
	return nil
}

// ToString converts a decoded JSON value to its string index form.
func ToString(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		if x == "" {
			return "", false
		}
		return x, true
	case bool:
		return strconv.FormatBool(x), true
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), true
	case json.Number:
		return x.String(), true
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return "", false
		}
		return string(b), true
	}
}

// ToNumber converts a decoded JSON value to its number index form.
func ToNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		s := strings.TrimSpace(x)
		if s == "" {
			return 0, false
		}
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// IsEmpty reports whether a query value selects NULL index values.
func IsEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
