package expr

import (
	"encoding/json"
	"strconv"
	"strings"
)

// navigateJSON walks a dotted/indexed path ("a.b[0].c") through raw JSON
// text. Invalid JSON or a missing path resolves to the empty string. A
// property segment applied to an array yields ""; arrays are only navigable
// through [index] segments.
func navigateJSON(raw, path string) string {
	var value any
	if err := json.Unmarshal([]byte(raw), &value); err != nil {
		return ""
	}

	for _, seg := range splitJSONPath(path) {
		if seg.isIndex {
			arr, ok := value.([]any)
			if !ok || seg.index < 0 || seg.index >= len(arr) {
				return ""
			}
			value = arr[seg.index]
			continue
		}

		obj, ok := value.(map[string]any)
		if !ok {
			return ""
		}
		next, ok := obj[seg.key]
		if !ok {
			// Tolerate case differences in property names.
			for k, v := range obj {
				if strings.EqualFold(k, seg.key) {
					next, ok = v, true
					break
				}
			}
			if !ok {
				return ""
			}
		}
		value = next
	}

	return jsonScalar(value)
}

type jsonSeg struct {
	key     string
	index   int
	isIndex bool
}

func splitJSONPath(path string) []jsonSeg {
	var segs []jsonSeg
	rest := strings.TrimPrefix(path, ".")
	for rest != "" {
		switch rest[0] {
		case '.':
			rest = rest[1:]
		case '[':
			end := strings.IndexByte(rest, ']')
			if end < 0 {
				return append(segs, jsonSeg{key: rest})
			}
			idx, err := strconv.Atoi(rest[1:end])
			if err != nil {
				idx = -1
			}
			segs = append(segs, jsonSeg{index: idx, isIndex: true})
			rest = rest[end+1:]
		default:
			end := strings.IndexAny(rest, ".[")
			if end < 0 {
				segs = append(segs, jsonSeg{key: rest})
				rest = ""
			} else {
				segs = append(segs, jsonSeg{key: rest[:end]})
				rest = rest[end:]
			}
		}
	}
	return segs
}

// jsonScalar renders a navigated JSON value as the expression string value.
// Objects and arrays re-marshal to their compact JSON text.
func jsonScalar(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case bool:
		return boolString(v)
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(data)
	}
}
