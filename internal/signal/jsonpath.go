package signal

import (
	"encoding/json"
	"strconv"
	"strings"
)

// resolveJSON walks a decoded JSON tree with dot/bracket notation, for
// example "building.zones[2].setpoint". Quoted bracket keys allow dots
// inside map keys: `limits["max.total"]`.
func resolveJSON(root any, path string) (any, bool) {
	segments, err := splitJSONPath(path)
	if err != nil {
		return nil, false
	}

	current := root
	for _, seg := range segments {
		switch node := current.(type) {
		case map[string]any:
			if seg.index >= 0 {
				return nil, false
			}
			next, ok := node[seg.key]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			if seg.index < 0 || seg.index >= len(node) {
				return nil, false
			}
			current = node[seg.index]
		default:
			return nil, false
		}
	}
	return normalizeJSONValue(current), true
}

type jsonSegment struct {
	key   string
	index int // -1 for map keys
}

func splitJSONPath(path string) ([]jsonSegment, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errEmptyPath
	}

	var segments []jsonSegment
	rest := path
	for rest != "" {
		rest = strings.TrimPrefix(rest, ".")
		if rest == "" {
			return nil, errMalformedPath
		}
		if rest[0] == '[' {
			seg, remainder, err := parseBracket(rest)
			if err != nil {
				return nil, err
			}
			segments = append(segments, seg)
			rest = remainder
			continue
		}
		end := strings.IndexAny(rest, ".[")
		if end == -1 {
			segments = append(segments, jsonSegment{key: rest, index: -1})
			break
		}
		if end == 0 {
			return nil, errMalformedPath
		}
		segments = append(segments, jsonSegment{key: rest[:end], index: -1})
		rest = rest[end:]
	}
	return segments, nil
}

func parseBracket(rest string) (jsonSegment, string, error) {
	close := strings.IndexByte(rest, ']')
	if close == -1 {
		return jsonSegment{}, "", errMalformedPath
	}
	inner := rest[1:close]
	remainder := rest[close+1:]
	if len(inner) >= 2 && inner[0] == '"' && inner[len(inner)-1] == '"' {
		return jsonSegment{key: inner[1 : len(inner)-1], index: -1}, remainder, nil
	}
	idx, err := strconv.Atoi(inner)
	if err != nil || idx < 0 {
		return jsonSegment{}, "", errMalformedPath
	}
	return jsonSegment{index: idx}, remainder, nil
}

// normalizeJSONValue converts json.Number leaves to float64 so downstream
// comparisons see one numeric representation. Containers are returned as-is;
// their nested numbers normalize lazily when resolved deeper.
func normalizeJSONValue(value any) any {
	switch v := value.(type) {
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = normalizeJSONValue(item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = normalizeJSONValue(item)
		}
		return out
	default:
		return v
	}
}
