package ai

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SanitizeAnalysis repairs the usual model slips in an analysis document:
// unknown keys, non-string recommendations, empty entries, scalar metadata.
// It returns the cleaned document and the keys it dropped or rewrote.
func SanitizeAnalysis(doc []byte) ([]byte, []string, error) {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return nil, nil, err
	}

	var dropped []string
	for k := range m {
		switch k {
		case "summary", "recommendations", "metadata":
		default:
			delete(m, k)
			dropped = append(dropped, k)
		}
	}

	if s, ok := m["summary"].(string); ok {
		m["summary"] = strings.TrimSpace(s)
	}

	switch v := m["recommendations"].(type) {
	case nil:
		m["recommendations"] = []string{}
	case string:
		m["recommendations"] = splitLines(v)
		dropped = append(dropped, "recommendations")
	case []any:
		recs := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(fmt.Sprint(item))
			if item == nil || s == "" {
				continue
			}
			recs = append(recs, s)
		}
		if len(recs) != len(v) {
			dropped = append(dropped, "recommendations")
		}
		m["recommendations"] = recs
	default:
		m["recommendations"] = []string{}
		dropped = append(dropped, "recommendations")
	}

	if md, ok := m["metadata"]; ok {
		obj, isObj := md.(map[string]any)
		if !isObj {
			delete(m, "metadata")
			dropped = append(dropped, "metadata")
		} else {
			for k, v := range obj {
				switch t := v.(type) {
				case string:
				case nil:
					delete(obj, k)
				default:
					obj[k] = fmt.Sprint(t)
				}
			}
		}
	}

	b, err := json.Marshal(m)
	if err != nil {
		return nil, nil, err
	}
	return b, dropped, nil
}

func splitLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "-*•"))
		if line != "" {
			out = append(out, line)
		}
	}
	return out
}
