package worker

import (
	"encoding/json"
	"strings"
)

// defaultRSSIThreshold is substituted into a `mode` command's
// rssiFilter.threshold when the caller omitted it or sent an empty
// value.
const defaultRSSIThreshold = -92

// decodeDetails parses a Command's stored details JSON into a generic
// map. An empty string (no details supplied) decodes to an empty map,
// never nil, so downstream code can always index into it.
func decodeDetails(detailsJSON string) map[string]any {
	if detailsJSON == "" {
		return map[string]any{}
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(detailsJSON), &m); err != nil || m == nil {
		return map[string]any{}
	}
	return m
}

// normalizeModeDetails implements the `mode` command clean-up rule
//: recursively drop keys whose value is an empty
// string, nil, an empty list, or an empty map, then force
// rssiFilter.threshold to defaultRSSIThreshold when absent or empty.
// Applying this to an already-clean payload is a no-op.
func normalizeModeDetails(details map[string]any) map[string]any {
	cleaned := dropEmpty(details).(map[string]any)

	rssi, ok := cleaned["rssiFilter"].(map[string]any)
	if !ok {
		rssi = map[string]any{}
	}
	if !hasUsableThreshold(rssi) {
		rssi["threshold"] = defaultRSSIThreshold
	}
	cleaned["rssiFilter"] = rssi

	return cleaned
}

func hasUsableThreshold(rssi map[string]any) bool {
	v, ok := rssi["threshold"]
	if !ok || v == nil {
		return false
	}
	if s, isStr := v.(string); isStr && s == "" {
		return false
	}
	return true
}

// dropEmpty recursively strips keys whose value is empty-string, nil,
// an empty slice, or an empty map. Scalars and non-empty containers
// pass through unchanged. Operates on the decoded JSON shape produced
// by encoding/json (map[string]any, []any, and scalar types).
func dropEmpty(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, child := range val {
			cleanedChild := dropEmpty(child)
			if isEmptyValue(cleanedChild) {
				continue
			}
			out[k] = cleanedChild
		}
		return out
	case []any:
		out := make([]any, 0, len(val))
		for _, child := range val {
			cleanedChild := dropEmpty(child)
			if isEmptyValue(cleanedChild) {
				continue
			}
			out = append(out, cleanedChild)
		}
		return out
	default:
		return v
	}
}

func isEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return val == ""
	case map[string]any:
		return len(val) == 0
	case []any:
		return len(val) == 0
	default:
		return false
	}
}

// normalizeUpgradeDetails implements the upgrade payload rule
// for firmware pushes: details must resolve
// to {url, timeoutInMinutes, maxRetries}; url is prefixed with
// urlBase unless it is already an absolute URL.
func normalizeUpgradeDetails(details map[string]any, urlBase string) map[string]any {
	out := make(map[string]any, len(details))
	for k, v := range details {
		out[k] = v
	}

	if url, ok := out["url"].(string); ok && url != "" && !isAbsoluteURL(url) && urlBase != "" {
		out["url"] = strings.TrimRight(urlBase, "/") + "/" + strings.TrimLeft(url, "/")
	}
	return out
}

func isAbsoluteURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}
