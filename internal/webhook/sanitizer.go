package webhook

import "errors"

const (
	MaxBodyBytes    = 10 * 1024
	MaxStringLength = 500
)

var ErrPayloadTooLarge = errors.New("webhook payload exceeds size limit")

var allowedKeys = []string{"id", "type", "topic", "resource", "data", "action"}

// Sanitize keeps only the known top-level keys, deep-copies nested values and
// truncates every string to MaxStringLength.
func Sanitize(in map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(allowedKeys))
	for _, key := range allowedKeys {
		if v, ok := in[key]; ok && v != nil {
			out[key] = clean(v)
		}
	}
	return out
}

func clean(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return truncate(t)
	case map[string]interface{}:
		cp := make(map[string]interface{}, len(t))
		for k, val := range t {
			cp[truncate(k)] = clean(val)
		}
		return cp
	case []interface{}:
		cp := make([]interface{}, len(t))
		for i, val := range t {
			cp[i] = clean(val)
		}
		return cp
	}
	return v
}

func truncate(s string) string {
	if len(s) <= MaxStringLength {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxStringLength {
		return s
	}
	return string(r[:MaxStringLength])
}
