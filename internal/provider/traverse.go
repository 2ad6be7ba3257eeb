package provider

// Tolerant accessors over decoded JSON. Library APIs drift between
// string-or-list and object-or-string shapes; connectors read them
// through these instead of type-asserting inline.

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// firstString returns the first non-empty string value among keys.
func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// firstOfList returns v itself when it is a string, or the first string
// in v when it is a list.
func firstOfList(v any) string {
	if s := asString(v); s != "" {
		return s
	}
	for _, e := range asSlice(v) {
		if s := asString(e); s != "" {
			return s
		}
	}
	return ""
}
