package models

import (
	"fmt"
	"strconv"
	"strings"
)

// FlattenUser reduces a provider user value to a single display string.
// Strings pass through; objects yield login, name or displayName, in that order.
func FlattenUser(v any) string {
	switch u := v.(type) {
	case string:
		return u
	case map[string]any:
		for _, key := range []string{"login", "name", "displayName"} {
			if s, ok := u[key].(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// NumberFromKey extracts the numeric suffix of a tracker key such as "SERVER-1234"
func NumberFromKey(key string) (int, error) {
	idx := strings.LastIndex(key, "-")
	if idx < 0 || idx == len(key)-1 {
		return 0, fmt.Errorf("key %q has no numeric suffix", key)
	}
	n, err := strconv.Atoi(key[idx+1:])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("key %q has no numeric suffix", key)
	}
	return n, nil
}
