package task

import "strings"

// CacheScopePrefix is the scope prefix a task needs to mount a cache
const CacheScopePrefix = "burrow:cache:"

// ScopeMatch reports whether any of scopes satisfies required. A scope
// ending in "*" matches every required scope it prefixes.
func ScopeMatch(scopes []string, required string) bool {
	for _, s := range scopes {
		if s == required {
			return true
		}
		if strings.HasSuffix(s, "*") && strings.HasPrefix(required, strings.TrimSuffix(s, "*")) {
			return true
		}
	}
	return false
}
