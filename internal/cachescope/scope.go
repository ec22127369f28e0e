// Package cachescope classifies requests for the read-through cache.
// Cacheability is decided by a static allow-list of known idempotent,
// user- or section-scoped upstream endpoints; nothing is inferred. The
// cache key folds the caller's identity and section scope into the key
// itself so entries can never leak across users or sections.
package cachescope

import (
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Scope classifies a request's cacheability.
type Scope int

const (
	// ScopeNone marks a request that must never be cached.
	ScopeNone Scope = iota

	// ScopeUser marks a user-scoped single-item endpoint.
	ScopeUser

	// ScopeUserSection marks a user+section-scoped list endpoint,
	// keyed additionally by the sectionid query parameter.
	ScopeUserSection
)

// String returns the string representation of the scope.
func (s Scope) String() string {
	switch s {
	case ScopeUser:
		return "user"
	case ScopeUserSection:
		return "user_section"
	default:
		return "none"
	}
}

// DefaultTTL is the fixed TTL for cached list and single-item entries.
const DefaultTTL = time.Hour

// Rule describes one cacheable (path, action) combination.
type Rule struct {
	// Path is the upstream path, with leading and trailing slash.
	Path string

	// Action is the required "action" query parameter value.
	Action string

	Scope Scope
}

// Rules is the full allow-list of cacheable endpoint shapes. Anything
// not listed here bypasses the cache entirely. Keep this table static
// and reviewable; do not add heuristics.
var Rules = []Rule{
	{Path: "/ext/events/summary/", Action: "get", Scope: ScopeUserSection},
	{Path: "/ext/members/contact/", Action: "getListOfMembers", Scope: ScopeUserSection},
	{Path: "/ext/members/contact/", Action: "getIndividual", Scope: ScopeUser},
}

// Resolution is the outcome of classifying a request.
type Resolution struct {
	Scope Scope
	Key   string
	TTL   time.Duration
}

// Resolve classifies a request and, when cacheable, builds its cache
// key. A section-scoped rule additionally requires a non-empty
// sectionid parameter; without one the request is not cacheable.
func Resolve(userID, path string, params url.Values) Resolution {
	normalized := normalizePath(path)
	action := params.Get("action")

	for _, rule := range Rules {
		if rule.Path != normalized || rule.Action != action {
			continue
		}

		switch rule.Scope {
		case ScopeUserSection:
			sectionID := params.Get("sectionid")
			if sectionID == "" {
				return Resolution{Scope: ScopeNone}
			}
			return Resolution{
				Scope: ScopeUserSection,
				Key:   Key(userID, sectionID, normalized, params),
				TTL:   DefaultTTL,
			}
		case ScopeUser:
			return Resolution{
				Scope: ScopeUser,
				Key:   Key(userID, "", normalized, params),
				TTL:   DefaultTTL,
			}
		}
	}

	return Resolution{Scope: ScopeNone}
}

// Key builds the deterministic cache key
// cache:user:<uid>[:section:<sid>]:<path>:<sortedParamsJSON>.
func Key(userID, sectionID, path string, params url.Values) string {
	var sb strings.Builder
	sb.WriteString("cache:user:")
	sb.WriteString(userID)
	if sectionID != "" {
		sb.WriteString(":section:")
		sb.WriteString(sectionID)
	}
	sb.WriteByte(':')
	sb.WriteString(path)
	sb.WriteByte(':')
	sb.WriteString(sortedParamsJSON(params))
	return sb.String()
}

// sortedParamsJSON serializes query parameters as a JSON object with
// sorted keys so the key is independent of parameter order. Repeated
// parameters keep their first value, matching upstream semantics.
func sortedParamsJSON(params url.Values) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	sb.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte(',')
		}
		name, _ := json.Marshal(k)
		value, _ := json.Marshal(params.Get(k))
		sb.Write(name)
		sb.WriteByte(':')
		sb.Write(value)
	}
	sb.WriteByte('}')
	return sb.String()
}

// normalizePath ensures a leading and trailing slash for rule matching.
func normalizePath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}
