package policy

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Router resolves provider routing hints from email domains.
//
// Rules are evaluated in order and the first matching pattern wins. The
// Router is safe for concurrent use after creation.
type Router struct {
	rules []RoutingRule
}

// PatternError wraps an invalid routing pattern.
type PatternError struct {
	Pattern string
}

func (e *PatternError) Error() string {
	return "invalid routing pattern " + e.Pattern
}

// NewRouter compiles routing rules.
func NewRouter(rules []RoutingRule) (*Router, error) {
	out := make([]RoutingRule, 0, len(rules))
	for _, r := range rules {
		pattern := strings.ToLower(strings.TrimSpace(r.Pattern))
		if pattern == "" {
			continue
		}
		if !doublestar.ValidatePattern(pattern) {
			return nil, &PatternError{Pattern: r.Pattern}
		}
		out = append(out, RoutingRule{Pattern: pattern, Provider: strings.TrimSpace(r.Provider)})
	}
	return &Router{rules: out}, nil
}

// Provider returns the provider hint for domain, or "" when no rule
// matches.
func (r *Router) Provider(domain string) string {
	if r == nil {
		return ""
	}
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return ""
	}
	for _, rule := range r.rules {
		if ok, _ := doublestar.Match(rule.Pattern, domain); ok {
			return rule.Provider
		}
	}
	return ""
}
