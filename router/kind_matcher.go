package router

import "strings"

// Kind pattern wildcards: "*" (or "+") matches exactly one segment, "#"
// matches zero or more.
const (
	wildcardOne  = "*"
	wildcardPlus = "+"
	wildcardMany = "#"
)

// KindMatcher reports whether a registered pattern covers an event kind.
type KindMatcher func(pattern, kind string) bool

type matcherConfig struct {
	separator    string
	trailingMany bool
}

type MatcherOption func(*matcherConfig)

// WithSeparator splits kinds on sep instead of ".".
func WithSeparator(sep string) MatcherOption {
	return func(c *matcherConfig) {
		if sep != "" {
			c.separator = sep
		}
	}
}

// WithTrailingMultiWildcard only honours "#" as the last pattern segment.
func WithTrailingMultiWildcard() MatcherOption {
	return func(c *matcherConfig) {
		c.trailingMany = true
	}
}

// NewKindMatcher builds the matcher the Mux uses by default.
func NewKindMatcher(opts ...MatcherOption) KindMatcher {
	cfg := matcherConfig{separator: "."}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return func(pattern, kind string) bool {
		if pattern == kind {
			return true
		}
		return cfg.match(strings.Split(pattern, cfg.separator), strings.Split(kind, cfg.separator))
	}
}

func (c matcherConfig) match(pattern, kind []string) bool {
	for len(pattern) > 0 {
		seg := pattern[0]
		if seg == wildcardMany {
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			if c.trailingMany {
				return false
			}
			for skip := 0; skip <= len(kind); skip++ {
				if c.match(rest, kind[skip:]) {
					return true
				}
			}
			return false
		}
		if len(kind) == 0 {
			return false
		}
		if seg != wildcardOne && seg != wildcardPlus && seg != kind[0] {
			return false
		}
		pattern, kind = pattern[1:], kind[1:]
	}
	return len(kind) == 0
}
