package router

import (
	"strings"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// Matches reports whether typ matches the single pattern, with the same
// semantics the trie applies. Invalid patterns are rejected.
func Matches(pattern, typ string) (bool, error) {
	p, err := ValidatePath(pattern)
	if err != nil {
		return false, err
	}
	return matchSegments(p, strings.Split(typ, constants.PathSeparator)), nil
}

// Matcher is a validated pattern reused across many types.
type Matcher struct {
	segments []string
}

// NewMatcher validates pattern once.
func NewMatcher(pattern string) (*Matcher, error) {
	p, err := ValidatePath(pattern)
	if err != nil {
		return nil, err
	}
	return &Matcher{segments: p}, nil
}

// Match reports whether typ matches.
func (m *Matcher) Match(typ string) bool {
	return matchSegments(m.segments, strings.Split(typ, constants.PathSeparator))
}

func matchSegments(pattern, segs []string) bool {
	if len(pattern) == 0 {
		return len(segs) == 0
	}
	switch pattern[0] {
	case constants.WildcardMulti:
		for i := 0; i <= len(segs); i++ {
			if matchSegments(pattern[1:], segs[i:]) {
				return true
			}
		}
		return false
	case constants.WildcardSingle:
		return len(segs) > 0 && matchSegments(pattern[1:], segs[1:])
	default:
		return len(segs) > 0 && pattern[0] == segs[0] && matchSegments(pattern[1:], segs[1:])
	}
}
