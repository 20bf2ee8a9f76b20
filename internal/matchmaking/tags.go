package matchmaking

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// TagSet is a case-normalized set of interest tags. The empty set is the
// wildcard: it only matches another empty set.
type TagSet map[string]struct{}

// NewTagSet trims and lower-cases tags, dropping blanks and duplicates.
func NewTagSet(tags []string) TagSet {
	normalized := lo.Uniq(lo.Compact(lo.Map(tags, func(tag string, _ int) string {
		return strings.ToLower(strings.TrimSpace(tag))
	})))

	set := make(TagSet, len(normalized))
	for _, tag := range normalized {
		set[tag] = struct{}{}
	}
	return set
}

// Has reports whether tag (already normalized) is in the set.
func (s TagSet) Has(tag string) bool {
	_, ok := s[tag]
	return ok
}

// Intersects reports whether the two sets share at least one tag.
// The smaller set is iterated.
func (s TagSet) Intersects(other TagSet) bool {
	small, large := s, other
	if len(small) > len(large) {
		small, large = large, small
	}
	for tag := range small {
		if large.Has(tag) {
			return true
		}
	}
	return false
}

// Sorted returns the tags in lexical order, for logging and payloads.
func (s TagSet) Sorted() []string {
	tags := lo.Keys(map[string]struct{}(s))
	sort.Strings(tags)
	return tags
}

// Compatible is the pairing rule: both sets empty, or both non-empty with a
// common tag. One empty and one non-empty set never match.
func Compatible(a, b TagSet) bool {
	if len(a) == 0 || len(b) == 0 {
		return len(a) == 0 && len(b) == 0
	}
	return a.Intersects(b)
}
