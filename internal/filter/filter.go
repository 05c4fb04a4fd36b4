// Package filter narrows catalog listings by region and tags.
package filter

import (
	"fmt"
	"strings"

	"github.com/yairfalse/pcw/internal/catalog"
)

// anyValue matches a tag regardless of its value.
const anyValue = "\x00any"

// Filter controls which regions and tagged rows are included.
type Filter struct {
	regions     map[string]bool
	includeTags map[string]string
	excludeTags map[string]string
}

// New creates a Filter. Empty arguments match everything.
func New(regions []string, includeTags, excludeTags map[string]string) *Filter {
	regionMap := make(map[string]bool)
	for _, r := range regions {
		regionMap[r] = true
	}

	return &Filter{
		regions:     regionMap,
		includeTags: includeTags,
		excludeTags: excludeTags,
	}
}

// ParseTags turns "key=value" or bare "key" arguments into a tag map. A bare
// key matches any value.
func ParseTags(args []string) (map[string]string, error) {
	tags := make(map[string]string, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("invalid tag %q", arg)
		}
		if !found {
			value = anyValue
		}
		tags[key] = value
	}
	return tags, nil
}

// ShouldIncludeRegion returns true if rows of region pass the filter.
func (f *Filter) ShouldIncludeRegion(region string) bool {
	return len(f.regions) == 0 || f.regions[region]
}

func tagMatches(tags map[string]string, key, want string) bool {
	got, ok := tags[key]
	if !ok {
		return false
	}
	return want == anyValue || got == want
}

// Match returns true if tags pass the tag filters.
func (f *Filter) Match(tags map[string]string) bool {
	// ALL include tags must match
	for k, v := range f.includeTags {
		if !tagMatches(tags, k, v) {
			return false
		}
	}

	// ANY exclude tag excludes
	for k, v := range f.excludeTags {
		if tagMatches(tags, k, v) {
			return false
		}
	}

	return true
}

// Rows returns only the rows that pass the filter.
func (f *Filter) Rows(rows []catalog.Row) []catalog.Row {
	if f.IsEmpty() {
		return rows
	}

	filtered := make([]catalog.Row, 0, len(rows))
	for _, r := range rows {
		if f.ShouldIncludeRegion(r.Region) && f.Match(r.Tags) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.regions) == 0 && len(f.includeTags) == 0 && len(f.excludeTags) == 0
}
