package relay

import (
	"sort"
	"strings"
)

const (
	streamSegment  = "/stream/"
	manifestSuffix = "/index.m3u8"
)

// CleanName derives a source name from a human label: lower-cased, every run
// of characters outside [a-z0-9] replaced by a single "_", with leading and
// trailing separators removed. CleanName is idempotent.
func CleanName(label string) string {
	var b strings.Builder
	b.Grow(len(label))
	pendingSep := false
	for _, r := range strings.ToLower(label) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// PublishedPath is the manifest path a source is served under by the gateway.
func PublishedPath(basePath, name string) string {
	return strings.TrimRight(basePath, "/") + streamSegment + name + manifestSuffix
}

// StreamPrefix is the path prefix owned by the gateway.
func StreamPrefix(basePath string) string {
	return strings.TrimRight(basePath, "/") + strings.TrimRight(streamSegment, "/")
}

// NameSet is a set of cleaned source names.
type NameSet map[string]struct{}

// NewNameSet cleans every label and returns the resulting set. Labels that
// clean to the empty string are dropped.
func NewNameSet(labels ...string) NameSet {
	s := make(NameSet, len(labels))
	for _, l := range labels {
		if n := CleanName(l); n != "" {
			s[n] = struct{}{}
		}
	}
	return s
}

// Has reports membership.
func (s NameSet) Has(name string) bool {
	_, ok := s[name]
	return ok
}

// Intersect returns the names present in both sets.
func (s NameSet) Intersect(other NameSet) NameSet {
	out := make(NameSet)
	for n := range s {
		if other.Has(n) {
			out[n] = struct{}{}
		}
	}
	return out
}

// Sorted returns the names in lexical order.
func (s NameSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for n := range s {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
