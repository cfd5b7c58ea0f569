package csvsource

import "fmt"

// ErrorSamples keeps the first few row diagnostics of an import and counts
// the rest.
type ErrorSamples struct {
	max   int
	items []string
	total int
}

// NewErrorSamples returns a collector retaining at most max messages.
func NewErrorSamples(max int) *ErrorSamples {
	if max <= 0 {
		max = 10
	}
	return &ErrorSamples{max: max}
}

// Add records one diagnostic.
func (s *ErrorSamples) Add(format string, args ...any) {
	s.total++
	if len(s.items) < s.max {
		s.items = append(s.items, fmt.Sprintf(format, args...))
	}
}

// Items returns the retained messages.
func (s *ErrorSamples) Items() []string {
	out := make([]string, len(s.items))
	copy(out, s.items)
	return out
}

// Total returns how many diagnostics were added, retained or not.
func (s *ErrorSamples) Total() int { return s.total }
