// Package tags turns user-entered tag strings into normalized tag sets.
package tags

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

// DefaultSeparators split a raw tag string
const DefaultSeparators = ",;"

// Resolver implements marketplace.TagResolver. It is safe for concurrent use.
type Resolver struct {
	separators string
	maxLength  int
}

// Option configures a Resolver
type Option func(*Resolver)

// WithSeparators replaces the separator characters
func WithSeparators(seps string) Option {
	return func(r *Resolver) { r.separators = seps }
}

// WithMaxLength drops tags longer than n runes after normalization. Zero disables the limit.
func WithMaxLength(n int) Option {
	return func(r *Resolver) { r.maxLength = n }
}

// NewResolver creates a tag resolver
func NewResolver(opts ...Option) *Resolver {
	r := &Resolver{
		separators: DefaultSeparators,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve splits raw on the separators, normalizes every piece and returns the
// unique non-empty tags sorted by name.
func (r *Resolver) Resolve(raw string) []marketplace.Tag {
	parts := strings.FieldsFunc(raw, func(c rune) bool {
		return strings.ContainsRune(r.separators, c)
	})

	out := make([]marketplace.Tag, 0, len(parts))
	for _, p := range parts {
		name := r.Normalize(p)
		if name == "" {
			continue
		}
		if r.maxLength > 0 && len([]rune(name)) > r.maxLength {
			continue
		}
		out = append(out, marketplace.Tag{Name: name})
	}
	return marketplace.UniqueTags(out...)
}

// Normalize trims, lower-cases and collapses inner whitespace runs to a single "-"
func (r *Resolver) Normalize(s string) string {
	// cases.Caser keeps state between calls and is not safe for concurrent use
	lower := cases.Lower(language.Und).String(strings.TrimSpace(s))
	return strings.Join(strings.FieldsFunc(lower, unicode.IsSpace), "-")
}
