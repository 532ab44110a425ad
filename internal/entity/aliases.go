package entity

import (
	"strings"

	"github.com/ggonzalez94/trendmoon-cli/internal/id"
)

// aliasSet keeps aliases unique and in insertion order.
type aliasSet struct {
	seen map[string]struct{}
	list []string
}

func newAliasSet() *aliasSet {
	return &aliasSet{seen: map[string]struct{}{}}
}

func (s *aliasSet) add(alias string) {
	norm := id.Normalize(alias)
	if norm == "" {
		return
	}
	if _, ok := s.seen[norm]; ok {
		return
	}
	s.seen[norm] = struct{}{}
	s.list = append(s.list, norm)
}

// categoryAliases covers categories and tokens: the full name, a parenthesised
// acronym with the text before it, and synonyms keyed by the exact lower-cased name.
func categoryAliases(name string, synonyms map[string][]string) []string {
	set := newAliasSet()
	lower := id.Normalize(name)
	set.add(lower)

	if acronym, prefix, ok := id.Acronym(name); ok {
		set.add(acronym)
		if id.Normalize(prefix) != lower {
			set.add(prefix)
		}
	}
	for _, alias := range synonyms[lower] {
		set.add(alias)
	}
	return set.list
}

func platformAliases(slug string, synonyms map[string][]string) []string {
	set := newAliasSet()
	lower := id.Normalize(slug)
	set.add(lower)

	for _, alias := range synonyms[lower] {
		set.add(alias)
	}

	base := id.StripSeparators(lower)
	if base != lower {
		set.add(base)
		// Short first words ("x", "op") collide with too many other names.
		if first := id.FirstWord(base); len(first) > 2 {
			set.add(first)
		}
	}
	return set.list
}

func tokenAliases(tokenID, name, symbol string, synonyms map[string][]string) []string {
	set := newAliasSet()
	for _, alias := range categoryAliases(name, synonyms) {
		set.add(alias)
	}
	set.add(symbol)
	if strings.TrimSpace(tokenID) != "" {
		set.add(tokenID)
	}
	return set.list
}
