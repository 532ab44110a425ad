package id

import (
	"regexp"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

var (
	whitespacePattern  = regexp.MustCompile(`\s+`)
	separatorPattern   = regexp.MustCompile(`[-_]`)
	parenthesesPattern = regexp.MustCompile(`\(([^)]+)\)`)
)

// Normalize trims and lower-cases an alias or query. Every table key and every
// lookup goes through this function so both sides agree on the casing rules.
func Normalize(input string) string {
	trimmed := strings.TrimSpace(input)
	if trimmed == "" {
		return ""
	}
	// Casers keep internal state, so one is built per call.
	return cases.Lower(language.Und).String(trimmed)
}

// Slug derives a stable entity id: lower-cased with whitespace runs collapsed to hyphens.
func Slug(name string) string {
	return whitespacePattern.ReplaceAllString(Normalize(name), "-")
}

// StripSeparators turns hyphens and underscores into spaces ("arbitrum-one" -> "arbitrum one").
func StripSeparators(slug string) string {
	return strings.TrimSpace(separatorPattern.ReplaceAllString(slug, " "))
}

// FirstWord returns the first whitespace-separated word of s.
func FirstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// Acronym extracts the parenthesised part of a name and the text preceding it,
// e.g. "Decentralized Finance (DeFi)" -> ("DeFi", "Decentralized Finance").
func Acronym(name string) (acronym, prefix string, ok bool) {
	match := parenthesesPattern.FindStringSubmatch(name)
	if len(match) < 2 || strings.TrimSpace(match[1]) == "" {
		return "", "", false
	}
	before, _, _ := strings.Cut(name, "(")
	return strings.TrimSpace(match[1]), strings.TrimSpace(before), true
}
