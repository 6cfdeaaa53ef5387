// Package token provides the deterministic tokenizers behind the lexical
// index. Two variants exist: Code for source text and Prose for Markdown
// and plain documentation. Both lowercase their output and are pure
// functions of their input.
package token

import (
	"regexp"
	"strings"
	"unicode"
)

// Variant selects the tokenization rules.
type Variant string

const (
	// VariantCode splits identifiers: camelCase, PascalCase (preserving
	// acronyms), snake_case, and kebab-case.
	VariantCode Variant = "code"
	// VariantProse strips Markdown, keeps link labels, and applies a light
	// suffix stemmer.
	VariantProse Variant = "prose"
)

// Tokenize dispatches to the variant's tokenizer.
func Tokenize(text string, v Variant) []string {
	if v == VariantProse {
		return Prose(text)
	}
	return Code(text)
}

// identRegex matches identifier-shaped runs, keeping underscores and
// hyphens so snake_case and kebab-case arrive whole.
var identRegex = regexp.MustCompile(`[A-Za-z0-9_-]+`)

// Code tokenizes source text. Each identifier emits its decomposed parts
// and, when decomposition split anything, the original identifier
// lowercased, so exact-identifier queries still match.
func Code(text string) []string {
	tokens := []string{}

	for _, word := range identRegex.FindAllString(text, -1) {
		word = strings.Trim(word, "_-")
		if word == "" {
			continue
		}

		parts := SplitIdentifier(word)
		for _, p := range parts {
			lower := strings.ToLower(p)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}

		if len(parts) > 1 {
			lower := strings.ToLower(word)
			if len(lower) >= 2 {
				tokens = append(tokens, lower)
			}
		}
	}

	return tokens
}

// SplitIdentifier splits snake_case, kebab-case, and camel/PascalCase.
func SplitIdentifier(token string) []string {
	if strings.ContainsAny(token, "_-") {
		var result []string
		for _, part := range strings.FieldsFunc(token, func(r rune) bool {
			return r == '_' || r == '-'
		}) {
			result = append(result, splitCamel(part)...)
		}
		return result
	}
	return splitCamel(token)
}

// splitCamel splits camelCase and PascalCase, keeping acronym runs
// together: "HTMLParser" -> ["HTML", "Parser"].
func splitCamel(s string) []string {
	if s == "" {
		return []string{}
	}

	var result []string
	var current strings.Builder

	runes := []rune(s)
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prevIsLower := unicode.IsLower(runes[i-1])
			nextIsLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])

			// Boundary when leaving lowercase or when an acronym run ends.
			if prevIsLower || nextIsLower {
				if current.Len() > 0 {
					result = append(result, current.String())
					current.Reset()
				}
			}
		}
		current.WriteRune(r)
	}

	if current.Len() > 0 {
		result = append(result, current.String())
	}

	return result
}

var (
	codeFenceRegex  = regexp.MustCompile("(?s)```.*?```")
	inlineCodeRegex = regexp.MustCompile("`[^`]*`")
	// Markdown links: keep the label, drop the URL.
	mdLinkRegex     = regexp.MustCompile(`\[([^\]]*)\]\([^)]*\)`)
	mdImageRegex    = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdHeadingRegex  = regexp.MustCompile(`(?m)^#{1,6}\s+`)
	mdEmphasisRegex = regexp.MustCompile(`[*_~]{1,3}`)
	bareURLRegex    = regexp.MustCompile(`https?://\S+`)
	proseWordRegex  = regexp.MustCompile(`[A-Za-z0-9]+`)
)

// Prose tokenizes documentation text: Markdown formatting is stripped,
// link labels survive but URLs do not, tokens of length > 2 are kept, and
// each token emits both its stemmed and original form.
func Prose(text string) []string {
	text = mdImageRegex.ReplaceAllString(text, "$1")
	text = mdLinkRegex.ReplaceAllString(text, "$1")
	text = codeFenceRegex.ReplaceAllString(text, " ")
	text = inlineCodeRegex.ReplaceAllString(text, " ")
	text = bareURLRegex.ReplaceAllString(text, " ")
	text = mdHeadingRegex.ReplaceAllString(text, "")
	text = mdEmphasisRegex.ReplaceAllString(text, "")

	tokens := []string{}
	for _, word := range proseWordRegex.FindAllString(text, -1) {
		lower := strings.ToLower(word)
		if len(lower) <= 2 {
			continue
		}

		stemmed := Stem(lower)
		tokens = append(tokens, stemmed)
		if stemmed != lower {
			tokens = append(tokens, lower)
		}
	}

	return tokens
}

// stemSuffixes in trial order; longer suffixes first so "-tion" wins over
// a bare "-n".
var stemSuffixes = []string{"tion", "ing", "ed", "ly", "s"}

// Stem removes one trailing suffix when the remaining stem keeps at least
// three characters. Light by design: it only needs to collapse close
// inflections, not be linguistically complete.
func Stem(word string) string {
	for _, suffix := range stemSuffixes {
		if strings.HasSuffix(word, suffix) {
			stem := word[:len(word)-len(suffix)]
			if len(stem) >= 3 {
				return stem
			}
		}
	}
	return word
}
