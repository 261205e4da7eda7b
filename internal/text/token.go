// Package text holds the tokenization shared by the research index and the
// source matcher, so both rank against the same token stream.
package text

import (
	"strings"
	"unicode"
)

// stopWords are dropped during tokenization. The list is intentionally
// small; ranking weights do the heavy lifting.
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "was": true,
	"were": true, "with": true, "from": true, "this": true, "that": true,
	"these": true, "those": true, "have": true, "has": true, "had": true,
	"does": true, "did": true, "can": true, "could": true, "will": true,
	"would": true, "should": true, "what": true, "when": true, "where": true,
	"which": true, "who": true, "how": true, "why": true, "not": true,
	"but": true, "about": true, "into": true, "between": true, "after": true,
	"before": true, "than": true, "then": true, "there": true, "their": true,
	"they": true, "them": true, "its": true, "also": true, "been": true,
	"being": true, "both": true, "each": true, "more": true, "most": true,
	"other": true, "some": true, "such": true, "only": true, "over": true,
	"under": true, "very": true, "your": true, "our": true, "out": true,
	"any": true, "all": true, "per": true, "via": true, "due": true,
}

// IsStopWord reports whether the lowercased token is dropped.
func IsStopWord(tok string) bool { return stopWords[tok] }

// Tokenize lowercases s, splits on non-alphanumeric runs, and drops stop
// words and tokens shorter than three characters. Order follows the input.
func Tokenize(s string) []string {
	var toks []string
	var b strings.Builder
	flush := func() {
		if b.Len() == 0 {
			return
		}
		tok := b.String()
		b.Reset()
		if len(tok) < 3 || stopWords[tok] {
			return
		}
		toks = append(toks, tok)
	}
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return toks
}

// Bigrams joins each adjacent token pair with a space.
func Bigrams(toks []string) []string {
	if len(toks) < 2 {
		return nil
	}
	out := make([]string, 0, len(toks)-1)
	for i := 0; i+1 < len(toks); i++ {
		out = append(out, toks[i]+" "+toks[i+1])
	}
	return out
}

// Set collects tokens into a membership map.
func Set(toks ...[]string) map[string]bool {
	m := map[string]bool{}
	for _, ts := range toks {
		for _, t := range ts {
			m[t] = true
		}
	}
	return m
}
