package classify

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "è", "e", "ê", "e", "ë", "e",
	"í", "i", "ì", "i", "î", "i", "ï", "i",
	"ó", "o", "ò", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "ù", "u", "û", "u", "ü", "u",
	"ç", "c", "ñ", "n",
)

// normalize lowercases s and strips Portuguese diacritics so "emergencia"
// and "Emergência" match the same keyword.
func normalize(s string) string {
	return accentFolder.Replace(strings.ToLower(s))
}

// containsKeyword reports whether kw occurs in text on word boundaries.
// Both arguments must already be normalized.
func containsKeyword(text, kw string) bool {
	if kw == "" {
		return false
	}
	for offset := 0; offset < len(text); {
		i := strings.Index(text[offset:], kw)
		if i < 0 {
			return false
		}
		start := offset + i
		end := start + len(kw)
		if boundaryBefore(text, start) && boundaryAfter(text, end) {
			return true
		}
		_, size := utf8.DecodeRuneInString(text[start:])
		offset = start + size
	}
	return false
}

func boundaryBefore(text string, i int) bool {
	if i == 0 {
		return true
	}
	r, _ := utf8.DecodeLastRuneInString(text[:i])
	return !isWordRune(r)
}

func boundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	r, _ := utf8.DecodeRuneInString(text[i:])
	return !isWordRune(r)
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// compiled is a lexicon with every keyword normalized once.
type compiled struct {
	source   *Lexicon
	contexts map[string][]string
	critical []string
	high     []string
	medium   []string
}

func compile(lex *Lexicon) *compiled {
	c := &compiled{
		source:   lex,
		contexts: make(map[string][]string, len(lex.Contexts)),
		critical: normalizeAll(lex.Criticality.Critical),
		high:     normalizeAll(lex.Criticality.High),
		medium:   normalizeAll(lex.Criticality.Medium),
	}
	for ctx, words := range lex.Contexts {
		c.contexts[string(ctx)] = normalizeAll(words)
	}
	return c
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	seen := make(map[string]bool, len(words))
	for _, w := range words {
		n := strings.TrimSpace(normalize(w))
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out
}

// hits counts distinct keywords of words present in text.
func hits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if containsKeyword(text, w) {
			n++
		}
	}
	return n
}

func anyHit(text string, words []string) bool {
	for _, w := range words {
		if containsKeyword(text, w) {
			return true
		}
	}
	return false
}
