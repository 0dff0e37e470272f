// Package textnorm holds the title normalization and similarity functions
// shared by catalog matching and cross-platform dedup.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

var bracketPairs = map[rune]rune{
	'(': ')',
	'[': ']',
	'{': '}',
	'（': '）',
	'【': '】',
	'〔': '〕',
	'［': '］',
	'〖': '〗',
}

// Normalize folds width and case, deletes punctuation and symbols and
// collapses whitespace. "Don't Cry" and "Dont Cry" share a key, "Hello World"
// and "HelloWorld" do not. The result is the comparison key used for exact
// catalog matches.
func Normalize(value string) string {
	value = norm.NFKC.String(value)
	// cases.Caser is stateful, a fresh one per call keeps Normalize goroutine safe.
	value = cases.Fold().String(value)

	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		switch {
		case unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsMark(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// DedupKey normalizes a title after removing bracketed decorations such as
// "【高音质】" or "(Official Audio)". Titles that are entirely bracketed keep
// their content.
func DedupKey(title string) string {
	stripped := stripBrackets(norm.NFKC.String(title))
	if key := Normalize(stripped); key != "" {
		return key
	}
	return Normalize(title)
}

func stripBrackets(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	var stack []rune
	for _, r := range value {
		if closer, ok := bracketPairs[r]; ok {
			stack = append(stack, closer)
			continue
		}
		if len(stack) > 0 {
			if r == stack[len(stack)-1] {
				stack = stack[:len(stack)-1]
				if len(stack) == 0 {
					b.WriteByte(' ')
				}
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Similarity scores two normalized titles in [0,1] as the better of the
// edit-distance ratio and the character bigram Dice coefficient. Spaces are
// ignored so CJK and Latin titles are treated alike.
func Similarity(a, b string) float64 {
	ra := []rune(strings.ReplaceAll(a, " ", ""))
	rb := []rune(strings.ReplaceAll(b, " ", ""))
	if len(ra) == 0 || len(rb) == 0 {
		return 0
	}
	if string(ra) == string(rb) {
		return 1
	}
	longest := max(len(ra), len(rb))
	ratio := 1 - float64(levenshtein(ra, rb))/float64(longest)
	return max(ratio, dice(ra, rb))
}

func levenshtein(a, b []rune) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func dice(a, b []rune) float64 {
	left := bigrams(a)
	right := bigrams(b)
	total := 0
	for _, n := range left {
		total += n
	}
	for _, n := range right {
		total += n
	}
	if total == 0 {
		return 0
	}
	shared := 0
	for gram, n := range left {
		shared += min(n, right[gram])
	}
	return 2 * float64(shared) / float64(total)
}

func bigrams(runes []rune) map[string]int {
	grams := make(map[string]int, len(runes))
	if len(runes) == 1 {
		grams[string(runes)]++
		return grams
	}
	for i := 0; i+1 < len(runes); i++ {
		grams[string(runes[i:i+2])]++
	}
	return grams
}

// Bigrams returns the distinct character bigrams of a normalized title,
// used by stores to prefilter fuzzy candidates.
func Bigrams(value string) []string {
	runes := []rune(strings.ReplaceAll(value, " ", ""))
	out := make([]string, 0, len(runes))
	seen := make(map[string]struct{}, len(runes))
	for i := 0; i < len(runes); i++ {
		var gram string
		switch {
		case len(runes) == 1:
			gram = string(runes)
		case i+1 < len(runes):
			gram = string(runes[i : i+2])
		default:
			continue
		}
		if _, ok := seen[gram]; ok {
			continue
		}
		seen[gram] = struct{}{}
		out = append(out, gram)
	}
	return out
}
