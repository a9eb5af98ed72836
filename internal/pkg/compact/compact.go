// Package compact shrinks conversation text before it is folded into prompts.
package compact

import "strings"

var stopwords = map[string]struct{}{}

func init() {
	for _, w := range strings.Fields(`
		a an the and but or for nor on at to from by with of
		in out as if when while then than is are was were be been
		being have has had do does did can could will would shall should
		may might must it its this that these those i you he she we
		they me him her us them my your his their our mine yours hers
		theirs ours myself yourself himself herself itself ourselves themselves`) {
		stopwords[w] = struct{}{}
	}
}

// Compact drops stopwords (case-insensitive) and rejoins the remaining
// whitespace-separated tokens with single spaces, preserving order.
func Compact(text string) string {
	tokens := strings.Fields(text)
	kept := tokens[:0]
	for _, tok := range tokens {
		if IsStopword(tok) {
			continue
		}
		kept = append(kept, tok)
	}
	return strings.Join(kept, " ")
}

func IsStopword(token string) bool {
	_, ok := stopwords[strings.ToLower(token)]
	return ok
}
