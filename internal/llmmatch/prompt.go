package llmmatch

import (
	"fmt"
	"strings"

	"github.com/alexandria/dna-validator/internal/model"
)

// NoMatch is the reply that means the batch holds no candidate.
const NoMatch = "NO MATCH"

const systemPrompt = "You match names against a fixed list. Reply with one entry copied exactly from the list, or with NO MATCH. Never add any other text."

func buildPrompt(target string, kind model.Kind, candidates []string) string {
	noun := kind.Noun()
	var b strings.Builder
	fmt.Fprintf(&b, "Given the input name %q, find the best exact or very close semantic match from the following list of known %s.\n", target, noun)
	b.WriteString("Respond ONLY with the name from the list that is the best match.\n")
	fmt.Fprintf(&b, "If no name in the list is a confident match for the input name, respond ONLY with the exact text %q.\n\n", NoMatch)
	fmt.Fprintf(&b, "List of known %s:\n", noun)
	b.WriteString(strings.Join(candidates, "\n"))
	return b.String()
}

var quotePairs = [][2]string{{`"`, `"`}, {"'", "'"}, {"“", "”"}, {"`", "`"}}

// cleanReply trims the reply and removes one pair of surrounding quotes.
func cleanReply(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range quotePairs {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			return strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
		}
	}
	return s
}

func isNoMatch(reply string) bool {
	return reply == "" || strings.EqualFold(strings.TrimRight(reply, "."), NoMatch)
}
