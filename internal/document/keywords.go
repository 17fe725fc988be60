package document

import (
	"sort"
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"about": {}, "after": {}, "again": {}, "also": {}, "because": {}, "been": {}, "before": {},
	"being": {}, "between": {}, "both": {}, "could": {}, "does": {}, "doing": {}, "down": {},
	"during": {}, "each": {}, "from": {}, "further": {}, "have": {}, "having": {}, "here": {},
	"into": {}, "just": {}, "like": {}, "more": {}, "most": {}, "much": {}, "must": {}, "only": {},
	"other": {}, "over": {}, "same": {}, "should": {}, "some": {}, "such": {}, "than": {},
	"that": {}, "their": {}, "them": {}, "then": {}, "there": {}, "these": {}, "they": {},
	"this": {}, "those": {}, "through": {}, "under": {}, "until": {}, "very": {}, "want": {},
	"were": {}, "what": {}, "when": {}, "where": {}, "which": {}, "while": {}, "will": {},
	"with": {}, "would": {}, "your": {}, "yours": {}, "mine": {}, "myself": {}, "really": {},
}

// ExtractKeywords returns up to n of the most frequent non-stopword terms
// of at least four letters, ties broken by first appearance
func ExtractKeywords(content string, n int) []string {
	if n <= 0 {
		return []string{}
	}

	counts := map[string]int{}
	var order []string
	words := strings.FieldsFunc(strings.ToLower(content), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, word := range words {
		if len([]rune(word)) < 4 {
			continue
		}
		if _, stop := stopWords[word]; stop {
			continue
		}
		if counts[word] == 0 {
			order = append(order, word)
		}
		counts[word]++
	}

	sort.SliceStable(order, func(i, j int) bool {
		return counts[order[i]] > counts[order[j]]
	})
	if len(order) > n {
		order = order[:n]
	}
	if order == nil {
		return []string{}
	}
	return order
}
