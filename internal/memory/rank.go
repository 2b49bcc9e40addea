package memory

import (
	"strings"
	"unicode"

	"gonum.org/v1/gonum/floats"
)

// relevance scores a document against a query as the cosine similarity of
// their term-frequency vectors. 0 means no shared terms.
func relevance(query, content string) float64 {
	q := termFrequencies(query)
	d := termFrequencies(content)
	if len(q) == 0 || len(d) == 0 {
		return 0
	}

	vocab := make([]string, 0, len(q)+len(d))
	seen := make(map[string]bool, len(q)+len(d))
	for term := range q {
		vocab = append(vocab, term)
		seen[term] = true
	}
	for term := range d {
		if !seen[term] {
			vocab = append(vocab, term)
		}
	}

	qv := make([]float64, len(vocab))
	dv := make([]float64, len(vocab))
	for i, term := range vocab {
		qv[i] = q[term]
		dv[i] = d[term]
	}

	qn := floats.Norm(qv, 2)
	dn := floats.Norm(dv, 2)
	if qn == 0 || dn == 0 {
		return 0
	}
	return floats.Dot(qv, dv) / (qn * dn)
}

func termFrequencies(s string) map[string]float64 {
	freq := make(map[string]float64)
	for _, term := range tokenize(s) {
		freq[term]++
	}
	return freq
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
}
