// Package textmatch scores how well a document's fields cover the terms of a
// query. Adapters without a native relevance score use it to produce a
// confidence and human-readable match reasons.
package textmatch

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "by": true, "for": true, "from": true, "how": true, "in": true,
	"is": true, "it": true, "of": true, "on": true, "or": true, "the": true,
	"to": true, "was": true, "what": true, "when": true, "with": true,
}

// Terms tokenizes text into lowercase content terms in first-seen order.
// Identifiers such as disk_space stay whole.
func Terms(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	doc, err := prose.NewDocument(text,
		prose.WithTagging(false),
		prose.WithSegmentation(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return fallbackTerms(text)
	}

	seen := make(map[string]bool)
	var terms []string
	for _, tok := range doc.Tokens() {
		for _, t := range splitToken(tok.Text) {
			if seen[t] {
				continue
			}
			seen[t] = true
			terms = append(terms, t)
		}
	}
	return terms
}

func fallbackTerms(text string) []string {
	seen := make(map[string]bool)
	var terms []string
	for _, f := range strings.Fields(text) {
		for _, t := range splitToken(f) {
			if !seen[t] {
				seen[t] = true
				terms = append(terms, t)
			}
		}
	}
	return terms
}

func splitToken(tok string) []string {
	tok = strings.ToLower(strings.TrimFunc(tok, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}))
	if tok == "" || stopwords[tok] {
		return nil
	}
	return []string{tok}
}

// Field is one searchable part of a document. Weight in (0,1] is the
// confidence contributed when the field covers every query term.
type Field struct {
	Name   string
	Text   string
	Weight float64
}

// Index holds the tokenized fields of one document so repeated queries do
// not re-tokenize it.
type Index struct {
	fields []indexedField
}

type indexedField struct {
	name   string
	weight float64
	terms  map[string]bool
	raw    string
}

func NewIndex(fields ...Field) *Index {
	idx := &Index{fields: make([]indexedField, 0, len(fields))}
	for _, f := range fields {
		if strings.TrimSpace(f.Text) == "" || f.Weight <= 0 {
			continue
		}
		terms := make(map[string]bool)
		for _, t := range Terms(f.Text) {
			terms[t] = true
		}
		idx.fields = append(idx.fields, indexedField{
			name:   f.Name,
			weight: min(f.Weight, 1),
			terms:  terms,
			raw:    strings.ToLower(f.Text),
		})
	}
	return idx
}

// Match reports the confidence that the document answers the query terms and
// which fields matched. Fields combine as independent evidence:
// 1 - Π(1 - weight·coverage). No query terms yields zero.
func (idx *Index) Match(queryTerms []string) (float64, []string) {
	if len(queryTerms) == 0 {
		return 0, nil
	}

	miss := 1.0
	var reasons []string
	for _, f := range idx.fields {
		var matched []string
		for _, t := range queryTerms {
			if f.terms[t] || (len(t) > 3 && strings.Contains(f.raw, t)) {
				matched = append(matched, t)
			}
		}
		if len(matched) == 0 {
			continue
		}

		coverage := float64(len(matched)) / float64(len(queryTerms))
		miss *= 1 - f.weight*coverage
		reasons = append(reasons, fmt.Sprintf("%s:%s", f.name, strings.Join(matched, ",")))
	}

	return 1 - miss, reasons
}

// Score is a convenience for one-off documents.
func Score(query string, fields ...Field) (float64, []string) {
	return NewIndex(fields...).Match(Terms(query))
}
