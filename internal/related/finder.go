// Package related finds stored facts that share keywords with a task
// description.
//
// Matching is a plain substring scan over every fact for every keyword,
// O(facts x keywords) per call with no index. That is fine for a store of
// a few hundred facts and gives no latency guarantee beyond that.
package related

import (
	"context"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/fyrsmithlabs/factlog/internal/knowledge"
)

// minKeywordLen: keywords must be longer than this many characters.
const minKeywordLen = 3

// DefaultLimit is the limit callers use when they have no preference.
const DefaultLimit = 5

// Source supplies the facts to scan, in store order.
type Source interface {
	All(ctx context.Context) []knowledge.Fact
}

// Match is one related fact and the keyword that selected it.
type Match struct {
	Subject     string  `json:"subject"`
	Fact        string  `json:"fact"`
	Confidence  float64 `json:"confidence"`
	LastUpdated float64 `json:"last_updated"`
	Source      string  `json:"source,omitempty"`
	Keyword     string  `json:"keyword"`
}

// Finder scans a fact source.
type Finder struct {
	src  Source
	rank bool
}

// Option configures a Finder.
type Option func(*Finder)

// RankByConfidence orders matches by descending confidence before the
// limit is applied. Ties keep store order.
func RankByConfidence() Option {
	return func(f *Finder) { f.rank = true }
}

// New creates a Finder over src.
func New(src Source, opts ...Option) *Finder {
	f := &Finder{src: src}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Keywords splits description on whitespace, lower-cases it, and keeps
// the tokens longer than three characters.
func Keywords(description string) []string {
	var out []string
	for _, tok := range strings.Fields(strings.ToLower(description)) {
		if utf8.RuneCountInString(tok) > minKeywordLen {
			out = append(out, tok)
		}
	}
	return out
}

// Find returns facts related to description. A limit of zero or less
// means no limit.
func (f *Finder) Find(ctx context.Context, description string, limit int) []Match {
	return f.FindKeywords(ctx, Keywords(description), limit)
}

// FindKeywords returns every fact whose lower-cased subject or fact text
// contains one of keywords. Each fact appears at most once, tagged with
// the first keyword that matched it.
func (f *Finder) FindKeywords(ctx context.Context, keywords []string, limit int) []Match {
	if len(keywords) == 0 {
		return nil
	}
	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}

	var out []Match
	for _, fact := range f.src.All(ctx) {
		subject := strings.ToLower(fact.Subject)
		text := strings.ToLower(fact.Fact)
		for _, kw := range lowered {
			if kw == "" {
				continue
			}
			if strings.Contains(subject, kw) || strings.Contains(text, kw) {
				out = append(out, Match{
					Subject:     fact.Subject,
					Fact:        fact.Fact,
					Confidence:  fact.Confidence,
					LastUpdated: fact.LastUpdated,
					Source:      fact.Source,
					Keyword:     kw,
				})
				break
			}
		}
		if !f.rank && limit > 0 && len(out) == limit {
			return out
		}
	}

	if f.rank {
		sort.SliceStable(out, func(i, j int) bool { return out[i].Confidence > out[j].Confidence })
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
