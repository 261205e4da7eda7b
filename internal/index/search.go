package index

import (
	"sort"

	"github.com/veracity-research/veracity/internal/text"
)

// Search ranks entries against the query and returns at most limit of
// them. Entries scoring under half the top score are dropped; a query
// matching nothing returns nil.
func (ix *Index) Search(query string, limit int) []Entry {
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	unigrams := text.Tokenize(query)
	if len(unigrams) == 0 {
		return nil
	}
	bigrams := text.Bigrams(unigrams)

	ix.mu.RLock()
	defer ix.mu.RUnlock()

	type scored struct {
		entry Entry
		score float64
	}
	var results []scored
	top := 0.0
	for _, e := range ix.entries {
		s := ix.scoreEntry(e, unigrams, bigrams)
		if s <= 0 {
			continue
		}
		results = append(results, scored{entry: e, score: s})
		if s > top {
			top = s
		}
	}
	if len(results) == 0 {
		return nil
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].entry.ProjectID < results[j].entry.ProjectID
	})

	cut := top * cutoffFraction
	var out []Entry
	for _, r := range results {
		if r.score < cut || len(out) >= limit {
			break
		}
		out = append(out, r.entry)
	}
	return out
}

// scoreEntry weighs per-field matches, counting each query unigram once
// per field regardless of how many synonym variants hit.
func (ix *Index) scoreEntry(e Entry, unigrams, bigrams []string) float64 {
	topicToks := text.Tokenize(e.Topic)
	topicSet := text.Set(topicToks, text.Bigrams(topicToks))
	tagSet := text.Set(e.Tags)
	termSet := text.Set(e.SearchTerms)

	score := 0.0
	covered := 0
	for _, u := range unigrams {
		variants := ix.expand(u)
		matched := false
		if anyIn(topicSet, variants) {
			score += weightTopic
			matched = true
		}
		if anyIn(tagSet, variants) {
			score += weightTags
			matched = true
		}
		if anyIn(termSet, variants) {
			score += weightTerms
			matched = true
		}
		if matched {
			covered++
		}
	}
	// Bigrams match literally; synonym expansion is unigram-only.
	for _, bg := range bigrams {
		if topicSet[bg] {
			score += weightTopic
		}
		if termSet[bg] {
			score += weightTerms
		}
	}
	if score > 0 {
		score += coverageBonus * float64(covered)
	}
	return score
}

// expand returns the unigram plus its synonym set in sorted order so the
// expansion is reproducible.
func (ix *Index) expand(u string) []string {
	out := []string{u}
	if syn := ix.synonyms[u]; len(syn) > 0 {
		keys := make([]string, 0, len(syn))
		for k := range syn {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out = append(out, keys...)
	}
	return out
}

func anyIn(set map[string]bool, toks []string) bool {
	for _, t := range toks {
		if set[t] {
			return true
		}
	}
	return false
}
