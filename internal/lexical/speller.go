package lexical

import (
	"strings"
)

// defaultMaxDistance is the largest edit distance a correction may have.
const defaultMaxDistance = 2

// Vocabulary is implemented by indices that can list their terms with document frequencies.
type Vocabulary interface {
	Terms() map[string]int
}

// Terms returns every indexed term and the number of documents containing it.
func (b *BM25Index) Terms() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]int, len(b.postings))
	for term, ids := range b.postings {
		out[term] = len(ids)
	}
	return out
}

// Terms returns the vocabulary of the indexed texts under the package tokenizer.
func (b *BleveIndex) Terms() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return termsOf(b.texts)
}

func termsOf(texts map[string]string) map[string]int {
	out := make(map[string]int)
	for _, text := range texts {
		seen := make(map[string]bool)
		for _, tok := range tokenize(text) {
			if !seen[tok] {
				seen[tok] = true
				out[tok]++
			}
		}
	}
	return out
}

// Correction is the outcome of spell-correcting a query.
type Correction struct {
	Query     string
	Corrected string
	// Replaced maps each misspelled query term to the term used instead.
	Replaced map[string]string
}

// Changed reports whether any term was replaced.
func (c Correction) Changed() bool { return len(c.Replaced) > 0 }

// Correct replaces query terms missing from vocab with the closest known term
// within maxDistance edits. Ties go to the more frequent term, then the
// lexically smaller one. maxDistance <= 0 uses the default of 2.
func Correct(vocab map[string]int, query string, maxDistance int) Correction {
	if maxDistance <= 0 {
		maxDistance = defaultMaxDistance
	}
	c := Correction{Query: query, Corrected: query}
	terms := tokenize(query)
	if len(terms) == 0 || len(vocab) == 0 {
		return c
	}
	out := make([]string, 0, len(terms))
	for _, term := range terms {
		if _, ok := vocab[term]; ok {
			out = append(out, term)
			continue
		}
		best, ok := suggest(vocab, term, maxDistance)
		if !ok {
			out = append(out, term)
			continue
		}
		if c.Replaced == nil {
			c.Replaced = make(map[string]string)
		}
		c.Replaced[term] = best
		out = append(out, best)
	}
	if c.Changed() {
		c.Corrected = strings.Join(out, " ")
	}
	return c
}

func suggest(vocab map[string]int, term string, maxDistance int) (string, bool) {
	n := len([]rune(term))
	// Very short terms match almost anything within two edits.
	if n <= maxDistance {
		return "", false
	}
	best, bestDist, bestFreq := "", maxDistance+1, 0
	for cand, freq := range vocab {
		diff := len([]rune(cand)) - n
		if diff < 0 {
			diff = -diff
		}
		if diff > maxDistance {
			continue
		}
		d := editDistance(term, cand)
		if d > maxDistance {
			continue
		}
		if d < bestDist || (d == bestDist && (freq > bestFreq || (freq == bestFreq && cand < best))) {
			best, bestDist, bestFreq = cand, d, freq
		}
	}
	return best, best != ""
}

// editDistance is the optimal string alignment distance: insertions, deletions,
// substitutions, and adjacent transpositions each cost one.
func editDistance(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}
	// Three rows: two back for transpositions.
	prev2 := make([]int, len(rb)+1)
	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := range prev {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
			if i > 1 && j > 1 && ra[i-1] == rb[j-2] && ra[i-2] == rb[j-1] {
				curr[j] = min(curr[j], prev2[j-2]+1)
			}
		}
		prev2, prev, curr = prev, curr, prev2
	}
	return prev[len(rb)]
}

// SearchCorrected runs query against idx and, when nothing matches and idx
// exposes its vocabulary, retries once with the spell-corrected query.
func SearchCorrected(idx Index, query string, topK int) ([]Hit, Correction, error) {
	c := Correction{Query: query, Corrected: query}
	hits, err := idx.Search(query, topK)
	if err != nil || len(hits) > 0 {
		return hits, c, err
	}
	v, ok := idx.(Vocabulary)
	if !ok {
		return hits, c, nil
	}
	c = Correct(v.Terms(), query, 0)
	if !c.Changed() {
		return hits, c, nil
	}
	hits, err = idx.Search(c.Corrected, topK)
	return hits, c, err
}
