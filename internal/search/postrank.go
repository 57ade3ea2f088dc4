package search

// vectorLookup resolves a doc's normalized embedding, when one exists.
type vectorLookup func(docID string) ([]float32, bool)

// cosineFn compares two normalized vectors.
type cosineFn func(a, b []float32) float64

// dedup walks candidates top-down and drops any whose similarity to an
// already-kept candidate's vector exceeds threshold. Candidates without
// a vector are always kept.
func dedup(cands []*candidate, threshold float64, lookup vectorLookup, cos cosineFn) []*candidate {
	if len(cands) < 2 {
		return cands
	}

	kept := make([]*candidate, 0, len(cands))
	keptVecs := make([][]float32, 0, len(cands))
	for _, c := range cands {
		vec, ok := lookup(c.docID)
		if !ok {
			kept = append(kept, c)
			keptVecs = append(keptVecs, nil)
			continue
		}
		duplicate := false
		for _, kv := range keptVecs {
			if kv != nil && cos(vec, kv) > threshold {
				duplicate = true
				break
			}
		}
		if !duplicate {
			kept = append(kept, c)
			keptVecs = append(keptVecs, vec)
		}
	}
	return kept
}

// diversify reorders candidates with maximal marginal relevance: each
// step picks the candidate maximizing
//
//	lambda*relevance - (1-lambda)*max similarity to the already-picked.
//
// Candidates without vectors contribute zero similarity, so they are
// ranked purely by relevance.
func diversify(cands []*candidate, lambda float64, lookup vectorLookup, cos cosineFn) []*candidate {
	if len(cands) < 3 {
		return cands
	}

	vecs := make([][]float32, len(cands))
	for i, c := range cands {
		if v, ok := lookup(c.docID); ok {
			vecs[i] = v
		}
	}

	picked := make([]*candidate, 0, len(cands))
	pickedVecs := make([][]float32, 0, len(cands))
	remaining := make([]int, len(cands))
	for i := range remaining {
		remaining[i] = i
	}

	for len(remaining) > 0 {
		bestPos := 0
		bestScore := mmrScore(cands[remaining[0]], vecs[remaining[0]], pickedVecs, lambda, cos)
		for pos := 1; pos < len(remaining); pos++ {
			i := remaining[pos]
			if s := mmrScore(cands[i], vecs[i], pickedVecs, lambda, cos); s > bestScore {
				bestScore = s
				bestPos = pos
			}
		}
		i := remaining[bestPos]
		picked = append(picked, cands[i])
		pickedVecs = append(pickedVecs, vecs[i])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}
	return picked
}

func mmrScore(c *candidate, vec []float32, pickedVecs [][]float32, lambda float64, cos cosineFn) float64 {
	maxSim := 0.0
	if vec != nil {
		for _, pv := range pickedVecs {
			if pv == nil {
				continue
			}
			if s := cos(vec, pv); s > maxSim {
				maxSim = s
			}
		}
	}
	return lambda*c.relevance - (1-lambda)*maxSim
}

// groupByFile keeps at most maxPerFile candidates per path, preserving
// order.
func groupByFile(cands []*candidate, maxPerFile int) []*candidate {
	counts := make(map[string]int)
	kept := cands[:0]
	for _, c := range cands {
		if counts[c.path] >= maxPerFile {
			continue
		}
		counts[c.path]++
		kept = append(kept, c)
	}
	return kept
}
