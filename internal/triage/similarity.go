package triage

import "strings"

// Similarity computes the token Jaccard index between two dedupe keys.
// Keys have the form "service|category|tok1 tok2 ...": the structural parts
// must match exactly, then the title tokens are compared as sets. Returns a
// value in [0, 1].
func Similarity(keyA, keyB string) float64 {
	if keyA == keyB {
		return 1
	}

	partsA := strings.SplitN(keyA, "|", 3)
	partsB := strings.SplitN(keyB, "|", 3)
	if len(partsA) != 3 || len(partsB) != 3 {
		return 0
	}
	if partsA[0] != partsB[0] || partsA[1] != partsB[1] {
		return 0
	}

	tokensA := strings.Fields(partsA[2])
	tokensB := strings.Fields(partsB[2])
	if len(tokensA) == 0 && len(tokensB) == 0 {
		return 1
	}
	if len(tokensA) == 0 || len(tokensB) == 0 {
		return 0
	}

	setA := make(map[string]struct{}, len(tokensA))
	for _, t := range tokensA {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tokensB))
	for _, t := range tokensB {
		setB[t] = struct{}{}
	}

	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}
