package domain

import (
	"math"
	"strings"
)

const (
	// Scoring weights
	ScoreExactMatch     = 100.0
	ScorePrefixMatch    = 75.0
	ScoreSubstringMatch = 50.0
	ScoreFuzzyMatch     = 25.0

	// Position bonus (earlier is better)
	ScorePositionBonus = 10.0

	// Length bonus/penalty
	ScoreLengthBonus = 5.0

	// Exact hostname match bonus (huge boost)
	ScoreExactHostnameBonus = 200.0

	// Usage weight (usage counter contributes to final score)
	ScoreUsageWeight = 0.1

	// Minimum fragment length before it may match the service id
	// prefix. Shorter fragments hit random base32 too easily.
	idPrefixMinLen = 4
)

// Candidate represents a record candidate with its match score
type Candidate struct {
	Record       *Record
	LexicalScore float64 // Score from fuzzy matching
	UsageScore   float64 // Score from usage learning
	TotalScore   float64 // Combined score
}

// Score calculates the match score for a record against a query
func Score(query *Query, record *Record) float64 {
	if query == nil || record == nil {
		return 0.0
	}

	if query.IsExact() {
		if strings.EqualFold(record.Hostname, query.Hostname) {
			return ScoreExactMatch + ScoreExactHostnameBonus
		}
		return 0.0
	}

	if len(query.Fragments) == 0 {
		return 0.0
	}

	nameFragments := NameFragments(record.Name)
	totalScore := scoreName(query.Fragments, nameFragments)

	// A fragment may also be the start of the address itself. Onion
	// ids are random base32, so only longer fragments count.
	serviceID := strings.ToLower(record.ServiceID())
	for _, qFrag := range query.Fragments {
		frag := normalizeFragment(qFrag)
		if len(frag) >= idPrefixMinLen && strings.HasPrefix(serviceID, frag) {
			totalScore += ScorePrefixMatch
		}
	}

	return totalScore
}

// scoreName scores query fragments against the record's label
// fragments. Unordered: each query fragment takes its best label
// fragment.
func scoreName(queryFragments, nameFragments []string) float64 {
	if len(queryFragments) == 0 || len(nameFragments) == 0 {
		return 0.0
	}

	// Exact whole-label match first (single fragment query)
	if len(queryFragments) == 1 && len(nameFragments) == 1 && queryFragments[0] == nameFragments[0] {
		return ScoreExactMatch + ScoreExactHostnameBonus
	}

	var totalScore float64
	for _, qFrag := range queryFragments {
		bestScore := 0.0
		for i, nFrag := range nameFragments {
			score := scoreFragment(qFrag, nFrag, i)
			if score > bestScore {
				bestScore = score
			}
		}
		totalScore += bestScore
	}

	// Only apply length bonus if there was a match
	if totalScore > 0 && len(nameFragments[0]) < 10 {
		totalScore += ScoreLengthBonus
	}

	return totalScore
}

// scoreFragment scores a single query fragment against a label fragment
func scoreFragment(queryFrag, nameFrag string, position int) float64 {
	queryFrag = normalizeFragment(queryFrag)
	nameFrag = normalizeFragment(nameFrag)

	if queryFrag == "" || nameFrag == "" {
		return 0.0
	}

	// Exact match
	if queryFrag == nameFrag {
		return ScoreExactMatch + calculatePositionBonus(position)
	}

	// Prefix match
	if strings.HasPrefix(nameFrag, queryFrag) {
		return ScorePrefixMatch + calculatePositionBonus(position)
	}

	// Substring match
	if strings.Contains(nameFrag, queryFrag) {
		index := strings.Index(nameFrag, queryFrag)
		// Earlier substring matches get higher score
		substringBonus := ScorePositionBonus * (1.0 - float64(index)/float64(len(nameFrag)))
		return ScoreSubstringMatch + substringBonus
	}

	// Fuzzy match (Levenshtein-like)
	similarity := calculateSimilarity(queryFrag, nameFrag)
	if similarity > 0.5 {
		return ScoreFuzzyMatch * similarity
	}

	return 0.0
}

// calculatePositionBonus gives bonus for earlier positions
func calculatePositionBonus(position int) float64 {
	return ScorePositionBonus * math.Exp(-float64(position)*0.3)
}

// calculateSimilarity calculates fuzzy similarity between two strings
func calculateSimilarity(s1, s2 string) float64 {
	if s1 == "" || s2 == "" {
		return 0.0
	}

	// Simple similarity: ratio of matching characters
	matches := 0
	for _, c := range s1 {
		if strings.ContainsRune(s2, c) {
			matches++
		}
	}

	return float64(matches) / float64(len(s1))
}

// RankCandidates ranks record candidates by combining lexical and usage scores
func RankCandidates(query *Query, records []*Record) []*Candidate {
	candidates := make([]*Candidate, 0, len(records))

	for _, record := range records {
		// Skip disabled records
		if record.Disabled {
			continue
		}

		lexicalScore := Score(query, record)

		// Skip records with zero lexical score (no match)
		if lexicalScore == 0.0 {
			continue
		}

		// Calculate usage score (logarithmic to prevent dominance)
		usageScore := 0.0
		if record.Counter > 0 {
			usageScore = math.Log10(float64(record.Counter)+1) * ScoreUsageWeight * 100
		}

		totalScore := lexicalScore + usageScore

		candidates = append(candidates, &Candidate{
			Record:       record,
			LexicalScore: lexicalScore,
			UsageScore:   usageScore,
			TotalScore:   totalScore,
		})
	}

	// Sort candidates by total score (descending)
	sortCandidates(candidates)

	return candidates
}

// sortCandidates sorts candidates by total score (descending)
func sortCandidates(candidates []*Candidate) {
	// Simple bubble sort (fine for small lists)
	n := len(candidates)
	for i := 0; i < n-1; i++ {
		for j := 0; j < n-i-1; j++ {
			if candidates[j].TotalScore < candidates[j+1].TotalScore {
				candidates[j], candidates[j+1] = candidates[j+1], candidates[j]
			}
		}
	}
}

// FindBestMatch finds the best matching record for a query
func FindBestMatch(query *Query, records []*Record) *Record {
	candidates := RankCandidates(query, records)
	if len(candidates) == 0 {
		return nil
	}
	return candidates[0].Record
}
