package knowledge

import (
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"supervisor-escalation/pkg/constants"
	"supervisor-escalation/pkg/models"
)

// MatchPhase names the matching pass that produced a result.
type MatchPhase string

const (
	PhaseSubstring MatchPhase = "substring"
	PhaseKeyword   MatchPhase = "keyword"
)

// MatchResult is the entry chosen for a query.
type MatchResult struct {
	Entry models.KnowledgeEntry
	Phase MatchPhase
	Score int // keyword phase only
}

// Match picks the knowledge entry that answers query, or nil.
//
// The substring pass runs first: an entry matches when the normalised query contains its
// question or is contained by it, and the most used match wins. Otherwise the keyword
// pass scores each entry by how many significant query tokens overlap one of its
// question tokens, where overlap means either token is a substring of the other. The
// best score is accepted from MinKeywordScore, or from MinSingleTokenScore when the
// query has a single significant token.
//
// Match does not modify entries.
func Match(query string, entries []models.KnowledgeEntry) *MatchResult {
	q := normalize(query)
	if q == "" || len(entries) == 0 {
		return nil
	}

	ordered := storeOrder(entries)

	for _, e := range ordered {
		question := normalize(e.Question)
		if question == "" {
			continue
		}
		if strings.Contains(question, q) || strings.Contains(q, question) {
			return &MatchResult{Entry: e, Phase: PhaseSubstring}
		}
	}

	queryTokens := significantTokens(q)
	if len(queryTokens) == 0 {
		return nil
	}

	threshold := constants.MinKeywordScore
	if len(queryTokens) == 1 {
		threshold = constants.MinSingleTokenScore
	}

	var best *models.KnowledgeEntry
	bestScore := 0
	for i := range ordered {
		score := keywordScore(queryTokens, significantTokens(normalize(ordered[i].Question)))
		if score > bestScore {
			best, bestScore = &ordered[i], score
		}
	}
	if best == nil || bestScore < threshold {
		return nil
	}
	return &MatchResult{Entry: *best, Phase: PhaseKeyword, Score: bestScore}
}

// storeOrder returns a copy of entries sorted by usage count, then most recently
// updated, then id.
func storeOrder(entries []models.KnowledgeEntry) []models.KnowledgeEntry {
	ordered := make([]models.KnowledgeEntry, len(entries))
	copy(ordered, entries)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.UsageCount != b.UsageCount {
			return a.UsageCount > b.UsageCount
		}
		if !a.UpdatedAt.Equal(b.UpdatedAt) {
			return a.UpdatedAt.After(b.UpdatedAt)
		}
		return a.ID < b.ID
	})
	return ordered
}

func keywordScore(queryTokens, entryTokens []string) int {
	score := 0
	for _, qt := range queryTokens {
		for _, et := range entryTokens {
			if strings.Contains(qt, et) || strings.Contains(et, qt) {
				score++
				break
			}
		}
	}
	return score
}

// normalize trims s, composes it to NFC and lower-cases it.
func normalize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	// Casers carry state, so one per call.
	return cases.Lower(language.Und).String(norm.NFC.String(s))
}

// significantTokens splits normalised text on whitespace, trims surrounding punctuation
// and keeps tokens longer than MinSignificantTokenLength runes.
func significantTokens(s string) []string {
	var tokens []string
	for _, field := range strings.Fields(s) {
		tok := strings.TrimFunc(field, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
		if utf8.RuneCountInString(tok) > constants.MinSignificantTokenLength {
			tokens = append(tokens, tok)
		}
	}
	return tokens
}
