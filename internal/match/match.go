// Package match implements the fuzzy text scoring used to pick provider
// candidates: accent-insensitive normalisation, a longest-matching-block
// similarity ratio, token-set comparison and the combined title/creator
// score.
package match

import (
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// StripAccents removes combining marks while preserving base characters,
// so "Crónica" compares equal to "Cronica".
func StripAccents(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Normalize prepares text for matching: accents stripped, lowercased,
// every run of characters outside [0-9a-z] collapsed to a single space.
// Normalize is idempotent.
func Normalize(s string) string {
	s = strings.ToLower(StripAccents(s))
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range s {
		if (r >= '0' && r <= '9') || (r >= 'a' && r <= 'z') {
			b.WriteRune(r)
			space = false
		} else if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	return strings.TrimRight(b.String(), " ")
}

// matchingTotal returns the total length of the longest matching blocks
// between a and b, found by the classic divide-and-conquer over the single
// longest common block.
func matchingTotal(a, b []rune) int {
	b2j := make(map[rune][]int, len(b))
	for j, r := range b {
		b2j[r] = append(b2j[r], j)
	}

	type span struct{ alo, ahi, blo, bhi int }
	queue := []span{{0, len(a), 0, len(b)}}
	total := 0

	for len(queue) > 0 {
		s := queue[len(queue)-1]
		queue = queue[:len(queue)-1]

		besti, bestj, bestsize := s.alo, s.blo, 0
		j2len := make(map[int]int)
		for i := s.alo; i < s.ahi; i++ {
			newj2len := make(map[int]int)
			for _, j := range b2j[a[i]] {
				if j < s.blo {
					continue
				}
				if j >= s.bhi {
					break
				}
				k := j2len[j-1] + 1
				newj2len[j] = k
				if k > bestsize {
					besti, bestj, bestsize = i-k+1, j-k+1, k
				}
			}
			j2len = newj2len
		}
		if bestsize == 0 {
			continue
		}
		total += bestsize
		if s.alo < besti && s.blo < bestj {
			queue = append(queue, span{s.alo, besti, s.blo, bestj})
		}
		if besti+bestsize < s.ahi && bestj+bestsize < s.bhi {
			queue = append(queue, span{besti + bestsize, s.ahi, bestj + bestsize, s.bhi})
		}
	}
	return total
}

func rawRatio(a, b string) float64 {
	ra, rb := []rune(a), []rune(b)
	if len(ra)+len(rb) == 0 {
		return 0
	}
	return 2 * float64(matchingTotal(ra, rb)) / float64(len(ra)+len(rb))
}

// SimpleRatio scores the similarity of two strings 0..100 after
// normalisation. Either side normalising to empty scores 0.
func SimpleRatio(a, b string) int {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return 0
	}
	return int(math.Round(rawRatio(na, nb) * 100))
}

// TokenSetRatio compares the sorted unique tokens of both strings, making
// the score insensitive to word order and repetition.
func TokenSetRatio(a, b string) int {
	ta := tokenSet(a)
	tb := tokenSet(b)
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	return SimpleRatio(strings.Join(ta, " "), strings.Join(tb, " "))
}

func tokenSet(s string) []string {
	fields := strings.Fields(Normalize(s))
	seen := make(map[string]struct{}, len(fields))
	var out []string
	for _, f := range fields {
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// MethodSimple selects plain sequence similarity instead of the default
// token-set comparison.
const (
	MethodSimple   = "simple"
	MethodTokenSet = "token_set"
)

// TitleScore scores a provider title against the queried title.
func TitleScore(queryTitle, itemTitle, method string) int {
	if method == MethodSimple {
		return SimpleRatio(queryTitle, itemTitle)
	}
	return TokenSetRatio(queryTitle, itemTitle)
}

// CreatorScore returns the best token-set score between the queried
// creator and any of the candidate's creators. Zero when either side is
// missing.
func CreatorScore(queryCreator string, creators []string) int {
	if queryCreator == "" || len(creators) == 0 {
		return 0
	}
	best := 0
	for _, c := range creators {
		if s := TokenSetRatio(queryCreator, c); s > best {
			best = s
		}
	}
	return best
}

// Combined computes the weighted title/creator score 0..100. The creator
// contribution applies only when the query names a creator; weight is
// clamped to [0, 1].
func Combined(queryTitle, itemTitle, queryCreator string, creators []string, creatorWeight float64, method string) float64 {
	ts := float64(TitleScore(queryTitle, itemTitle, method))
	cs := 0.0
	if queryCreator != "" {
		cs = float64(CreatorScore(queryCreator, creators))
	}
	w := creatorWeight
	if w < 0 {
		w = 0
	} else if w > 1 {
		w = 1
	}
	return ts*(1-w) + cs*w
}

var yearRe = regexp.MustCompile(`\b(\d{4})\b`)

// ParseYear extracts the first four-digit year from free-form date text.
func ParseYear(s string) (int, bool) {
	m := yearRe.FindStringSubmatch(s)
	if m == nil {
		return 0, false
	}
	y, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return y, true
}

// ScoresKey is the reserved key under which selection scores are attached
// to a candidate's raw payload, so they survive serialisation into work
// records and deferred-queue items.
const ScoresKey = "__matching__"

// Scores carries the selection verdict for one candidate.
type Scores struct {
	Score float64 `json:"score"` // combined title/creator score
	Boost float64 `json:"boost"` // quality boosts (manifest, item URL)
	Total float64 `json:"total"` // score + boost, used for ranking
}

// Attach stores s in the raw payload under ScoresKey. An existing map
// under the key is merged into, not replaced, so connector-supplied
// diagnostics survive scoring.
func (s Scores) Attach(raw map[string]any) {
	m, ok := raw[ScoresKey].(map[string]any)
	if !ok {
		m = make(map[string]any, 3)
		raw[ScoresKey] = m
	}
	m["score"] = s.Score
	m["boost"] = s.Boost
	m["total"] = s.Total
}

// ScoresFrom reads previously attached scores back out of a raw payload,
// tolerating the float widening a JSON round-trip introduces.
func ScoresFrom(raw map[string]any) (Scores, bool) {
	v, ok := raw[ScoresKey]
	if !ok {
		return Scores{}, false
	}
	m, ok := v.(map[string]any)
	if !ok {
		return Scores{}, false
	}
	return Scores{
		Score: toFloat(m["score"]),
		Boost: toFloat(m["boost"]),
		Total: toFloat(m["total"]),
	}, true
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	}
	return 0
}
