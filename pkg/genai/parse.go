package genai

import (
	"strings"

	"github.com/tidwall/gjson"
)

// selectionKeys are the JSON keys a retrieval response may carry its ranked ids under.
var selectionKeys = []string{"selected_ids", "top_10_papers", "top_10_plots"}

// StripFences removes a surrounding markdown code fence (```json ... ```)
// from a model response.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	} else {
		s = strings.TrimPrefix(s, "```")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// ParseSelectedIDs extracts the ranked id list from a retrieval response.
// It reports false when the response is not a JSON object.
func ParseSelectedIDs(response string) ([]string, bool) {
	doc := StripFences(response)
	if !gjson.Valid(doc) || !gjson.Parse(doc).IsObject() {
		return nil, false
	}
	for _, key := range selectionKeys {
		res := gjson.Get(doc, key)
		if !res.IsArray() {
			continue
		}
		var ids []string
		for _, v := range res.Array() {
			if id := strings.TrimSpace(v.String()); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) > 0 {
			return ids, true
		}
	}
	return nil, true
}

// ScoresFromRanking converts a ranked id list into per-candidate scores:
// the first ranked id scores len(ranked), the next one less, and candidates
// not ranked score 0. Unknown and repeated ids are ignored.
func ScoresFromRanking(candidates []Candidate, ranked []string) []float64 {
	pos := make(map[string]int, len(candidates))
	for i, c := range candidates {
		if _, dup := pos[c.ID]; !dup {
			pos[c.ID] = i
		}
	}
	scores := make([]float64, len(candidates))
	rank := 0
	for _, id := range ranked {
		i, ok := pos[id]
		if !ok || scores[i] > 0 {
			continue
		}
		scores[i] = float64(len(ranked) - rank)
		rank++
	}
	return scores
}

// ParseCritique decodes a critic response. It reports false when the
// response is not a JSON object.
func ParseCritique(response string) (Critique, bool) {
	doc := StripFences(response)
	if !gjson.Valid(doc) || !gjson.Parse(doc).IsObject() {
		return Critique{}, false
	}
	var c Critique
	for _, v := range gjson.Get(doc, "critic_suggestions").Array() {
		if s := strings.TrimSpace(v.String()); s != "" {
			c.Suggestions = append(c.Suggestions, s)
		}
	}
	if rd := gjson.Get(doc, "revised_description"); rd.Type == gjson.String {
		c.RevisedDescription = strings.TrimSpace(rd.String())
	}
	return c, true
}

// ExtractCode returns the body of the first ```python fence in response, or
// of the first plain fence, or the whole trimmed response.
func ExtractCode(response string) string {
	for _, open := range []string{"```python", "```"} {
		start := strings.Index(response, open)
		if start < 0 {
			continue
		}
		start += len(open)
		end := strings.Index(response[start:], "```")
		if end < 0 {
			return strings.TrimSpace(response[start:])
		}
		return strings.TrimSpace(response[start : start+end])
	}
	return strings.TrimSpace(response)
}
