package engine

import (
	"sort"
	"strings"
)

// ElementNode is one candidate from an environment snapshot, flattened to
// the attributes the search scorer cares about.
type ElementNode struct {
	Ref         string            `json:"ref"`
	Name        string            `json:"name"` // accessible name / placeholder / aria-label
	Role        string            `json:"role"`
	Tag         string            `json:"tag"`
	Selector    string            `json:"selector"`
	Value       string            `json:"value"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Editable    bool              `json:"editable"`
	Disabled    bool              `json:"disabled"`
	Interactive bool              `json:"interactive"`
}

// RankedElement pairs a candidate with its score for result serialization.
type RankedElement struct {
	Node  ElementNode `json:"node"`
	Score int         `json:"score"`
}

const (
	scoreNameExact     = 42
	scoreNamePrefix    = 24
	scoreNameSubstring = 16
	scoreSelector      = 12
	scoreRoleExact     = 16
	scoreRoleSubstring = 8
	scoreValue         = 6
	scoreOtherAttr     = 3

	interactiveBonus = 10
	disabledPenalty  = 40

	typableBonus         = 18
	nonTypablePenalty    = 14
	containerRolePenalty = 10
)

var interactiveTags = map[string]struct{}{
	"a": {}, "button": {}, "input": {}, "select": {}, "textarea": {}, "option": {}, "summary": {},
}

var interactiveRoles = map[string]struct{}{
	"button": {}, "link": {}, "textbox": {}, "combobox": {}, "checkbox": {},
	"radio": {}, "menuitem": {}, "tab": {}, "switch": {}, "searchbox": {}, "option": {},
}

var typingIntentTokens = map[string]struct{}{
	"input": {}, "text": {}, "fill": {}, "compose": {}, "type": {}, "write": {}, "search": {},
}

var containerishRoles = map[string]struct{}{
	"label": {}, "group": {}, "generic": {}, "region": {}, "form": {}, "list": {}, "listitem": {},
}

// RankElements scores snapshot candidates against a free-text query and
// returns the top matches. Order among equals follows snapshot order.
func RankElements(nodes []ElementNode, query string, limit int) []RankedElement {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(query)))
	if len(tokens) == 0 || len(nodes) == 0 {
		return nil
	}
	typingIntent := false
	for _, tok := range tokens {
		if _, ok := typingIntentTokens[tok]; ok {
			typingIntent = true
			break
		}
	}

	type scored struct {
		idx       int
		score     int
		allTokens bool
	}
	candidates := make([]scored, 0, len(nodes))
	for i, node := range nodes {
		score, matched := scoreNode(node, tokens)
		if score <= 0 {
			continue
		}
		if typingIntent {
			score += typingAdjustment(node)
		}
		candidates = append(candidates, scored{idx: i, score: score, allTokens: matched == len(tokens)})
	}

	sort.SliceStable(candidates, func(a, b int) bool {
		if candidates[a].allTokens != candidates[b].allTokens {
			return candidates[a].allTokens
		}
		return candidates[a].score > candidates[b].score
	})

	if limit <= 0 {
		limit = 8
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]RankedElement, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, RankedElement{Node: nodes[c.idx], Score: c.score})
	}
	return out
}

// scoreNode returns the token-weighted score and how many query tokens
// matched at least one attribute.
func scoreNode(node ElementNode, tokens []string) (int, int) {
	name := strings.ToLower(node.Name)
	role := strings.ToLower(node.Role)
	tag := strings.ToLower(node.Tag)
	selector := strings.ToLower(node.Selector)
	value := strings.ToLower(node.Value)

	total := 0
	matched := 0
	for _, tok := range tokens {
		best := 0
		switch {
		case name == tok:
			best = scoreNameExact
		case name != "" && strings.HasPrefix(name, tok):
			best = scoreNamePrefix
		case strings.Contains(name, tok):
			best = scoreNameSubstring
		}
		if strings.Contains(selector, tok) {
			best += scoreSelector
		}
		if role == tok || tag == tok {
			best += scoreRoleExact
		} else if strings.Contains(role, tok) || strings.Contains(tag, tok) {
			best += scoreRoleSubstring
		}
		if value != "" && strings.Contains(value, tok) {
			best += scoreValue
		}
		if best == 0 {
			for _, attr := range node.Attributes {
				if strings.Contains(strings.ToLower(attr), tok) {
					best = scoreOtherAttr
					break
				}
			}
		}
		if best > 0 {
			matched++
			total += best
		}
	}
	if total == 0 {
		return 0, 0
	}

	if node.Interactive || isInteractive(tag, role) {
		total += interactiveBonus
	}
	if node.Disabled {
		total -= disabledPenalty
	}
	return total, matched
}

func typingAdjustment(node ElementNode) int {
	tag := strings.ToLower(node.Tag)
	role := strings.ToLower(node.Role)
	if node.Editable || tag == "input" || tag == "textarea" || role == "textbox" || role == "searchbox" || role == "combobox" {
		return typableBonus
	}
	if _, ok := containerishRoles[role]; ok {
		return -containerRolePenalty
	}
	if tag == "label" {
		return -containerRolePenalty
	}
	if tag == "button" || role == "button" {
		return -nonTypablePenalty
	}
	return 0
}

func isInteractive(tag string, role string) bool {
	if _, ok := interactiveTags[tag]; ok {
		return true
	}
	_, ok := interactiveRoles[role]
	return ok
}
