// Package insights extracts structured caseload insights from the
// assistant's final answer and keeps them in the agent_insights table.
package insights

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

// MaxPerTurn caps how many insights a single answer may raise.
const MaxPerTurn = 10

// Insight is one finding the assistant raised about the caseload.
type Insight struct {
	ID             string     `json:"id,omitempty"`
	AgentRunID     string     `json:"agent_run_id,omitempty"`
	Category       string     `json:"category"`
	Priority       string     `json:"priority"`
	Finding        string     `json:"finding"`
	Recommendation string     `json:"recommendation"`
	Status         string     `json:"status,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      *time.Time `json:"created_at,omitempty"`
}

var fencedBlock = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n(.*?)```")

// Extract finds insights in model text. It tries, in order: the whole
// text as JSON, each fenced code block, each balanced bracket span, and
// finally the same candidates after repairing common model mistakes
// (trailing commas, smart quotes, single quotes). Both a bare array and
// an {"insights": [...]} object are accepted. Entries missing a field or
// with an unknown priority are dropped. Returns nil when nothing valid
// is found.
func Extract(text string) []Insight {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	candidates := []string{text}
	for _, m := range fencedBlock.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}
	candidates = append(candidates, bracketSpans(text)...)

	for _, c := range candidates {
		if got, ok := decode(c); ok {
			return got
		}
	}
	for _, c := range candidates {
		if got, ok := decode(repair(c)); ok {
			return got
		}
	}
	return nil
}

// decode parses s as an insight array or wrapper object. ok is true only
// when at least one valid insight was found.
func decode(s string) ([]Insight, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	var list []Insight
	if s[0] == '[' {
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, false
		}
	} else {
		var wrapper struct {
			Insights []Insight `json:"insights"`
		}
		if err := json.Unmarshal([]byte(s), &wrapper); err != nil {
			return nil, false
		}
		list = wrapper.Insights
	}

	var out []Insight
	for _, in := range list {
		if in, ok := clean(in); ok {
			out = append(out, in)
			if len(out) == MaxPerTurn {
				break
			}
		}
	}
	return out, len(out) > 0
}

func clean(in Insight) (Insight, bool) {
	out := Insight{
		Category:       strings.TrimSpace(in.Category),
		Priority:       strings.ToLower(strings.TrimSpace(in.Priority)),
		Finding:        strings.TrimSpace(in.Finding),
		Recommendation: strings.TrimSpace(in.Recommendation),
	}
	switch out.Priority {
	case "high", "medium", "low":
	default:
		return Insight{}, false
	}
	if out.Category == "" || out.Finding == "" || out.Recommendation == "" {
		return Insight{}, false
	}
	return out, true
}

// bracketSpans returns every balanced [...] or {...} span that starts at
// an opening bracket not nested inside an earlier span. Brackets inside
// JSON strings are ignored.
func bracketSpans(s string) []string {
	var spans []string
	for i := 0; i < len(s); i++ {
		if s[i] != '[' && s[i] != '{' {
			continue
		}
		if end := matchBracket(s, i); end > i {
			spans = append(spans, s[i:end+1])
			i = end
		}
	}
	return spans
}

func matchBracket(s string, start int) int {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

var trailingComma = regexp.MustCompile(`,\s*([\]}])`)

var smartQuotes = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")

func repair(s string) string {
	s = smartQuotes.Replace(s)
	if !strings.Contains(s, `"`) {
		s = strings.ReplaceAll(s, "'", `"`)
	}
	return trailingComma.ReplaceAllString(s, "$1")
}
