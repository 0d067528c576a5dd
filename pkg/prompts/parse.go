package prompts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/harun/paperlens/pkg/types"
)

// ErrNotJSON is returned when a reply holds no decodable JSON object.
var ErrNotJSON = errors.New("reply is not a JSON object")

// fallbackSummaryLen bounds the executive summary taken from an
// unstructured synthesis reply.
const fallbackSummaryLen = 500

// StripFences removes a surrounding markdown code fence (``` or ```json)
// and trims whitespace.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 && !strings.ContainsAny(s[:nl], "{[") {
		s = s[nl+1:]
	} else {
		s = strings.TrimPrefix(s, "json")
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// extractObject returns the outermost JSON object in s, tolerating prose
// around it.
func extractObject(s string) ([]byte, error) {
	s = StripFences(s)
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end < start {
		return nil, ErrNotJSON
	}
	return []byte(s[start : end+1]), nil
}

// ParseSummary decodes a summarization reply. It is strict: anything that
// is not a JSON object with a non-empty executive_summary is an error.
func ParseSummary(reply string) (*types.Summary, error) {
	raw, err := extractObject(reply)
	if err != nil {
		return nil, err
	}
	var s types.Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	s.ExecutiveSummary = strings.TrimSpace(s.ExecutiveSummary)
	if s.ExecutiveSummary == "" {
		return nil, errors.New("summary has no executive_summary")
	}
	return &s, nil
}

// flexEntry accepts either an object or a bare string.
type flexEntry struct {
	PaperIDs     types.StringList `json:"paper_ids"`
	ItemIDs      types.StringList `json:"itemIds"`
	Description  string           `json:"description"`
	Significance string           `json:"significance"`
}

func (e *flexEntry) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &e.Description)
	}
	type plain flexEntry
	return json.Unmarshal(data, (*plain)(e))
}

func (e flexEntry) entry() types.CrossRefEntry {
	ids := []string(e.PaperIDs)
	if len(ids) == 0 {
		ids = e.ItemIDs
	}
	return types.CrossRefEntry{
		ItemIDs:      ids,
		Description:  strings.TrimSpace(e.Description),
		Significance: strings.TrimSpace(e.Significance),
	}
}

func entries(in []flexEntry) []types.CrossRefEntry {
	out := make([]types.CrossRefEntry, 0, len(in))
	for _, e := range in {
		ce := e.entry()
		if ce.Description == "" {
			continue
		}
		out = append(out, ce)
	}
	return out
}

// ParseCrossRef decodes a cross-reference reply. A reply that is not JSON
// is kept verbatim in Raw; it never fails.
func ParseCrossRef(reply string) *types.CrossRef {
	var wire struct {
		Connections    []flexEntry `json:"connections"`
		Contradictions []flexEntry `json:"contradictions"`
		Gaps           []flexEntry `json:"research_gaps"`
		AltGaps        []flexEntry `json:"gaps"`
	}
	raw, err := extractObject(reply)
	if err == nil {
		err = json.Unmarshal(raw, &wire)
	}
	if err != nil {
		return &types.CrossRef{
			Connections:    []types.CrossRefEntry{},
			Contradictions: []types.CrossRefEntry{},
			Gaps:           []types.CrossRefEntry{},
			Raw:            strings.TrimSpace(reply),
		}
	}
	gaps := wire.Gaps
	if len(gaps) == 0 {
		gaps = wire.AltGaps
	}
	return &types.CrossRef{
		Connections:    entries(wire.Connections),
		Contradictions: entries(wire.Contradictions),
		Gaps:           entries(gaps),
	}
}

// textList accepts an array of strings or objects, or a single string.
// Objects are reduced to their description, finding or title.
type textList []string

func (l *textList) UnmarshalJSON(data []byte) error {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		if one = strings.TrimSpace(one); one != "" {
			*l = textList{one}
		}
		return nil
	}
	out := make(textList, 0, len(items))
	for _, it := range items {
		var s string
		if err := json.Unmarshal(it, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
			continue
		}
		var obj map[string]any
		if err := json.Unmarshal(it, &obj); err != nil {
			continue
		}
		for _, key := range []string{"description", "finding", "direction", "gap", "title"} {
			if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
				out = append(out, strings.TrimSpace(v))
				break
			}
		}
	}
	*l = out
	return nil
}

// Synthesis is the decoded synthesis reply.
type Synthesis struct {
	ExecutiveSummary string
	KeyFindings      []string
	ResearchGaps     []string
	FutureDirections []string
	FullReport       string
	// Structured is false when the reply was not JSON and the fields were
	// derived from the raw text.
	Structured bool
}

// ParseSynthesis decodes a synthesis reply. A reply that is not JSON
// becomes the full report, and its first 500 characters the executive
// summary.
func ParseSynthesis(reply string) Synthesis {
	var wire struct {
		ExecutiveSummary string   `json:"executive_summary"`
		KeyFindings      textList `json:"key_findings"`
		ResearchGaps     textList `json:"research_gaps"`
		FutureDirections textList `json:"future_directions"`
		FullReport       string   `json:"full_report"`
	}
	raw, err := extractObject(reply)
	if err == nil {
		err = json.Unmarshal(raw, &wire)
	}
	if err != nil || strings.TrimSpace(wire.ExecutiveSummary) == "" && strings.TrimSpace(wire.FullReport) == "" {
		text := strings.TrimSpace(reply)
		return Synthesis{
			ExecutiveSummary: truncate(text, fallbackSummaryLen),
			KeyFindings:      []string{},
			ResearchGaps:     []string{},
			FutureDirections: []string{},
			FullReport:       text,
		}
	}
	return Synthesis{
		ExecutiveSummary: strings.TrimSpace(wire.ExecutiveSummary),
		KeyFindings:      nonNil(wire.KeyFindings),
		ResearchGaps:     nonNil(wire.ResearchGaps),
		FutureDirections: nonNil(wire.FutureDirections),
		FullReport:       strings.TrimSpace(wire.FullReport),
		Structured:       true,
	}
}

func nonNil(l textList) []string {
	if l == nil {
		return []string{}
	}
	return l
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// CleanAnswer trims an answer reply.
func CleanAnswer(reply string) (string, error) {
	answer := strings.TrimSpace(reply)
	if answer == "" {
		return "", errors.New("empty answer")
	}
	return answer, nil
}

// ParseCitedAnswer decodes a cited answer reply. A reply that is not JSON
// is taken as the answer text with no citations.
func ParseCitedAnswer(reply string) (types.CitedAnswer, error) {
	var wire struct {
		Answer    string `json:"answer"`
		Citations []struct {
			PaperID string `json:"paper_id"`
			ItemID  string `json:"item_id"`
			Title   string `json:"title"`
			Finding string `json:"relevant_finding"`
		} `json:"citations"`
		Confidence string `json:"confidence"`
	}
	raw, err := extractObject(reply)
	if err == nil {
		err = json.Unmarshal(raw, &wire)
	}
	if err != nil || strings.TrimSpace(wire.Answer) == "" {
		answer, cerr := CleanAnswer(reply)
		if cerr != nil {
			return types.CitedAnswer{}, cerr
		}
		return types.CitedAnswer{Answer: answer, Citations: []types.Citation{}}, nil
	}

	out := types.CitedAnswer{
		Answer:     strings.TrimSpace(wire.Answer),
		Citations:  make([]types.Citation, 0, len(wire.Citations)),
		Confidence: strings.ToLower(strings.TrimSpace(wire.Confidence)),
	}
	for _, c := range wire.Citations {
		id := strings.TrimSpace(c.PaperID)
		if id == "" {
			id = strings.TrimSpace(c.ItemID)
		}
		if id == "" {
			continue
		}
		out.Citations = append(out.Citations, types.Citation{
			ItemID:  id,
			Title:   strings.TrimSpace(c.Title),
			Finding: strings.TrimSpace(c.Finding),
		})
	}
	return out, nil
}

// ParseComparison decodes a comparison reply. A reply that is not JSON is
// kept verbatim in Raw; it never fails.
func ParseComparison(reply string) *types.Comparison {
	var wire struct {
		Similarities  textList          `json:"similarities"`
		Differences   textList          `json:"differences"`
		Complementary textList          `json:"complementary_insights"`
		BestFor       map[string]string `json:"best_for"`
		Synthesis     string            `json:"synthesis"`
	}
	raw, err := extractObject(reply)
	if err == nil {
		err = json.Unmarshal(raw, &wire)
	}
	if err != nil {
		return &types.Comparison{
			Similarities:          []string{},
			Differences:           []string{},
			ComplementaryInsights: []string{},
			Raw:                   strings.TrimSpace(reply),
		}
	}
	return &types.Comparison{
		Similarities:          nonNil(wire.Similarities),
		Differences:           nonNil(wire.Differences),
		ComplementaryInsights: nonNil(wire.Complementary),
		BestFor:               wire.BestFor,
		Synthesis:             strings.TrimSpace(wire.Synthesis),
	}
}
