// Package prompts renders the text sent to the text service and parses its
// replies back into typed records.
package prompts

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/harun/paperlens/pkg/types"
	"gopkg.in/yaml.v3"
)

//go:embed prompts.yaml
var defaultPrompts []byte

// File is the on-disk layout of a prompt set.
type File struct {
	Summary   map[types.Depth]string `yaml:"summary"`
	Partials  map[string]string      `yaml:"partials"`
	CrossRef  string                 `yaml:"crossref"`
	Synthesis string                 `yaml:"synthesis"`
	Answer    string                 `yaml:"answer"`
	Compare   string                 `yaml:"compare"`
	Refine    string                 `yaml:"refine"`
}

// Set is a parsed prompt set.
type Set struct {
	root *template.Template
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
	defaultErr  error
)

// Default returns the embedded prompt set.
func Default() (*Set, error) {
	defaultOnce.Do(func() {
		defaultSet, defaultErr = Parse(defaultPrompts)
	})
	return defaultSet, defaultErr
}

// LoadFile parses a prompt set from a YAML file. Templates missing from the
// file fall back to the embedded ones.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read prompts file: %w", err)
	}
	var base, override File
	if err := yaml.Unmarshal(defaultPrompts, &base); err != nil {
		return nil, fmt.Errorf("failed to parse embedded prompts: %w", err)
	}
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse prompts file: %w", err)
	}
	return compile(merge(base, override))
}

// Parse compiles a YAML prompt set.
func Parse(data []byte) (*Set, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse prompts: %w", err)
	}
	return compile(f)
}

func merge(base, override File) File {
	for k, v := range override.Summary {
		if base.Summary == nil {
			base.Summary = map[types.Depth]string{}
		}
		base.Summary[k] = v
	}
	for k, v := range override.Partials {
		if base.Partials == nil {
			base.Partials = map[string]string{}
		}
		base.Partials[k] = v
	}
	pick := func(dst *string, v string) {
		if strings.TrimSpace(v) != "" {
			*dst = v
		}
	}
	pick(&base.CrossRef, override.CrossRef)
	pick(&base.Synthesis, override.Synthesis)
	pick(&base.Answer, override.Answer)
	pick(&base.Compare, override.Compare)
	pick(&base.Refine, override.Refine)
	return base
}

func compile(f File) (*Set, error) {
	root := template.New("prompts").Funcs(funcs).Option("missingkey=zero")

	for name, src := range f.Partials {
		if _, err := root.New(name).Parse(src); err != nil {
			return nil, fmt.Errorf("partial %q: %w", name, err)
		}
	}

	named := map[string]string{
		"crossref":  f.CrossRef,
		"synthesis": f.Synthesis,
		"answer":    f.Answer,
		"compare":   f.Compare,
		"refine":    f.Refine,
	}
	for _, d := range []types.Depth{types.DepthQuick, types.DepthStandard, types.DepthComprehensive} {
		named[summaryName(d)] = f.Summary[d]
	}

	var missing []string
	for name, src := range named {
		if strings.TrimSpace(src) == "" {
			missing = append(missing, name)
			continue
		}
		if _, err := root.New(name).Parse(src); err != nil {
			return nil, fmt.Errorf("template %q: %w", name, err)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing templates: %s", strings.Join(missing, ", "))
	}
	return &Set{root: root}, nil
}

func summaryName(d types.Depth) string { return "summary." + string(d) }

func (s *Set) render(name string, data any) (string, error) {
	var b strings.Builder
	if err := s.root.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// SummaryView is what the cross-reference, synthesis and answer templates
// see of one summarized item.
type SummaryView struct {
	ID        string
	Title     string
	Authors   []string
	Published time.Time
	Summary   *types.Summary
}

// View pairs an item with its successful summary.
func View(item types.Item, summary *types.Summary) SummaryView {
	if summary == nil {
		summary = &types.Summary{}
	}
	return SummaryView{
		ID:        item.ID,
		Title:     item.Title,
		Authors:   item.Authors,
		Published: item.Published,
		Summary:   summary,
	}
}

// Summary renders the per-item prompt for depth.
func (s *Set) Summary(item types.Item, depth types.Depth) (string, error) {
	if !depth.Valid() {
		return "", fmt.Errorf("unknown depth %q", depth)
	}
	return s.render(summaryName(depth), struct{ Item types.Item }{item})
}

// CrossRef renders the cross-reference prompt.
func (s *Set) CrossRef(summaries []SummaryView) (string, error) {
	if len(summaries) == 0 {
		return "", errors.New("no summaries to cross-reference")
	}
	return s.render("crossref", struct{ Summaries []SummaryView }{summaries})
}

// SynthesisInput is the data behind the synthesis prompt.
type SynthesisInput struct {
	Topic     string
	Summaries []SummaryView
	CrossRef  *types.CrossRef
	Failures  []types.FailureNote
}

// Synthesis renders the synthesis prompt.
func (s *Set) Synthesis(in SynthesisInput) (string, error) {
	if in.CrossRef == nil {
		in.CrossRef = &types.CrossRef{}
	}
	return s.render("synthesis", in)
}

// PriorView is an earlier analysis of the same topic.
type PriorView struct {
	Topic            string
	ExecutiveSummary string
}

// AnswerInput is the data behind the answer prompt.
type AnswerInput struct {
	Topic     string
	Question  string
	Report    *types.Report
	Summaries []SummaryView
	Prior     []PriorView
	History   []types.QARecord
	// Cited asks for a JSON reply naming the supporting items.
	Cited bool
}

// Answer renders the question-answering prompt.
func (s *Set) Answer(in AnswerInput) (string, error) {
	if strings.TrimSpace(in.Question) == "" {
		return "", errors.New("question is required")
	}
	return s.render("answer", in)
}

// Compare renders the prompt contrasting a chosen set of items.
func (s *Set) Compare(summaries []SummaryView) (string, error) {
	if len(summaries) < 2 {
		return "", errors.New("at least two summaries are needed to compare")
	}
	return s.render("compare", struct{ Summaries []SummaryView }{summaries})
}

// Refine renders the query-refinement prompt. Its signature matches
// itemsource.RefineFunc.
func (s *Set) Refine(topic string) (string, error) {
	return s.render("refine", struct{ Topic string }{topic})
}

var funcs = template.FuncMap{
	"inc":  func(i int) int { return i + 1 },
	"join": func(list []string, sep string) string { return strings.Join(list, sep) },
	"authors": func(list []string, n int) string {
		if len(list) == 0 {
			return "Unknown"
		}
		if len(list) > n {
			return strings.Join(list[:n], ", ") + " et al."
		}
		return strings.Join(list, ", ")
	},
	"date": func(t time.Time) string {
		if t.IsZero() {
			return "Unknown"
		}
		return t.Format("2006-01-02")
	},
	"year": func(t time.Time) string {
		if t.IsZero() {
			return "Unknown"
		}
		return t.Format("2006")
	},
	"entries": func(list []types.CrossRefEntry) string {
		if len(list) == 0 {
			return "None identified"
		}
		lines := make([]string, len(list))
		for i, e := range list {
			lines[i] = "- " + e.Description
		}
		return strings.Join(lines, "\n")
	},
}
