package prompts

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/paperlens/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testItem() types.Item {
	return types.Item{
		ID:        "2401.00001",
		Title:     "Surface Codes at Scale",
		Authors:   []string{"Ada", "Grace", "Alan", "Edsger", "Barbara", "Donald"},
		Abstract:  "We scale surface codes.",
		Published: time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
	}
}

func TestDefaultSummaryPerDepth(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	quick, err := set.Summary(testItem(), types.DepthQuick)
	require.NoError(t, err)
	assert.Contains(t, quick, "QUICK")
	assert.Contains(t, quick, "key_contribution")
	assert.Contains(t, quick, "Title: Surface Codes at Scale")
	assert.Contains(t, quick, "Ada, Grace, Alan, Edsger, Barbara et al.")
	assert.Contains(t, quick, "Published: 2024-01-03")

	standard, err := set.Summary(testItem(), types.DepthStandard)
	require.NoError(t, err)
	assert.Contains(t, standard, "STANDARD")

	comprehensive, err := set.Summary(testItem(), types.DepthComprehensive)
	require.NoError(t, err)
	assert.Contains(t, comprehensive, "future_work")

	_, err = set.Summary(testItem(), "deep")
	assert.Error(t, err)
}

func TestCrossRefAndSynthesisRender(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	views := []SummaryView{
		View(testItem(), &types.Summary{ExecutiveSummary: "Codes scale.", Contributions: types.StringList{"a", "b"}}),
		View(types.Item{ID: "x2", Title: "Other"}, nil),
	}

	cr, err := set.CrossRef(views)
	require.NoError(t, err)
	assert.Contains(t, cr, "Paper 1:")
	assert.Contains(t, cr, "ID: 2401.00001")
	assert.Contains(t, cr, "Key contributions: a; b")
	assert.Contains(t, cr, "Paper 2:")

	_, err = set.CrossRef(nil)
	assert.Error(t, err)

	syn, err := set.Synthesis(SynthesisInput{
		Topic:     "surface codes",
		Summaries: views,
		CrossRef: &types.CrossRef{
			Connections: []types.CrossRefEntry{{Description: "both scale"}},
		},
		Failures: []types.FailureNote{{ItemID: "x3"}},
	})
	require.NoError(t, err)
	assert.Contains(t, syn, "RESEARCH TOPIC: surface codes")
	assert.Contains(t, syn, "- both scale")
	assert.Contains(t, syn, "None identified")
	assert.Contains(t, syn, "1 paper(s) could not be summarized")

	_, err = set.Synthesis(SynthesisInput{Topic: "t", Summaries: views})
	assert.NoError(t, err, "nil cross-reference renders as empty")
}

func TestAnswerRender(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	out, err := set.Answer(AnswerInput{
		Topic:     "surface codes",
		Question:  "What threshold was reached?",
		Report:    &types.Report{ExecutiveSummary: "Codes work.", KeyFindings: []string{"threshold 1%"}},
		Summaries: []SummaryView{View(testItem(), &types.Summary{ExecutiveSummary: "Codes scale.", Results: "1% threshold"})},
		Prior:     []PriorView{{Topic: "surface codes", ExecutiveSummary: "Earlier run."}},
		History:   []types.QARecord{{Question: "q1", Answer: "a1"}},
	})
	require.NoError(t, err)
	assert.Contains(t, out, "- threshold 1%")
	assert.Contains(t, out, "Results: 1% threshold")
	assert.Contains(t, out, "EARLIER ANALYSES")
	assert.Contains(t, out, "Q: q1")
	assert.Contains(t, out, "QUESTION: What threshold was reached?")

	bare, err := set.Answer(AnswerInput{Topic: "t", Question: "q"})
	require.NoError(t, err)
	assert.Contains(t, bare, "No relevant paper summaries found.")
	assert.NotContains(t, bare, "EARLIER")

	_, err = set.Answer(AnswerInput{Topic: "t", Question: "  "})
	assert.Error(t, err)

	cited, err := set.Answer(AnswerInput{Topic: "t", Question: "q", Cited: true})
	require.NoError(t, err)
	assert.Contains(t, cited, "relevant_finding")
	assert.NotContains(t, bare, "relevant_finding")
}

func TestCompareRender(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)

	other := testItem()
	other.ID, other.Title = "2401.00002", "Color Codes"
	out, err := set.Compare([]SummaryView{
		View(testItem(), &types.Summary{ExecutiveSummary: "Codes scale.", Methodology: "simulation"}),
		View(other, &types.Summary{ExecutiveSummary: "Colors help."}),
	})
	require.NoError(t, err)
	assert.Contains(t, out, "ID: 2401.00001")
	assert.Contains(t, out, "Title: Color Codes")
	assert.Contains(t, out, "Methodology: simulation")
	assert.Contains(t, out, "best_for")

	_, err = set.Compare([]SummaryView{View(testItem(), nil)})
	assert.Error(t, err)
}

func TestRefineRender(t *testing.T) {
	set, err := Default()
	require.NoError(t, err)
	out, err := set.Refine("quantum error correction")
	require.NoError(t, err)
	assert.Contains(t, out, "Original query: quantum error correction")
}

func TestLoadFileOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("refine: \"REFINE {{.Topic}}\"\n"), 0o644))

	set, err := LoadFile(path)
	require.NoError(t, err)

	out, err := set.Refine("x")
	require.NoError(t, err)
	assert.Equal(t, "REFINE x", out)

	_, err = set.Summary(testItem(), types.DepthQuick)
	assert.NoError(t, err, "templates not in the file come from the embedded set")

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseRejectsIncompleteSet(t *testing.T) {
	_, err := Parse([]byte("refine: hi\n"))
	assert.ErrorContains(t, err, "missing templates")

	_, err = Parse([]byte("refine: \"{{.Topic\"\n"))
	assert.Error(t, err)
}
