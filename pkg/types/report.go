package types

import "time"

// CrossRefEntry links two or more items through a shared observation.
type CrossRefEntry struct {
	ItemIDs      []string `json:"itemIds,omitempty"`
	Description  string   `json:"description"`
	Significance string   `json:"significance,omitempty"`
}

// CrossRef is computed from successful summaries only. Raw is set when the
// provider reply could not be decoded and is kept verbatim instead.
type CrossRef struct {
	Connections    []CrossRefEntry `json:"connections"`
	Contradictions []CrossRefEntry `json:"contradictions"`
	Gaps           []CrossRefEntry `json:"gaps"`
	Raw            string          `json:"raw,omitempty"`
}

// FailureNote records why an item is missing from the analysis.
type FailureNote struct {
	ItemID string `json:"itemId"`
	Title  string `json:"title,omitempty"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Report is the synthesized outcome of a run.
type Report struct {
	Topic            string        `json:"topic"`
	ExecutiveSummary string        `json:"executiveSummary"`
	KeyFindings      []string      `json:"keyFindings"`
	ResearchGaps     []string      `json:"researchGaps"`
	FutureDirections []string      `json:"futureDirections"`
	FullReport       string        `json:"fullReport,omitempty"`
	ItemsAnalyzed    int           `json:"itemsAnalyzed"`
	ItemsFailed      int           `json:"itemsFailed"`
	Failures         []FailureNote `json:"failures,omitempty"`
	Items            []ItemRef     `json:"items"`
	CrossRef         *CrossRef     `json:"crossRef,omitempty"`
	GeneratedAt      time.Time     `json:"generatedAt"`
}

// QARecord is one answered question.
type QARecord struct {
	Question  string     `json:"question"`
	Answer    string     `json:"answer"`
	Citations []Citation `json:"citations,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// Citation points an answer at the item that supports it.
type Citation struct {
	ItemID  string `json:"itemId"`
	Title   string `json:"title,omitempty"`
	Finding string `json:"finding,omitempty"`
}

// CitedAnswer is an answer with the items it relies on. Confidence is
// "high", "medium", "low" or empty when the provider gave none.
type CitedAnswer struct {
	Answer     string     `json:"answer"`
	Citations  []Citation `json:"citations"`
	Confidence string     `json:"confidence,omitempty"`
}

// Comparison contrasts a chosen set of items. Raw holds the reply verbatim
// when it could not be decoded.
type Comparison struct {
	Items                 []ItemRef         `json:"items"`
	Similarities          []string          `json:"similarities"`
	Differences           []string          `json:"differences"`
	ComplementaryInsights []string          `json:"complementaryInsights"`
	BestFor               map[string]string `json:"bestFor,omitempty"`
	Synthesis             string            `json:"synthesis,omitempty"`
	Failures              []FailureNote     `json:"failures,omitempty"`
	Raw                   string            `json:"raw,omitempty"`
	GeneratedAt           time.Time         `json:"generatedAt"`
}
