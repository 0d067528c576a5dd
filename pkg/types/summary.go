package types

import (
	"encoding/json"
	"strings"
)

// SummaryStatus is the terminal outcome of one summarization task.
type SummaryStatus string

const (
	SummarySuccess SummaryStatus = "success"
	SummaryFailed  SummaryStatus = "failed"
)

// Per-item failure codes.
const (
	ErrCodeMalformedResponse = "MalformedResponse"
	ErrCodeRetriesExhausted  = "RetriesExhausted"
	ErrCodePermanent         = "PermanentError"
)

// StringList decodes from either a JSON array of strings or a single string.
// Providers are inconsistent about bullet lists.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one = strings.TrimSpace(one); one != "" {
		*l = StringList{one}
	} else {
		*l = nil
	}
	return nil
}

// Summary is the structured payload of a successful summarization.
// Which fields are populated depends on the requested Depth.
type Summary struct {
	ExecutiveSummary string     `json:"executive_summary"`
	Problem          string     `json:"problem,omitempty"`
	Contributions    StringList `json:"contributions,omitempty"`
	Methodology      string     `json:"methodology,omitempty"`
	Results          string     `json:"results,omitempty"`
	Conclusions      string     `json:"conclusions,omitempty"`
	Limitations      string     `json:"limitations,omitempty"`
	FutureWork       string     `json:"future_work,omitempty"`
	KeyContribution  string     `json:"key_contribution,omitempty"`
	MainResult       string     `json:"main_result,omitempty"`
}

// SummaryResult is the terminal outcome for one item.
type SummaryResult struct {
	ItemID      string        `json:"itemId"`
	Status      SummaryStatus `json:"status"`
	Payload     *Summary      `json:"payload,omitempty"`
	ErrorCode   string        `json:"errorCode,omitempty"`
	ErrorReason string        `json:"errorReason,omitempty"`
	Attempts    int           `json:"attempts"`
}

// Succeeded reports whether the result carries a payload.
func (r SummaryResult) Succeeded() bool {
	return r.Status == SummarySuccess && r.Payload != nil
}
