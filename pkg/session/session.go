package session

import (
	"fmt"
	"time"

	"github.com/harun/paperlens/pkg/types"
)

// Params are the caller-supplied inputs of a new session.
type Params struct {
	Topic     string
	ItemCount int
	Depth     types.Depth
}

// Session is the unit of analysis. Values returned by the Manager are
// copies; mutate through Manager.Mutate or Manager.Transition.
type Session struct {
	ID         string                         `json:"id"`
	Topic      string                         `json:"topic"`
	ItemCount  int                            `json:"itemCount"`
	Depth      types.Depth                    `json:"depth"`
	State      State                          `json:"state"`
	PausedFrom State                          `json:"pausedFrom,omitempty"`
	Items      []types.Item                   `json:"items,omitempty"`
	Summaries  map[string]types.SummaryResult `json:"summaries,omitempty"`
	CrossRef   *types.CrossRef                `json:"crossRef,omitempty"`
	Report     *types.Report                  `json:"report,omitempty"`
	QAHistory  []types.QARecord               `json:"qaHistory,omitempty"`

	FailureCode   string `json:"failureCode,omitempty"`
	FailureReason string `json:"failureReason,omitempty"`

	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
	LastActive time.Time `json:"lastActive"`
}

// Clone returns a deep copy.
func (s *Session) Clone() *Session {
	c := *s
	c.Items = append([]types.Item(nil), s.Items...)
	for i := range c.Items {
		c.Items[i].Authors = append([]string(nil), s.Items[i].Authors...)
	}
	if s.Summaries != nil {
		c.Summaries = make(map[string]types.SummaryResult, len(s.Summaries))
		for k, v := range s.Summaries {
			c.Summaries[k] = v
		}
	}
	if s.CrossRef != nil {
		cr := *s.CrossRef
		c.CrossRef = &cr
	}
	if s.Report != nil {
		r := *s.Report
		c.Report = &r
	}
	c.QAHistory = append([]types.QARecord(nil), s.QAHistory...)
	return &c
}

// Item returns the item with id, if retrieved.
func (s *Session) Item(id string) (types.Item, bool) {
	for _, it := range s.Items {
		if it.ID == id {
			return it, true
		}
	}
	return types.Item{}, false
}

// Pending returns the retrieved items that have no terminal summary yet,
// in retrieval order.
func (s *Session) Pending() []types.Item {
	var out []types.Item
	for _, it := range s.Items {
		if _, done := s.Summaries[it.ID]; !done {
			out = append(out, it)
		}
	}
	return out
}

// Tally counts successful and failed summaries.
func (s *Session) Tally() (succeeded, failed int) {
	for _, r := range s.Summaries {
		if r.Succeeded() {
			succeeded++
		} else {
			failed++
		}
	}
	return succeeded, failed
}

// Detail renders a deterministic one-line progress description. Two calls
// without an intervening mutation return the same text.
func (s *Session) Detail() string {
	ok, bad := s.Tally()
	switch s.State {
	case Created:
		return fmt.Sprintf("session created for %q", s.Topic)
	case Retrieving:
		return fmt.Sprintf("retrieving up to %d items for %q", s.ItemCount, s.Topic)
	case Summarizing:
		return fmt.Sprintf("summarized %d of %d items (%d failed)", ok+bad, len(s.Items), bad)
	case CrossReferencing:
		return fmt.Sprintf("cross-referencing %d summaries", ok)
	case Synthesizing:
		return fmt.Sprintf("synthesizing report from %d summaries", ok)
	case Interactive:
		return fmt.Sprintf("ready for questions: %d items analyzed, %d failed, %d questions answered", ok, bad, len(s.QAHistory))
	case Paused:
		return fmt.Sprintf("paused during %s: %d of %d items summarized", s.PausedFrom, ok+bad, len(s.Items))
	case Failed:
		return fmt.Sprintf("failed: %s: %s", s.FailureCode, s.FailureReason)
	}
	return string(s.State)
}

// Checkpoint captures the resumable state of a paused session: the state it
// was paused in plus every structurally complete stage output.
type Checkpoint struct {
	SessionID string                         `json:"sessionId"`
	State     State                          `json:"state"`
	Topic     string                         `json:"topic"`
	ItemCount int                            `json:"itemCount"`
	Depth     types.Depth                    `json:"depth"`
	Items     []types.Item                   `json:"items,omitempty"`
	Summaries map[string]types.SummaryResult `json:"summaries,omitempty"`
	CrossRef  *types.CrossRef                `json:"crossRef,omitempty"`
	Report    *types.Report                  `json:"report,omitempty"`
	PausedAt  time.Time                      `json:"pausedAt"`
}

func newCheckpoint(s *Session, at time.Time) *Checkpoint {
	c := s.Clone()
	return &Checkpoint{
		SessionID: c.ID,
		State:     c.PausedFrom,
		Topic:     c.Topic,
		ItemCount: c.ItemCount,
		Depth:     c.Depth,
		Items:     c.Items,
		Summaries: c.Summaries,
		CrossRef:  c.CrossRef,
		Report:    c.Report,
		PausedAt:  at,
	}
}

// Info is the listing view of a session.
type Info struct {
	ID         string    `json:"id"`
	Topic      string    `json:"topic"`
	State      State     `json:"state"`
	Detail     string    `json:"detail"`
	CreatedAt  time.Time `json:"createdAt"`
	LastActive time.Time `json:"lastActive"`
}

func (s *Session) Info() Info {
	return Info{ID: s.ID, Topic: s.Topic, State: s.State, Detail: s.Detail(), CreatedAt: s.CreatedAt, LastActive: s.LastActive}
}
