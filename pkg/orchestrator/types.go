package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/textgen"
	"github.com/harun/paperlens/pkg/types"
)

// Stage failure codes reported on the wire.
const (
	CodeNoItemsFound       = "NoItemsFound"
	CodeRetrievalFailed    = "RetrievalFailed"
	CodeAllSummariesFailed = "AllSummariesFailed"
	CodeStageFailed        = "StageFailed"
	CodeInterrupted        = "Interrupted"
)

var (
	// ErrNotReady is returned for questions on sessions that are not INTERACTIVE.
	ErrNotReady = errors.New("session not ready")
	// ErrInterrupted is returned by Analyze when the run was paused or closed
	// before reaching a terminal state.
	ErrInterrupted = errors.New("analysis interrupted")
	// ErrShuttingDown is returned for new work after Shutdown.
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// StageError is a stage-fatal failure. It moves the session to FAILED.
type StageError struct {
	Stage  session.State
	Code   string
	Reason string
	Err    error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Code, e.Reason)
}

func (e *StageError) Unwrap() error { return e.Err }

func stageError(stage session.State, code string, err error) *StageError {
	return &StageError{Stage: stage, Code: code, Reason: err.Error(), Err: err}
}

// StartRequest asks for a new analysis.
type StartRequest struct {
	Topic     string      `json:"topic"`
	ItemCount int         `json:"itemCount"`
	Depth     types.Depth `json:"depth,omitempty"`
}

func (r StartRequest) params() session.Params {
	return session.Params{Topic: r.Topic, ItemCount: r.ItemCount, Depth: r.Depth}
}

// Tunables are the pipeline settings that can change while running.
type Tunables struct {
	Concurrency int
	// TaskTimeout bounds each summarization attempt.
	TaskTimeout time.Duration
	// StageTimeout bounds retrieval, cross-referencing and synthesis.
	StageTimeout time.Duration
	Retry        textgen.RetryPolicy
	// ContextLimit is how many summaries back an answer.
	ContextLimit int
}

// DefaultTunables returns the defaults used when none are configured.
func DefaultTunables() Tunables {
	return Tunables{
		Concurrency:  5,
		TaskTimeout:  2 * time.Minute,
		StageTimeout: 5 * time.Minute,
		Retry:        textgen.DefaultRetryPolicy(),
		ContextLimit: 5,
	}
}

// EventKind distinguishes pipeline notifications.
type EventKind string

const (
	EventStatus EventKind = "status"
	EventResult EventKind = "result"
	EventError  EventKind = "error"
	// EventEvicted is emitted after a session was closed or evicted; Detail
	// carries the session.EvictReason.
	EventEvicted EventKind = "evicted"
)

// Event is a pipeline notification for one session.
type Event struct {
	Kind      EventKind
	SessionID string
	Stage     session.State
	Detail    string
	Report    *types.Report
	Code      string
	Message   string
	// Origin is the connection id that started or resumed the run. It is
	// only set on the first event of that run.
	Origin string
}

// EventSink receives events. Sinks are called synchronously from pipeline
// goroutines and must not block; slow consumers must queue.
type EventSink func(ev Event)

// StatusView is the externally visible state of a session.
type StatusView struct {
	SessionID      string        `json:"sessionId"`
	Topic          string        `json:"topic"`
	Depth          types.Depth   `json:"depth"`
	State          session.State `json:"state"`
	PausedFrom     session.State `json:"pausedFrom,omitempty"`
	Detail         string        `json:"detail"`
	ItemCount      int           `json:"itemCount"`
	ItemsRetrieved int           `json:"itemsRetrieved"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Questions      int           `json:"questions"`
	FailureCode    string        `json:"failureCode,omitempty"`
	FailureReason  string        `json:"failureReason,omitempty"`
	Report         *types.Report `json:"report,omitempty"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

func statusView(s *session.Session) StatusView {
	ok, bad := s.Tally()
	return StatusView{
		SessionID:      s.ID,
		Topic:          s.Topic,
		Depth:          s.Depth,
		State:          s.State,
		PausedFrom:     s.PausedFrom,
		Detail:         s.Detail(),
		ItemCount:      s.ItemCount,
		ItemsRetrieved: len(s.Items),
		Succeeded:      ok,
		Failed:         bad,
		Questions:      len(s.QAHistory),
		FailureCode:    s.FailureCode,
		FailureReason:  s.FailureReason,
		Report:         s.Report,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
	}
}

// summaryRecord is the memory value stored per summarized item.
type summaryRecord struct {
	Item   types.Item          `json:"item"`
	Result types.SummaryResult `json:"result"`
}

// topicRecord is the cross-session entry a completed run leaves behind.
type topicRecord struct {
	SessionID        string    `json:"sessionId"`
	Topic            string    `json:"topic"`
	ExecutiveSummary string    `json:"executiveSummary"`
	KeyFindings      []string  `json:"keyFindings,omitempty"`
	ItemsAnalyzed    int       `json:"itemsAnalyzed"`
	CompletedAt      time.Time `json:"completedAt"`
}
