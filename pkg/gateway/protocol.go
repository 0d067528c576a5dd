package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/harun/paperlens/pkg/orchestrator"
	"github.com/harun/paperlens/pkg/session"
	"github.com/harun/paperlens/pkg/types"
)

// MessageType is the "type" tag of a channel frame.
type MessageType string

// Inbound message types.
const (
	TypeStart      MessageType = "start"
	TypeQuestion   MessageType = "question"
	TypePing       MessageType = "ping"
	TypeStatus     MessageType = "status"
	TypePause      MessageType = "pause"
	TypeResume     MessageType = "resume"
	TypeClose      MessageType = "close"
	TypeDisconnect MessageType = "disconnect"
)

// Outbound message types. "status" is used in both directions.
const (
	TypeResult MessageType = "result"
	TypeAnswer MessageType = "answer"
	TypeError  MessageType = "error"
	TypePong   MessageType = "pong"
)

// Error codes sent in error frames and HTTP error bodies.
const (
	CodeMalformedMessage  = "MalformedMessage"
	CodeUnknownType       = "UnknownType"
	CodeInvalidMessage    = "InvalidMessage"
	CodeSessionNotFound   = "SessionNotFound"
	CodeNotReady          = "NotReady"
	CodeInvalidTransition = "InvalidTransition"
	CodeNotPaused         = "NotPaused"
	CodeBusy              = "Busy"
	CodeShuttingDown      = "ShuttingDown"
	CodeInternal          = "InternalError"
)

// ProtocolError is a frame the channel could not accept. It never affects
// session state.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Inbound is one decoded client frame. The set of implementations is closed.
type Inbound interface {
	messageType() MessageType
}

// StartMessage asks for a new analysis.
type StartMessage struct {
	Topic     string      `json:"topic"`
	ItemCount int         `json:"itemCount"`
	Depth     types.Depth `json:"depth,omitempty"`
}

// QuestionMessage asks a follow-up question on an INTERACTIVE session.
// With Citations set the answer names the items it relies on.
type QuestionMessage struct {
	SessionID string `json:"sessionId"`
	Text      string `json:"text"`
	Citations bool   `json:"citations,omitempty"`
}

// PingMessage is answered with pong.
type PingMessage struct{}

// StatusRequest asks for the current stage of a session.
type StatusRequest struct {
	SessionID string `json:"sessionId"`
}

// PauseMessage pauses a running pipeline.
type PauseMessage struct {
	SessionID string `json:"sessionId"`
}

// ResumeMessage resumes a paused pipeline.
type ResumeMessage struct {
	SessionID string `json:"sessionId"`
}

// CloseMessage closes a session and releases its memory.
type CloseMessage struct {
	SessionID string `json:"sessionId"`
}

// DisconnectMessage ends the connection.
type DisconnectMessage struct{}

func (*StartMessage) messageType() MessageType      { return TypeStart }
func (*QuestionMessage) messageType() MessageType   { return TypeQuestion }
func (*PingMessage) messageType() MessageType       { return TypePing }
func (*StatusRequest) messageType() MessageType     { return TypeStatus }
func (*PauseMessage) messageType() MessageType      { return TypePause }
func (*ResumeMessage) messageType() MessageType     { return TypeResume }
func (*CloseMessage) messageType() MessageType      { return TypeClose }
func (*DisconnectMessage) messageType() MessageType { return TypeDisconnect }

func newInbound(t MessageType) Inbound {
	switch t {
	case TypeStart:
		return &StartMessage{}
	case TypeQuestion:
		return &QuestionMessage{}
	case TypePing:
		return &PingMessage{}
	case TypeStatus:
		return &StatusRequest{}
	case TypePause:
		return &PauseMessage{}
	case TypeResume:
		return &ResumeMessage{}
	case TypeClose:
		return &CloseMessage{}
	case TypeDisconnect:
		return &DisconnectMessage{}
	}
	return nil
}

// Decode parses and validates one inbound frame. Failures are always a
// *ProtocolError.
func Decode(data []byte) (Inbound, error) {
	var envelope struct {
		Type any `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &ProtocolError{Code: CodeMalformedMessage, Message: fmt.Sprintf("malformed message: %v", err)}
	}
	tag, ok := envelope.Type.(string)
	if !ok {
		return nil, &ProtocolError{Code: CodeInvalidMessage, Message: "message type must be a string"}
	}

	msg := newInbound(MessageType(tag))
	if msg == nil {
		return nil, &ProtocolError{Code: CodeUnknownType, Message: fmt.Sprintf("unknown message type %q", tag)}
	}
	if err := validateInbound(msg.messageType(), data); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidMessage, Message: err.Error()}
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, &ProtocolError{Code: CodeInvalidMessage, Message: err.Error()}
	}
	return msg, nil
}

// Encode renders an inbound message with its type tag.
func Encode(msg Inbound) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"], _ = json.Marshal(msg.messageType())
	return json.Marshal(fields)
}

// Outbound is a server frame. Only the fields of its type are set.
type Outbound struct {
	Type       MessageType      `json:"type"`
	SessionID  string           `json:"sessionId,omitempty"`
	Stage      string           `json:"stage,omitempty"`
	Detail     string           `json:"detail,omitempty"`
	Report     *types.Report    `json:"report,omitempty"`
	Question   string           `json:"question,omitempty"`
	Text       string           `json:"text,omitempty"`
	Citations  []types.Citation `json:"citations,omitempty"`
	Confidence string           `json:"confidence,omitempty"`
	Code       string           `json:"code,omitempty"`
	Message    string           `json:"message,omitempty"`
}

func statusMessage(sessionID string, stage session.State, detail string) Outbound {
	return Outbound{Type: TypeStatus, SessionID: sessionID, Stage: string(stage), Detail: detail}
}

func answerMessage(sessionID, question, text string) Outbound {
	return Outbound{Type: TypeAnswer, SessionID: sessionID, Question: question, Text: text}
}

func citedAnswerMessage(sessionID, question string, a *types.CitedAnswer) Outbound {
	msg := answerMessage(sessionID, question, a.Answer)
	msg.Citations = a.Citations
	msg.Confidence = a.Confidence
	return msg
}

func errorMessage(sessionID string, err error) Outbound {
	code, _ := classify(err)
	text := err.Error()
	var perr *ProtocolError
	if errors.As(err, &perr) {
		text = perr.Message
	}
	return Outbound{Type: TypeError, SessionID: sessionID, Code: code, Message: text}
}

// eventMessage converts an orchestrator event into its wire frame.
func eventMessage(ev orchestrator.Event) Outbound {
	switch ev.Kind {
	case orchestrator.EventResult:
		return Outbound{Type: TypeResult, SessionID: ev.SessionID, Report: ev.Report}
	case orchestrator.EventError:
		return Outbound{Type: TypeError, SessionID: ev.SessionID, Code: ev.Code, Message: ev.Message}
	default:
		return statusMessage(ev.SessionID, ev.Stage, ev.Detail)
	}
}

// classify maps an error to its wire code and HTTP status.
func classify(err error) (string, int) {
	var perr *ProtocolError
	var serr *orchestrator.StageError
	switch {
	case errors.As(err, &perr):
		return perr.Code, http.StatusBadRequest
	case errors.As(err, &serr):
		return serr.Code, http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrNotFound):
		return CodeSessionNotFound, http.StatusNotFound
	case errors.Is(err, orchestrator.ErrNotReady):
		return CodeNotReady, http.StatusConflict
	case errors.Is(err, session.ErrNotPaused):
		return CodeNotPaused, http.StatusConflict
	case errors.Is(err, session.ErrInvalidTransition):
		return CodeInvalidTransition, http.StatusConflict
	case errors.Is(err, session.ErrInvalidParams):
		return CodeInvalidMessage, http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrInterrupted):
		return orchestrator.CodeInterrupted, http.StatusConflict
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return CodeShuttingDown, http.StatusServiceUnavailable
	}
	return CodeInternal, http.StatusInternalServerError
}
