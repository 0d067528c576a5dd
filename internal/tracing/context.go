package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey identifies one inbound request or channel message.
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey identifies one pipeline run of a session.
	RunIDKey ContextKey = "run_id"
	// SessionIDKey identifies the analysis session.
	SessionIDKey ContextKey = "session_id"
	// ConnIDKey identifies the channel connection a request arrived on.
	ConnIDKey ContextKey = "conn_id"
)

// TraceContext is the set of correlation ids carried through a request.
type TraceContext struct {
	TraceID   string
	RunID     string
	SessionID string
	ConnID    string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

func WithConnID(ctx context.Context, connID string) context.Context {
	return context.WithValue(ctx, ConnIDKey, connID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string   { return stringValue(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string     { return stringValue(ctx, RunIDKey) }
func GetSessionID(ctx context.Context) string { return stringValue(ctx, SessionIDKey) }
func GetConnID(ctx context.Context) string    { return stringValue(ctx, ConnIDKey) }

// FromContext extracts all correlation ids from ctx.
func FromContext(ctx context.Context) TraceContext {
	return TraceContext{
		TraceID:   GetTraceID(ctx),
		RunID:     GetRunID(ctx),
		SessionID: GetSessionID(ctx),
		ConnID:    GetConnID(ctx),
	}
}

// NewContext stores every non-empty id of tc in ctx.
func NewContext(ctx context.Context, tc TraceContext) context.Context {
	if tc.TraceID != "" {
		ctx = WithTraceID(ctx, tc.TraceID)
	}
	if tc.RunID != "" {
		ctx = WithRunID(ctx, tc.RunID)
	}
	if tc.SessionID != "" {
		ctx = WithSessionID(ctx, tc.SessionID)
	}
	if tc.ConnID != "" {
		ctx = WithConnID(ctx, tc.ConnID)
	}
	return ctx
}

// EnsureTraceID returns ctx with a trace id, generating one when absent.
func EnsureTraceID(ctx context.Context) context.Context {
	if GetTraceID(ctx) != "" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}
