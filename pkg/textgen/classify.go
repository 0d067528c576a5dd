package textgen

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/genai"
)

// Classify wraps a raw provider error into *Error. Cancellation of the
// caller's context is returned unchanged so it is never retried.
func Classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	var already *Error
	if errors.As(err, &already) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	status := statusOf(err)
	kind := Permanent
	switch {
	case status != 0:
		if transientStatus(status) {
			kind = Transient
		}
	case errors.Is(err, context.DeadlineExceeded):
		kind = Transient
	case isNetTimeout(err):
		kind = Transient
	case transientMessage(err.Error()):
		kind = Transient
	}

	return &Error{Kind: kind, Provider: provider, Status: status, Err: err}
}

func statusOf(err error) int {
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ge genai.APIError
	if errors.As(err, &ge) {
		return ge.Code
	}
	var gep *genai.APIError
	if errors.As(err, &gep) && gep != nil {
		return gep.Code
	}
	return 0
}

func transientStatus(status int) bool {
	switch status {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return status >= 500
}

func isNetTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func transientMessage(msg string) bool {
	msg = strings.ToLower(msg)
	for _, s := range []string{"connection reset", "econnreset", "etimedout", "rate limit", "overloaded", "unavailable", "eof"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
