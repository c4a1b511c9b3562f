// Package sanitize strips host filesystem paths out of guest-origin error
// messages and stack traces before they cross back out to a caller.
package sanitize

import (
	"regexp"

	"isobox/internal/isoerr"
)

// SanitizedError is the host-safe record produced from a raw guest error.
type SanitizedError struct {
	Message string
	Code    isoerr.Code
	Stack   string
}

// hostPathPattern matches absolute host filesystem paths that may leak
// into a guest engine's stack traces or messages (e.g.
// "/home/user/project/sandbox.js:12:4" or "C:\Users\...\sandbox.js").
// Deliberately permissive: anything that looks like a path followed by
// ":<line>:<col>" is treated as host-origin and rewritten.
var hostPathPattern = regexp.MustCompile(`(?:[A-Za-z]:\\[^\s:]+|/[^\s:]+):(\d+):(\d+)`)

// Sanitize converts a raw error (with an associated code and optional
// guest stack trace) into a SanitizedError whose host paths are replaced
// by "[sandbox:<line>:<col>]". Stateless and idempotent: sanitising an
// already-sanitised error returns it unchanged in meaning.
func Sanitize(code isoerr.Code, message, stack string) SanitizedError {
	return SanitizedError{
		Message: rewriteHostPaths(message),
		Code:    code,
		Stack:   rewriteHostPaths(stack),
	}
}

// FromError sanitises a Go error, preserving its isoerr.Code when present
// (defaulting to GuestRuntimeError otherwise). The message comes from
// err.Error(); the stack is the Stack field when err is itself an
// *isoerr.SandboxError, and empty otherwise.
func FromError(err error) SanitizedError {
	if err == nil {
		return SanitizedError{}
	}
	code := isoerr.CodeOf(err)
	if code == "" {
		code = isoerr.GuestRuntimeError
	}
	msg := err.Error()
	stack := ""
	if se, ok := err.(*isoerr.SandboxError); ok {
		stack = se.Stack
	}
	return Sanitize(code, msg, stack)
}

func rewriteHostPaths(s string) string {
	if s == "" {
		return s
	}
	return hostPathPattern.ReplaceAllString(s, "[sandbox:$1:$2]")
}
