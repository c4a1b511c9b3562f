package sanitize

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"isobox/internal/isoerr"
)

func TestSanitizeRewritesUnixHostPath(t *testing.T) {
	raw := "TypeError: x is not a function\n    at /home/runner/sandbox/guest.js:12:5"
	got := Sanitize(isoerr.GuestRuntimeError, raw, raw)

	assert.NotContains(t, got.Stack, "/home/runner")
	assert.Contains(t, got.Stack, "[sandbox:12:5]")
	assert.Contains(t, got.Message, "[sandbox:12:5]")
}

func TestSanitizeRewritesWindowsHostPath(t *testing.T) {
	raw := `at C:\Users\dev\project\guest.js:3:1`
	got := Sanitize(isoerr.GuestRuntimeError, raw, raw)
	assert.Contains(t, got.Stack, "[sandbox:3:1]")
}

func TestSanitizePreservesMessageWithoutHostPath(t *testing.T) {
	raw := "ReferenceError: x is not defined"
	got := Sanitize(isoerr.GuestRuntimeError, raw, "")
	assert.Equal(t, raw, got.Message)
	assert.Equal(t, "", got.Stack)
}

func TestSanitizeIsIdempotent(t *testing.T) {
	raw := "Error at /a/b/c.js:1:1"
	once := Sanitize(isoerr.GuestRuntimeError, raw, raw)
	twice := Sanitize(once.Code, once.Message, once.Stack)
	assert.Equal(t, once, twice)
}

func TestFromErrorPreservesCode(t *testing.T) {
	err := isoerr.New(isoerr.Timeout, "deadline exceeded at /x/y.js:7:2")
	got := FromError(err)
	assert.Equal(t, isoerr.Timeout, got.Code)
	assert.Contains(t, got.Message, "[sandbox:7:2]")
}

func TestFromErrorDefaultsCodeForPlainError(t *testing.T) {
	got := FromError(assertError{"boom"})
	assert.Equal(t, isoerr.GuestRuntimeError, got.Code)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }
