package lmtpserver

import (
	"fmt"
)

// lmtpError is panicked by command handlers to produce exactly one reply
// line and continue (or, for printStack, abort) the session. Recovered once
// per command in command()'s defer.
type lmtpError struct {
	code       int
	secode     string
	err        error
	printStack bool
	userError  bool // Error on the user's side, logged at a lower level.
}

func (e lmtpError) Error() string { return e.err.Error() }
func (e lmtpError) Unwrap() error { return e.err }

func xcheckf(err error, format string, args ...any) {
	if err != nil {
		panic(lmtpError{451, "3.0", fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err), true, false})
	}
}

func xlmtpErrorf(code int, secode string, userError bool, format string, args ...any) {
	panic(lmtpError{code, secode, fmt.Errorf(format, args...), false, userError})
}

// codes bundles a reply code with its enhanced status code, for errors whose
// code depends on context (e.g. adjusted for message-size class).
type codes struct {
	code   int
	secode string
}

func xlmtpServerErrorf(c codes, format string, args ...any) {
	xlmtpErrorf(c.code, c.secode, false, format, args...)
}

func xlmtpUserErrorf(code int, secode string, format string, args ...any) {
	xlmtpErrorf(code, secode, true, format, args...)
}
