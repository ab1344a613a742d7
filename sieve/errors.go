package sieve

import (
	"errors"
	"fmt"

	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/logger"
)

// ExecCode is the status returned by operation handlers and by the
// interpreter main loop. Anything other than ExecOK terminates the run.
type ExecCode int

const (
	ExecOK ExecCode = iota
	// ExecFailure is a normal runtime error; the script is aborted and the
	// implicit keep is attempted.
	ExecFailure
	// ExecTempFailure is a retryable error, typically mail-store I/O. The
	// caller should defer the message and retry delivery later.
	ExecTempFailure
	// ExecBinCorrupt aborts the run; the binary must be recompiled.
	ExecBinCorrupt
	// ExecKeepFailed means neither an explicit nor the implicit keep
	// succeeded. The message must be refused at SMTP time.
	ExecKeepFailed
)

func (c ExecCode) String() string {
	switch c {
	case ExecOK:
		return "ok"
	case ExecFailure:
		return "failure"
	case ExecTempFailure:
		return "temporary failure"
	case ExecBinCorrupt:
		return "binary corrupt"
	case ExecKeepFailed:
		return "keep failed"
	}
	return fmt.Sprintf("exec code %d", int(c))
}

// ErrorCode classifies failures at the orchestrator surface.
type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorTempFail
	ErrorNoPerm
	ErrorNoQuota
	ErrorNotFound
	ErrorNotPossible
	ErrorNotValid
	ErrorNotReplied
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorTempFail:
		return "temporary failure"
	case ErrorNoPerm:
		return "permission denied"
	case ErrorNoQuota:
		return "quota exceeded"
	case ErrorNotFound:
		return "not found"
	case ErrorNotPossible:
		return "not possible"
	case ErrorNotValid:
		return "not valid"
	case ErrorNotReplied:
		return "not replied"
	}
	return fmt.Sprintf("error code %d", int(e))
}

// ClassifyError maps an orchestrator error to the coarse code surfaced to
// hosts and tool wrappers.
func ClassifyError(err error) ErrorCode {
	switch {
	case err == nil:
		return ErrorNone
	case errors.Is(err, consts.ErrScriptNotFound),
		errors.Is(err, consts.ErrBinaryOpenFailed),
		errors.Is(err, consts.ErrMailboxNotFound):
		return ErrorNotFound
	case errors.Is(err, consts.ErrScriptNotValid),
		errors.Is(err, consts.ErrBinaryCorrupt),
		errors.Is(err, consts.ErrBinaryBadMagic),
		errors.Is(err, consts.ErrBinaryBadVersion),
		errors.Is(err, consts.ErrUnknownExtension):
		return ErrorNotValid
	case errors.Is(err, consts.ErrNotPermitted):
		return ErrorNoPerm
	case errors.Is(err, consts.ErrQuotaExceeded):
		return ErrorNoQuota
	case errors.Is(err, consts.ErrBinaryStatFailed),
		errors.Is(err, consts.ErrBinaryTruncated):
		return ErrorTempFail
	}
	return ErrorNotPossible
}

// ErrorHandler collects script diagnostics. Compile and runtime errors are
// counted and forwarded to the process logger; scripts are untrusted input,
// so none of these abort the process.
type ErrorHandler struct {
	scriptName string
	maxErrors  int

	errorCount   int
	warningCount int
	firstError   string
}

func NewErrorHandler(scriptName string) *ErrorHandler {
	return &ErrorHandler{scriptName: scriptName, maxErrors: 10}
}

func (h *ErrorHandler) location(loc string) string {
	if loc == "" {
		return h.scriptName
	}
	return h.scriptName + ": " + loc
}

func (h *ErrorHandler) Error(loc, format string, args ...any) {
	h.errorCount++
	msg := fmt.Sprintf(format, args...)
	if h.firstError == "" {
		h.firstError = msg
	}
	if h.maxErrors > 0 && h.errorCount > h.maxErrors {
		return
	}
	logger.Error("sieve: "+msg, "script", h.location(loc))
}

func (h *ErrorHandler) Warning(loc, format string, args ...any) {
	h.warningCount++
	logger.Warn("sieve: "+fmt.Sprintf(format, args...), "script", h.location(loc))
}

func (h *ErrorHandler) Log(loc, format string, args ...any) {
	logger.Info("sieve: "+fmt.Sprintf(format, args...), "script", h.location(loc))
}

func (h *ErrorHandler) ErrorCount() int   { return h.errorCount }
func (h *ErrorHandler) WarningCount() int { return h.warningCount }

// FirstError returns the first recorded error message, for callers that
// surface a single diagnostic (e.g. ManageSieve PUTSCRIPT responses).
func (h *ErrorHandler) FirstError() string { return h.firstError }
