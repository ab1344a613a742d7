package sieve

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// TraceLevel selects how much of an execution is narrated to the trace
// stream. Tracing is developer tooling and must not change semantics.
type TraceLevel int

const (
	TraceNone TraceLevel = iota
	TraceActions
	TraceCommands
	TraceTests
	TraceMatching
)

// TraceConfig is supplied by the host through the script environment.
type TraceConfig struct {
	Level TraceLevel
	// Addresses includes raw program counter values in trace lines.
	Addresses bool
}

// Trace is the per-interpreter trace state.
type Trace struct {
	w       io.Writer
	cfg     TraceConfig
	indent  int
	session string
}

func newTrace(w io.Writer, cfg TraceConfig) *Trace {
	if w == nil || cfg.Level == TraceNone {
		return nil
	}
	return &Trace{w: w, cfg: cfg, session: uuid.NewString()}
}

func (t *Trace) begin(scriptName string) {
	if t == nil {
		return
	}
	fmt.Fprintf(t.w, "## Started executing script '%s' (session %s)\n", scriptName, t.session)
}

func (t *Trace) end() {
	if t == nil {
		return
	}
	fmt.Fprintf(t.w, "## Finished executing script (session %s)\n", t.session)
}

// TraceActive reports whether lines at the given level are emitted.
func (renv *RunEnv) TraceActive(level TraceLevel) bool {
	return renv.Trace != nil && renv.Trace.cfg.Level >= level
}

// Tracef emits one trace line at the given level.
func (renv *RunEnv) Tracef(level TraceLevel, format string, args ...any) {
	t := renv.Trace
	if t == nil || t.cfg.Level < level {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if t.cfg.Addresses {
		fmt.Fprintf(t.w, "%08x: %s%s\n", renv.Interp.pc, strings.Repeat("  ", t.indent), msg)
	} else {
		fmt.Fprintf(t.w, "%s%s\n", strings.Repeat("  ", t.indent), msg)
	}
}

// traceError narrates a corruption diagnostic before the run aborts.
func (renv *RunEnv) traceError(err error) {
	if renv.Trace == nil {
		return
	}
	fmt.Fprintf(renv.Trace.w, "!! binary corrupt: %v\n", err)
}
