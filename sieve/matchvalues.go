package sieve

// Match values are the numbered captures (${0}, ${1}, ...) produced by the
// capture-producing match types for consumption by the variables extension.
// A match type builds a new set during a test and commits it atomically;
// a failed match leaves the previous set intact.

// MatchValues is a builder for one capture set.
type MatchValues struct {
	values []string
}

// Add appends the next capture.
func (mv *MatchValues) Add(value string) {
	if len(mv.values) < MaxMatchValues {
		mv.values = append(mv.values, value)
	}
}

// Skip advances the capture index over n unmatched groups, which read back
// as empty strings.
func (mv *MatchValues) Skip(n int) {
	for i := 0; i < n && len(mv.values) < MaxMatchValues; i++ {
		mv.values = append(mv.values, "")
	}
}

// EnableMatchValues turns the capture register on; it is enabled by the
// variables extension at interpreter load.
func (interp *Interpreter) EnableMatchValues() {
	interp.matchValuesEnabled = true
}

// MatchValuesEnabled reports whether captures should be produced at all.
func (interp *Interpreter) MatchValuesEnabled() bool {
	return interp.matchValuesEnabled
}

// MatchValuesStart opens a new capture set. The current set is untouched
// until the new one is committed.
func (interp *Interpreter) MatchValuesStart() *MatchValues {
	return &MatchValues{}
}

// MatchValuesCommit atomically replaces the current capture set.
func (interp *Interpreter) MatchValuesCommit(mv *MatchValues) {
	interp.matchValues = mv.values
}

// MatchValue returns capture n from the current set.
func (interp *Interpreter) MatchValue(n int) (string, bool) {
	if n < 0 || n >= len(interp.matchValues) {
		return "", false
	}
	return interp.matchValues[n], true
}
