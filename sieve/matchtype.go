package sieve

import (
	"fmt"
	"strings"
)

// MatchType is the policy governing how a tested value is compared against
// a key list. Implementations may keep per-test state in the match context
// between Init and Deinit.
type MatchType struct {
	Name string
	Code byte
	Ext  *Extension

	// AllowsMatchValues marks match types that capture substrings into the
	// match-value register (:matches, :regex).
	AllowsMatchValues bool

	// ValidateContext checks the chosen comparator at compile time.
	ValidateContext func(cmp *Comparator) error

	Init   func(mctx *MatchContext)
	Match  func(mctx *MatchContext, value, key string, keyIndex int) (bool, error)
	Deinit func(mctx *MatchContext)
}

// MatchContext is the per-test-instruction match state; it dies with the
// containing test.
type MatchContext struct {
	RunEnv     *RunEnv
	MatchType  *MatchType
	Comparator *Comparator

	// Data holds match-type private state (e.g. compiled regexes).
	Data any
}

// MatchBegin opens a match session for one test instruction.
func MatchBegin(renv *RunEnv, mt *MatchType, cmp *Comparator) *MatchContext {
	mctx := &MatchContext{RunEnv: renv, MatchType: mt, Comparator: cmp}
	if mt.Init != nil {
		mt.Init(mctx)
	}
	return mctx
}

// Value matches one value against the whole key list, short-circuiting on
// the first matching key.
func (mctx *MatchContext) Value(value string, keys []string) (bool, error) {
	if mctx.MatchType.Match == nil {
		return false, nil
	}
	for i, key := range keys {
		matched, err := mctx.MatchType.Match(mctx, value, key, i)
		if err != nil {
			return false, err
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// End closes the match session.
func (mctx *MatchContext) End() {
	if mctx.MatchType.Deinit != nil {
		mctx.MatchType.Deinit(mctx)
	}
}

// Core match type codes.
const (
	matchTypeCodeIs byte = iota
	matchTypeCodeContains
	matchTypeCodeMatches
)

func validateSubstringComparator(cmp *Comparator) error {
	if !cmp.Substring {
		return fmt.Errorf("comparator %s does not support substring matching", cmp.Name)
	}
	return nil
}

// MatchTypeIs implements :is, a single equality via the comparator.
var MatchTypeIs = &MatchType{
	Name: "is",
	Code: matchTypeCodeIs,
	Match: func(mctx *MatchContext, value, key string, _ int) (bool, error) {
		if mctx.Comparator.Compare == nil {
			return false, nil
		}
		return mctx.Comparator.Compare(value, key) == 0, nil
	},
}

// MatchTypeContains implements :contains, a naive sliding-window substring
// search driven by the comparator's character primitive. The leftmost match
// wins; for the boolean result that is irrelevant, but it keeps the
// behaviour aligned with capture-producing match types.
var MatchTypeContains = &MatchType{
	Name:            "contains",
	Code:            matchTypeCodeContains,
	ValidateContext: validateSubstringComparator,
	Match: func(mctx *MatchContext, value, key string, _ int) (bool, error) {
		return containsMatch(mctx.Comparator, value, key), nil
	},
}

func containsMatch(cmp *Comparator, value, key string) bool {
	if cmp.CharMatch == nil {
		return false
	}
	if len(key) == 0 {
		return true
	}
	vp, kp := 0, 0
	for vp < len(value) && kp < len(key) {
		if cmp.CharMatch(value[vp], key[kp]) {
			vp++
			kp++
		} else {
			// Restart one past the point the current attempt began.
			vp = vp - kp + 1
			kp = 0
		}
	}
	return kp == len(key)
}

// MatchTypeMatches implements :matches, the RFC 5228 glob algorithm: "*"
// matches zero or more characters, "?" exactly one, and "\*", "\?" escape
// the wildcards. Each wildcard expansion is captured into the numbered
// match values; ${0} receives the entire value.
var MatchTypeMatches = &MatchType{
	Name:              "matches",
	Code:              matchTypeCodeMatches,
	AllowsMatchValues: true,
	ValidateContext:   validateSubstringComparator,
	Match: func(mctx *MatchContext, value, key string, _ int) (bool, error) {
		renv := mctx.RunEnv

		var captures []string
		ok := globMatch(mctx.Comparator, value, key, &captures)
		if !ok {
			return false, nil
		}

		if renv != nil && renv.Interp != nil && renv.Interp.MatchValuesEnabled() {
			mv := renv.Interp.MatchValuesStart()
			mv.Add(value) // ${0}
			for _, capture := range captures {
				mv.Add(capture)
			}
			renv.Interp.MatchValuesCommit(mv)
		}
		return true, nil
	},
}

// globMatch runs the pattern against the value, recording each wildcard
// expansion in order. Backtracking prefers the shortest "*" expansion, so
// captures are leftmost-shortest as the matches algorithm documents.
func globMatch(cmp *Comparator, value, key string, captures *[]string) bool {
	return globPart(cmp, value, 0, key, 0, captures)
}

func globPart(cmp *Comparator, value string, vi int, key string, ki int, captures *[]string) bool {
	mark := len(*captures)
	for ki < len(key) {
		switch key[ki] {
		case '*':
			// Try every expansion, shortest first.
			for end := vi; end <= len(value); end++ {
				*captures = append((*captures)[:mark], value[vi:end])
				if globPart(cmp, value, end, key, ki+1, captures) {
					return true
				}
			}
			*captures = (*captures)[:mark]
			return false

		case '?':
			if vi >= len(value) {
				return false
			}
			*captures = append(*captures, value[vi:vi+1])
			mark = len(*captures)
			vi++
			ki++

		case '\\':
			ki++
			if ki >= len(key) {
				// Trailing backslash matches a literal backslash.
				if vi < len(value) && cmp.CharMatch(value[vi], '\\') {
					vi++
					continue
				}
				return false
			}
			fallthrough

		default:
			if vi >= len(value) || !cmp.CharMatch(value[vi], key[ki]) {
				return false
			}
			vi++
			ki++
		}
	}
	return vi == len(value)
}

var coreMatchTypes = []*MatchType{
	MatchTypeIs,
	MatchTypeContains,
	MatchTypeMatches,
}

// MatchTypeByName resolves a match type by the identifier used in scripts,
// searching the core table and every registered extension.
func MatchTypeByName(name string) *MatchType {
	for _, mt := range coreMatchTypes {
		if mt.Name == name {
			return mt
		}
	}
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, ext := range registry.list {
		for _, mt := range ext.def.MatchTypes {
			if mt.Name == name {
				return mt
			}
		}
	}
	return nil
}

// matchTypeExtension is the preloaded core feature carrying the match-type
// operand class.
var matchTypeExtension = RegisterPreloadedExtension(&ExtensionDef{
	Name: "@match-type",
})

// addressPartExtension is the preloaded core feature carrying the
// address-part operand class.
var addressPartExtension = RegisterPreloadedExtension(&ExtensionDef{
	Name: "@address-part",
})

// AddressPartByName resolves the address-part tags.
func AddressPartByName(name string) (AddressPart, bool) {
	switch strings.TrimPrefix(name, ":") {
	case "all":
		return AddressPartAll, true
	case "localpart":
		return AddressPartLocal, true
	case "domain":
		return AddressPartDomain, true
	}
	return 0, false
}
