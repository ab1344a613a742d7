// Package regex implements the "regex" extension: the :regex match type
// over regular expressions in Go's regexp (RE2) syntax, with capture groups
// feeding the numbered match values. Expressions are not restricted to
// POSIX extended syntax, and matching is leftmost-first, not POSIX
// leftmost-longest.
//
// Only the i;octet and i;ascii-casemap comparators are permitted; the
// latter compiles the expressions case-insensitively. Expressions are
// compiled lazily on first use and cached per key index for the duration
// of the match session.
package regex

import (
	"fmt"
	"regexp"

	"github.com/xrg/pigeonhole/sieve"
)

// Ext is the registered extension.
var Ext *sieve.Extension

// MatchTypeRegex is the :regex match type contributed by this extension.
var MatchTypeRegex = &sieve.MatchType{
	Name:              "regex",
	Code:              0,
	AllowsMatchValues: true,
	ValidateContext:   validateComparator,
	Init:              matchInit,
	Match:             match,
	Deinit:            matchDeinit,
}

func init() {
	Ext = sieve.RegisterExtension(&sieve.ExtensionDef{
		Name:       "regex",
		MatchTypes: []*sieve.MatchType{MatchTypeRegex},
	})
	MatchTypeRegex.Ext = Ext
}

func validateComparator(cmp *sieve.Comparator) error {
	switch cmp {
	case sieve.ComparatorOctet, sieve.ComparatorASCIICasemap:
		return nil
	}
	return fmt.Errorf("regex match type only supports i;octet and i;ascii-casemap comparators")
}

// regexContext caches the compiled expressions by key index across the
// values of one match session.
type regexContext struct {
	compiled map[int]*regexp.Regexp
	failed   map[int]error
}

func matchInit(mctx *sieve.MatchContext) {
	mctx.Data = &regexContext{
		compiled: make(map[int]*regexp.Regexp),
		failed:   make(map[int]error),
	}
}

func matchDeinit(mctx *sieve.MatchContext) {
	mctx.Data = nil
}

func (ctx *regexContext) get(mctx *sieve.MatchContext, key string, keyIndex int) (*regexp.Regexp, error) {
	if re, ok := ctx.compiled[keyIndex]; ok {
		return re, nil
	}
	if err, ok := ctx.failed[keyIndex]; ok {
		return nil, err
	}

	pattern := key
	if mctx.Comparator == sieve.ComparatorASCIICasemap {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		err = fmt.Errorf("invalid regular expression %q: %w", key, err)
		ctx.failed[keyIndex] = err
		return nil, err
	}
	ctx.compiled[keyIndex] = re
	return re, nil
}

func match(mctx *sieve.MatchContext, value, key string, keyIndex int) (bool, error) {
	ctx, ok := mctx.Data.(*regexContext)
	if !ok {
		return false, nil
	}

	re, err := ctx.get(mctx, key, keyIndex)
	if err != nil {
		return false, err
	}

	renv := mctx.RunEnv
	wantValues := renv != nil && renv.Interp != nil && renv.Interp.MatchValuesEnabled()

	if !wantValues {
		return re.MatchString(value), nil
	}

	groups := re.FindStringSubmatchIndex(value)
	if groups == nil {
		return false, nil
	}

	// ${0} is the whole match; unmatched groups read back as empty
	// strings. The whole set replaces the previous one atomically.
	mv := renv.Interp.MatchValuesStart()
	skipped := 0
	for i := 0; i*2 < len(groups) && i < sieve.MaxMatchValues; i++ {
		start, end := groups[i*2], groups[i*2+1]
		if start < 0 {
			skipped++
			continue
		}
		if skipped > 0 {
			mv.Skip(skipped)
			skipped = 0
		}
		mv.Add(value[start:end])
	}
	renv.Interp.MatchValuesCommit(mv)
	return true, nil
}
