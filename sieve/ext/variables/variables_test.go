package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidName(t *testing.T) {
	valid := []string{"a", "_x", "folder", "Folder_2", "A1_b2"}
	for _, name := range valid {
		assert.True(t, ValidName(name), "name %q", name)
	}

	invalid := []string{"", "1abc", "with space", "with-dash", "ns.name", "${x}"}
	for _, name := range invalid {
		assert.False(t, ValidName(name), "name %q", name)
	}
}

func TestApplyModifiers(t *testing.T) {
	assert.Equal(t, "frop", applyModifiers("FrOp", modLower))
	assert.Equal(t, "FROP", applyModifiers("FrOp", modUpper))
	assert.Equal(t, "4", applyModifiers("FrOp", modLength))
	assert.Equal(t, "0", applyModifiers("", modLength))

	// Case folding applies before :length.
	assert.Equal(t, "4", applyModifiers("FrOp", modLower|modLength))

	assert.Equal(t, `\*\?\\`, applyModifiers(`*?\`, modQuoteWildcard))
	assert.Equal(t, "plain", applyModifiers("plain", modQuoteWildcard))
}

func TestParseReferenceSyntax(t *testing.T) {
	ctx := &varContext{vars: map[string]string{"frop": "value"}}

	// Valid named reference.
	v, n, ok := parseReference(nil, ctx, "${frop} rest")
	assert.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Equal(t, len("${frop}"), n)

	// Unknown names read as empty but still consume the reference.
	v, n, ok = parseReference(nil, ctx, "${missing}")
	assert.True(t, ok)
	assert.Equal(t, "", v)
	assert.Equal(t, len("${missing}"), n)

	// Malformed references are left alone.
	for _, src := range []string{"${", "${}", "${ x}", "${unterminated", "${-}"} {
		_, _, ok := parseReference(nil, ctx, src)
		assert.False(t, ok, "source %q", src)
	}
}

func TestSubstituteLeavesInvalidVerbatim(t *testing.T) {
	ctx := &varContext{vars: map[string]string{"a": "A"}}

	assert.Equal(t, "A and ${", substitute(nil, ctx, "${a} and ${"))
	assert.Equal(t, "${}", substitute(nil, ctx, "${}"))
	assert.Equal(t, "plain", substitute(nil, ctx, "plain"))
	assert.Equal(t, "AA", substitute(nil, ctx, "${a}${a}"))
}
