package sieve_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrg/pigeonhole/sieve"
)

func TestDumpBinaryListsProgram(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `require ["fileinto", "imap4flags"];
if header :contains "Subject" "x" {
	fileinto :flags "\\Seen" "Work";
} else {
	keep;
}
redirect "user@example.net";
`)

	var out bytes.Buffer
	require.NoError(t, sieve.DumpBinary(bin, &out))
	listing := out.String()

	assert.Contains(t, listing, "fileinto")
	assert.Contains(t, listing, "imap4flags")
	assert.Contains(t, listing, "HEADER")
	assert.Contains(t, listing, "JMPFALSE")
	assert.Contains(t, listing, "FILEINTO")
	assert.Contains(t, listing, "+flags")
	assert.Contains(t, listing, "KEEP")
	assert.Contains(t, listing, `REDIRECT`)
	assert.Contains(t, listing, `"user@example.net"`)
}

func TestDumpSurvivesSaveLoad(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `keep;`)
	path := saveToTemp(t, bin)

	loaded, err := sieve.LoadBinary(path)
	require.NoError(t, err)

	var a, b bytes.Buffer
	require.NoError(t, sieve.DumpBinary(bin, &a))
	require.NoError(t, sieve.DumpBinary(loaded, &b))

	// Identical programs produce identical listings, modulo the header
	// line that names the source.
	assert.Equal(t, tail(a.String()), tail(b.String()))
}

func tail(s string) string {
	idx := bytes.IndexByte([]byte(s), '\n')
	return s[idx+1:]
}
