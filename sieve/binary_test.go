package sieve_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/sieve"
)

const roundTripScript = `require ["fileinto", "imap4flags", "variables"];
set "who" "world";
if header :matches "Subject" "*" {
	fileinto :flags "\\Seen" "Work/${who}";
}
keep;
`

func saveToTemp(t *testing.T, bin *sieve.Binary) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "script.svbin")
	require.NoError(t, bin.Save(path))
	return path
}

// Invariant: load(save(B)) preserves the public state of B: block count,
// block contents, and the extension link table in order.
func TestBinaryRoundTrip(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, roundTripScript)
	path := saveToTemp(t, bin)

	loaded, err := sieve.LoadBinary(path)
	require.NoError(t, err)

	require.Equal(t, bin.BlockCount(), loaded.BlockCount())
	for i := 0; i < bin.BlockCount(); i++ {
		assert.Equal(t, bin.Block(i).Bytes(), loaded.Block(i).Bytes(), "block %d", i)
	}

	want := bin.LinkedExtensions()
	got := loaded.LinkedExtensions()
	require.Equal(t, len(want), len(got))
	for i := range want {
		assert.Equal(t, want[i].Name(), got[i].Name(), "link entry %d", i)
	}
}

// A second save/load cycle is byte-identical: the format is deterministic.
func TestBinarySaveDeterministic(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, roundTripScript)

	path1 := saveToTemp(t, bin)
	data1, err := os.ReadFile(path1)
	require.NoError(t, err)

	loaded, err := sieve.LoadBinary(path1)
	require.NoError(t, err)

	path2 := filepath.Join(t.TempDir(), "again.svbin")
	require.NoError(t, loaded.Save(path2))
	data2, err := os.ReadFile(path2)
	require.NoError(t, err)

	assert.True(t, bytes.Equal(data1, data2))
}

// Endianness safety: a byte-reversed magic is rejected, never reinterpreted.
func TestBinaryOtherEndianRejected(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `keep;`)
	path := saveToTemp(t, bin)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[0], data[1], data[2], data[3] = data[3], data[2], data[1], data[0]
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = sieve.LoadBinary(path)
	require.ErrorIs(t, err, consts.ErrBinaryBadMagic)
	assert.Contains(t, err.Error(), "endianness")
}

func TestBinaryBadMagicRejected(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `keep;`)
	path := saveToTemp(t, bin)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	copy(data[0:4], []byte{0x11, 0x22, 0x33, 0x44})
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = sieve.LoadBinary(path)
	require.ErrorIs(t, err, consts.ErrBinaryBadMagic)
}

func TestBinaryVersionMismatchRejected(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `keep;`)
	path := saveToTemp(t, bin)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[4] = 0x7f // version major, either byte order
	data[5] = 0x7f
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = sieve.LoadBinary(path)
	require.ErrorIs(t, err, consts.ErrBinaryBadVersion)
}

func TestBinaryTruncatedRejected(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, roundTripScript)
	path := saveToTemp(t, bin)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	for _, cut := range []int{0, 4, 11, 20, len(data) / 2, len(data) - 1} {
		require.NoError(t, os.WriteFile(path, data[:cut], 0o600))
		_, lerr := sieve.LoadBinary(path)
		assert.Error(t, lerr, "cut at %d", cut)
	}
}

// A binary that names an extension this process does not know must fail the
// whole load.
func TestBinaryUnknownExtensionRejected(t *testing.T) {
	sv := newInstance()
	bin := compile(t, sv, `require "fileinto"; fileinto "Work";`)
	path := saveToTemp(t, bin)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	idx := bytes.Index(data, []byte("fileinto\x00"))
	require.GreaterOrEqual(t, idx, 0)
	copy(data[idx:], []byte("filein2o"))
	require.NoError(t, os.WriteFile(path, data, 0o600))

	_, err = sieve.LoadBinary(path)
	require.ErrorIs(t, err, consts.ErrUnknownExtension)
}

func TestBinaryMissingFile(t *testing.T) {
	_, err := sieve.LoadBinary(filepath.Join(t.TempDir(), "absent.svbin"))
	require.ErrorIs(t, err, consts.ErrBinaryOpenFailed)
}

func TestBlockManagement(t *testing.T) {
	bin := sieve.NewBinary(nil)

	// Block 0 and 1 exist after creation; block 1 is active.
	require.Equal(t, 2, bin.BlockCount())
	assert.Equal(t, sieve.BlockMainProgram, bin.ActiveBlock().ID())

	id := bin.CreateBlock()
	assert.Equal(t, 2, id)

	prev := bin.SetActiveBlock(id)
	assert.Equal(t, sieve.BlockMainProgram, prev)
	bin.ActiveBlock().EmitString("extension data")
	assert.Positive(t, bin.Block(id).Size())

	bin.ClearBlock(id)
	assert.Zero(t, bin.Block(id).Size())

	prev = bin.SetActiveBlock(sieve.BlockMainProgram)
	assert.Equal(t, id, prev)
}
