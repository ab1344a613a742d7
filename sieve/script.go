package sieve

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"lukechampine.com/blake3"

	"github.com/xrg/pigeonhole/consts"
)

// Script is a sieve script source: a name, the UTF-8 content, and the file
// identity when it came from disk.
type Script struct {
	Name    string
	Content []byte

	path  string
	mtime time.Time
}

// NewScript wraps in-memory script content.
func NewScript(name string, content []byte) *Script {
	return &Script{Name: name, Content: content}
}

// LoadScriptFile reads a script from disk. The script name is the file name
// without the conventional .sieve suffix.
func LoadScriptFile(path string) (*Script, error) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", consts.ErrScriptNotFound, path)
		}
		return nil, fmt.Errorf("failed to stat script %s: %w", path, err)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read script %s: %w", path, err)
	}

	name := strings.TrimSuffix(filepath.Base(path), ".sieve")
	return &Script{
		Name:    name,
		Content: content,
		path:    path,
		mtime:   st.ModTime(),
	}, nil
}

// Path returns the source file path, empty for in-memory scripts.
func (s *Script) Path() string { return s.path }

// ModTime returns the source file modification time.
func (s *Script) ModTime() time.Time { return s.mtime }

// Digest returns the blake3 content digest, used as cache identity for
// compiled binaries.
func (s *Script) Digest() string {
	sum := blake3.Sum256(s.Content)
	return hex.EncodeToString(sum[:])
}

// BinaryPath derives the conventional location of the compiled binary next
// to the script source.
func (s *Script) BinaryPath() string {
	if s.path == "" {
		return ""
	}
	return strings.TrimSuffix(s.path, ".sieve") + ".svbin"
}
