package sieve

import "strings"

// Comparator is a named byte comparison policy. Compare provides full-value
// equality ordering; CharMatch is the per-character primitive used by the
// substring-capable match types.
type Comparator struct {
	Name string
	Code byte
	Ext  *Extension

	// Substring reports whether this comparator may be combined with
	// substring match types (:contains, :matches).
	Substring bool

	Compare   func(value, key string) int
	CharMatch func(value, key byte) bool
}

// Core comparator codes.
const (
	comparatorCodeOctet byte = iota
	comparatorCodeASCIICasemap
)

func foldASCII(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + ('a' - 'A')
	}
	return c
}

// ComparatorOctet implements i;octet: exact byte-wise comparison.
var ComparatorOctet = &Comparator{
	Name:      "i;octet",
	Code:      comparatorCodeOctet,
	Substring: true,
	Compare:   strings.Compare,
	CharMatch: func(value, key byte) bool { return value == key },
}

// ComparatorASCIICasemap implements i;ascii-casemap: byte-wise comparison
// with ASCII letters folded to one case.
var ComparatorASCIICasemap = &Comparator{
	Name:      "i;ascii-casemap",
	Code:      comparatorCodeASCIICasemap,
	Substring: true,
	Compare: func(value, key string) int {
		n := len(value)
		if len(key) < n {
			n = len(key)
		}
		for i := 0; i < n; i++ {
			a, b := foldASCII(value[i]), foldASCII(key[i])
			if a != b {
				if a < b {
					return -1
				}
				return 1
			}
		}
		switch {
		case len(value) < len(key):
			return -1
		case len(value) > len(key):
			return 1
		}
		return 0
	},
	CharMatch: func(value, key byte) bool {
		return foldASCII(value) == foldASCII(key)
	},
}

var coreComparators = []*Comparator{
	ComparatorOctet,
	ComparatorASCIICasemap,
}

// ComparatorByName resolves a comparator by its registered name, searching
// the core table and every registered extension.
func ComparatorByName(name string) *Comparator {
	for _, cmp := range coreComparators {
		if cmp.Name == name {
			return cmp
		}
	}
	registry.mu.RLock()
	defer registry.mu.RUnlock()
	for _, ext := range registry.list {
		for _, cmp := range ext.def.Comparators {
			if cmp.Name == name {
				return cmp
			}
		}
	}
	return nil
}

// comparatorExtension is the preloaded core feature carrying the comparator
// operand class; regular extensions contribute additional comparators
// through their definitions.
var comparatorExtension = RegisterPreloadedExtension(&ExtensionDef{
	Name: "@comparator",
})
