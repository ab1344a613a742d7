package sieve

import (
	"fmt"
	"time"
)

// Binary layout constants. The magic constant identifies the native byte
// order of the producing host; its byte-reverse is distinct, so a binary
// produced on a host of the other endianness is recognised and rejected.
const (
	binaryMagic           uint32 = 0xCAFEB10C
	binaryMagicOtherEndian uint32 = 0x0CB1FECA

	binaryVersionMajor uint16 = 1
	binaryVersionMinor uint16 = 0
)

// System block ids. Block 0 holds the extension link table, block 1 the main
// program. Higher blocks belong to extensions.
const (
	BlockExtensions  = 0
	BlockMainProgram = 1
)

// Block is a contiguous byte buffer within a binary, addressable by id.
// While a binary is being generated blocks are append-only; once loaded they
// are read-only.
type Block struct {
	id       int
	extIndex int // owning extension link index, -1 for system blocks
	buf      []byte
	offset   int64 // file offset, recorded on save
}

func (b *Block) ID() int { return b.id }

// linkedExtension records one extension linked into a particular binary.
// Local indices are what the bytecode refers to; the global identity lives
// in the process-wide registry.
type linkedExtension struct {
	index   int
	ext     *Extension
	binExt  *BinaryExtension
	context any
	blockID int
}

// Binary is the bytecode container: an ordered sequence of blocks plus the
// per-binary extension link table.
type Binary struct {
	script *Script
	path   string

	blocks      []*Block
	activeBlock int

	linked   []*linkedExtension
	extIndex map[int]*linkedExtension // global extension id -> registration

	loaded    bool
	fileMtime time.Time
}

func newBinary(script *Script) *Binary {
	bin := &Binary{
		script:      script,
		activeBlock: -1,
		extIndex:    make(map[int]*linkedExtension),
	}

	// Pre-load core language features implemented as extensions
	for _, ext := range PreloadedExtensions() {
		if ext.def.BinaryLoad != nil {
			_ = ext.def.BinaryLoad(bin, ext)
		}
	}
	return bin
}

// NewBinary creates an empty binary ready for generation: block 0 for the
// extension link table, block 1 as the active main program block.
func NewBinary(script *Script) *Binary {
	bin := newBinary(script)
	bin.CreateBlock()                      // extensions block
	bin.SetActiveBlock(bin.CreateBlock()) // main program block
	return bin
}

func (bin *Binary) Script() *Script { return bin.script }
func (bin *Binary) Path() string    { return bin.path }
func (bin *Binary) Loaded() bool    { return bin.loaded }

// Block returns the block with the given id, or nil.
func (bin *Binary) Block(id int) *Block {
	if id < 0 || id >= len(bin.blocks) {
		return nil
	}
	return bin.blocks[id]
}

func (bin *Binary) BlockCount() int { return len(bin.blocks) }

// CreateBlock appends a fresh block and returns its id.
func (bin *Binary) CreateBlock() int {
	id := len(bin.blocks)
	bin.blocks = append(bin.blocks, &Block{id: id, extIndex: -1})
	return id
}

// SetActiveBlock makes the given block the target of emit operations and
// returns the previously active id.
func (bin *Binary) SetActiveBlock(id int) int {
	old := bin.activeBlock
	if bin.Block(id) != nil {
		bin.activeBlock = id
	}
	return old
}

// ActiveBlock returns the block all emit operations currently target.
func (bin *Binary) ActiveBlock() *Block {
	return bin.Block(bin.activeBlock)
}

// ClearBlock truncates a block's contents.
func (bin *Binary) ClearBlock(id int) {
	if blk := bin.Block(id); blk != nil {
		blk.buf = blk.buf[:0]
	}
}

// LinkExtension adds an extension to this binary's link table. Linking is
// idempotent; the local index is returned.
func (bin *Binary) LinkExtension(ext *Extension) int {
	if reg, ok := bin.extIndex[ext.id]; ok {
		return reg.index
	}
	reg := &linkedExtension{
		index:   len(bin.linked),
		ext:     ext,
		blockID: -1,
	}
	bin.linked = append(bin.linked, reg)
	bin.extIndex[ext.id] = reg
	return reg.index
}

// ExtensionIndex returns the local link index for ext, or -1.
func (bin *Binary) ExtensionIndex(ext *Extension) int {
	if reg, ok := bin.extIndex[ext.id]; ok {
		return reg.index
	}
	return -1
}

// ExtensionByIndex resolves a local link index back to the extension.
func (bin *Binary) ExtensionByIndex(index int) *Extension {
	if index < 0 || index >= len(bin.linked) {
		return nil
	}
	return bin.linked[index].ext
}

// LinkedExtensions lists the linked extensions in link order.
func (bin *Binary) LinkedExtensions() []*Extension {
	exts := make([]*Extension, len(bin.linked))
	for i, reg := range bin.linked {
		exts[i] = reg.ext
	}
	return exts
}

// SetExtensionContext attaches per-binary context data for an extension.
func (bin *Binary) SetExtensionContext(ext *Extension, context any) {
	reg, ok := bin.extIndex[ext.id]
	if !ok {
		reg = &linkedExtension{index: -1, ext: ext, blockID: -1}
		bin.extIndex[ext.id] = reg
	}
	reg.context = context
}

// ExtensionContext retrieves per-binary context data for an extension.
func (bin *Binary) ExtensionContext(ext *Extension) any {
	if reg, ok := bin.extIndex[ext.id]; ok {
		return reg.context
	}
	return nil
}

// SetBinaryExtension installs save/load/free lifecycle hooks for ext on this
// binary.
func (bin *Binary) SetBinaryExtension(ext *Extension, binExt *BinaryExtension) {
	reg, ok := bin.extIndex[ext.id]
	if !ok {
		reg = &linkedExtension{index: -1, ext: ext, blockID: -1}
		bin.extIndex[ext.id] = reg
	}
	reg.binExt = binExt
}

// CreateExtensionBlock allocates a block owned by ext and records it as the
// extension's main block if it has none yet.
func (bin *Binary) CreateExtensionBlock(ext *Extension) int {
	reg, ok := bin.extIndex[ext.id]
	if !ok {
		bin.LinkExtension(ext)
		reg = bin.extIndex[ext.id]
	}
	id := bin.CreateBlock()
	bin.blocks[id].extIndex = reg.index
	if reg.blockID < 0 {
		reg.blockID = id
	}
	return id
}

// ExtensionBlock returns the main block id recorded for ext, or -1.
func (bin *Binary) ExtensionBlock(ext *Extension) int {
	if reg, ok := bin.extIndex[ext.id]; ok {
		return reg.blockID
	}
	return -1
}

// UpToDate reports whether this loaded binary is still current with respect
// to its backing script.
func (bin *Binary) UpToDate() bool {
	if !bin.loaded || bin.script == nil {
		return true
	}
	return !bin.script.ModTime().After(bin.fileMtime)
}

func (bin *Binary) String() string {
	src := "(no script)"
	if bin.script != nil {
		src = bin.script.Name
	}
	return fmt.Sprintf("binary[%s blocks=%d]", src, len(bin.blocks))
}
