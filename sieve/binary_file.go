package sieve

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/xrg/pigeonhole/consts"
	"github.com/xrg/pigeonhole/logger"
)

// On-disk layout:
//
//	header:       magic u32, ver_major u16, ver_minor u16, block_count u32
//	block index:  block_count records of (id u32, size u32, offset u32, ext u32)
//	blocks:       per block a header (id u32, size u32) followed by the payload
//
// Every header, index record and block header starts at a 4-byte-aligned
// offset; block payloads are padded up to the next alignment boundary. All
// fixed-width fields are stored in the host's native byte order: a binary
// moved across endianness is detected through the reversed magic and
// rejected, never reinterpreted.

const (
	binaryHeaderSize     = 12
	blockIndexRecordSize = 16
	blockHeaderSize      = 8
)

var hostEndian = binary.NativeEndian

func alignOffset(offset int) int {
	return (offset + 3) &^ 3
}

// fileImage builds the on-disk representation in memory; the index area is
// reserved up front and patched once the block offsets are known.
type fileImage struct {
	buf []byte
}

func (f *fileImage) align() int {
	aligned := alignOffset(len(f.buf))
	for len(f.buf) < aligned {
		f.buf = append(f.buf, 0)
	}
	return aligned
}

func (f *fileImage) putU32(v uint32) {
	var tmp [4]byte
	hostEndian.PutUint32(tmp[:], v)
	f.buf = append(f.buf, tmp[:]...)
}

func (f *fileImage) putU16(v uint16) {
	var tmp [2]byte
	hostEndian.PutUint16(tmp[:], v)
	f.buf = append(f.buf, tmp[:]...)
}

func (f *fileImage) patchU32(offset int, v uint32) {
	hostEndian.PutUint32(f.buf[offset:], v)
}

// rebuildExtensionsBlock regenerates block 0 as the link table: a varint
// count followed by the linked extension names.
func (bin *Binary) rebuildExtensionsBlock() {
	bin.ClearBlock(BlockExtensions)
	prev := bin.SetActiveBlock(BlockExtensions)
	blk := bin.ActiveBlock()

	blk.EmitInteger(uint64(len(bin.linked)))
	for _, reg := range bin.linked {
		blk.EmitString(reg.ext.Name())
	}
	bin.SetActiveBlock(prev)
}

// Save serialises the binary to path. The file is written to a temporary
// sibling first and moved into place with an atomic rename.
func (bin *Binary) Save(path string) error {
	// Give linked extensions the chance to flush deferred data into their
	// blocks before the image is assembled.
	for _, reg := range bin.linked {
		if reg.binExt != nil && reg.binExt.Save != nil {
			if err := reg.binExt.Save(bin, reg.ext); err != nil {
				return fmt.Errorf("extension %s refused binary save: %w", reg.ext.Name(), err)
			}
		}
	}

	bin.rebuildExtensionsBlock()

	img := &fileImage{}

	// Header
	img.align()
	img.putU32(binaryMagic)
	img.putU16(binaryVersionMajor)
	img.putU16(binaryVersionMinor)
	img.putU32(uint32(len(bin.blocks)))

	// Reserve the block index; it is patched after the blocks are laid out.
	indexOffset := img.align()
	for range bin.blocks {
		img.putU32(0)
		img.putU32(0)
		img.putU32(0)
		img.putU32(0)
	}

	// Blocks
	for _, blk := range bin.blocks {
		offset := img.align()
		blk.offset = int64(offset)
		img.putU32(uint32(blk.id))
		img.putU32(uint32(blk.size()))
		img.buf = append(img.buf, blk.buf...)
	}

	// Block index
	for i, blk := range bin.blocks {
		rec := indexOffset + i*blockIndexRecordSize
		img.patchU32(rec, uint32(blk.id))
		img.patchU32(rec+4, uint32(blk.size()))
		img.patchU32(rec+8, uint32(blk.offset))
		img.patchU32(rec+12, uint32(blk.extIndex))
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, img.buf, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tempPath, err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename %s into place: %w", tempPath, err)
	}

	bin.path = path
	logger.Debug("sieve: binary saved", "path", path, "blocks", len(bin.blocks))
	return nil
}

func (blk *Block) size() int { return len(blk.buf) }

// fileReader walks a loaded file image with alignment-aware reads.
type fileReader struct {
	data   []byte
	offset int
}

func (r *fileReader) alignedU32(v *uint32) bool {
	r.offset = alignOffset(r.offset)
	return r.u32(v)
}

func (r *fileReader) u32(v *uint32) bool {
	if r.offset+4 > len(r.data) {
		return false
	}
	*v = hostEndian.Uint32(r.data[r.offset:])
	r.offset += 4
	return true
}

func (r *fileReader) u16(v *uint16) bool {
	if r.offset+2 > len(r.data) {
		return false
	}
	*v = hostEndian.Uint16(r.data[r.offset:])
	r.offset += 2
	return true
}

func (r *fileReader) bytes(n int) ([]byte, bool) {
	if n < 0 || r.offset+n > len(r.data) {
		return nil, false
	}
	b := r.data[r.offset : r.offset+n]
	r.offset += n
	return b, true
}

type blockIndexRecord struct {
	id     uint32
	size   uint32
	offset uint32
	ext    uint32
}

// LoadBinary reads and validates a binary from disk, repopulating the link
// table by name against the process-wide extension registry. All failures
// are non-fatal to the caller, which is expected to recompile from source.
func LoadBinary(path string) (*Binary, error) {
	return loadBinaryScript(path, nil)
}

func loadBinaryScript(path string, script *Script) (*Binary, error) {
	sealRegistry()

	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", consts.ErrBinaryOpenFailed, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", consts.ErrBinaryStatFailed, path, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", consts.ErrBinaryOpenFailed, path, err)
	}

	bin := newBinary(script)
	bin.path = path
	bin.fileMtime = st.ModTime()

	if err := bin.loadImage(data); err != nil {
		return nil, err
	}

	bin.loaded = true
	bin.SetActiveBlock(BlockMainProgram)

	// Invoke each linked extension's load hook in link order.
	for _, reg := range bin.linked {
		if reg.ext.def.BinaryLoad != nil {
			if err := reg.ext.def.BinaryLoad(bin, reg.ext); err != nil {
				return nil, fmt.Errorf("extension %s rejected binary %s: %w",
					reg.ext.Name(), path, err)
			}
		}
	}

	logger.Debug("sieve: binary loaded", "path", path, "blocks", len(bin.blocks))
	return bin, nil
}

func (bin *Binary) loadImage(data []byte) error {
	r := &fileReader{data: data}

	var magic, blockCount uint32
	var verMajor, verMinor uint16
	if !r.alignedU32(&magic) || !r.u16(&verMajor) || !r.u16(&verMinor) || !r.u32(&blockCount) {
		return fmt.Errorf("%w: %s: file too small for header", consts.ErrBinaryTruncated, bin.path)
	}

	if magic != binaryMagic {
		if magic == binaryMagicOtherEndian {
			return fmt.Errorf("%w: %s: compiled on a host of different endianness",
				consts.ErrBinaryBadMagic, bin.path)
		}
		return fmt.Errorf("%w: %s: magic 0x%08x", consts.ErrBinaryBadMagic, bin.path, magic)
	}
	if verMajor != binaryVersionMajor || verMinor != binaryVersionMinor {
		return fmt.Errorf("%w: %s: binary version %d.%d, engine version %d.%d",
			consts.ErrBinaryBadVersion, bin.path,
			verMajor, verMinor, binaryVersionMajor, binaryVersionMinor)
	}
	if blockCount == 0 {
		return fmt.Errorf("%w: %s: binary contains no blocks", consts.ErrBinaryTruncated, bin.path)
	}

	// Block index
	index := make([]blockIndexRecord, blockCount)
	r.offset = alignOffset(r.offset)
	for i := range index {
		rec := &index[i]
		if !r.u32(&rec.id) || !r.u32(&rec.size) || !r.u32(&rec.offset) || !r.u32(&rec.ext) {
			return fmt.Errorf("%w: %s: block index record %d", consts.ErrBinaryTruncated, bin.path, i)
		}
		if rec.id != uint32(i) {
			return fmt.Errorf("%w: %s: index record %d has id %d",
				consts.ErrBinaryBadBlockID, bin.path, i, rec.id)
		}
	}

	// Block payloads, in file order
	for i := range index {
		var id, size uint32
		r.offset = alignOffset(r.offset)
		if !r.u32(&id) || !r.u32(&size) {
			return fmt.Errorf("%w: %s: block %d header", consts.ErrBinaryTruncated, bin.path, i)
		}
		if id != uint32(i) {
			return fmt.Errorf("%w: %s: block %d has unexpected id %d",
				consts.ErrBinaryBadBlockID, bin.path, i, id)
		}
		if size != index[i].size {
			return fmt.Errorf("%w: %s: block %d size disagrees with index",
				consts.ErrBinaryBadBlockID, bin.path, i)
		}
		payload, ok := r.bytes(int(size))
		if !ok {
			return fmt.Errorf("%w: %s: block %d payload", consts.ErrBinaryTruncated, bin.path, i)
		}

		blkID := bin.CreateBlock()
		blk := bin.Block(blkID)
		blk.extIndex = int(int32(index[i].ext))
		blk.offset = int64(index[i].offset)
		// Full slice expression: an append after ClearBlock must not bleed
		// into the neighbouring blocks of the shared file image.
		blk.buf = payload[:len(payload):len(payload)]
	}

	return bin.loadLinkTable()
}

// loadLinkTable parses block 0 and resolves every recorded extension name
// against the global registry. An unknown name fails the whole load.
func (bin *Binary) loadLinkTable() error {
	blk := bin.Block(BlockExtensions)
	addr := 0

	count, ok := blk.ReadInteger(&addr)
	if !ok {
		return fmt.Errorf("%w: %s: extension block corrupt", consts.ErrBinaryCorrupt, bin.path)
	}

	for i := uint64(0); i < count; i++ {
		name, ok := blk.ReadString(&addr)
		if !ok {
			return fmt.Errorf("%w: %s: extension name %d", consts.ErrBinaryBadString, bin.path, i)
		}
		ext := ExtensionByName(name)
		if ext == nil {
			return fmt.Errorf("%w: %s requires %q", consts.ErrUnknownExtension, bin.path, name)
		}
		bin.LinkExtension(ext)
	}
	return nil
}
