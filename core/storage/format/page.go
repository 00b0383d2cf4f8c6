package format

import (
	"encoding/binary"

	"github.com/quarrydb/quarry/core/dberr"
)

// PageType is the first byte of a b-tree page header.
type PageType byte

const (
	PageIndexInterior PageType = 2
	PageTableInterior PageType = 5
	PageIndexLeaf     PageType = 10
	PageTableLeaf     PageType = 13
)

func (t PageType) IsLeaf() bool {
	return t == PageTableLeaf || t == PageIndexLeaf
}

func (t PageType) IsTable() bool {
	return t == PageTableLeaf || t == PageTableInterior
}

func (t PageType) Valid() bool {
	switch t {
	case PageIndexInterior, PageTableInterior, PageIndexLeaf, PageTableLeaf:
		return true
	}
	return false
}

// HeaderLen is 8 for leaf pages and 12 for interior pages, which carry
// the rightmost child pointer in the last four bytes.
func (t PageType) HeaderLen() int {
	if t.IsLeaf() {
		return 8
	}
	return 12
}

// PageBuf is a view over one b-tree page buffer. Offset is HeaderSize
// for page 1 and zero elsewhere; Usable excludes the reserved region.
type PageBuf struct {
	Pgno   uint32
	Buf    []byte
	Offset int
	Usable int
}

// NewPageBuf wraps buf as the b-tree page pgno.
func NewPageBuf(pgno uint32, buf []byte, usable int) *PageBuf {
	off := 0
	if pgno == 1 {
		off = HeaderSize
	}
	return &PageBuf{Pgno: pgno, Buf: buf, Offset: off, Usable: usable}
}

// Init formats the page as an empty b-tree page of the given type.
func (p *PageBuf) Init(t PageType) {
	for i := p.Offset; i < len(p.Buf); i++ {
		p.Buf[i] = 0
	}
	p.Buf[p.Offset] = byte(t)
	p.setFirstFreeblock(0)
	p.setCellCount(0)
	p.setContentStart(uint16(p.Usable % 65536)) // usable == 65536 encodes as 0
	p.setFragBytes(0)
}

func (p *PageBuf) Type() PageType { return PageType(p.Buf[p.Offset]) }

// Validate checks the structural header fields and returns a
// CorruptError for anything malformed.
func (p *PageBuf) Validate() error {
	t := p.Type()
	if !t.Valid() {
		return dberr.Corrupt(p.Pgno, "invalid page type %d", p.Buf[p.Offset])
	}
	if p.Offset+t.HeaderLen()+2*p.CellCount() > p.contentStart() {
		return dberr.Corrupt(p.Pgno, "cell pointer array overlaps content area")
	}
	return nil
}

func (p *PageBuf) firstFreeblock() int { return int(binary.BigEndian.Uint16(p.Buf[p.Offset+1:])) }
func (p *PageBuf) setFirstFreeblock(v uint16) {
	binary.BigEndian.PutUint16(p.Buf[p.Offset+1:], v)
}

// CellCount is the number of cells on the page.
func (p *PageBuf) CellCount() int { return int(binary.BigEndian.Uint16(p.Buf[p.Offset+3:])) }
func (p *PageBuf) setCellCount(n int) {
	binary.BigEndian.PutUint16(p.Buf[p.Offset+3:], uint16(n))
}

func (p *PageBuf) contentStart() int {
	v := int(binary.BigEndian.Uint16(p.Buf[p.Offset+5:]))
	if v == 0 {
		v = 65536
	}
	return v
}
func (p *PageBuf) setContentStart(v uint16) {
	binary.BigEndian.PutUint16(p.Buf[p.Offset+5:], v)
}

func (p *PageBuf) fragBytes() int       { return int(p.Buf[p.Offset+7]) }
func (p *PageBuf) setFragBytes(n uint8) { p.Buf[p.Offset+7] = n }

// RightChild is the rightmost child pointer of an interior page.
func (p *PageBuf) RightChild() uint32 {
	return binary.BigEndian.Uint32(p.Buf[p.Offset+8:])
}

func (p *PageBuf) SetRightChild(pgno uint32) {
	binary.BigEndian.PutUint32(p.Buf[p.Offset+8:], pgno)
}

func (p *PageBuf) cellPtrArray() int { return p.Offset + p.Type().HeaderLen() }

// CellPtr returns the absolute offset of cell idx's content.
func (p *PageBuf) CellPtr(idx int) int {
	return int(binary.BigEndian.Uint16(p.Buf[p.cellPtrArray()+2*idx:]))
}

func (p *PageBuf) setCellPtr(idx int, v uint16) {
	binary.BigEndian.PutUint16(p.Buf[p.cellPtrArray()+2*idx:], v)
}

// FreeSpace is the total reusable space on the page: the gap between
// the cell pointer array and the content area, plus freeblocks and
// fragments.
func (p *PageBuf) FreeSpace() int {
	free := p.contentStart() - (p.cellPtrArray() + 2*p.CellCount())
	free += p.fragBytes()
	for pc := p.firstFreeblock(); pc != 0; {
		next := int(binary.BigEndian.Uint16(p.Buf[pc:]))
		size := int(binary.BigEndian.Uint16(p.Buf[pc+2:]))
		free += size
		pc = next
	}
	return free
}

// payload overflow thresholds per tree kind.

// MaxLocalTable is the largest payload stored wholly on a table leaf.
func MaxLocalTable(usable int) int { return usable - 35 }

// MaxLocalIndex is the largest payload stored wholly in an index cell.
func MaxLocalIndex(usable int) int { return (usable-12)*64/255 - 23 }

// MinLocal is the smallest local payload kept when a cell overflows.
func MinLocal(usable int) int { return (usable-12)*32/255 - 23 }

// LocalPayload computes how many payload bytes stay on-page for a cell
// of total size payload in a tree with the given thresholds.
func LocalPayload(payload, maxLocal, minLocal, usable int) int {
	if payload <= maxLocal {
		return payload
	}
	surplus := minLocal + (payload-minLocal)%(usable-4)
	if surplus <= maxLocal {
		return surplus
	}
	return minLocal
}

// Cell is one parsed b-tree cell. Payload is the local portion only;
// PayloadSize is the full length including overflow pages.
type Cell struct {
	LeftChild    uint32
	Rowid        int64
	Payload      []byte
	PayloadSize  uint64
	OverflowPage uint32
}

// ParseCell decodes cell idx of the page.
func (p *PageBuf) ParseCell(idx int) (Cell, error) {
	if idx < 0 || idx >= p.CellCount() {
		return Cell{}, dberr.Corrupt(p.Pgno, "cell index %d out of range", idx)
	}
	pos := p.CellPtr(idx)
	if pos < p.Offset || pos >= p.Usable {
		return Cell{}, dberr.Corrupt(p.Pgno, "cell pointer %d out of range", pos)
	}
	return p.parseCellAt(pos)
}

func (p *PageBuf) parseCellAt(pos int) (Cell, error) {
	var c Cell
	t := p.Type()
	buf := p.Buf
	if !t.IsLeaf() {
		c.LeftChild = binary.BigEndian.Uint32(buf[pos:])
		pos += 4
	}
	if t == PageTableInterior {
		rowid, _, err := GetVarint(buf[pos:])
		if err != nil {
			return c, dberr.Corrupt(p.Pgno, "bad rowid varint")
		}
		c.Rowid = int64(rowid)
		return c, nil
	}
	size, n, err := GetVarint(buf[pos:])
	if err != nil {
		return c, dberr.Corrupt(p.Pgno, "bad payload size varint")
	}
	pos += n
	c.PayloadSize = size
	if t == PageTableLeaf {
		rowid, n, err := GetVarint(buf[pos:])
		if err != nil {
			return c, dberr.Corrupt(p.Pgno, "bad rowid varint")
		}
		c.Rowid = int64(rowid)
		pos += n
	}
	maxLocal := MaxLocalIndex(p.Usable)
	if t == PageTableLeaf {
		maxLocal = MaxLocalTable(p.Usable)
	}
	local := LocalPayload(int(size), maxLocal, MinLocal(p.Usable), p.Usable)
	if pos+local > p.Usable {
		return c, dberr.Corrupt(p.Pgno, "cell payload runs off page")
	}
	c.Payload = buf[pos : pos+local]
	if local < int(size) {
		c.OverflowPage = binary.BigEndian.Uint32(buf[pos+local:])
	}
	return c, nil
}

// cellSize returns the total on-page size of the cell at pos.
func (p *PageBuf) cellSize(pos int) (int, error) {
	start := pos
	t := p.Type()
	if !t.IsLeaf() {
		pos += 4
	}
	if t == PageTableInterior {
		_, n, err := GetVarint(p.Buf[pos:])
		if err != nil {
			return 0, err
		}
		return pos + n - start, nil
	}
	size, n, err := GetVarint(p.Buf[pos:])
	if err != nil {
		return 0, err
	}
	pos += n
	if t == PageTableLeaf {
		_, n, err := GetVarint(p.Buf[pos:])
		if err != nil {
			return 0, err
		}
		pos += n
	}
	maxLocal := MaxLocalIndex(p.Usable)
	if t == PageTableLeaf {
		maxLocal = MaxLocalTable(p.Usable)
	}
	local := LocalPayload(int(size), maxLocal, MinLocal(p.Usable), p.Usable)
	pos += local
	if local < int(size) {
		pos += 4 // overflow page pointer
	}
	return pos - start, nil
}

// RawCell returns the encoded bytes of cell idx.
func (p *PageBuf) RawCell(idx int) ([]byte, error) {
	pos := p.CellPtr(idx)
	size, err := p.cellSize(pos)
	if err != nil {
		return nil, err
	}
	if pos+size > p.Usable {
		return nil, dberr.Corrupt(p.Pgno, "cell runs off page")
	}
	return p.Buf[pos : pos+size], nil
}

// SetCellLeftChild rewrites the child pointer of an interior cell in
// place. Interior cells begin with the 4-byte pointer, so the cell size
// does not change.
func (p *PageBuf) SetCellLeftChild(idx int, pgno uint32) error {
	if p.Type().IsLeaf() {
		return dberr.Corrupt(p.Pgno, "leaf cell has no child pointer")
	}
	if idx < 0 || idx >= p.CellCount() {
		return dberr.Corrupt(p.Pgno, "cell index %d out of range", idx)
	}
	binary.BigEndian.PutUint32(p.Buf[p.CellPtr(idx):], pgno)
	return nil
}

// InsertCell places an encoded cell at index idx, shifting later cell
// pointers right. It reports false when the page lacks space and must
// be split by the caller.
func (p *PageBuf) InsertCell(idx int, cell []byte) bool {
	need := len(cell) + 2
	if p.FreeSpace() < need {
		return false
	}
	pos := p.allocateSpace(len(cell))
	if pos == 0 {
		p.Defragment()
		pos = p.allocateSpace(len(cell))
		if pos == 0 {
			return false
		}
	}
	copy(p.Buf[pos:], cell)
	n := p.CellCount()
	arr := p.cellPtrArray()
	copy(p.Buf[arr+2*idx+2:arr+2*n+2], p.Buf[arr+2*idx:arr+2*n])
	p.setCellPtr(idx, uint16(pos))
	p.setCellCount(n + 1)
	return true
}

// RemoveCell deletes cell idx, returning its space to the freeblock
// chain (or the fragment counter for slivers under four bytes).
func (p *PageBuf) RemoveCell(idx int) error {
	pos := p.CellPtr(idx)
	size, err := p.cellSize(pos)
	if err != nil {
		return err
	}
	n := p.CellCount()
	arr := p.cellPtrArray()
	copy(p.Buf[arr+2*idx:arr+2*n-2], p.Buf[arr+2*idx+2:arr+2*n])
	p.setCellCount(n - 1)
	p.freeSpace(pos, size)
	return nil
}

// allocateSpace carves size bytes out of a freeblock or the unallocated
// gap, returning the absolute offset, or 0 when fragmentation requires
// a Defragment pass first.
func (p *PageBuf) allocateSpace(size int) int {
	// First fit from the freeblock chain.
	prev := p.Offset + 1 // address of the chain head field
	for pc := p.firstFreeblock(); pc != 0; {
		next := int(binary.BigEndian.Uint16(p.Buf[pc:]))
		blockSize := int(binary.BigEndian.Uint16(p.Buf[pc+2:]))
		if blockSize >= size {
			rest := blockSize - size
			if rest < 4 {
				// Consume the whole block; the remainder becomes fragments.
				binary.BigEndian.PutUint16(p.Buf[prev:], uint16(next))
				p.setFragBytes(uint8(p.fragBytes() + rest))
				return pc
			}
			binary.BigEndian.PutUint16(p.Buf[pc+2:], uint16(rest))
			return pc + rest
		}
		prev = pc
		pc = next
	}
	// Then the gap between the cell pointer array and the content area.
	top := p.contentStart()
	gapStart := p.cellPtrArray() + 2*p.CellCount()
	if top-size < gapStart {
		return 0
	}
	top -= size
	p.setContentStart(uint16(top % 65536))
	return top
}

// freeSpace returns [pos, pos+size) to the page, coalescing adjacent
// freeblocks and folding the block into the content-area gap when it
// touches it.
func (p *PageBuf) freeSpace(pos, size int) {
	if size < 4 {
		p.setFragBytes(uint8(p.fragBytes() + size))
		return
	}
	// Insert into the address-ordered freeblock chain.
	prev := p.Offset + 1
	next := p.firstFreeblock()
	for next != 0 && next < pos {
		prev = next
		next = int(binary.BigEndian.Uint16(p.Buf[next:]))
	}
	// Coalesce with the following block.
	if next != 0 && pos+size == next {
		size += int(binary.BigEndian.Uint16(p.Buf[next+2:]))
		next = int(binary.BigEndian.Uint16(p.Buf[next:]))
	}
	// Coalesce with the preceding block.
	if prev != p.Offset+1 {
		prevSize := int(binary.BigEndian.Uint16(p.Buf[prev+2:]))
		if prev+prevSize == pos {
			binary.BigEndian.PutUint16(p.Buf[prev+2:], uint16(prevSize+size))
			binary.BigEndian.PutUint16(p.Buf[prev:], uint16(next))
			p.mergeGap()
			return
		}
	}
	if pos == p.contentStart() {
		// Touches the gap: grow the unallocated region instead.
		binary.BigEndian.PutUint16(p.Buf[prev:], uint16(next))
		p.setContentStart(uint16((pos + size) % 65536))
		p.mergeGap()
		return
	}
	binary.BigEndian.PutUint16(p.Buf[pos:], uint16(next))
	binary.BigEndian.PutUint16(p.Buf[pos+2:], uint16(size))
	binary.BigEndian.PutUint16(p.Buf[prev:], uint16(pos))
}

// mergeGap folds a leading freeblock into the content-area gap when the
// chain head sits exactly at the content start.
func (p *PageBuf) mergeGap() {
	for {
		head := p.firstFreeblock()
		if head == 0 || head != p.contentStart() {
			return
		}
		size := int(binary.BigEndian.Uint16(p.Buf[head+2:]))
		next := int(binary.BigEndian.Uint16(p.Buf[head:]))
		p.setFirstFreeblock(uint16(next))
		p.setContentStart(uint16((head + size) % 65536))
	}
}

// Defragment rewrites all cells tightly against the end of the page,
// clearing freeblocks and fragments.
func (p *PageBuf) Defragment() {
	n := p.CellCount()
	type span struct {
		idx, pos, size int
	}
	spans := make([]span, 0, n)
	for i := 0; i < n; i++ {
		pos := p.CellPtr(i)
		size, err := p.cellSize(pos)
		if err != nil {
			return
		}
		spans = append(spans, span{i, pos, size})
	}
	scratch := make([]byte, p.Usable)
	top := p.Usable
	for i := n - 1; i >= 0; i-- {
		s := spans[i]
		top -= s.size
		copy(scratch[top:], p.Buf[s.pos:s.pos+s.size])
	}
	copy(p.Buf[top:p.Usable], scratch[top:])
	cur := top
	for i := 0; i < n; i++ {
		p.setCellPtr(i, uint16(cur))
		cur += spans[i].size
	}
	p.setContentStart(uint16(top % 65536))
	p.setFirstFreeblock(0)
	p.setFragBytes(0)
}

// --- cell encoders ---

// EncodeTableInterior builds a table interior cell (child, rowid key).
func EncodeTableInterior(leftChild uint32, rowid int64) []byte {
	cell := make([]byte, 4, 4+MaxVarintLen)
	binary.BigEndian.PutUint32(cell, leftChild)
	return AppendVarint(cell, uint64(rowid))
}

// EncodeIndexInterior builds an index interior cell around the local
// payload and optional overflow head.
func EncodeIndexInterior(leftChild uint32, payloadSize int, local []byte, overflow uint32) []byte {
	cell := make([]byte, 4, 4+MaxVarintLen+len(local)+4)
	binary.BigEndian.PutUint32(cell, leftChild)
	cell = AppendVarint(cell, uint64(payloadSize))
	cell = append(cell, local...)
	if overflow != 0 {
		cell = binary.BigEndian.AppendUint32(cell, overflow)
	}
	return cell
}

// EncodeTableLeaf builds a table leaf cell.
func EncodeTableLeaf(rowid int64, payloadSize int, local []byte, overflow uint32) []byte {
	cell := make([]byte, 0, 2*MaxVarintLen+len(local)+4)
	cell = AppendVarint(cell, uint64(payloadSize))
	cell = AppendVarint(cell, uint64(rowid))
	cell = append(cell, local...)
	if overflow != 0 {
		cell = binary.BigEndian.AppendUint32(cell, overflow)
	}
	return cell
}

// EncodeIndexLeaf builds an index leaf cell.
func EncodeIndexLeaf(payloadSize int, local []byte, overflow uint32) []byte {
	cell := make([]byte, 0, MaxVarintLen+len(local)+4)
	cell = AppendVarint(cell, uint64(payloadSize))
	cell = append(cell, local...)
	if overflow != 0 {
		cell = binary.BigEndian.AppendUint32(cell, overflow)
	}
	return cell
}
