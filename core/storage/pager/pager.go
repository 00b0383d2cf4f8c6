// Package pager mediates every page access: a pinned LRU page cache in
// front of the database file, with reads resolved through the
// write-ahead log overlay and writes collected as dirty pages until
// commit publishes them as log frames. It also owns the database
// header, the freelist, and the transaction lifecycle.
package pager

import (
	"container/list"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/storage/wal"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

// Page is one cached page image. Pinned pages are never evicted;
// callers must Unpin when done with the buffer.
type Page struct {
	Pgno  uint32
	Data  []byte
	pins  int
	dirty bool
	elem  *list.Element
}

type txnState int

const (
	txnNone txnState = iota
	txnRead
	txnWrite
)

type inflightRead struct {
	c   *vfs.Completion
	buf []byte
}

// Options configures a Pager.
type Options struct {
	CachePages int
	SyncDB     bool // fsync the main file after checkpoint
}

// Pager is the page-level access layer for one database file.
type Pager struct {
	mu sync.Mutex

	v       vfs.VFS
	file    vfs.File
	wal     *wal.WAL
	log     *zap.Logger
	metrics *telemetry.Metrics

	pageSize uint32
	usable   int
	maxPages int
	syncDB   bool

	cache    map[uint32]*Page
	lru      *list.List // back is the eviction candidate
	inflight map[uint32]*inflightRead

	state    txnState
	snap     wal.Snapshot
	hdr      format.Header
	savedHdr format.Header
	cacheGen uint32 // commit sequence the clean cache reflects
}

// Bootstrap creates the database file if it does not exist and returns
// its header: the 100-byte header followed by an empty table leaf that
// becomes the schema table root. Call once per database, before any
// pager or log is opened.
func Bootstrap(v vfs.VFS, path string, pageSize uint32) (format.Header, error) {
	f, err := v.Open(path)
	if err != nil {
		return format.Header{}, err
	}
	defer f.Close()
	size, err := f.Size()
	if err != nil {
		return format.Header{}, err
	}
	if size > 0 {
		buf := make([]byte, format.HeaderSize)
		c := f.ReadAt(buf, 0)
		if err := vfs.Await(v, c); err != nil {
			return format.Header{}, err
		}
		if c.N() < format.HeaderSize {
			return format.Header{}, dberr.ErrNotADatabase
		}
		return format.DecodeHeader(buf)
	}
	if pageSize == 0 {
		pageSize = format.DefaultPageSize
	}
	hdr := format.NewHeader(pageSize)
	buf := make([]byte, pageSize)
	hdr.Encode(buf)
	pb := format.NewPageBuf(1, buf, hdr.UsableSize())
	pb.Init(format.PageTableLeaf)
	if err := vfs.Await(v, f.WriteAt(buf, 0)); err != nil {
		return format.Header{}, err
	}
	if err := vfs.Await(v, f.Sync()); err != nil {
		return format.Header{}, err
	}
	return hdr, nil
}

// New opens a pager over the shared log. Each connection gets its own
// pager (file handle, cache, transaction state); the log is shared so
// all connections observe the same commit sequence.
func New(v vfs.VFS, path string, w *wal.WAL, hdr format.Header, opts Options, log *zap.Logger, m *telemetry.Metrics) (*Pager, error) {
	f, err := v.Open(path)
	if err != nil {
		return nil, err
	}
	p := &Pager{
		v:        v,
		file:     f,
		wal:      w,
		log:      log,
		metrics:  m,
		maxPages: opts.CachePages,
		syncDB:   opts.SyncDB,
		pageSize: hdr.PageSize,
		usable:   hdr.UsableSize(),
		hdr:      hdr,
		cache:    make(map[uint32]*Page),
		lru:      list.New(),
		inflight: make(map[uint32]*inflightRead),
	}
	if p.maxPages < 10 {
		p.maxPages = 10
	}
	return p, nil
}

// Close releases this pager's file handle. The shared log is closed by
// its owner. Any open transaction must be ended first.
func (p *Pager) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnNone {
		return dberr.ErrTxnAlreadyOpen
	}
	return p.file.Close()
}

// PageSize returns the database page size in bytes.
func (p *Pager) PageSize() uint32 { return p.pageSize }

// Usable returns the usable bytes per page.
func (p *Pager) Usable() int { return p.usable }

// Header returns the header as seen by the current transaction.
func (p *Pager) Header() format.Header {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.hdr
}

// SetSchemaCookie records a schema change; takes effect at commit.
func (p *Pager) SetSchemaCookie(v uint32) {
	p.mu.Lock()
	p.hdr.SchemaCookie = v
	p.mu.Unlock()
}

// SetLargestRoot tracks the highest b-tree root page created.
func (p *Pager) SetLargestRoot(pgno uint32) {
	p.mu.Lock()
	if pgno > p.hdr.LargestRootPage {
		p.hdr.LargestRootPage = pgno
	}
	p.mu.Unlock()
}

// BeginRead opens a read transaction pinned to the current commit
// sequence of the log.
func (p *Pager) BeginRead() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnNone {
		return dberr.ErrTxnAlreadyOpen
	}
	p.snap = p.wal.BeginSnapshot()
	p.invalidateStaleLocked()
	p.state = txnRead
	return p.loadHeaderLocked()
}

// invalidateStaleLocked drops clean cached pages when other
// connections have committed since this cache was filled.
func (p *Pager) invalidateStaleLocked() {
	if p.snap.MaxFrame == p.cacheGen {
		return
	}
	for pgno, pg := range p.cache {
		if pg.pins == 0 && !pg.dirty {
			p.lru.Remove(pg.elem)
			delete(p.cache, pgno)
		}
	}
	p.metrics.CacheSizePages.Set(float64(len(p.cache)))
	p.cacheGen = p.snap.MaxFrame
}

// BeginWrite opens the single write transaction. Fails with BusyError
// if another process holds the write lock.
func (p *Pager) BeginWrite() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == txnWrite {
		return dberr.ErrTxnAlreadyOpen
	}
	if err := p.file.Lock(true); err != nil {
		return err
	}
	if p.state == txnNone {
		p.snap = p.wal.BeginSnapshot()
		p.invalidateStaleLocked()
	} else {
		// Upgrading a read transaction: the view must be current or the
		// upgrade would lose intervening commits.
		if p.snap.MaxFrame != p.wal.CommittedFrames() {
			_ = p.file.Unlock()
			return &dberr.BusyError{Op: "upgrade"}
		}
	}
	if err := p.loadHeaderLocked(); err != nil {
		_ = p.file.Unlock()
		if p.state == txnNone {
			p.wal.EndSnapshot(p.snap)
		}
		return err
	}
	p.savedHdr = p.hdr
	p.state = txnWrite
	return nil
}

// loadHeaderLocked refreshes the in-memory header from the snapshot's
// view of page 1.
func (p *Pager) loadHeaderLocked() error {
	if pg, ok := p.cache[1]; ok {
		hdr, err := format.DecodeHeader(pg.Data)
		if err != nil {
			return err
		}
		p.hdr = hdr
		return nil
	}
	buf := make([]byte, p.pageSize)
	if fr, ok := p.wal.FrameFor(1, p.snap, false); ok {
		if err := p.wal.ReadFrame(fr, buf); err != nil {
			return err
		}
	} else {
		if err := p.readRaw(buf, 0); err != nil {
			return err
		}
	}
	hdr, err := format.DecodeHeader(buf)
	if err != nil {
		return err
	}
	p.hdr = hdr
	return nil
}

// EndRead closes a read transaction, releasing its snapshot.
func (p *Pager) EndRead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnRead {
		return
	}
	p.wal.EndSnapshot(p.snap)
	p.state = txnNone
}

// Get returns the pinned page, resolving cache, then log overlay, then
// the database file. With the queue backend a file read that has not
// yet completed returns ErrPending; retry the same Get after Poll.
func (p *Pager) Get(pgno uint32) (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == txnNone {
		return nil, dberr.ErrNoTxn
	}
	if pgno == 0 || pgno > p.hdr.DatabaseSize {
		return nil, dberr.ErrPageNotFound
	}
	if pg, ok := p.cache[pgno]; ok {
		pg.pins++
		p.lru.MoveToFront(pg.elem)
		p.metrics.CacheHits.Inc()
		return pg, nil
	}
	p.metrics.CacheMisses.Inc()

	// Log overlay: newest frame visible to this transaction.
	if fr, ok := p.wal.FrameFor(pgno, p.snap, p.state == txnWrite); ok {
		buf := make([]byte, p.pageSize)
		if err := p.wal.ReadFrame(fr, buf); err != nil {
			return nil, err
		}
		p.metrics.PagesRead.Inc()
		return p.admitLocked(pgno, buf)
	}

	// Main file, possibly asynchronous. Write transactions block until
	// the read completes: structural changes must never be suspended
	// half-applied. Read transactions surface ErrPending instead and
	// are retried after Poll.
	if inf, ok := p.inflight[pgno]; ok {
		if !inf.c.Done() {
			if p.state != txnWrite {
				return nil, dberr.ErrPending
			}
			if err := vfs.Await(p.v, inf.c); err != nil {
				delete(p.inflight, pgno)
				return nil, err
			}
		}
		delete(p.inflight, pgno)
		if err := inf.c.Err(); err != nil {
			return nil, err
		}
		p.metrics.PagesRead.Inc()
		return p.admitLocked(pgno, inf.buf)
	}
	buf := make([]byte, p.pageSize)
	c := p.file.ReadAt(buf, int64(pgno-1)*int64(p.pageSize))
	if !c.Done() {
		if p.state != txnWrite {
			p.inflight[pgno] = &inflightRead{c: c, buf: buf}
			return nil, dberr.ErrPending
		}
		if err := vfs.Await(p.v, c); err != nil {
			return nil, err
		}
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	p.metrics.PagesRead.Inc()
	return p.admitLocked(pgno, buf)
}

// admitLocked inserts a freshly read page, evicting if needed.
func (p *Pager) admitLocked(pgno uint32, buf []byte) (*Page, error) {
	if err := p.makeRoomLocked(); err != nil {
		return nil, err
	}
	pg := &Page{Pgno: pgno, Data: buf, pins: 1}
	pg.elem = p.lru.PushFront(pg)
	p.cache[pgno] = pg
	p.metrics.CacheSizePages.Set(float64(len(p.cache)))
	return pg, nil
}

// makeRoomLocked evicts the least recently used unpinned page when the
// cache is full. A dirty page is spilled to the log as a non-commit
// frame before it is dropped.
func (p *Pager) makeRoomLocked() error {
	if len(p.cache) < p.maxPages {
		return nil
	}
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		pg := e.Value.(*Page)
		if pg.pins > 0 {
			continue
		}
		if pg.dirty {
			if p.state != txnWrite {
				return dberr.Corrupt(pg.Pgno, "dirty page outside write transaction")
			}
			if err := p.wal.AppendFrames([]wal.Frame{{Pgno: pg.Pgno, Data: pg.Data}}, 0); err != nil {
				return err
			}
			p.log.Debug("spilled dirty page", zap.Uint32("pgno", pg.Pgno))
		}
		p.lru.Remove(e)
		delete(p.cache, pg.Pgno)
		p.metrics.CacheSizePages.Set(float64(len(p.cache)))
		return nil
	}
	return dberr.ErrCacheFull
}

// Unpin releases one pin on the page.
func (p *Pager) Unpin(pg *Page) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if pg.pins > 0 {
		pg.pins--
	}
}

// MarkDirty records that the page buffer was modified. Only valid in a
// write transaction; the page must be pinned.
func (p *Pager) MarkDirty(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return dberr.ErrReadOnlyTxn
	}
	pg.dirty = true
	return nil
}

// Allocate returns a pinned, zeroed, dirty page: reused from the
// freelist when one is available, otherwise appended to the file.
func (p *Pager) Allocate() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return nil, dberr.ErrReadOnlyTxn
	}
	if p.hdr.FreelistTrunk != 0 {
		return p.allocateFromFreelistLocked()
	}
	p.hdr.DatabaseSize++
	return p.freshPageLocked(p.hdr.DatabaseSize)
}

func (p *Pager) allocateFromFreelistLocked() (*Page, error) {
	trunk, err := p.getLocked(p.hdr.FreelistTrunk)
	if err != nil {
		return nil, err
	}
	body := trunk.Data[:p.usable]
	n := format.TrunkLeafCount(body)
	if n > 0 {
		leaf := format.TrunkLeaf(body, n-1)
		format.TrunkSetLeafCount(body, n-1)
		trunk.dirty = true
		p.hdr.FreelistPages--
		p.unpinLocked(trunk)
		return p.freshPageLocked(leaf)
	}
	// Empty trunk: the trunk page itself is the allocation.
	next := format.TrunkNext(body)
	pgno := trunk.Pgno
	p.unpinLocked(trunk)
	p.hdr.FreelistTrunk = next
	p.hdr.FreelistPages--
	return p.freshPageLocked(pgno)
}

// freshPageLocked materializes pgno as a zeroed dirty page without
// reading the file; the caller owns its initialization.
func (p *Pager) freshPageLocked(pgno uint32) (*Page, error) {
	if pg, ok := p.cache[pgno]; ok {
		for i := range pg.Data {
			pg.Data[i] = 0
		}
		pg.pins++
		pg.dirty = true
		p.lru.MoveToFront(pg.elem)
		return pg, nil
	}
	pg, err := p.admitLocked(pgno, make([]byte, p.pageSize))
	if err != nil {
		return nil, err
	}
	pg.dirty = true
	return pg, nil
}

// Free returns the page to the freelist. The caller's pin is consumed.
func (p *Pager) Free(pg *Page) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return dberr.ErrReadOnlyTxn
	}
	defer p.unpinLocked(pg)

	if p.hdr.FreelistTrunk == 0 {
		format.TrunkInit(pg.Data[:p.usable], 0)
		pg.dirty = true
		p.hdr.FreelistTrunk = pg.Pgno
		p.hdr.FreelistPages++
		return nil
	}
	trunk, err := p.getLocked(p.hdr.FreelistTrunk)
	if err != nil {
		return err
	}
	defer p.unpinLocked(trunk)
	body := trunk.Data[:p.usable]
	n := format.TrunkLeafCount(body)
	if n < format.TrunkCapacity(p.usable) {
		format.TrunkSetLeaf(body, n, pg.Pgno)
		format.TrunkSetLeafCount(body, n+1)
		trunk.dirty = true
	} else {
		// Trunk full: the freed page becomes the new first trunk.
		format.TrunkInit(pg.Data[:p.usable], p.hdr.FreelistTrunk)
		pg.dirty = true
		p.hdr.FreelistTrunk = pg.Pgno
	}
	p.hdr.FreelistPages++
	return nil
}

// getLocked is Get without re-taking the mutex, for internal callers.
func (p *Pager) getLocked(pgno uint32) (*Page, error) {
	p.mu.Unlock()
	pg, err := p.Get(pgno)
	p.mu.Lock()
	return pg, err
}

func (p *Pager) unpinLocked(pg *Page) {
	if pg.pins > 0 {
		pg.pins--
	}
}

// CommitPhaseOne publishes every dirty page, plus the refreshed header
// page, as one atomic batch of log frames ending in a commit marker.
// The write lock is retained until EndWrite.
func (p *Pager) CommitPhaseOne() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return dberr.ErrNoTxn
	}

	p.hdr.ChangeCounter++
	p.hdr.VersionValidFor = p.hdr.ChangeCounter
	pg1, err := p.getLocked(1)
	if err != nil {
		return err
	}
	p.hdr.Encode(pg1.Data)
	pg1.dirty = true
	p.unpinLocked(pg1)

	var frames []wal.Frame
	for _, pg := range p.cache {
		if pg.dirty {
			frames = append(frames, wal.Frame{Pgno: pg.Pgno, Data: pg.Data})
		}
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].Pgno < frames[j].Pgno })
	if err := p.wal.AppendFrames(frames, p.hdr.DatabaseSize); err != nil {
		return err
	}
	for _, pg := range p.cache {
		pg.dirty = false
	}
	p.cacheGen = p.wal.CommittedFrames()
	p.snap.MaxFrame = p.cacheGen
	p.savedHdr = p.hdr
	p.log.Debug("transaction committed",
		zap.Int("pages", len(frames)),
		zap.Uint32("db_size", p.hdr.DatabaseSize))
	return nil
}

// EndWrite releases the write lock and snapshot after commit or
// rollback, returning the pager to the idle state.
func (p *Pager) EndWrite() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return
	}
	_ = p.file.Unlock()
	p.wal.EndSnapshot(p.snap)
	p.state = txnNone
}

// Rollback discards every uncommitted change: dirty pages are dropped
// from the cache, spilled frames are abandoned in the log, and the
// header reverts to its value at BeginWrite.
func (p *Pager) Rollback() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return
	}
	for pgno, pg := range p.cache {
		if pg.dirty {
			if pg.pins > 0 {
				p.log.Warn("dropping pinned dirty page on rollback",
					zap.Uint32("pgno", pgno))
			}
			p.lru.Remove(pg.elem)
			delete(p.cache, pgno)
		}
	}
	p.metrics.CacheSizePages.Set(float64(len(p.cache)))
	p.wal.Rollback()
	p.hdr = p.savedHdr
}

// Savepoint captures the write transaction's state so a later
// RollbackTo can undo everything after this point while keeping the
// transaction itself alive. Statement execution uses this for the
// abort scope of constraint failures.
type Savepoint struct {
	walMark wal.Mark
	hdr     format.Header
	pages   map[uint32][]byte // images of pages dirty at the mark
}

// Savepoint records the current position of the write transaction.
func (p *Pager) Savepoint() (*Savepoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return nil, dberr.ErrReadOnlyTxn
	}
	sp := &Savepoint{
		walMark: p.wal.MarkSavepoint(),
		hdr:     p.hdr,
		pages:   make(map[uint32][]byte),
	}
	for pgno, pg := range p.cache {
		if pg.dirty {
			img := make([]byte, len(pg.Data))
			copy(img, pg.Data)
			sp.pages[pgno] = img
		}
	}
	return sp, nil
}

// RollbackTo undoes every change made after the savepoint: pages that
// were dirty at the mark are restored from their saved images, pages
// dirtied afterwards are dropped, and spilled log frames past the mark
// are abandoned. The write transaction stays open.
func (p *Pager) RollbackTo(sp *Savepoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != txnWrite {
		return dberr.ErrNoTxn
	}
	for pgno, pg := range p.cache {
		if !pg.dirty {
			continue
		}
		if img, ok := sp.pages[pgno]; ok {
			copy(pg.Data, img)
			continue
		}
		if pg.pins > 0 {
			p.log.Warn("dropping pinned dirty page on savepoint rollback",
				zap.Uint32("pgno", pgno))
		}
		p.lru.Remove(pg.elem)
		delete(p.cache, pgno)
	}
	// Pages that were dirty at the mark but spilled and evicted since
	// must come back from their saved images, not from the file.
	for pgno, img := range sp.pages {
		if _, ok := p.cache[pgno]; ok {
			continue
		}
		buf := make([]byte, len(img))
		copy(buf, img)
		pg, err := p.admitLocked(pgno, buf)
		if err != nil {
			return err
		}
		pg.dirty = true
		pg.pins--
	}
	p.metrics.CacheSizePages.Set(float64(len(p.cache)))
	p.wal.RollbackToMark(sp.walMark)
	p.hdr = sp.hdr
	return nil
}

// Checkpoint copies committed log frames back into the database file,
// bounded by the oldest open snapshot.
func (p *Pager) Checkpoint() (wal.CheckpointResult, error) {
	return p.wal.Checkpoint(p.file, p.syncDB)
}

// WALFrames reports the committed frame count, used to pace automatic
// checkpoints.
func (p *Pager) WALFrames() uint32 { return p.wal.CommittedFrames() }

// PageBuf wraps a pinned page for structured b-tree access.
func (p *Pager) PageBuf(pg *Page) *format.PageBuf {
	return format.NewPageBuf(pg.Pgno, pg.Data, p.usable)
}

func (p *Pager) readRaw(buf []byte, off int64) error {
	c := p.file.ReadAt(buf, off)
	if err := vfs.Await(p.v, c); err != nil {
		return err
	}
	if c.N() < len(buf) {
		return fmt.Errorf("short read at %d: %w", off, dberr.ErrInvalidPageData)
	}
	return nil
}
