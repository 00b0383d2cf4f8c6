// Package wal manages the write-ahead log: appending committed page
// images as checksummed frames, publishing a commit sequence that
// defines reader snapshots, checkpointing frames back into the main
// database file, and rolling the log forward after a crash.
package wal

import (
	"crypto/rand"
	"encoding/binary"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alphadose/haxmap"
	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/telemetry"
)

// Frame is one page image queued for append.
type Frame struct {
	Pgno uint32
	Data []byte
}

// Snapshot pins a reader's view of the log: frames at or below MaxFrame
// are visible, later ones are not. Snapshots also bound how far a
// concurrent checkpoint may reset the log.
type Snapshot struct {
	ID       uint64
	MaxFrame uint32
}

type commitMark struct {
	frame  uint32
	dbSize uint32
}

// WAL is the log manager for one database file. One writer at a time
// appends (enforced by the pager's write lock); readers and the
// page-index lookups are lock-free against the haxmap index.
type WAL struct {
	file     vfs.File
	v        vfs.VFS
	log      *zap.Logger
	metrics  *telemetry.Metrics
	pageSize uint32
	syncWAL  bool // fsync the log on commit

	// index maps a page number to every committed frame holding it, in
	// ascending frame order. Slices are copy-on-write so readers never
	// observe a partial update.
	index *haxmap.Map[uint32, []uint32]

	maxFrame atomic.Uint32 // commit sequence: last committed frame

	mu       sync.Mutex // guards writer and recovery state below
	hdr      format.WALHeader
	nFrames  uint32 // frames physically in the log, incl. uncommitted
	s1, s2   uint32 // running checksum at frame nFrames
	cs1, cs2 uint32 // checksum as of the last commit, for rollback
	pending  map[uint32]uint32
	commits  []commitMark

	readerMu   sync.Mutex
	nextReader uint64
	readers    map[uint64]uint32

	checkpointing atomic.Bool
	backfilled    uint32 // frames already copied into the main file
}

// Open opens or creates the log at path and rolls forward every fully
// committed transaction found in it. Anything after the first invalid
// or partial frame is discarded.
func Open(v vfs.VFS, path string, pageSize uint32, syncOnCommit bool, log *zap.Logger, m *telemetry.Metrics) (*WAL, error) {
	f, err := v.Open(path)
	if err != nil {
		return nil, err
	}
	w := &WAL{
		file:     f,
		v:        v,
		log:      log,
		metrics:  m,
		pageSize: pageSize,
		syncWAL:  syncOnCommit,
		index:    haxmap.New[uint32, []uint32](),
		pending:  make(map[uint32]uint32),
		readers:  make(map[uint64]uint32),
	}
	if err := w.recover(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func (w *WAL) recover() error {
	size, err := w.file.Size()
	if err != nil {
		return err
	}
	if size < format.WALHeaderSize {
		return w.reset(1)
	}

	hdrBuf := make([]byte, format.WALHeaderSize)
	if err := w.read(hdrBuf, 0); err != nil {
		return err
	}
	hdr, err := format.DecodeWALHeader(hdrBuf)
	if err != nil {
		// A torn header means no commit ever became durable in this log
		// generation; start a fresh one.
		w.log.Warn("wal header invalid, resetting log", zap.Error(err))
		return w.reset(1)
	}
	if hdr.PageSize != w.pageSize {
		return dberr.Corrupt(0, "wal page size %d does not match database page size %d",
			hdr.PageSize, w.pageSize)
	}
	w.hdr = hdr
	w.s1, w.s2 = hdr.Checksum1, hdr.Checksum2

	frameSize := int64(format.WALFrameHeaderSize + int(w.pageSize))
	frameBuf := make([]byte, frameSize)
	var frame uint32
	batch := make(map[uint32]uint32)
	for off := int64(format.WALHeaderSize); off+frameSize <= size; off += frameSize {
		if err := w.read(frameBuf, off); err != nil {
			return err
		}
		fh, s1, s2, ok := format.DecodeWALFrame(
			frameBuf[:format.WALFrameHeaderSize],
			frameBuf[format.WALFrameHeaderSize:],
			w.hdr, w.s1, w.s2)
		if !ok {
			break
		}
		frame++
		w.s1, w.s2 = s1, s2
		batch[fh.Pgno] = frame
		if fh.IsCommit() {
			for pgno, fr := range batch {
				w.indexAppend(pgno, fr)
			}
			batch = make(map[uint32]uint32)
			w.maxFrame.Store(frame)
			w.nFrames = frame
			w.cs1, w.cs2 = s1, s2
			w.commits = append(w.commits, commitMark{frame: frame, dbSize: fh.DBSize})
		}
	}
	// Trailing frames without a commit marker belong to a transaction
	// that never became durable.
	w.nFrames = w.maxFrame.Load()
	w.s1, w.s2 = w.cs1, w.cs2
	w.log.Info("wal recovered",
		zap.Uint32("committed_frames", w.nFrames),
		zap.Int("transactions", len(w.commits)))
	return nil
}

// reset starts a new log generation: fresh salts, bumped checkpoint
// sequence, truncated file.
func (w *WAL) reset(checkpointSeq uint32) error {
	var saltBuf [8]byte
	if _, err := rand.Read(saltBuf[:]); err != nil {
		return &dberr.IOError{Kind: dberr.IOOther, Op: "salt", Err: err}
	}
	w.hdr = format.NewWALHeader(w.pageSize, checkpointSeq,
		binary.BigEndian.Uint32(saltBuf[:4]), binary.BigEndian.Uint32(saltBuf[4:]))
	buf := make([]byte, format.WALHeaderSize)
	w.hdr.Encode(buf)
	if err := w.write(buf, 0); err != nil {
		return err
	}
	if err := w.file.Truncate(format.WALHeaderSize); err != nil {
		return err
	}
	w.s1, w.s2 = w.hdr.Checksum1, w.hdr.Checksum2
	w.cs1, w.cs2 = w.s1, w.s2
	w.nFrames = 0
	w.maxFrame.Store(0)
	w.backfilled = 0
	w.commits = nil
	w.pending = make(map[uint32]uint32)
	w.index = haxmap.New[uint32, []uint32]()
	return nil
}

func (w *WAL) indexAppend(pgno, frame uint32) {
	frames, _ := w.index.Get(pgno)
	next := make([]uint32, len(frames)+1)
	copy(next, frames)
	next[len(frames)] = frame
	w.index.Set(pgno, next)
}

// BeginSnapshot registers a reader at the current commit sequence.
func (w *WAL) BeginSnapshot() Snapshot {
	w.readerMu.Lock()
	defer w.readerMu.Unlock()
	w.nextReader++
	s := Snapshot{ID: w.nextReader, MaxFrame: w.maxFrame.Load()}
	w.readers[s.ID] = s.MaxFrame
	return s
}

// EndSnapshot releases a reader's pin on the log.
func (w *WAL) EndSnapshot(s Snapshot) {
	w.readerMu.Lock()
	delete(w.readers, s.ID)
	w.readerMu.Unlock()
}

// oldestReader returns the lowest pinned frame, or max if none.
func (w *WAL) oldestReader(max uint32) uint32 {
	w.readerMu.Lock()
	defer w.readerMu.Unlock()
	min := max
	for _, f := range w.readers {
		if f < min {
			min = f
		}
	}
	return min
}

// FrameFor resolves pgno against the snapshot: the newest committed
// frame at or below s.MaxFrame. The writer additionally sees its own
// uncommitted frames (writerView).
func (w *WAL) FrameFor(pgno uint32, s Snapshot, writerView bool) (uint32, bool) {
	if writerView {
		w.mu.Lock()
		fr, ok := w.pending[pgno]
		w.mu.Unlock()
		if ok {
			return fr, true
		}
	}
	frames, ok := w.index.Get(pgno)
	if !ok {
		return 0, false
	}
	for i := len(frames) - 1; i >= 0; i-- {
		if frames[i] <= s.MaxFrame {
			return frames[i], true
		}
	}
	return 0, false
}

// ReadFrame copies the page image of the 1-based frame into dst.
func (w *WAL) ReadFrame(frame uint32, dst []byte) error {
	off := format.WALFrameOffset(frame, w.pageSize) + format.WALFrameHeaderSize
	return w.read(dst[:w.pageSize], off)
}

// AppendFrames writes the batch sequentially after the last frame. If
// dbSize is nonzero the final frame is a commit marker: the log is
// synced (per the durability level) and the new commit sequence is
// published, making the transaction visible to new snapshots.
func (w *WAL) AppendFrames(frames []Frame, dbSize uint32) error {
	if len(frames) == 0 {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	frameSize := format.WALFrameHeaderSize + int(w.pageSize)
	buf := make([]byte, frameSize)
	for i, f := range frames {
		commitSize := uint32(0)
		if dbSize != 0 && i == len(frames)-1 {
			commitSize = dbSize
		}
		w.s1, w.s2 = format.EncodeWALFrame(buf, f.Pgno, commitSize, f.Data, w.hdr, w.s1, w.s2)
		w.nFrames++
		if err := w.write(buf, format.WALFrameOffset(w.nFrames, w.pageSize)); err != nil {
			return err
		}
		w.pending[f.Pgno] = w.nFrames
		w.metrics.WALFrames.Inc()
	}

	if dbSize == 0 {
		return nil
	}
	if w.syncWAL {
		if err := vfs.Await(w.v, w.file.Sync()); err != nil {
			return err
		}
	}
	for pgno, fr := range w.pending {
		w.indexAppend(pgno, fr)
	}
	w.pending = make(map[uint32]uint32)
	w.commits = append(w.commits, commitMark{frame: w.nFrames, dbSize: dbSize})
	w.cs1, w.cs2 = w.s1, w.s2
	w.maxFrame.Store(w.nFrames)
	w.metrics.WALCommits.Inc()
	w.log.Debug("wal commit published",
		zap.Uint32("max_frame", w.nFrames), zap.Uint32("db_size", dbSize))
	return nil
}

// Rollback discards frames appended since the last commit (spilled by
// a transaction that is now aborting).
func (w *WAL) Rollback() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nFrames = w.maxFrame.Load()
	w.s1, w.s2 = w.cs1, w.cs2
	w.pending = make(map[uint32]uint32)
}

// Mark captures the writer's uncommitted position so a savepoint can
// truncate back to it without touching committed frames.
type Mark struct {
	nFrames uint32
	s1, s2  uint32
	pending map[uint32]uint32
}

// MarkSavepoint snapshots the uncommitted frame state for RollbackToMark.
func (w *WAL) MarkSavepoint() Mark {
	w.mu.Lock()
	defer w.mu.Unlock()
	pend := make(map[uint32]uint32, len(w.pending))
	for pgno, fr := range w.pending {
		pend[pgno] = fr
	}
	return Mark{nFrames: w.nFrames, s1: w.s1, s2: w.s2, pending: pend}
}

// RollbackToMark discards frames spilled after the mark was taken.
// Only valid within the write transaction that took the mark.
func (w *WAL) RollbackToMark(m Mark) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if m.nFrames > w.nFrames {
		return
	}
	w.nFrames = m.nFrames
	w.s1, w.s2 = m.s1, m.s2
	w.pending = make(map[uint32]uint32, len(m.pending))
	for pgno, fr := range m.pending {
		w.pending[pgno] = fr
	}
}

// CommittedFrames returns the current commit sequence, the count of
// frames visible to a fresh snapshot.
func (w *WAL) CommittedFrames() uint32 { return w.maxFrame.Load() }

// CheckpointResult reports what a checkpoint pass accomplished.
type CheckpointResult struct {
	PagesMoved int
	Reset      bool
}

// Checkpoint copies the newest committed frame of every page — up to
// the bound allowed by the oldest open snapshot — into the main file in
// page-number order, then resets the log if no snapshot still needs it.
// Only one checkpoint runs at a time; a concurrent attempt is a no-op.
func (w *WAL) Checkpoint(db vfs.File, syncDB bool) (CheckpointResult, error) {
	var res CheckpointResult
	if !w.checkpointing.CompareAndSwap(false, true) {
		return res, nil
	}
	defer w.checkpointing.Store(false)

	w.mu.Lock()
	defer w.mu.Unlock()

	max := w.maxFrame.Load()
	bound := w.oldestReader(max)
	if bound <= w.backfilled {
		return res, nil
	}

	// Database size as of the last commit at or below the bound.
	var dbSize uint32
	for _, c := range w.commits {
		if c.frame <= bound {
			dbSize = c.dbSize
		}
	}

	// Newest frame per page within the bound, in page order.
	type move struct{ pgno, frame uint32 }
	var moves []move
	w.index.ForEach(func(pgno uint32, frames []uint32) bool {
		for i := len(frames) - 1; i >= 0; i-- {
			if frames[i] <= bound {
				if frames[i] > w.backfilled {
					moves = append(moves, move{pgno, frames[i]})
				}
				break
			}
		}
		return true
	})
	sort.Slice(moves, func(i, j int) bool { return moves[i].pgno < moves[j].pgno })

	page := make([]byte, w.pageSize)
	for _, mv := range moves {
		if err := w.ReadFrame(mv.frame, page); err != nil {
			return res, err
		}
		if err := writeAll(w.v, db, page, int64(mv.pgno-1)*int64(w.pageSize)); err != nil {
			return res, err
		}
		w.metrics.PagesWritten.Inc()
		res.PagesMoved++
	}
	if dbSize != 0 {
		if err := db.Truncate(int64(dbSize) * int64(w.pageSize)); err != nil {
			return res, err
		}
	}
	if res.PagesMoved > 0 && syncDB {
		if err := vfs.Await(w.v, db.Sync()); err != nil {
			return res, err
		}
	}
	w.backfilled = bound

	if bound == max && max == w.nFrames {
		if err := w.reset(w.hdr.CheckpointSeq + 1); err != nil {
			return res, err
		}
		res.Reset = true
	}
	w.metrics.Checkpoints.Inc()
	w.log.Debug("checkpoint complete",
		zap.Int("pages", res.PagesMoved),
		zap.Uint32("bound", bound),
		zap.Bool("reset", res.Reset))
	return res, nil
}

// Close releases the log file. The log is left intact for recovery.
func (w *WAL) Close() error { return w.file.Close() }

func (w *WAL) read(p []byte, off int64) error {
	c := w.file.ReadAt(p, off)
	if err := vfs.Await(w.v, c); err != nil {
		return err
	}
	if c.N() < len(p) {
		return dberr.Corrupt(0, "short wal read at %d", off)
	}
	return nil
}

func (w *WAL) write(p []byte, off int64) error {
	return vfs.Await(w.v, w.file.WriteAt(p, off))
}

func writeAll(v vfs.VFS, f vfs.File, p []byte, off int64) error {
	return vfs.Await(v, f.WriteAt(p, off))
}

