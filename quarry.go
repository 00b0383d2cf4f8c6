// Package quarry is an embeddable relational engine that reads and
// writes the SQLite 3 file format. A DB owns one database file and its
// write-ahead log; each Conn carries its own page cache and transaction
// context, so connections see consistent snapshots and a single writer
// commits at a time. SQL goes through Prepare/Step in the usual
// prepared-statement style.
package quarry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/quarrydb/quarry/config"
	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/planner"
	"github.com/quarrydb/quarry/core/schema"
	"github.com/quarrydb/quarry/core/storage/format"
	"github.com/quarrydb/quarry/core/storage/pager"
	"github.com/quarrydb/quarry/core/storage/wal"
	"github.com/quarrydb/quarry/core/vdbe"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/logger"
	"github.com/quarrydb/quarry/pkg/telemetry"
	"github.com/quarrydb/quarry/sql/ast"

	lru "github.com/hashicorp/golang-lru/v2"
)

const stmtCacheSize = 64

// Checkpoints triggered by the frame threshold run at most this often.
const checkpointInterval = time.Second

// Option adjusts Open behavior.
type Option func(*openOptions)

type openOptions struct {
	cfg config.Config
	log *zap.Logger
}

// WithConfig replaces the whole configuration.
func WithConfig(cfg config.Config) Option {
	return func(o *openOptions) { o.cfg = cfg }
}

// WithPageSize sets the page size for newly created databases.
func WithPageSize(n int) Option {
	return func(o *openOptions) { o.cfg.PageSize = n }
}

// WithCachePages sets the per-connection page cache capacity.
func WithCachePages(n int) Option {
	return func(o *openOptions) { o.cfg.CachePages = n }
}

// WithSynchronous sets the commit durability level.
func WithSynchronous(level config.SyncLevel) Option {
	return func(o *openOptions) { o.cfg.Synchronous = level }
}

// WithIOBackend selects blocking or completion-queue I/O.
func WithIOBackend(b vfs.Backend) Option {
	return func(o *openOptions) { o.cfg.IOBackend = b }
}

// WithAutoCheckpoint sets the WAL frame count that triggers a passive
// checkpoint. Zero disables auto-checkpointing.
func WithAutoCheckpoint(frames int) Option {
	return func(o *openOptions) { o.cfg.WALAutoCheckpoint = frames }
}

// WithLogger supplies the engine logger directly, bypassing the log
// section of the configuration.
func WithLogger(l *zap.Logger) Option {
	return func(o *openOptions) { o.log = l }
}

// DB is one open database file. Safe for concurrent use; SQL runs on
// connections obtained from Conn, which are not.
type DB struct {
	path    string
	cfg     config.Config
	v       vfs.VFS
	w       *wal.WAL
	hdr     format.Header
	log     *zap.Logger
	metrics *telemetry.Metrics
	ckpt    *rate.Limiter

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
}

// Open opens or creates the database at path, recovering any committed
// transactions left in the log by a crash.
func Open(path string, opts ...Option) (*DB, error) {
	o := openOptions{cfg: config.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	log := o.log
	if log == nil {
		if o.cfg.Log == (logger.Config{}) {
			log = logger.Nop()
		} else {
			var err error
			if log, err = logger.New(o.cfg.Log); err != nil {
				return nil, err
			}
		}
	}

	v := vfs.New(o.cfg.IOBackend)
	hdr, err := pager.Bootstrap(v, path, uint32(o.cfg.PageSize))
	if err != nil {
		return nil, err
	}
	m := telemetry.New()
	w, err := wal.Open(v, path+"-wal", hdr.PageSize, o.cfg.Synchronous != config.SyncOff, log, m)
	if err != nil {
		return nil, err
	}

	db := &DB{
		path:    path,
		cfg:     o.cfg,
		v:       v,
		w:       w,
		hdr:     hdr,
		log:     log,
		metrics: m,
		ckpt:    rate.NewLimiter(rate.Every(checkpointInterval), 1),
		conns:   make(map[*Conn]struct{}),
	}

	// Validate the catalog up front so a damaged file fails at Open
	// rather than on first Prepare.
	conn, err := db.Conn()
	if err != nil {
		_ = w.Close()
		return nil, err
	}
	for {
		if _, err = conn.catalog(); err != dberr.ErrPending {
			break
		}
		db.Poll()
	}
	_ = conn.Close()
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	log.Info("database opened",
		zap.String("path", path),
		zap.Uint32("page_size", hdr.PageSize),
		zap.Uint32("wal_frames", w.CommittedFrames()))
	return db, nil
}

// Poll drives the completion-queue backend; it delivers finished I/O
// and returns how many completions fired. A no-op on the blocking
// backend.
func (db *DB) Poll() int { return db.v.Poll() }

// Metrics exposes the engine's prometheus collectors for registration
// by the host.
func (db *DB) Metrics() *telemetry.Metrics { return db.metrics }

// Close closes every connection and the log.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	open := make([]*Conn, 0, len(db.conns))
	for c := range db.conns {
		open = append(open, c)
	}
	db.mu.Unlock()

	for _, c := range open {
		_ = c.Close()
	}
	db.log.Info("database closed", zap.String("path", db.path))
	return db.w.Close()
}

// Conn is one connection: a private page cache, a transaction context,
// and a prepared-statement cache. Not safe for concurrent use.
type Conn struct {
	db   *DB
	id   string
	log  *zap.Logger
	pgr  *pager.Pager
	sess *vdbe.Session

	stmts  *lru.Cache[string, *vdbe.Program]
	cat    *schema.Schema
	closed bool
}

// Conn opens a new connection.
func (db *DB) Conn() (*Conn, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, dberr.Compile("database is closed")
	}
	id := uuid.NewString()[:8]
	log := db.log.With(zap.String("conn", id))
	pgr, err := pager.New(db.v, db.path, db.w, db.hdr, pager.Options{
		CachePages: db.cfg.CachePages,
		SyncDB:     db.cfg.Synchronous == config.SyncFull,
	}, log, db.metrics)
	if err != nil {
		return nil, err
	}
	cache, _ := lru.New[string, *vdbe.Program](stmtCacheSize)
	c := &Conn{db: db, id: id, log: log, pgr: pgr, sess: vdbe.NewSession(pgr, log), stmts: cache}
	db.conns[c] = struct{}{}
	log.Debug("connection opened")
	return c, nil
}

// Close aborts any open transaction and releases the connection.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.sess.AbortAll()
	err := c.pgr.Close()
	c.db.mu.Lock()
	delete(c.db.conns, c)
	c.db.mu.Unlock()
	c.log.Debug("connection closed")
	return err
}

// catalog returns the connection's schema view, reloading it when the
// cookie moved. May return ErrPending on the queue backend.
func (c *Conn) catalog() (*schema.Schema, error) {
	err := c.pgr.BeginRead()
	opened := err == nil
	if err != nil && err != dberr.ErrTxnAlreadyOpen {
		return nil, err
	}
	if opened {
		defer c.pgr.EndRead()
	}
	cookie := c.pgr.Header().SchemaCookie
	if c.cat == nil || c.cat.Cookie != cookie {
		cat, err := schema.Load(c.pgr, c.log)
		if err != nil {
			return nil, err
		}
		c.cat = cat
	}
	return c.cat, nil
}

// Tables lists user table names.
func (c *Conn) Tables() ([]string, error) {
	cat, err := c.catalog()
	if err != nil {
		return nil, err
	}
	return cat.Tables(), nil
}

// Columns lists the column names of a table.
func (c *Conn) Columns(table string) ([]string, error) {
	cat, err := c.catalog()
	if err != nil {
		return nil, err
	}
	tbl, ok := cat.Table(table)
	if !ok {
		return nil, dberr.Compile("no such table: %s", table)
	}
	names := make([]string, len(tbl.Columns))
	for i, col := range tbl.Columns {
		names[i] = col.Name
	}
	return names, nil
}

// TableSQL returns the stored CREATE statement for a table, for shell
// .schema output.
func (c *Conn) TableSQL(table string) (string, error) {
	cat, err := c.catalog()
	if err != nil {
		return "", err
	}
	tbl, ok := cat.Table(table)
	if !ok {
		return "", dberr.Compile("no such table: %s", table)
	}
	return tbl.SQL, nil
}

// Checkpoint copies committed frames back into the database file and
// resets the log when every frame transferred.
func (c *Conn) Checkpoint() (wal.CheckpointResult, error) {
	return c.pgr.Checkpoint()
}

// maybeCheckpoint runs a passive checkpoint when the log has grown past
// the configured threshold. Rate-limited; failures only log.
func (c *Conn) maybeCheckpoint() {
	threshold := c.db.cfg.WALAutoCheckpoint
	if threshold <= 0 || c.sess.InTxn() {
		return
	}
	if c.pgr.WALFrames() < uint32(threshold) || !c.db.ckpt.Allow() {
		return
	}
	res, err := c.pgr.Checkpoint()
	if err != nil {
		c.log.Debug("auto checkpoint skipped", zap.Error(err))
		return
	}
	c.log.Debug("auto checkpoint",
		zap.Int("pages_moved", res.PagesMoved),
		zap.Bool("reset", res.Reset))
}

// executeDDL runs a catalog statement and refreshes the schema view.
func (c *Conn) executeDDL(stmt ast.Statement) error {
	cat, err := c.catalog()
	if err != nil {
		return err
	}
	newCat, err := planner.ExecuteDDL(c.sess, cat, stmt, c.log)
	if err != nil {
		return err
	}
	c.cat = newCat
	// Cached programs carry the old cookie; drop them eagerly.
	c.stmts.Purge()
	return nil
}
