package quarry

import (
	"errors"
	"sync"
)

// A Conn serves one goroutine at a time. Pool hands out connections to
// concurrent callers, creating them lazily up to a cap and recycling
// them on release.
type Pool struct {
	db    *DB
	conns chan *Conn

	mu       sync.Mutex
	numConns int
	maxSize  int
	closed   bool
}

// PooledConn wraps a Conn checked out of a Pool. Close returns the
// connection to the pool; Detach closes it for good.
type PooledConn struct {
	*Conn
	pool *Pool
}

// Close releases the connection back to its pool.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return errors.New("quarry: connection already released")
	}
	p := c.pool
	c.pool = nil
	p.put(c.Conn)
	return nil
}

// Detach permanently closes the underlying connection instead of
// recycling it. Use after an error that leaves the connection suspect.
func (c *PooledConn) Detach() error {
	if c.pool == nil {
		return errors.New("quarry: connection already released")
	}
	p := c.pool
	c.pool = nil
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
	return c.Conn.Close()
}

// NewPool returns a pool of at most maxSize connections to db.
func (db *DB) NewPool(maxSize int) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{db: db, conns: make(chan *Conn, maxSize), maxSize: maxSize}
}

// Get checks a connection out of the pool, dialing a new one when the
// pool is empty and under its cap, and blocking for a release when it
// is at the cap.
func (p *Pool) Get() (*PooledConn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, errors.New("quarry: pool is closed")
		}
		return &PooledConn{Conn: conn, pool: p}, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errors.New("quarry: pool is closed")
	}
	if p.numConns < p.maxSize {
		p.numConns++
		p.mu.Unlock()
		conn, err := p.db.Conn()
		if err != nil {
			p.mu.Lock()
			p.numConns--
			p.mu.Unlock()
			return nil, err
		}
		return &PooledConn{Conn: conn, pool: p}, nil
	}
	p.mu.Unlock()

	conn, ok := <-p.conns
	if !ok {
		return nil, errors.New("quarry: pool is closed")
	}
	return &PooledConn{Conn: conn, pool: p}, nil
}

func (p *Pool) put(conn *Conn) {
	// The closed check and the send happen under one lock so a release
	// never races Close into sending on a closed channel.
	p.mu.Lock()
	if p.closed {
		p.numConns--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	select {
	case p.conns <- conn:
		p.mu.Unlock()
	default:
		p.numConns--
		p.mu.Unlock()
		_ = conn.Close()
	}
}

// Close closes every idle connection and rejects further Gets.
// Connections currently checked out are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.conns)
	p.mu.Unlock()

	for conn := range p.conns {
		p.mu.Lock()
		p.numConns--
		p.mu.Unlock()
		_ = conn.Close()
	}
}
