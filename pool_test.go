package quarry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPoolRecyclesConnections(t *testing.T) {
	db := openTestDB(t)
	p := db.NewPool(2)
	defer p.Close()

	c1, err := p.Get()
	require.NoError(t, err)
	inner := c1.Conn
	require.NoError(t, c1.Close())

	c2, err := p.Get()
	require.NoError(t, err)
	require.Same(t, inner, c2.Conn)
	require.NoError(t, c2.Close())

	require.Error(t, c2.Close(), "double release is rejected")
}

func TestPoolBlocksAtCap(t *testing.T) {
	db := openTestDB(t)
	p := db.NewPool(1)
	defer p.Close()

	c1, err := p.Get()
	require.NoError(t, err)

	got := make(chan *PooledConn)
	go func() {
		c, err := p.Get()
		if err == nil {
			got <- c
		}
	}()
	require.NoError(t, c1.Close())
	c2 := <-got
	require.NoError(t, c2.Close())
}

func TestPoolConcurrentReaders(t *testing.T) {
	db := openTestDB(t)
	setup := conn(t, db)
	_, err := setup.Exec("CREATE TABLE t (n)")
	require.NoError(t, err)
	_, err = setup.Exec("INSERT INTO t VALUES (1), (2), (3)")
	require.NoError(t, err)

	p := db.NewPool(4)
	defer p.Close()

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c, err := p.Get()
			if err != nil {
				errs <- err
				return
			}
			defer c.Close()
			rows, err := c.Exec("SELECT n FROM t")
			if err != nil {
				errs <- err
				return
			}
			if len(rows) != 3 {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
}

func TestPoolDetach(t *testing.T) {
	db := openTestDB(t)
	p := db.NewPool(1)
	defer p.Close()

	c1, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, c1.Detach())

	// The slot freed by Detach is usable again.
	c2, err := p.Get()
	require.NoError(t, err)
	require.NoError(t, c2.Close())
}

func TestPoolCloseRejectsGet(t *testing.T) {
	db := openTestDB(t)
	p := db.NewPool(2)
	c, err := p.Get()
	require.NoError(t, err)
	p.Close()

	_, err = p.Get()
	require.Error(t, err)
	require.NoError(t, c.Close(), "release after close just closes the conn")
}
