package vdbe

import (
	"strings"

	"go.uber.org/zap"

	"github.com/quarrydb/quarry/core/dberr"
	"github.com/quarrydb/quarry/core/storage/pager"
)

// Session is one connection's transaction context: autocommit
// tracking, the named savepoint stack, and the statement-level
// savepoint that scopes constraint aborts.
type Session struct {
	pgr *pager.Pager
	log *zap.Logger

	explicit bool // BEGIN was executed (or an outermost SAVEPOINT)
	fromSave bool // the transaction was opened by SAVEPOINT
	saves    []namedSave
}

type namedSave struct {
	name string
	sp   *pager.Savepoint
}

// NewSession wraps a connection's pager.
func NewSession(pgr *pager.Pager, log *zap.Logger) *Session {
	return &Session{pgr: pgr, log: log}
}

// Pager exposes the underlying pager for cursor construction.
func (s *Session) Pager() *pager.Pager { return s.pgr }

// InTxn reports whether an explicit transaction is open.
func (s *Session) InTxn() bool { return s.explicit }

// EnsureRead opens a read transaction if none is active.
func (s *Session) EnsureRead() error {
	err := s.pgr.BeginRead()
	if err == dberr.ErrTxnAlreadyOpen {
		return nil
	}
	return err
}

// EnsureWrite opens or upgrades to the write transaction.
func (s *Session) EnsureWrite() error {
	err := s.pgr.BeginWrite()
	if err == dberr.ErrTxnAlreadyOpen {
		return nil
	}
	return err
}

// Begin starts an explicit transaction. Immediate takes the write
// lock up front.
func (s *Session) Begin(immediate bool) error {
	if s.explicit {
		return dberr.ErrTxnAlreadyOpen
	}
	var err error
	if immediate {
		err = s.pgr.BeginWrite()
	} else {
		err = s.pgr.BeginRead()
	}
	if err != nil && err != dberr.ErrTxnAlreadyOpen {
		return err
	}
	s.explicit = true
	s.fromSave = false
	return nil
}

// Commit publishes the transaction and returns to autocommit.
func (s *Session) Commit() error {
	if !s.explicit {
		return dberr.ErrNoTxn
	}
	return s.commitInternal()
}

func (s *Session) commitInternal() error {
	if err := s.pgr.CommitPhaseOne(); err != nil {
		if err == dberr.ErrNoTxn {
			// Read-only transaction: nothing to publish.
			s.pgr.EndRead()
			s.clear()
			return nil
		}
		return err
	}
	s.pgr.EndWrite()
	s.clear()
	return nil
}

// Rollback discards the transaction and returns to autocommit.
func (s *Session) Rollback() error {
	if !s.explicit {
		return dberr.ErrNoTxn
	}
	s.rollbackInternal()
	return nil
}

func (s *Session) rollbackInternal() {
	s.pgr.Rollback()
	s.pgr.EndWrite()
	s.pgr.EndRead()
	s.clear()
}

func (s *Session) clear() {
	s.explicit = false
	s.fromSave = false
	s.saves = s.saves[:0]
}

// Savepoint opens a named savepoint. Outside a transaction it starts
// one that commits when the last savepoint is released.
func (s *Session) Savepoint(name string) error {
	if !s.explicit {
		if err := s.EnsureWrite(); err != nil {
			return err
		}
		s.explicit = true
		s.fromSave = true
	} else if err := s.EnsureWrite(); err != nil {
		return err
	}
	sp, err := s.pgr.Savepoint()
	if err != nil {
		return err
	}
	s.saves = append(s.saves, namedSave{name: name, sp: sp})
	return nil
}

func (s *Session) findSave(name string) int {
	for i := len(s.saves) - 1; i >= 0; i-- {
		if strings.EqualFold(s.saves[i].name, name) {
			return i
		}
	}
	return -1
}

// Release discards the named savepoint and all nested below it. If it
// was the outermost savepoint of a savepoint-started transaction, the
// transaction commits.
func (s *Session) Release(name string) error {
	i := s.findSave(name)
	if i < 0 {
		return dberr.Compile("no such savepoint: %s", name)
	}
	s.saves = s.saves[:i]
	if len(s.saves) == 0 && s.fromSave {
		return s.commitInternal()
	}
	return nil
}

// RollbackTo rewinds the transaction to the named savepoint, which
// stays on the stack per SQL semantics.
func (s *Session) RollbackTo(name string) error {
	i := s.findSave(name)
	if i < 0 {
		return dberr.Compile("no such savepoint: %s", name)
	}
	if err := s.pgr.RollbackTo(s.saves[i].sp); err != nil {
		return err
	}
	s.saves = s.saves[:i+1]
	return nil
}

// StmtBegin opens the statement-level savepoint inside an explicit
// write transaction; elsewhere nil, because autocommit statements roll
// the whole transaction back on failure anyway.
func (s *Session) StmtBegin(writes bool) (*pager.Savepoint, error) {
	if !s.explicit || !writes {
		return nil, nil
	}
	if err := s.EnsureWrite(); err != nil {
		return nil, err
	}
	return s.pgr.Savepoint()
}

// StmtAbort rewinds a failed statement. Inside an explicit transaction
// only the statement's changes are undone; in autocommit the whole
// implicit transaction is discarded.
func (s *Session) StmtAbort(sp *pager.Savepoint) {
	if s.explicit {
		if sp != nil {
			if err := s.pgr.RollbackTo(sp); err != nil {
				s.log.Error("statement rollback failed", zap.Error(err))
				s.rollbackInternal()
			}
		}
		return
	}
	s.pgr.Rollback()
	s.pgr.EndWrite()
	s.pgr.EndRead()
}

// StmtCommit finishes a successful statement: in autocommit the
// implicit transaction publishes now, otherwise it stays open.
func (s *Session) StmtCommit() error {
	if s.explicit {
		return nil
	}
	if err := s.pgr.CommitPhaseOne(); err != nil {
		if err == dberr.ErrNoTxn {
			s.pgr.EndRead()
			return nil
		}
		s.pgr.Rollback()
		s.pgr.EndWrite()
		return err
	}
	s.pgr.EndWrite()
	return nil
}

// AbortAll force-closes whatever is open, for interrupt and close
// paths.
func (s *Session) AbortAll() {
	s.pgr.Rollback()
	s.pgr.EndWrite()
	s.pgr.EndRead()
	s.clear()
}
