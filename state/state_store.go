// Package state implements the replicated state machine's typed store: an
// in-memory transactional database over the wallet, order, peer, and task
// tables. All mutations take the log index that caused them; reads report
// the index each table was last written at, so callers can reason about
// staleness.
package state

import (
	"fmt"

	"github.com/hashicorp/go-memdb"
	lru "github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
)

// taskHistorySize bounds the completed-task cache. Terminal tasks are
// readable from here even after the GC reaps their table rows.
const taskHistorySize = 512

var (
	// ErrMissingTaskID is returned for task commands with an empty id.
	ErrMissingTaskID = errors.New("missing task ID")

	// ErrMissingResource is returned for queue commands naming no resources.
	ErrMissingResource = errors.New("missing resource ID")
)

// Store is the in-memory replicated state. It is mutated exclusively by the
// state machine's apply path, in committed log order; concurrent readers get
// consistent snapshots through memdb transactions.
type Store struct {
	schema *memdb.DBSchema
	db     *memdb.MemDB

	// taskHistory retains terminal tasks beyond their table lifetime
	taskHistory *lru.Cache

	// abandonCh is closed when this store is discarded for a snapshot
	// restore, so long-lived watchers can re-resolve
	abandonCh chan struct{}
}

// Snapshot is a point-in-time read handle over the whole store.
type Snapshot struct {
	store     *Store
	tx        *memdb.Txn
	lastIndex uint64
}

// Restore is a bulk-load handle used when installing a snapshot.
type Restore struct {
	store *Store
	tx    *memdb.Txn
}

// IndexEntry is a row in the "index" table.
type IndexEntry struct {
	Key   string
	Value uint64
}

// NewStateStore creates an empty store.
func NewStateStore() (*Store, error) {
	schema := stateStoreSchema()
	db, err := memdb.NewMemDB(schema)
	if err != nil {
		return nil, fmt.Errorf("failed setting up state store: %s", err)
	}

	history, err := lru.New(taskHistorySize)
	if err != nil {
		return nil, errors.Wrap(err, "failed creating task history cache")
	}

	return &Store{
		schema:      schema,
		db:          db,
		taskHistory: history,
		abandonCh:   make(chan struct{}),
	}, nil
}

// Snapshot opens a consistent read transaction over every table.
func (s *Store) Snapshot() *Snapshot {
	tx := s.db.Txn(false)

	var tables []string
	for table := range s.schema.Tables {
		tables = append(tables, table)
	}
	idx := maxIndexTxn(tx, tables...)

	return &Snapshot{s, tx, idx}
}

// LastIndex returns the highest table-write index as of the snapshot.
func (s *Snapshot) LastIndex() uint64 {
	return s.lastIndex
}

func (s *Snapshot) Close() {
	s.tx.Abort()
}

// Restore opens a bulk-load transaction. Callers must Commit or Abort.
func (s *Store) Restore() *Restore {
	tx := s.db.Txn(true)
	return &Restore{s, tx}
}

func (r *Restore) Abort() {
	r.tx.Abort()
}

func (r *Restore) Commit() {
	r.tx.Commit()
}

// AbandonCh is closed when the store is abandoned for a fresh restore.
func (s *Store) AbandonCh() <-chan struct{} {
	return s.abandonCh
}

// Abandon signals watchers that this store instance is dead.
func (s *Store) Abandon() {
	close(s.abandonCh)
}

func (s *Store) maxIndex(tables ...string) uint64 {
	tx := s.db.Txn(false)
	defer tx.Abort()
	return maxIndexTxn(tx, tables...)
}

func maxIndexTxn(tx *memdb.Txn, tables ...string) uint64 {
	var lindex uint64
	for _, table := range tables {
		ti, err := tx.First("index", "id", table)
		if err != nil {
			panic(fmt.Sprintf("unknown index: %s err: %s", table, err))
		}
		if idx, ok := ti.(*IndexEntry); ok && idx.Value > lindex {
			lindex = idx.Value
		}
	}
	return lindex
}

// indexUpdateMaxTxn records the write index for a table.
func indexUpdateMaxTxn(tx *memdb.Txn, idx uint64, table string) error {
	ti, err := tx.First("index", "id", table)
	if err != nil {
		return fmt.Errorf("failed to retrieve existing index: %s", err)
	}

	if ti == nil {
		if err := tx.Insert("index", &IndexEntry{table, idx}); err != nil {
			return fmt.Errorf("failed updating index %s", err)
		}
	} else if cur, ok := ti.(*IndexEntry); ok && idx > cur.Value {
		if err := tx.Insert("index", &IndexEntry{table, idx}); err != nil {
			return fmt.Errorf("failed updating index %s", err)
		}
	}
	return nil
}

// Indexes is used by snapshotting to dump the index table.
func (s *Snapshot) Indexes() (memdb.ResultIterator, error) {
	return s.tx.Get("index", "id")
}

// IndexRestore loads an index table row during restore.
func (r *Restore) IndexRestore(idx *IndexEntry) error {
	if err := r.tx.Insert("index", idx); err != nil {
		return fmt.Errorf("index insert failed: %v", err)
	}
	return nil
}
