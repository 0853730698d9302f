// Package logstore provides the durable storage for consensus: the
// replicated log and the small stable store (term, vote), both backed by a
// single bolt database.
package logstore

import (
	"errors"

	"github.com/boltdb/bolt"

	"github.com/duskpool/relayer/raft"
)

const (
	dbFileMode = 0600
)

var (
	dbLogs = []byte("logs")
	dbConf = []byte("conf")

	// ErrKeyNotFound is returned for missing stable store keys. The text
	// matters: the consensus layer treats "not found" as an empty value.
	ErrKeyNotFound = errors.New("not found")
)

// BoltStore implements both raft.LogStore and raft.StableStore on one bolt
// file. Writes go through single-writer transactions, so entries are never
// partially visible after a crash.
type BoltStore struct {
	conn *bolt.DB
	path string
}

// Options holds knobs for opening a store.
type Options struct {
	Path string

	// BoltOptions are passed through to bolt.Open
	BoltOptions *bolt.Options

	// NoSync trades durability for write throughput. Never enable on a
	// voting member.
	NoSync bool
}

func (o *Options) readOnly() bool {
	return o != nil && o.BoltOptions != nil && o.BoltOptions.ReadOnly
}

// NewBoltStore opens a store at the given path with default options.
func NewBoltStore(path string) (*BoltStore, error) {
	return New(Options{Path: path})
}

// New opens a store with the given options, creating buckets as needed.
func New(options Options) (*BoltStore, error) {
	handle, err := bolt.Open(options.Path, dbFileMode, options.BoltOptions)
	if err != nil {
		return nil, err
	}
	handle.NoSync = options.NoSync

	store := &BoltStore{
		conn: handle,
		path: options.Path,
	}

	if !options.readOnly() {
		if err := store.initialize(); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

func (b *BoltStore) initialize() error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.CreateBucketIfNotExists(dbLogs); err != nil {
		return err
	}
	if _, err := tx.CreateBucketIfNotExists(dbConf); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the underlying file handle.
func (b *BoltStore) Close() error {
	return b.conn.Close()
}

// FirstIndex returns the lowest stored log index, 0 when empty.
func (b *BoltStore) FirstIndex() (uint64, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	curs := tx.Bucket(dbLogs).Cursor()
	if first, _ := curs.First(); first == nil {
		return 0, nil
	} else {
		return bytesToUint64(first), nil
	}
}

// LastIndex returns the highest stored log index, 0 when empty.
func (b *BoltStore) LastIndex() (uint64, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	curs := tx.Bucket(dbLogs).Cursor()
	if last, _ := curs.Last(); last == nil {
		return 0, nil
	} else {
		return bytesToUint64(last), nil
	}
}

// GetLog reads the entry at index into out.
func (b *BoltStore) GetLog(index uint64, out *raft.Log) error {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bucket := tx.Bucket(dbLogs)
	val := bucket.Get(uint64ToBytes(index))
	if val == nil {
		return raft.ErrLogNotFound
	}
	return decodeMsgPack(val, out)
}

// StoreLog appends a single entry.
func (b *BoltStore) StoreLog(log *raft.Log) error {
	return b.StoreLogs([]*raft.Log{log})
}

// StoreLogs appends a batch of entries in one transaction.
func (b *BoltStore) StoreLogs(logs []*raft.Log) error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, log := range logs {
		key := uint64ToBytes(log.Index)
		val, err := encodeMsgPack(log)
		if err != nil {
			return err
		}
		bucket := tx.Bucket(dbLogs)
		if err := bucket.Put(key, val.Bytes()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// DeleteRange removes entries in [min, max].
func (b *BoltStore) DeleteRange(min, max uint64) error {
	minKey := uint64ToBytes(min)

	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	curs := tx.Bucket(dbLogs).Cursor()
	for k, _ := curs.Seek(minKey); k != nil; k, _ = curs.Next() {
		if bytesToUint64(k) > max {
			break
		}
		if err := curs.Delete(); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Set writes a stable store key.
func (b *BoltStore) Set(k, v []byte) error {
	tx, err := b.conn.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	bucket := tx.Bucket(dbConf)
	if err := bucket.Put(k, v); err != nil {
		return err
	}
	return tx.Commit()
}

// Get reads a stable store key, ErrKeyNotFound when absent.
func (b *BoltStore) Get(k []byte) ([]byte, error) {
	tx, err := b.conn.Begin(false)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	bucket := tx.Bucket(dbConf)
	val := bucket.Get(k)
	if val == nil {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), val...), nil
}

// SetUint64 writes a uint64 stable store key.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 reads a uint64 stable store key, ErrKeyNotFound when absent.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	return bytesToUint64(val), nil
}

// Sync forces a full fsync of the underlying database.
func (b *BoltStore) Sync() error {
	return b.conn.Sync()
}
