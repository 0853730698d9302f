package raft

import (
	"encoding/binary"
	"sync"
)

// InmemStore implements LogStore and StableStore in memory, for testing.
// Uint64 stable values share the byte-keyed map, encoded big-endian, the
// same way the bolt-backed store keeps them on disk.
type InmemStore struct {
	mu     sync.RWMutex
	low    uint64
	high   uint64
	logs   map[uint64]*Log
	stable map[string][]byte
}

// NewInmemStore returns an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{
		logs:   make(map[uint64]*Log),
		stable: make(map[string][]byte),
	}
}

func (i *InmemStore) FirstIndex() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.low, nil
}

func (i *InmemStore) LastIndex() (uint64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.high, nil
}

func (i *InmemStore) GetLog(index uint64, out *Log) error {
	i.mu.RLock()
	defer i.mu.RUnlock()
	entry, ok := i.logs[index]
	if !ok {
		return ErrLogNotFound
	}
	*out = *entry
	return nil
}

func (i *InmemStore) StoreLog(log *Log) error {
	return i.StoreLogs([]*Log{log})
}

func (i *InmemStore) StoreLogs(logs []*Log) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for _, entry := range logs {
		i.logs[entry.Index] = entry
		if i.low == 0 {
			i.low = entry.Index
		}
		if entry.Index > i.high {
			i.high = entry.Index
		}
	}
	return nil
}

func (i *InmemStore) DeleteRange(min, max uint64) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for idx := min; idx <= max; idx++ {
		delete(i.logs, idx)
	}
	if min <= i.low {
		i.low = max + 1
	}
	if max >= i.high {
		i.high = min - 1
	}
	if i.low > i.high {
		i.low, i.high = 0, 0
	}
	return nil
}

func (i *InmemStore) Set(key []byte, val []byte) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.stable[string(key)] = val
	return nil
}

func (i *InmemStore) Get(key []byte) ([]byte, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.stable[string(key)], nil
}

func (i *InmemStore) SetUint64(key []byte, val uint64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], val)
	return i.Set(key, buf[:])
}

func (i *InmemStore) GetUint64(key []byte) (uint64, error) {
	val, err := i.Get(key)
	if err != nil || len(val) != 8 {
		return 0, err
	}
	return binary.BigEndian.Uint64(val), nil
}
