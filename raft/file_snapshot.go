package raft

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"hash"
	"hash/crc64"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	snapPath      = "snapshots"
	metaFilePath  = "meta.json"
	stateFilePath = "state.bin"
	tmpSuffix     = ".tmp"
)

// FileSnapshotStore stores snapshots on disk, one directory per snapshot
// named <term>-<index>-<millis>, published by atomic rename from a .tmp
// directory.
type FileSnapshotStore struct {
	path   string
	retain int
	logger *log.Logger
}

type fileSnapshotMeta struct {
	SnapshotMeta
	CRC []byte
}

// FileSnapshotSink writes one snapshot; state bytes are buffered and
// checksummed.
type FileSnapshotSink struct {
	store  *FileSnapshotStore
	logger *log.Logger
	dir    string
	meta   fileSnapshotMeta

	stateFile *os.File
	stateHash hash.Hash64
	buffered  *bufio.Writer

	closed bool
}

type bufferedFile struct {
	bh *bufio.Reader
	fh *os.File
}

func (b *bufferedFile) Read(p []byte) (int, error) { return b.bh.Read(p) }
func (b *bufferedFile) Close() error               { return b.fh.Close() }

// NewFileSnapshotStore creates a store under base/snapshots retaining the
// given number of snapshots.
func NewFileSnapshotStore(base string, retain int, logOutput io.Writer) (*FileSnapshotStore, error) {
	if retain < 1 {
		return nil, fmt.Errorf("must retain at least one snapshot")
	}
	if logOutput == nil {
		logOutput = os.Stderr
	}

	path := filepath.Join(base, snapPath)
	if err := os.MkdirAll(path, 0755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("snapshot path not accessible: %v", err)
	}

	return &FileSnapshotStore{
		path:   path,
		retain: retain,
		logger: log.New(logOutput, "", log.LstdFlags),
	}, nil
}

func snapshotName(term, index uint64) string {
	msec := time.Now().UnixNano() / int64(time.Millisecond)
	return fmt.Sprintf("%d-%d-%d", term, index, msec)
}

func (f *FileSnapshotStore) Create(index, term uint64, configuration Configuration, configurationIndex uint64) (SnapshotSink, error) {
	name := snapshotName(term, index)
	path := filepath.Join(f.path, name+tmpSuffix)
	f.logger.Printf("[INFO] snapshot: Creating new snapshot at %s", path)

	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, err
	}

	sink := &FileSnapshotSink{
		store:  f,
		logger: f.logger,
		dir:    path,
		meta: fileSnapshotMeta{
			SnapshotMeta: SnapshotMeta{
				ID:                 name,
				Index:              index,
				Term:               term,
				Configuration:      configuration,
				ConfigurationIndex: configurationIndex,
			},
			CRC: nil,
		},
		stateHash: crc64.New(crc64.MakeTable(crc64.ECMA)),
	}

	if err := sink.writeMeta(); err != nil {
		return nil, err
	}

	statePath := filepath.Join(path, stateFilePath)
	fh, err := os.Create(statePath)
	if err != nil {
		return nil, err
	}
	sink.stateFile = fh
	sink.buffered = bufio.NewWriter(io.MultiWriter(fh, sink.stateHash))
	return sink, nil
}

// List returns completed snapshots, newest first, up to the retain count.
func (f *FileSnapshotStore) List() ([]*SnapshotMeta, error) {
	snapshots, err := f.getSnapshots()
	if err != nil {
		return nil, err
	}

	var snapMeta []*SnapshotMeta
	for _, meta := range snapshots {
		snapMeta = append(snapMeta, &meta.SnapshotMeta)
		if len(snapMeta) == f.retain {
			break
		}
	}
	return snapMeta, nil
}

func (f *FileSnapshotStore) getSnapshots() ([]*fileSnapshotMeta, error) {
	entries, err := os.ReadDir(f.path)
	if err != nil {
		return nil, err
	}

	var snapMeta []*fileSnapshotMeta
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasSuffix(entry.Name(), tmpSuffix) {
			continue
		}
		meta, err := f.readMeta(entry.Name())
		if err != nil {
			f.logger.Printf("[WARN] snapshot: Failed to read metadata for %v: %v", entry.Name(), err)
			continue
		}
		snapMeta = append(snapMeta, meta)
	}

	// Newest first: by term, then index, then name (embeds timestamp)
	sort.Slice(snapMeta, func(i, j int) bool {
		a, b := snapMeta[i], snapMeta[j]
		if a.Term != b.Term {
			return a.Term > b.Term
		}
		if a.Index != b.Index {
			return a.Index > b.Index
		}
		return a.ID > b.ID
	})
	return snapMeta, nil
}

func (f *FileSnapshotStore) readMeta(name string) (*fileSnapshotMeta, error) {
	metaPath := filepath.Join(f.path, name, metaFilePath)
	fh, err := os.Open(metaPath)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	meta := &fileSnapshotMeta{}
	dec := json.NewDecoder(bufio.NewReader(fh))
	if err := dec.Decode(meta); err != nil {
		return nil, err
	}
	return meta, nil
}

func (f *FileSnapshotStore) Open(id string) (*SnapshotMeta, io.ReadCloser, error) {
	meta, err := f.readMeta(id)
	if err != nil {
		f.logger.Printf("[ERR] snapshot: Failed to get meta data to open snapshot: %v", err)
		return nil, nil, err
	}

	statePath := filepath.Join(f.path, id, stateFilePath)
	fh, err := os.Open(statePath)
	if err != nil {
		f.logger.Printf("[ERR] snapshot: Failed to open state file: %v", err)
		return nil, nil, err
	}

	stateHash := crc64.New(crc64.MakeTable(crc64.ECMA))
	if _, err := io.Copy(stateHash, fh); err != nil {
		fh.Close()
		return nil, nil, err
	}
	computed := stateHash.Sum(nil)
	if !bytes.Equal(meta.CRC, computed) {
		fh.Close()
		return nil, nil, fmt.Errorf("CRC mismatch (stored: %v computed: %v)", meta.CRC, computed)
	}

	if _, err := fh.Seek(0, 0); err != nil {
		fh.Close()
		return nil, nil, err
	}

	buffered := &bufferedFile{
		bh: bufio.NewReader(fh),
		fh: fh,
	}
	return &meta.SnapshotMeta, buffered, nil
}

// ReapSnapshots deletes snapshots beyond the retain count.
func (f *FileSnapshotStore) ReapSnapshots() error {
	snapshots, err := f.getSnapshots()
	if err != nil {
		return err
	}

	for i := f.retain; i < len(snapshots); i++ {
		path := filepath.Join(f.path, snapshots[i].ID)
		f.logger.Printf("[INFO] snapshot: reaping snapshot %v", path)
		if err := os.RemoveAll(path); err != nil {
			return err
		}
	}
	return nil
}

func (s *FileSnapshotSink) ID() string { return s.meta.ID }

func (s *FileSnapshotSink) Write(b []byte) (int, error) {
	return s.buffered.Write(b)
}

// Close finalizes the snapshot: flush, checksum, rewrite metadata, then the
// atomic rename that makes it visible.
func (s *FileSnapshotSink) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.finalize(); err != nil {
		s.logger.Printf("[ERR] snapshot: Failed to finalize snapshot: %v", err)
		if delErr := os.RemoveAll(s.dir); delErr != nil {
			return delErr
		}
		return err
	}

	if err := s.writeMeta(); err != nil {
		s.logger.Printf("[ERR] snapshot: Failed to write metadata: %v", err)
		return err
	}

	newPath := strings.TrimSuffix(s.dir, tmpSuffix)
	if err := os.Rename(s.dir, newPath); err != nil {
		s.logger.Printf("[ERR] snapshot: Failed to move snapshot into place: %v", err)
		return err
	}

	if err := s.store.ReapSnapshots(); err != nil {
		return err
	}
	return nil
}

func (s *FileSnapshotSink) Cancel() error {
	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.finalize(); err != nil {
		s.logger.Printf("[ERR] snapshot: Failed to finalize snapshot: %v", err)
		return err
	}
	return os.RemoveAll(s.dir)
}

func (s *FileSnapshotSink) finalize() error {
	if err := s.buffered.Flush(); err != nil {
		return err
	}
	if err := s.stateFile.Sync(); err != nil {
		return err
	}
	stat, statErr := s.stateFile.Stat()
	if err := s.stateFile.Close(); err != nil {
		return err
	}
	if statErr != nil {
		return statErr
	}
	s.meta.Size = stat.Size()
	s.meta.CRC = s.stateHash.Sum(nil)
	return nil
}

func (s *FileSnapshotSink) writeMeta() error {
	metaPath := filepath.Join(s.dir, metaFilePath)
	fh, err := os.Create(metaPath)
	if err != nil {
		return err
	}
	defer fh.Close()

	buffered := bufio.NewWriter(fh)
	enc := json.NewEncoder(buffered)
	if err := enc.Encode(&s.meta); err != nil {
		return err
	}
	if err := buffered.Flush(); err != nil {
		return err
	}
	return fh.Sync()
}
