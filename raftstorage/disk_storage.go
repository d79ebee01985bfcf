// Package raftstorage persists the raft log, hard state, and snapshot
// metadata in a bolt database, implementing raft.StorageStable for nodes
// that must survive restarts.
package raftstorage

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/boltdb/bolt"
	logging "github.com/ipfs/go-log/v2"

	"github.com/eryue0220/openraft/raft"
	"github.com/eryue0220/openraft/raftpb"
)

var storageLogger = logging.Logger("raftstorage")

var (
	bucketLog  = []byte("log")
	bucketMeta = []byte("meta")

	keyHardState = []byte("hardState")
	keySnapshot  = []byte("snapshot")
)

// DiskStorage implements raft.StorageStable on top of bolt.
//
// The log bucket maps big-endian entry indexes to msgpack-encoded entries.
// Like the in-memory storage, it always holds a dummy entry at the
// compaction boundary, whose term is needed for log matching.
type DiskStorage struct {
	mu sync.Mutex
	db *bolt.DB

	// firstEntryIndex is the index of the dummy entry; the first
	// readable entry lives at firstEntryIndex+1.
	firstEntryIndex uint64
	lastEntryIndex  uint64

	hardState raftpb.HardState
	snapshot  raftpb.Snapshot
}

// OpenDiskStorage opens or creates a bolt database at the given path and
// recovers any previously persisted state.
func OpenDiskStorage(path string) (*DiskStorage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	ds := &DiskStorage{db: db}
	if err = db.Update(func(tx *bolt.Tx) error {
		logBucket, berr := tx.CreateBucketIfNotExists(bucketLog)
		if berr != nil {
			return berr
		}
		if _, berr = tx.CreateBucketIfNotExists(bucketMeta); berr != nil {
			return berr
		}

		if k, _ := logBucket.Cursor().First(); k == nil {
			// fresh database; populate with one dummy entry at term 0
			dummy := raftpb.Entry{}
			d, merr := dummy.Marshal()
			if merr != nil {
				return merr
			}
			return logBucket.Put(encodeEntryKey(0), d)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	if err = ds.recover(); err != nil {
		db.Close()
		return nil, err
	}

	storageLogger.Infof("opened disk storage at %q [first index=%d | last index=%d]", path, ds.firstEntryIndex+1, ds.lastEntryIndex)
	return ds, nil
}

// recover reloads the log boundaries, hard state, and snapshot.
func (ds *DiskStorage) recover() error {
	return ds.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketLog).Cursor()

		k, _ := cursor.First()
		ds.firstEntryIndex = decodeEntryKey(k)
		k, _ = cursor.Last()
		ds.lastEntryIndex = decodeEntryKey(k)

		meta := tx.Bucket(bucketMeta)
		if d := meta.Get(keyHardState); d != nil {
			if err := ds.hardState.Unmarshal(d); err != nil {
				return err
			}
		}
		if d := meta.Get(keySnapshot); d != nil {
			if err := ds.snapshot.Unmarshal(d); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (ds *DiskStorage) Close() error {
	return ds.db.Close()
}

// GetState returns the saved HardState and Membership.
func (ds *DiskStorage) GetState() (raftpb.HardState, raftpb.Membership, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.hardState, ds.snapshot.Metadata.Membership, nil
}

// FirstIndex returns the first readable entry index.
func (ds *DiskStorage) FirstIndex() (uint64, error) {
	ds.mu.Lock()
	idx := ds.firstEntryIndex + 1
	ds.mu.Unlock()
	return idx, nil
}

// LastIndex returns the last entry index.
func (ds *DiskStorage) LastIndex() (uint64, error) {
	ds.mu.Lock()
	idx := ds.lastEntryIndex
	ds.mu.Unlock()
	return idx, nil
}

// Term returns the term of the given index.
func (ds *DiskStorage) Term(index uint64) (uint64, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if index < ds.firstEntryIndex {
		return 0, raft.ErrCompacted
	}
	if index > ds.lastEntryIndex {
		return 0, raft.ErrUnavailable
	}

	var term uint64
	err := ds.db.View(func(tx *bolt.Tx) error {
		ent, gerr := getEntry(tx, index)
		if gerr != nil {
			return gerr
		}
		term = ent.Term
		return nil
	})
	return term, err
}

// Entries returns the slice of log entries in [startIndex, endIndex),
// limited to limitSize bytes but always including at least one entry.
func (ds *DiskStorage) Entries(startIndex, endIndex, limitSize uint64) ([]raftpb.Entry, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if startIndex <= ds.firstEntryIndex { // == means match with the dummy entry
		return nil, raft.ErrCompacted
	}
	if endIndex > ds.lastEntryIndex+1 {
		storageLogger.Panicf("end index '%d' out of bound (entries last index = %d)", endIndex, ds.lastEntryIndex)
	}
	if ds.firstEntryIndex == ds.lastEntryIndex { // only the dummy entry
		return nil, raft.ErrUnavailable
	}

	var (
		entries []raftpb.Entry
		total   uint64
	)
	err := ds.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(bucketLog).Cursor()
		for k, v := cursor.Seek(encodeEntryKey(startIndex)); k != nil && decodeEntryKey(k) < endIndex; k, v = cursor.Next() {
			var ent raftpb.Entry
			if uerr := ent.Unmarshal(v); uerr != nil {
				return uerr
			}

			total += uint64(ent.Size())
			if len(entries) != 0 && total > limitSize {
				break
			}
			entries = append(entries, ent)
		}
		return nil
	})
	return entries, err
}

// Snapshot returns the most recently saved snapshot.
func (ds *DiskStorage) Snapshot() (raftpb.Snapshot, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	return ds.snapshot, nil
}

// Append appends entries, truncating any conflicting suffix.
// Entries preceding FirstIndex are silently dropped.
func (ds *DiskStorage) Append(entries ...raftpb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	firstLogIndex := ds.firstEntryIndex + 1
	if firstLogIndex > entries[len(entries)-1].Index { // all entries already compacted
		return nil
	}
	if firstLogIndex > entries[0].Index {
		entries = entries[firstLogIndex-entries[0].Index:]
	}

	if entries[0].Index > ds.lastEntryIndex+1 {
		storageLogger.Panicf("missing log entry [last log index: %d | entries[0].Index: %d]", ds.lastEntryIndex, entries[0].Index)
	}

	err := ds.db.Update(func(tx *bolt.Tx) error {
		logBucket := tx.Bucket(bucketLog)

		// delete the conflicting suffix first
		for index := entries[0].Index; index <= ds.lastEntryIndex; index++ {
			if derr := logBucket.Delete(encodeEntryKey(index)); derr != nil {
				return derr
			}
		}

		for i := range entries {
			d, merr := entries[i].Marshal()
			if merr != nil {
				return merr
			}
			if perr := logBucket.Put(encodeEntryKey(entries[i].Index), d); perr != nil {
				return perr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ds.lastEntryIndex = entries[len(entries)-1].Index
	return nil
}

// SetHardState saves the current HardState.
func (ds *DiskStorage) SetHardState(state raftpb.HardState) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	d, err := state.Marshal()
	if err != nil {
		return err
	}
	if err = ds.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(keyHardState, d)
	}); err != nil {
		return err
	}

	ds.hardState = state
	return nil
}

// CreateSnapshot makes a snapshot at the given index, later to be
// retrieved by the Snapshot method.
func (ds *DiskStorage) CreateSnapshot(index uint64, membership *raftpb.Membership, data []byte) (raftpb.Snapshot, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if index <= ds.snapshot.Metadata.Index {
		return raftpb.Snapshot{}, raft.ErrSnapOutOfDate
	}
	if index > ds.lastEntryIndex {
		storageLogger.Panicf("snapshot on '%d' is out of bound (last log index in storage = %d)", index, ds.lastEntryIndex)
	}

	snap := ds.snapshot
	err := ds.db.Update(func(tx *bolt.Tx) error {
		ent, gerr := getEntry(tx, index)
		if gerr != nil {
			return gerr
		}

		snap.Metadata.Index = index
		snap.Metadata.Term = ent.Term
		if membership != nil {
			snap.Metadata.Membership = membership.Clone()
		}
		snap.Data = data

		d, merr := snap.Marshal()
		if merr != nil {
			return merr
		}
		return tx.Bucket(bucketMeta).Put(keySnapshot, d)
	})
	if err != nil {
		return raftpb.Snapshot{}, err
	}

	ds.snapshot = snap
	return snap, nil
}

// ApplySnapshot overwrites storage with the given snapshot.
func (ds *DiskStorage) ApplySnapshot(snapshot raftpb.Snapshot) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if snapshot.Metadata.Index <= ds.snapshot.Metadata.Index {
		return raft.ErrSnapOutOfDate
	}

	err := ds.db.Update(func(tx *bolt.Tx) error {
		if derr := tx.DeleteBucket(bucketLog); derr != nil {
			return derr
		}
		logBucket, berr := tx.CreateBucket(bucketLog)
		if berr != nil {
			return berr
		}

		// metadata in the first entry as a dummy entry
		dummy := raftpb.Entry{Index: snapshot.Metadata.Index, Term: snapshot.Metadata.Term}
		d, merr := dummy.Marshal()
		if merr != nil {
			return merr
		}
		if perr := logBucket.Put(encodeEntryKey(dummy.Index), d); perr != nil {
			return perr
		}

		d, merr = snapshot.Marshal()
		if merr != nil {
			return merr
		}
		return tx.Bucket(bucketMeta).Put(keySnapshot, d)
	})
	if err != nil {
		return err
	}

	ds.snapshot = snapshot
	ds.firstEntryIndex = snapshot.Metadata.Index
	ds.lastEntryIndex = snapshot.Metadata.Index
	return nil
}

// Compact discards all log entries up to compactIndex. The entry at
// compactIndex is retained as the new dummy entry.
func (ds *DiskStorage) Compact(compactIndex uint64) error {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if compactIndex <= ds.firstEntryIndex {
		return raft.ErrCompacted
	}
	if compactIndex > ds.lastEntryIndex {
		storageLogger.Panicf("compact on '%d' is out of bound (last log index in storage = %d)", compactIndex, ds.lastEntryIndex)
	}

	err := ds.db.Update(func(tx *bolt.Tx) error {
		logBucket := tx.Bucket(bucketLog)
		for index := ds.firstEntryIndex; index < compactIndex; index++ {
			if derr := logBucket.Delete(encodeEntryKey(index)); derr != nil {
				return derr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	ds.firstEntryIndex = compactIndex
	return nil
}

func getEntry(tx *bolt.Tx, index uint64) (raftpb.Entry, error) {
	var ent raftpb.Entry
	d := tx.Bucket(bucketLog).Get(encodeEntryKey(index))
	if d == nil {
		return ent, raft.ErrUnavailable
	}
	err := ent.Unmarshal(d)
	return ent, err
}

func encodeEntryKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func decodeEntryKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k)
}
