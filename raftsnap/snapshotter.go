// Package raftsnap persists snapshots as CRC-guarded files on disk and
// reassembles snapshots that arrive over the network in chunks.
package raftsnap

import (
	"errors"
	"fmt"
	"hash/crc32"
	"io/ioutil"
	"os"
	"path/filepath"
	"sort"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"github.com/ugorji/go/codec"

	"github.com/eryue0220/openraft/raftpb"
)

const snapshotFileSuffix = ".snap"

var (
	ErrNoSnapshot    = errors.New("raftsnap: no available snapshot")
	ErrEmptySnapshot = errors.New("raftsnap: empty snapshot")
	ErrCRCMismatch   = errors.New("raftsnap: crc mismatch")

	crcTable = crc32.MakeTable(crc32.Castagnoli)

	snapLogger = logging.Logger("raftsnap")

	msgpackHandle = &codec.MsgpackHandle{}
)

// snapshotEnvelope is the on-disk format: the encoded raftpb.Snapshot
// guarded by a CRC-32 (Castagnoli) of those bytes.
type snapshotEnvelope struct {
	CRC  uint32
	Data []byte
}

// Snapshotter saves and loads snapshot files under one directory.
type Snapshotter struct {
	dir string
}

// New returns a new Snapshotter.
func New(dir string) *Snapshotter {
	return &Snapshotter{dir: dir}
}

// SaveSnapshot writes the snapshot to a file named by its term and index.
// Empty snapshots are silently skipped.
func (s *Snapshotter) SaveSnapshot(snapshot raftpb.Snapshot) error {
	if raftpb.IsEmptySnapshot(snapshot) {
		return nil
	}
	return s.save(&snapshot)
}

func (s *Snapshotter) save(snapshot *raftpb.Snapshot) error {
	b, err := snapshot.Marshal()
	if err != nil {
		return err
	}

	envelope := snapshotEnvelope{CRC: crc32.Update(0, crcTable, b), Data: b}
	var d []byte
	if err = codec.NewEncoderBytes(&d, msgpackHandle).Encode(envelope); err != nil {
		return err
	}

	fpath := filepath.Join(s.dir, getSnapFileName(snapshot))
	if err = ioutil.WriteFile(fpath, d, 0600); err != nil {
		if rerr := os.Remove(fpath); rerr != nil && !os.IsNotExist(rerr) {
			snapLogger.Errorf("failed to remove broken snapshot file %s (%v)", fpath, rerr)
		}
		return err
	}
	return nil
}

// LoadNewest returns the newest readable snapshot, skipping and renaming
// any corrupted files found on the way.
func (s *Snapshotter) LoadNewest() (*raftpb.Snapshot, error) {
	names, err := getSnapNames(s.dir)
	if err != nil {
		return nil, err
	}

	var snap *raftpb.Snapshot
	for _, name := range names {
		if snap, err = load(s.dir, name); err == nil {
			break
		}
	}
	if err != nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// ReadSnapshotFile reads and verifies one snapshot file.
func ReadSnapshotFile(fpath string) (*raftpb.Snapshot, error) {
	b, err := ioutil.ReadFile(fpath)
	if err != nil {
		snapLogger.Errorf("cannot read file %v (%v)", fpath, err)
		return nil, err
	}
	if len(b) == 0 {
		snapLogger.Errorf("unexpected empty snapshot file %v", fpath)
		return nil, ErrEmptySnapshot
	}

	var envelope snapshotEnvelope
	if err = codec.NewDecoderBytes(b, msgpackHandle).Decode(&envelope); err != nil {
		snapLogger.Errorf("corrupted snapshot file %v (%v)", fpath, err)
		return nil, err
	}
	if len(envelope.Data) == 0 || envelope.CRC == 0 {
		snapLogger.Errorf("unexpected empty snapshot file %v", fpath)
		return nil, ErrEmptySnapshot
	}

	if crc := crc32.Update(0, crcTable, envelope.Data); crc != envelope.CRC {
		snapLogger.Errorf("corrupted snapshot file %v: crc mismatch", fpath)
		return nil, ErrCRCMismatch
	}

	var snap raftpb.Snapshot
	if err = snap.Unmarshal(envelope.Data); err != nil {
		snapLogger.Errorf("corrupted snapshot file %v (%v)", fpath, err)
		return nil, err
	}
	return &snap, nil
}

func load(dir, name string) (*raftpb.Snapshot, error) {
	fpath := filepath.Join(dir, name)
	snap, err := ReadSnapshotFile(fpath)
	if err != nil {
		renameBroken(fpath)
	}
	return snap, err
}

// getSnapNames returns snapshot file names sorted newest first.
func getSnapNames(dir string) ([]string, error) {
	d, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()

	names, err := d.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	var snaps []string
	for _, name := range names {
		if strings.HasSuffix(name, snapshotFileSuffix) {
			snaps = append(snaps, name)
		} else {
			snapLogger.Warnf("skipped unexpected non snapshot file %v", name)
		}
	}
	if len(snaps) == 0 {
		return nil, ErrNoSnapshot
	}

	sort.Sort(sort.Reverse(sort.StringSlice(snaps)))
	return snaps, nil
}

func renameBroken(fpath string) {
	brokenPath := fpath + ".broken"
	if err := os.Rename(fpath, brokenPath); err != nil {
		snapLogger.Warnf("cannot rename broken snapshot file %v to %v (%v)", fpath, brokenPath, err)
	}
}

func getSnapFileName(snapshot *raftpb.Snapshot) string {
	return fmt.Sprintf("%016x-%016x%s", snapshot.Metadata.Term, snapshot.Metadata.Index, snapshotFileSuffix)
}
