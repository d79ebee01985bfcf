package rsm

import (
	"sync"

	"github.com/google/btree"
	"github.com/ugorji/go/codec"
)

const kvBTreeDegree = 32

type kvPair struct {
	Key   string
	Value string
}

func (p *kvPair) Less(than btree.Item) bool {
	return p.Key < than.(*kvPair).Key
}

// KVStore is the replicated key-value state machine, an ordered
// in-memory tree that the apply loop mutates one committed command at
// a time.
type KVStore struct {
	mu   sync.RWMutex
	tree *btree.BTree
}

// NewKVStore creates an empty store.
func NewKVStore() *KVStore {
	return &KVStore{tree: btree.New(kvBTreeDegree)}
}

// Get returns the value for the key, and whether it exists.
func (s *KVStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item := s.tree.Get(&kvPair{Key: key})
	if item == nil {
		return "", false
	}
	return item.(*kvPair).Value, true
}

// Len returns the number of stored keys.
func (s *KVStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tree.Len()
}

func (s *KVStore) put(key, value string) {
	s.mu.Lock()
	s.tree.ReplaceOrInsert(&kvPair{Key: key, Value: value})
	s.mu.Unlock()
}

func (s *KVStore) delete(key string) {
	s.mu.Lock()
	s.tree.Delete(&kvPair{Key: key})
	s.mu.Unlock()
}

// applyCommand mutates the store with one committed command.
func (s *KVStore) applyCommand(cmd *command) {
	switch cmd.Op {
	case COMMAND_OP_PUT:
		s.put(cmd.Key, cmd.Value)
	case COMMAND_OP_DELETE:
		s.delete(cmd.Key)
	default:
		rsmLogger.Panicf("unknown command op %d", cmd.Op)
	}
}

// Snapshot encodes the full key-value state.
func (s *KVStore) Snapshot() ([]byte, error) {
	s.mu.RLock()
	pairs := make([]kvPair, 0, s.tree.Len())
	s.tree.Ascend(func(item btree.Item) bool {
		pairs = append(pairs, *item.(*kvPair))
		return true
	})
	s.mu.RUnlock()

	var d []byte
	err := codec.NewEncoderBytes(&d, msgpackHandle).Encode(pairs)
	return d, err
}

// Restore replaces the state with a snapshot taken by Snapshot.
func (s *KVStore) Restore(data []byte) error {
	var pairs []kvPair
	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&pairs); err != nil {
		return err
	}

	tree := btree.New(kvBTreeDegree)
	for i := range pairs {
		p := pairs[i]
		tree.ReplaceOrInsert(&p)
	}

	s.mu.Lock()
	s.tree = tree
	s.mu.Unlock()
	return nil
}
