package rsm

import (
	"testing"
)

func Test_KVStore_put_get_delete(t *testing.T) {
	s := NewKVStore()

	if _, ok := s.Get("foo"); ok {
		t.Fatalf("ok expected false, got %v", ok)
	}

	s.put("foo", "bar")
	v, ok := s.Get("foo")
	if !ok {
		t.Fatalf("ok expected true, got %v", ok)
	}
	if v != "bar" {
		t.Fatalf("value expected %q, got %q", "bar", v)
	}

	s.put("foo", "baz")
	if v, _ = s.Get("foo"); v != "baz" {
		t.Fatalf("value expected %q, got %q", "baz", v)
	}

	s.delete("foo")
	if _, ok = s.Get("foo"); ok {
		t.Fatalf("ok expected false after delete, got %v", ok)
	}
	if n := s.Len(); n != 0 {
		t.Fatalf("length expected 0, got %d", n)
	}
}

func Test_KVStore_applyCommand(t *testing.T) {
	s := NewKVStore()

	s.applyCommand(&command{Op: COMMAND_OP_PUT, Key: "a", Value: "1"})
	s.applyCommand(&command{Op: COMMAND_OP_PUT, Key: "b", Value: "2"})
	s.applyCommand(&command{Op: COMMAND_OP_DELETE, Key: "a"})

	if _, ok := s.Get("a"); ok {
		t.Fatalf("key %q expected deleted", "a")
	}
	if v, _ := s.Get("b"); v != "2" {
		t.Fatalf("value expected %q, got %q", "2", v)
	}
}

func Test_KVStore_Snapshot_Restore(t *testing.T) {
	s := NewKVStore()
	s.put("a", "1")
	s.put("b", "2")
	s.put("c", "3")

	data, err := s.Snapshot()
	if err != nil {
		t.Fatal(err)
	}

	restored := NewKVStore()
	restored.put("stale", "x")
	if err = restored.Restore(data); err != nil {
		t.Fatal(err)
	}

	if n := restored.Len(); n != 3 {
		t.Fatalf("length expected 3, got %d", n)
	}
	if _, ok := restored.Get("stale"); ok {
		t.Fatalf("key %q expected gone after restore", "stale")
	}
	for _, tt := range []struct{ key, wValue string }{
		{"a", "1"},
		{"b", "2"},
		{"c", "3"},
	} {
		v, ok := restored.Get(tt.key)
		if !ok || v != tt.wValue {
			t.Fatalf("key %q expected %q, got %q (ok %v)", tt.key, tt.wValue, v, ok)
		}
	}
}

func Test_command_Marshal_Unmarshal(t *testing.T) {
	cmd := command{RequestID: 77, Op: COMMAND_OP_PUT, Key: "foo", Value: "bar"}
	data, err := cmd.Marshal()
	if err != nil {
		t.Fatal(err)
	}

	var decoded command
	if err = decoded.Unmarshal(data); err != nil {
		t.Fatal(err)
	}
	if decoded != cmd {
		t.Fatalf("command expected %+v, got %+v", cmd, decoded)
	}
}
