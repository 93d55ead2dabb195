package kv

import (
	"context"
	"sort"
	"testing"
)

func TestMemoryStoreGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, ok, err := s.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get(missing) = ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := s.Set(ctx, "a", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok || string(v) != "1" {
		t.Fatalf("Get(a) = %q ok=%v err=%v, want 1 true nil", v, ok, err)
	}

	if err := s.Delete(ctx, "a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatalf("Get(a) after delete: ok=true, want false")
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	for _, k := range []string{"ban:site:1.1.1.1", "ban:site:2.2.2.2", "rate:site:1.1.1.1:0"} {
		if err := s.Set(ctx, k, []byte("x")); err != nil {
			t.Fatalf("Set(%s): %v", k, err)
		}
	}

	keys, err := s.List(ctx, "ban:site:")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	sort.Strings(keys)
	want := []string{"ban:site:1.1.1.1", "ban:site:2.2.2.2"}
	if len(keys) != len(want) {
		t.Fatalf("List = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("List = %v, want %v", keys, want)
		}
	}
}

func TestMemoryStoreSetCopiesValue(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	buf := []byte("original")
	if err := s.Set(ctx, "k", buf); err != nil {
		t.Fatalf("Set: %v", err)
	}
	buf[0] = 'X'
	v, _, _ := s.Get(ctx, "k")
	if string(v) != "original" {
		t.Fatalf("Get after mutating caller buffer = %q, want %q (store must copy)", v, "original")
	}
}
