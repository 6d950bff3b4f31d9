package seen

import (
	"sync"
	"testing"
)

func TestSetAndGet(t *testing.T) {
	n := New()
	if _, ok := n.Get(0xaabbccdd); ok {
		t.Fatal("fresh cache should not have node")
	}
	n.Set(0xaabbccdd, "ABCD")
	if name, ok := n.Get(0xaabbccdd); !ok || name != "ABCD" {
		t.Fatalf("got %q %v", name, ok)
	}
}

func TestLastWriteWins(t *testing.T) {
	n := New()
	n.Set(1, "OLD")
	n.Set(1, "NEW")
	if name, _ := n.Get(1); name != "NEW" {
		t.Fatalf("got %q", name)
	}
	if n.Len() != 1 {
		t.Fatalf("len = %d", n.Len())
	}
}

func TestInstancesIndependent(t *testing.T) {
	a, b := New(), New()
	a.Set(7, "SEVN")
	if _, ok := b.Get(7); ok {
		t.Fatal("caches share state")
	}
}

func TestZeroValueUsable(t *testing.T) {
	var n Names
	n.Set(3, "TRI")
	if name, ok := n.Get(3); !ok || name != "TRI" {
		t.Fatalf("got %q %v", name, ok)
	}
}

func TestConcurrentAccess(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i uint32) {
			defer wg.Done()
			n.Set(i, "N")
			n.Get(i)
		}(uint32(i))
	}
	wg.Wait()
	if n.Len() != 50 {
		t.Fatalf("len = %d", n.Len())
	}
}
