package ringbuf

import (
	"reflect"
	"testing"
)

func TestLastN(t *testing.T) {
	b := New(3)
	b.PushAll([]string{"a", "b", "c"})
	if got := b.LastN(2); !reflect.DeepEqual(got, []string{"b", "c"}) {
		t.Fatalf("LastN(2) = %v", got)
	}
	if got := b.LastN(10); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("LastN(10) = %v", got)
	}
}

func TestEvictsOldest(t *testing.T) {
	b := New(3)
	b.PushAll([]string{"a", "b", "c", "d"})
	if got := b.LastN(0); !reflect.DeepEqual(got, []string{"b", "c", "d"}) {
		t.Fatalf("after eviction = %v", got)
	}
	if b.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", b.Len())
	}
}

func TestEmptyBuffer(t *testing.T) {
	b := New(4)
	if got := b.LastN(5); len(got) != 0 {
		t.Fatalf("LastN on empty = %v", got)
	}
}

func TestManyEvictions(t *testing.T) {
	b := New(2)
	for i := 0; i < 100; i++ {
		b.Push(string(rune('a' + i%26)))
	}
	if b.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", b.Len())
	}
}
