package util

import (
	"bytes"
	"testing"
)

func TestFrameQueueFIFO(t *testing.T) {
	q := NewFrameQueue(4)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Push([]byte("c"))

	if q.Len() != 3 {
		t.Fatalf("Len = %d, want 3", q.Len())
	}

	got := q.Drain()
	want := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	if len(got) != len(want) {
		t.Fatalf("drained %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if !bytes.Equal(got[i], want[i]) {
			t.Errorf("frame %d = %q, want %q", i, got[i], want[i])
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len after drain = %d, want 0", q.Len())
	}
}

func TestFrameQueueDropOldest(t *testing.T) {
	q := NewFrameQueue(2)
	if q.Push([]byte("a")) {
		t.Error("first push reported eviction")
	}
	q.Push([]byte("b"))
	if !q.Push([]byte("c")) {
		t.Error("push beyond capacity did not report eviction")
	}

	got := q.Drain()
	if len(got) != 2 || string(got[0]) != "b" || string(got[1]) != "c" {
		t.Errorf("drained %q, want [b c]", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
}

func TestFrameQueueWrapAround(t *testing.T) {
	q := NewFrameQueue(3)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	q.Drain()

	q.Push([]byte("c"))
	q.Push([]byte("d"))
	q.Push([]byte("e"))
	q.Push([]byte("f")) // evicts c

	got := q.Drain()
	if len(got) != 3 || string(got[0]) != "d" || string(got[2]) != "f" {
		t.Errorf("drained %q, want [d e f]", got)
	}
}

func TestFrameQueuePushFrontKeepsOrder(t *testing.T) {
	q := NewFrameQueue(4)
	q.Push([]byte("b"))
	q.Push([]byte("c"))
	if q.PushFront([]byte("a")) {
		t.Error("PushFront with room reported a drop")
	}

	got := q.Drain()
	if len(got) != 3 || string(got[0]) != "a" || string(got[1]) != "b" || string(got[2]) != "c" {
		t.Errorf("drained %q, want [a b c]", got)
	}
}

func TestFrameQueuePushFrontFullDropsFrame(t *testing.T) {
	q := NewFrameQueue(2)
	q.Push([]byte("a"))
	q.Push([]byte("b"))
	if !q.PushFront([]byte("old")) {
		t.Error("PushFront on full queue did not report a drop")
	}

	got := q.Drain()
	if len(got) != 2 || string(got[0]) != "a" || string(got[1]) != "b" {
		t.Errorf("drained %q, want [a b]", got)
	}
	if q.Dropped() != 1 {
		t.Errorf("Dropped = %d, want 1", q.Dropped())
	}
}

func TestPreview(t *testing.T) {
	cases := []struct {
		in   string
		max  int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello…"},
		{"  padded  ", 10, "padded"},
		{"héllo wörld", 5, "héllo…"},
		{"anything", 0, "anything"},
	}
	for _, c := range cases {
		if got := Preview(c.in, c.max); got != c.want {
			t.Errorf("Preview(%q, %d) = %q, want %q", c.in, c.max, got, c.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	if got := NormalizeURL(" http://host:1234/ "); got != "http://host:1234" {
		t.Errorf("NormalizeURL = %q", got)
	}
}
