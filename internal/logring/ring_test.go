package logring

import (
	"fmt"
	"testing"
)

func fill(r *Ring, n int) {
	for i := 0; i < n; i++ {
		r.Append(SourceStdout, fmt.Sprintf("line-%d", i))
	}
}

func TestRingSequenceMonotonic(t *testing.T) {
	r := NewRing(3)
	for i := 0; i < 10; i++ {
		ln := r.Append(SourceStdout, "x")
		if ln.Seq != uint64(i) {
			t.Fatalf("append %d: seq=%d", i, ln.Seq)
		}
	}
	if r.NextSeq() != 10 {
		t.Fatalf("next seq: %d", r.NextSeq())
	}
	if r.Len() != 3 {
		t.Fatalf("len after overflow: %d", r.Len())
	}
}

func TestRingEvictionKeepsNewest(t *testing.T) {
	r := NewRing(3)
	fill(r, 5) // seqs 0..4, retained 2..4
	lines, truncated := r.Read(0, 10, false)
	if !truncated {
		t.Fatal("expected truncated when reading from evicted offset")
	}
	if len(lines) != 3 {
		t.Fatalf("lines: %d", len(lines))
	}
	if lines[0].Seq != 2 || lines[2].Seq != 4 {
		t.Fatalf("retained range: %d..%d", lines[0].Seq, lines[2].Seq)
	}
	if lines[0].Text != "line-2" {
		t.Fatalf("oldest retained text: %q", lines[0].Text)
	}
}

func TestRingReadForward(t *testing.T) {
	r := NewRing(10)
	fill(r, 5)
	lines, truncated := r.Read(2, 2, false)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if len(lines) != 2 || lines[0].Seq != 2 || lines[1].Seq != 3 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	// offset beyond newest returns nothing
	lines, truncated = r.Read(100, 10, false)
	if len(lines) != 0 || truncated {
		t.Fatalf("past-end read: %d lines truncated=%v", len(lines), truncated)
	}
}

func TestRingReadReverse(t *testing.T) {
	r := NewRing(10)
	fill(r, 5)
	// offset 0 means newest first
	lines, truncated := r.Read(0, 3, true)
	if truncated {
		t.Fatal("unexpected truncation")
	}
	if len(lines) != 3 || lines[0].Seq != 4 || lines[2].Seq != 2 {
		t.Fatalf("unexpected reverse lines: %+v", lines)
	}
	// explicit offset anchors the walk
	lines, _ = r.Read(2, 5, true)
	if len(lines) != 3 || lines[0].Seq != 2 || lines[2].Seq != 0 {
		t.Fatalf("anchored reverse: %+v", lines)
	}
}

func TestRingReadReverseEvicted(t *testing.T) {
	r := NewRing(3)
	fill(r, 6) // retained 3..5
	lines, truncated := r.Read(1, 5, true)
	if lines != nil || !truncated {
		t.Fatalf("fully evicted range: lines=%v truncated=%v", lines, truncated)
	}
	// asking for more than retained flags the shortfall
	lines, truncated = r.Read(0, 5, true)
	if len(lines) != 3 || !truncated {
		t.Fatalf("partial reverse: %d lines truncated=%v", len(lines), truncated)
	}
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(4)
	lines, truncated := r.Read(0, 10, false)
	if lines != nil || truncated {
		t.Fatalf("empty ring read: %v %v", lines, truncated)
	}
}

func TestRingDefaultCapacity(t *testing.T) {
	r := NewRing(0)
	fill(r, DefaultCapacity+1)
	if r.Len() != DefaultCapacity {
		t.Fatalf("len: %d", r.Len())
	}
}
