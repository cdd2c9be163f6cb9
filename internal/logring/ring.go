// Package logring stores recent server output in bounded in-memory rings
// and fans newly appended lines out to live subscribers.
package logring

import (
	"sync"
	"time"
)

// Source tags where a line came from.
type Source string

const (
	SourceStdout Source = "stdout"
	SourceStderr Source = "stderr"
	SourceSystem Source = "system" // supervisor-generated notices
)

// Line is one captured output line. Immutable once appended. Seq is
// monotonic per server and never reused, even after eviction, so
// offset-based reads against evicted content fail predictably instead of
// silently returning the wrong lines.
type Line struct {
	Seq    uint64    `json:"seq"`
	Time   time.Time `json:"time"`
	Source Source    `json:"source"`
	Text   string    `json:"text"`
}

// DefaultCapacity bounds each server's ring.
const DefaultCapacity = 1000

// Ring is a fixed-capacity FIFO of Lines. Safe for concurrent use.
type Ring struct {
	mu    sync.Mutex
	buf   []Line
	start int    // index of oldest line
	count int    // number of retained lines
	next  uint64 // next sequence number to assign
}

// NewRing returns a ring retaining at most capacity lines. capacity <= 0
// means DefaultCapacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]Line, capacity)}
}

// Append stores text and returns the completed Line with its assigned
// sequence number. The oldest line is evicted on overflow.
func (r *Ring) Append(src Source, text string) Line {
	r.mu.Lock()
	ln := Line{Seq: r.next, Time: time.Now(), Source: src, Text: text}
	r.next++
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ln
		r.count++
	} else {
		r.buf[r.start] = ln
		r.start = (r.start + 1) % len(r.buf)
	}
	r.mu.Unlock()
	return ln
}

// Len returns the number of retained lines.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// NextSeq returns the sequence number the next appended line will get.
func (r *Ring) NextSeq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.next
}

// Read returns up to limit lines addressed by sequence number, plus a flag
// reporting whether the requested range reached into evicted content.
//
// Forward (reverse=false): lines with Seq >= offset, oldest first.
// Reverse (reverse=true): lines with Seq <= offset walking backward from the
// newest; offset 0 means "from the newest line", so a reverse read cannot be
// anchored at the literal sequence number 0 (a forward read with offset 0 and
// limit 1 addresses that line). Requests older than the oldest retained line
// return the oldest available lines with truncated=true, never a silent gap.
func (r *Ring) Read(offset uint64, limit int, reverse bool) ([]Line, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 {
		limit = r.count
	}
	if r.count == 0 {
		return nil, offset > 0 && r.next > 0
	}
	oldest := r.next - uint64(r.count)
	newest := r.next - 1

	if reverse {
		end := newest
		if offset != 0 {
			if offset < oldest {
				// entire requested range evicted
				return nil, true
			}
			if offset < newest {
				end = offset
			}
		}
		out := make([]Line, 0, limit)
		for seq := end; ; seq-- {
			out = append(out, r.at(seq, oldest))
			if len(out) >= limit || seq == oldest {
				break
			}
		}
		// ran out of retained lines while earlier ones once existed
		truncated := len(out) < limit && oldest > 0
		return out, truncated
	}

	truncated := offset < oldest
	start := offset
	if start < oldest {
		start = oldest
	}
	if start > newest {
		return nil, truncated
	}
	out := make([]Line, 0, limit)
	for seq := start; seq <= newest && len(out) < limit; seq++ {
		out = append(out, r.at(seq, oldest))
	}
	return out, truncated
}

// at returns the line with the given sequence number; caller holds the lock
// and guarantees oldest <= seq < next.
func (r *Ring) at(seq, oldest uint64) Line {
	idx := (r.start + int(seq-oldest)) % len(r.buf)
	return r.buf[idx]
}
