package logring

import (
	"fmt"
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("channel closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event within 1s")
	}
	return Event{}
}

func TestBroadcasterTopics(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	webSub := b.Subscribe("web")
	allSub := b.Subscribe(TopicAll)

	b.Publish(Event{Server: "web", Line: Line{Seq: 1, Text: "hello"}})
	b.Publish(Event{Server: "worker", Line: Line{Seq: 1, Text: "other"}})

	ev := recvEvent(t, webSub)
	if ev.Server != "web" || ev.Line.Text != "hello" {
		t.Fatalf("web subscriber got %+v", ev)
	}
	select {
	case ev := <-webSub.C():
		t.Fatalf("web subscriber leaked foreign event: %+v", ev)
	default:
	}

	ev = recvEvent(t, allSub)
	if ev.Server != "web" {
		t.Fatalf("all subscriber first event: %+v", ev)
	}
	ev = recvEvent(t, allSub)
	if ev.Server != "worker" {
		t.Fatalf("all subscriber second event: %+v", ev)
	}
}

func TestBroadcasterOrderPerServer(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe("web")
	for i := 0; i < 20; i++ {
		b.Publish(Event{Server: "web", Line: Line{Seq: uint64(i)}})
	}
	for i := 0; i < 20; i++ {
		ev := recvEvent(t, sub)
		if ev.Line.Seq != uint64(i) {
			t.Fatalf("event %d out of order: seq=%d", i, ev.Line.Seq)
		}
	}
}

func TestBroadcasterSlowSubscriberGap(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe("web")
	// overflow the buffer without draining
	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(Event{Server: "web", Line: Line{Seq: uint64(i), Text: fmt.Sprintf("%d", i)}})
	}
	sawGap := false
	prev := uint64(0)
	n := 0
	for {
		select {
		case ev := <-sub.C():
			if ev.Gap {
				sawGap = true
			}
			if n > 0 && ev.Line.Seq <= prev {
				t.Fatalf("order violated after drop: %d then %d", prev, ev.Line.Seq)
			}
			prev = ev.Line.Seq
			n++
			continue
		default:
		}
		break
	}
	if !sawGap {
		t.Fatal("expected a gap-flagged event after overflow")
	}
	if n > subscriberBuffer {
		t.Fatalf("drained more than the buffer holds: %d", n)
	}
	if prev != uint64(subscriberBuffer+9) {
		t.Fatalf("newest event lost: last seq %d", prev)
	}
}

func TestBroadcasterUnsubscribeIdempotent(t *testing.T) {
	b := NewBroadcaster()
	defer b.Close()
	sub := b.Subscribe("web")
	sub.Close()
	sub.Close() // second close must not panic
	if _, ok := <-sub.C(); ok {
		t.Fatal("channel still open after close")
	}
	if b.SubscriberCount() != 0 {
		t.Fatalf("subscriber count: %d", b.SubscriberCount())
	}
	// publishing to a closed subscription is a no-op
	b.Publish(Event{Server: "web", Line: Line{Seq: 1}})
}

func TestBroadcasterCloseDetachesAll(t *testing.T) {
	b := NewBroadcaster()
	s1 := b.Subscribe("web")
	s2 := b.Subscribe(TopicAll)
	b.Close()
	b.Close()
	if _, ok := <-s1.C(); ok {
		t.Fatal("s1 still open")
	}
	if _, ok := <-s2.C(); ok {
		t.Fatal("s2 still open")
	}
	// subscribing after close yields a closed subscription
	s3 := b.Subscribe("web")
	if _, ok := <-s3.C(); ok {
		t.Fatal("post-close subscription open")
	}
}
