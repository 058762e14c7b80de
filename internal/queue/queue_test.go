package queue

import (
	"testing"
	"time"
)

func TestEnqueueDequeueOrder(t *testing.T) {
	q := New()
	for i := 0; i < 10; i++ {
		if err := q.Enqueue(&Packet{Data: []byte{byte(i)}}); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}
	for i := 0; i < 10; i++ {
		pkt, ok := q.Dequeue(10 * time.Millisecond)
		if !ok {
			t.Fatalf("dequeue %d: timed out", i)
		}
		if pkt.Data[0] != byte(i) {
			t.Fatalf("order broken: got %d want %d", pkt.Data[0], i)
		}
	}
}

func TestEnqueueFullReturnsError(t *testing.T) {
	q := New()
	for i := 0; i < Capacity; i++ {
		if err := q.Enqueue(&Packet{Data: []byte{0}}); err != nil {
			t.Fatalf("unexpected error filling queue: %v", err)
		}
	}
	if err := q.Enqueue(&Packet{Data: []byte{0}}); err != ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
	if got := q.Len(); got != Capacity {
		t.Fatalf("queue length changed on failed enqueue: got %d want %d", got, Capacity)
	}
}

func TestDequeueTimeout(t *testing.T) {
	q := New()
	start := time.Now()
	_, ok := q.Dequeue(20 * time.Millisecond)
	if ok {
		t.Fatalf("expected timeout on empty queue")
	}
	if time.Since(start) < 15*time.Millisecond {
		t.Fatalf("returned too early")
	}
}

func TestDequeueWokenByEnqueue(t *testing.T) {
	q := New()
	done := make(chan *Packet, 1)
	go func() {
		pkt, _ := q.Dequeue(time.Second)
		done <- pkt
	}()
	time.Sleep(5 * time.Millisecond)
	_ = q.Enqueue(&Packet{Data: []byte{42}})

	select {
	case pkt := <-done:
		if pkt == nil || pkt.Data[0] != 42 {
			t.Fatalf("unexpected packet: %+v", pkt)
		}
	case <-time.After(time.Second):
		t.Fatal("dequeue was not woken by enqueue")
	}
}

func TestDrainBatch(t *testing.T) {
	q := New()
	for i := 0; i < 20; i++ {
		_ = q.Enqueue(&Packet{Data: []byte{byte(i)}})
	}
	batch := q.DrainBatch(16)
	if len(batch) != 16 {
		t.Fatalf("expected batch of 16, got %d", len(batch))
	}
	if q.Len() != 4 {
		t.Fatalf("expected 4 remaining, got %d", q.Len())
	}
}

func TestPacketFlatten(t *testing.T) {
	p := &Packet{Segments: [][]byte{{1, 2}, {3, 4, 5}}}
	got := p.Flatten()
	want := []byte{1, 2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("flatten length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("flatten mismatch at %d: got %d want %d", i, got[i], want[i])
		}
	}
	if p.Len() != 5 {
		t.Fatalf("Len mismatch: got %d", p.Len())
	}
}
