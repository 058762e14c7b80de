package tunio

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/iprodev/socks5tun/internal/metrics"
	"github.com/iprodev/socks5tun/internal/queue"
)

// fakeDevice is an in-memory Device backed by mutex-guarded slices, standing in for a
// real TUN fd the way the teacher's tests stand in for a real socket.
type fakeDevice struct {
	mu      sync.Mutex
	inbound [][]byte // fed to Read
	written [][]byte // captured from Write
}

func (f *fakeDevice) Read(p []byte) (int, error) {
	for {
		f.mu.Lock()
		if len(f.inbound) > 0 {
			pkt := f.inbound[0]
			f.inbound = f.inbound[1:]
			f.mu.Unlock()
			n := copy(p, pkt)
			return n, nil
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
}

func (f *fakeDevice) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.written = append(f.written, append([]byte(nil), p...))
	f.mu.Unlock()
	return len(p), nil
}

func (f *fakeDevice) feed(pkt []byte) {
	f.mu.Lock()
	f.inbound = append(f.inbound, pkt)
	f.mu.Unlock()
}

func (f *fakeDevice) writtenCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

var _ io.ReadWriter = (*fakeDevice)(nil)

func TestEngineDeliversReadPackets(t *testing.T) {
	dev := &fakeDevice{}
	out := queue.New()
	cnt := &metrics.Counters{}
	e := New(dev, 1500, out, cnt)

	received := make(chan []byte, 1)
	e.SetInput(func(pkt []byte) { received <- pkt })

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Wait()
	}()

	dev.feed([]byte{1, 2, 3, 4})

	select {
	case pkt := <-received:
		if len(pkt) != 4 {
			t.Fatalf("expected 4 byte packet, got %d", len(pkt))
		}
	case <-time.After(time.Second):
		t.Fatal("packet never delivered to input callback")
	}

	if cnt.Snapshot().RxPackets != 1 {
		t.Fatalf("expected 1 rx packet counted, got %d", cnt.Snapshot().RxPackets)
	}
}

func TestEngineWritesQueuedPackets(t *testing.T) {
	dev := &fakeDevice{}
	out := queue.New()
	cnt := &metrics.Counters{}
	e := New(dev, 1500, out, cnt)

	ctx, cancel := context.WithCancel(context.Background())
	e.Start(ctx)
	defer func() {
		cancel()
		e.Wait()
	}()

	const n = 20
	for i := 0; i < n; i++ {
		_ = out.Enqueue(&queue.Packet{Data: []byte{byte(i)}})
	}

	deadline := time.Now().Add(time.Second)
	for dev.writtenCount() < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := dev.writtenCount(); got != n {
		t.Fatalf("expected %d packets written, got %d", n, got)
	}
	if cnt.Snapshot().TxPackets != n {
		t.Fatalf("expected %d tx packets counted, got %d", n, cnt.Snapshot().TxPackets)
	}
}
