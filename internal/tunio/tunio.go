// Package tunio is the TUN I/O Engine (spec §4.2): reader goroutines pump
// packets from the TUN device into the embedded IP stack, and writer
// goroutines drain the outbound packet queue back onto the TUN device. It is
// generalized from the teacher's single-reader/single-writer tunToStack and
// stackToTun pumps in tun_native.go into the explicit bounded
// multi-reader/multi-writer shape spec §4.2 asks for.
package tunio

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync"
	"time"

	"github.com/songgao/water"

	"github.com/iprodev/socks5tun/internal/metrics"
	"github.com/iprodev/socks5tun/internal/queue"
)

// Device is the subset of *water.Interface the engine needs. Expressing it
// as an interface (rather than depending on the concrete type directly)
// lets tests drive the pumps with an in-memory fake.
type Device interface {
	io.Reader
	io.Writer
}

// writeBatch mirrors spec §4.2's writer batch size of 16 packets per drain.
const writeBatch = 16

// dequeueTimeout bounds how long a writer blocks waiting for the queue to
// gain a first packet before re-checking for shutdown.
const dequeueTimeout = 200 * time.Millisecond

// InputFunc is how the engine hands a freshly-read packet to the IP stack.
// It is called synchronously on the reader goroutine, matching the
// teacher's tunToStack which injects directly into the channel.Endpoint
// without an intermediate queue.
type InputFunc func(pkt []byte)

// Engine owns the TUN file descriptor and the goroutines that shuttle
// packets between it and the rest of the tunnel.
type Engine struct {
	ifce Device
	mtu  int
	out  *queue.Queue
	cnt  *metrics.Counters

	numReaders int
	numWriters int

	cbMu  sync.RWMutex
	input InputFunc

	wg sync.WaitGroup
}

// New creates an Engine around an already-open TUN interface. out is the
// queue that the embedded IP stack's outbound path feeds and that writer
// goroutines drain back onto the device.
func New(ifce Device, mtu int, out *queue.Queue, cnt *metrics.Counters) *Engine {
	n := 1
	if runtime.NumCPU() >= 4 {
		n = 2
	}
	return &Engine{
		ifce:       ifce,
		mtu:        mtu,
		out:        out,
		cnt:        cnt,
		numReaders: n,
		numWriters: n,
	}
}

// SetInput registers (or replaces) the callback invoked for every packet
// read off the TUN device. Safe to call while the engine is running.
func (e *Engine) SetInput(fn InputFunc) {
	e.cbMu.Lock()
	e.input = fn
	e.cbMu.Unlock()
}

func (e *Engine) deliver(pkt []byte) {
	e.cbMu.RLock()
	fn := e.input
	e.cbMu.RUnlock()
	if fn != nil {
		fn(pkt)
	}
}

// Start launches the reader and writer goroutines. It returns immediately;
// the goroutines run until ctx is cancelled.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.numReaders; i++ {
		e.wg.Add(1)
		go e.readLoop(ctx)
	}
	for i := 0; i < e.numWriters; i++ {
		e.wg.Add(1)
		go e.writeLoop(ctx)
	}
}

// Wait blocks until every reader and writer goroutine has returned, which
// happens once ctx passed to Start is cancelled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// readLoop is one TUN reader thread: read a packet, count it, deliver it to
// the IP stack. Concurrent readers on the same fd are safe under Linux's
// TUN/TAP driver and match the teacher's pattern of one blocking Read call
// per goroutine.
func (e *Engine) readLoop(ctx context.Context) {
	defer e.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := e.ifce.Read(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			// Transient read errors (e.g. device momentarily down) shouldn't
			// take the whole engine down; back off briefly and retry.
			time.Sleep(5 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}

		pkt := append([]byte(nil), buf[:n]...)
		if e.cnt != nil {
			e.cnt.AddRx(n)
		}
		e.deliver(pkt)
	}
}

// writeLoop is one TUN writer thread: drain up to writeBatch packets from
// the outbound queue and write them to the device one at a time (water's
// Interface has no vectorized write).
func (e *Engine) writeLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		first, ok := e.out.Dequeue(dequeueTimeout)
		if !ok {
			continue
		}
		batch := append([]*queue.Packet{first}, e.out.DrainBatch(writeBatch-1)...)

		for _, pkt := range batch {
			b := pkt.Flatten()
			if len(b) == 0 {
				continue
			}
			if _, err := e.ifce.Write(b); err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				continue
			}
			if e.cnt != nil {
				e.cnt.AddTx(len(b))
			}
		}
	}
}

// Open configures and opens a TUN device by name using the shape the
// teacher's openExistingTun uses, returning the interface. mtu is not
// applied to the device.
func Open(name string, mtu int) (*water.Interface, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name
	ifce, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("open tun %q: %w", name, err)
	}
	return ifce, nil
}
