// Package ipstack is the embedded IP Stack Domain (spec §3, §4.4): a
// userspace TCP/IP stack built on gVisor's tcpip package, fed raw packets
// read off the TUN device and producing both outbound packets (back to the
// TUN device) and accepted TCP/UDP sessions (forwarded upstream). It is
// grounded on the teacher's RunTunNative in tun_native.go, generalized from
// a single hard-coded load-balancer dial into a pair of registrable accept
// callbacks the tunnel controller wires to the SOCKS5 client.
package ipstack

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv6"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	"gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	"gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/iprodev/socks5tun/internal/queue"
)

// nicID is the stack's single network interface, matching the teacher's
// hard-coded NIC 1 — there is never more than one TUN device per tunnel.
const nicID tcpip.NICID = 1

// channelQueueLen bounds how many outbound packets gVisor's link endpoint
// will buffer before Write blocks, matching the teacher's channel.New(4096, ...).
const channelQueueLen = 4096

// TCPAccept is invoked for every inbound TCP handshake the stack completes.
// id carries the original (client-chosen) and translated addresses so the
// caller can name the upstream CONNECT target.
type TCPAccept func(conn *gonet.TCPConn, id stack.TransportEndpointID)

// UDPAccept is invoked for every new UDP 5-tuple the stack sees.
type UDPAccept func(conn *gonet.UDPConn, id stack.TransportEndpointID)

// Stack wraps a gVisor network stack bound to one TUN-backed channel
// endpoint. mu is the single stack lock spec §4.4 requires: NIC creation and
// route setup in New, the registered handlers and maintenance function, and
// the tick counter are guarded by it. Packet injection (Input), outbound
// draining, forwarder installation and per-connection gonet I/O do not take
// it — gVisor synchronizes those internally, and
// holding the stack lock across upstream socket I/O would violate the
// lock-ordering spec lays out (index -> stack -> packet queue -> task
// queue), so accept callbacks run outside mu entirely.
type Stack struct {
	mu    sync.Mutex
	inner *stack.Stack
	ep    *channel.Endpoint

	onTCP acceptHandlers
	tick  int
	maint func()
}

// acceptHandlers bundles the two accept callbacks so Stack's zero value is
// safe before SetHandlers is called (both fields nil until wired).
type acceptHandlers struct {
	TCP TCPAccept
	UDP UDPAccept
}

// New builds the embedded stack: IPv4/IPv6 network protocols, TCP/UDP
// transport protocols, one NIC over a channel.Endpoint sized for mtu, with
// promiscuous mode and spoofing enabled and an empty-subnet route table —
// the idiomatic-gVisor substitute for lwIP-style "pretend this is our own
// address" TUN behavior, since gVisor has no direct equivalent knob.
func New(mtu int) (*Stack, error) {
	inner := stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, ipv6.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{tcp.NewProtocol, udp.NewProtocol},
	})

	ep := channel.New(channelQueueLen, uint32(mtu), "")

	s := &Stack{inner: inner, ep: ep}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := inner.CreateNIC(nicID, ep); err != nil {
		return nil, fmt.Errorf("create NIC: %v", err)
	}
	if err := inner.SetPromiscuousMode(nicID, true); err != nil {
		return nil, fmt.Errorf("set promiscuous: %v", err)
	}
	if err := inner.SetSpoofing(nicID, true); err != nil {
		return nil, fmt.Errorf("set spoofing: %v", err)
	}
	inner.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: nicID},
		{Destination: header.IPv6EmptySubnet, NIC: nicID},
	})

	return s, nil
}

// SetHandlers registers the accept callbacks and wires the TCP/UDP
// forwarders that invoke them. Must be called before the engine starts
// delivering packets with Input.
func (s *Stack) SetHandlers(tcpFn TCPAccept, udpFn UDPAccept) {
	s.mu.Lock()
	s.onTCP = acceptHandlers{TCP: tcpFn, UDP: udpFn}
	inner := s.inner
	s.mu.Unlock()

	tcpFwd := tcp.NewForwarder(inner, 0, 65535, func(r *tcp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			r.Complete(true)
			return
		}
		r.Complete(false)

		s.mu.Lock()
		handler := s.onTCP.TCP
		s.mu.Unlock()
		if handler == nil {
			ep.Close()
			return
		}
		handler(gonet.NewTCPConn(&wq, ep), id)
	})
	inner.SetTransportProtocolHandler(tcp.ProtocolNumber, tcpFwd.HandlePacket)

	udpFwd := udp.NewForwarder(inner, func(r *udp.ForwarderRequest) {
		id := r.ID()
		var wq waiter.Queue
		ep, err := r.CreateEndpoint(&wq)
		if err != nil {
			return
		}

		s.mu.Lock()
		handler := s.onTCP.UDP
		s.mu.Unlock()
		if handler == nil {
			ep.Close()
			return
		}
		handler(gonet.NewUDPConn(&wq, ep), id)
	})
	inner.SetTransportProtocolHandler(udp.ProtocolNumber, udpFwd.HandlePacket)
}

// SetMaintenance registers the function run on every 4th timer tick (spec
// §4.6); the tunnel registers its UDP idle-session sweep here.
func (s *Stack) SetMaintenance(fn func()) {
	s.mu.Lock()
	s.maint = fn
	s.mu.Unlock()
}

// Input hands one raw IP packet read off the TUN device to the stack. It is
// the TUN I/O Engine's InputFunc, called concurrently by every reader
// goroutine; channel.Endpoint.InjectInbound is safe for concurrent callers
// so no additional locking is needed on this hot path.
func (s *Stack) Input(pkt []byte) {
	if len(pkt) == 0 {
		return
	}
	var proto tcpip.NetworkProtocolNumber
	switch pkt[0] >> 4 {
	case 4:
		proto = ipv4.ProtocolNumber
	case 6:
		proto = ipv6.ProtocolNumber
	default:
		return
	}

	pb := stack.NewPacketBuffer(stack.PacketBufferOptions{
		Payload: buffer.MakeWithData(append([]byte(nil), pkt...)),
	})
	s.ep.InjectInbound(proto, pb)
	pb.DecRef()
}

// PumpOutbound reads packets the stack wants sent back out the TUN device
// and enqueues them on out, where the TUN I/O Engine's writer goroutines
// pick them up. This is the generalized form of the teacher's stackToTun:
// there the pump wrote straight to the TUN fd; here it feeds the shared
// packet queue so multiple writer goroutines can drain it in batches.
func (s *Stack) PumpOutbound(ctx context.Context, out *queue.Queue) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		pb := s.ep.Read()
		if pb == nil {
			// No buffered outbound packet yet; short poll rather than busy
			// spin, matching the teacher's stackToTun backoff.
			time.Sleep(time.Millisecond)
			continue
		}

		v := pb.ToView()
		b := append([]byte(nil), v.AsSlice()...)
		pb.DecRef()

		if err := out.Enqueue(&queue.Packet{Data: b}); err != nil {
			// Packet queue saturated: drop, matching spec's "enqueue never
			// blocks" rule rather than stalling the stack's output path.
			continue
		}
	}
}

// Tick drives the timer driver (spec §4.6). gVisor owns its own TCP
// retransmit/keepalive timers internally, so the driver's remaining job is
// periodic maintenance: every 4th tick it invokes the registered
// maintenance function, outside the stack lock.
func (s *Stack) Tick() {
	s.mu.Lock()
	s.tick++
	due := s.tick%4 == 0
	fn := s.maint
	s.mu.Unlock()

	if due && fn != nil {
		fn()
	}
}

// Run starts a ticker that calls Tick every interval until ctx is done.
func (s *Stack) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.Tick()
		}
	}
}

// Close tears down the stack and releases all endpoints, matching the
// teacher's stackGVisor.Close.
func (s *Stack) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ep.Attach(nil)
	s.inner.Close()
	for _, ep := range s.inner.CleanupEndpoints() {
		ep.Abort()
	}
}
