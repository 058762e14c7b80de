// Package tunnel wires the Packet Queue, Thread Pool, TUN I/O Engine, IP
// Stack Domain, Session Index, mapped-DNS table and SOCKS5 client into the
// single public facade spec §6.1 describes: Init/Run/Stop/Fini/Stats. The
// lifecycle shape — background goroutines started from one call, torn down
// on context cancellation from a signal handler — is grounded on the
// teacher's cmd/outline-cli-ws/main.go.
package tunnel

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	gvstack "gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/iprodev/socks5tun/internal/config"
	"github.com/iprodev/socks5tun/internal/ipstack"
	"github.com/iprodev/socks5tun/internal/mapdns"
	"github.com/iprodev/socks5tun/internal/metrics"
	"github.com/iprodev/socks5tun/internal/pool"
	"github.com/iprodev/socks5tun/internal/queue"
	"github.com/iprodev/socks5tun/internal/session"
	"github.com/iprodev/socks5tun/internal/socks5client"
	"github.com/iprodev/socks5tun/internal/tunio"
)

// Stats is the public point-in-time snapshot returned by Tunnel.Stats.
type Stats struct {
	metrics.Snapshot
	TCPSessions  int
	UDPSessions  int
	MapDNSCached int
}

// Tunnel is the facade that owns every tunnel subsystem and its lifecycle.
// The zero value is not usable; construct with New.
type Tunnel struct {
	cfg *config.Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dev    tunio.Device
	engine *tunio.Engine
	stack  *ipstack.Stack
	out    *queue.Queue
	pool   *pool.Pool
	cnt    *metrics.Counters
	client *socks5client.Client
	dns    *mapdns.Table

	tcpIndex *session.Index
	udpIndex *session.Index

	mu      sync.Mutex
	running bool
}

// New validates cfg and returns an un-started Tunnel.
func New(cfg *config.Config) (*Tunnel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Tunnel{cfg: cfg}, nil
}

// Init opens the TUN device, builds the embedded IP stack, and wires every
// subsystem together, but does not yet start any pumps — that's Run's job.
// Splitting Init from Run mirrors spec §6.1's separate init()/run() steps.
func (t *Tunnel) Init() error {
	dev, err := tunio.Open(t.cfg.Tunnel.Name, t.cfg.Tunnel.MTU)
	if err != nil {
		return fmt.Errorf("tunnel: open tun: %w", err)
	}
	t.dev = dev

	st, err := ipstack.New(t.cfg.Tunnel.MTU)
	if err != nil {
		return fmt.Errorf("tunnel: init ip stack: %w", err)
	}
	t.stack = st

	t.out = queue.New()
	t.cnt = &metrics.Counters{}
	t.pool = pool.New(0)
	t.engine = tunio.New(t.dev, t.cfg.Tunnel.MTU, t.out, t.cnt)
	t.engine.SetInput(t.stack.Input)

	client, err := socks5client.New(t.cfg.Socks5.Addr(), t.cfg.Socks5.Username, t.cfg.Socks5.Password)
	if err != nil {
		return fmt.Errorf("tunnel: init socks5 client: %w", err)
	}
	t.client = client

	if t.cfg.MapDNS.Enabled() {
		subnet, err := t.cfg.MapDNS.Subnet()
		if err != nil {
			return fmt.Errorf("tunnel: mapdns subnet: %w", err)
		}
		t.dns = mapdns.NewTable(subnet, t.cfg.MapDNS.CacheSize)
	}

	t.tcpIndex = session.NewIndex(t.cfg.Misc.MaxSessionCount, func(id string, kind session.Kind) {
		log.Printf("tunnel: evicting oldest %s session %s (session cap reached)", kind, id)
	})
	t.udpIndex = session.NewIndex(t.cfg.Misc.MaxSessionCount, func(id string, kind session.Kind) {
		log.Printf("tunnel: evicting %s session %s (idle or session cap reached)", kind, id)
	})

	t.stack.SetHandlers(t.acceptTCP, t.acceptUDP)
	t.stack.SetMaintenance(func() {
		t.udpIndex.SweepIdle(60 * time.Second)
	})

	return nil
}

// acceptTCP is the IP stack's TCPAccept callback: it registers the session
// in the index and submits the relay to the thread pool, matching spec
// §4.1's "sessions run as pool tasks" design.
func (t *Tunnel) acceptTCP(conn *gvstack.TCPConn, id stack.TransportEndpointID) {
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), portString(id.LocalPort))
	if t.dns != nil {
		if name, ok := t.dns.Resolve(net.IP(id.LocalAddress.AsSlice())); ok {
			dst = net.JoinHostPort(name, portString(id.LocalPort))
		}
	}

	sessionID := fmt.Sprintf("tcp:%s:%d->%s", id.RemoteAddress, id.RemotePort, dst)
	sessCtx, cancel := context.WithCancel(t.ctx)
	t.tcpIndex.Add(sessionID, session.KindTCP, cancel)

	err := t.pool.Submit(func(ctx context.Context) {
		defer cancel()
		defer t.tcpIndex.Remove(sessionID)

		dialCtx, dialCancel := context.WithTimeout(sessCtx, 10*time.Second)
		upstream, err := t.client.DialTCP(dialCtx, dst)
		dialCancel()
		if err != nil {
			log.Printf("tunnel: dial %s via socks5: %v", dst, err)
			conn.Close()
			return
		}

		// Eviction from the index or tunnel shutdown cancels sessCtx; closing
		// both ends then unblocks the relay.
		go func() {
			<-sessCtx.Done()
			conn.Close()
			upstream.Close()
		}()

		s := &session.TCPSession{ID: sessionID, Local: conn, Upstream: upstream}
		s.Run()
	})
	if err != nil {
		log.Printf("tunnel: pool saturated, dropping TCP session to %s: %v", dst, err)
		cancel()
		t.tcpIndex.Remove(sessionID)
		conn.Close()
	}
}

// acceptUDP is the IP stack's UDPAccept callback. Each new 5-tuple gets its
// own SOCKS5 UDP ASSOCIATE session, relayed bidirectionally until idle-swept.
func (t *Tunnel) acceptUDP(conn *gvstack.UDPConn, id stack.TransportEndpointID) {
	dst := net.JoinHostPort(net.IP(id.LocalAddress.AsSlice()).String(), portString(id.LocalPort))
	if t.dns != nil {
		if name, ok := t.dns.Resolve(net.IP(id.LocalAddress.AsSlice())); ok {
			dst = net.JoinHostPort(name, portString(id.LocalPort))
		}
	}

	sessionID := fmt.Sprintf("udp:%s:%d->%s", id.RemoteAddress, id.RemotePort, dst)
	sessCtx, cancel := context.WithCancel(t.ctx)
	t.udpIndex.Add(sessionID, session.KindUDP, cancel)

	err := t.pool.Submit(func(ctx context.Context) {
		defer cancel()
		defer t.udpIndex.Remove(sessionID)
		defer conn.Close()

		assoc, err := t.client.DialUDP(sessCtx)
		if err != nil {
			log.Printf("tunnel: udp associate for %s: %v", dst, err)
			return
		}
		defer assoc.Close()

		// An idle sweep or shutdown cancels sessCtx; closing the association
		// unblocks RecvFrom below so the session actually ends.
		go func() {
			<-sessCtx.Done()
			assoc.Close()
		}()

		go func() {
			buf := make([]byte, 65535)
			for {
				n, _, err := conn.ReadFrom(buf)
				if err != nil {
					return
				}
				if err := assoc.SendTo(buf[:n], dst); err != nil {
					return
				}
				t.udpIndex.Touch(sessionID)
			}
		}()

		buf := make([]byte, 65535)
		for {
			select {
			case <-sessCtx.Done():
				return
			default:
			}
			n, _, err := assoc.RecvFrom(buf)
			if err != nil {
				return
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return
			}
			t.udpIndex.Touch(sessionID)
		}
	})
	if err != nil {
		log.Printf("tunnel: pool saturated, dropping UDP session to %s: %v", dst, err)
		cancel()
		t.udpIndex.Remove(sessionID)
		conn.Close()
	}
}

func portString(p uint16) string {
	return fmt.Sprintf("%d", p)
}

// Run starts every pump and blocks until Stop is called (or ctx is done).
// It is safe to call once per Tunnel.
func (t *Tunnel) Run(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("tunnel: already running")
	}
	t.running = true
	t.ctx, t.cancel = context.WithCancel(ctx)
	runCtx := t.ctx
	t.mu.Unlock()

	t.engine.Start(runCtx)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.stack.PumpOutbound(runCtx, t.out)
	}()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.stack.Run(runCtx, t.cfg.TimerTick)
	}()

	if t.cfg.Misc.MetricsAddr != "" {
		srv := &metrics.Server{
			Counters:     t.cnt,
			SessionCount: func() int { return t.tcpIndex.Len() + t.udpIndex.Len() },
		}
		if t.dns != nil {
			srv.DNSCacheSize = t.dns.Len
		}
		t.wg.Add(1)
		go func() {
			defer t.wg.Done()
			if err := srv.Run(runCtx, t.cfg.Misc.MetricsAddr); err != nil {
				log.Printf("tunnel: metrics server: %v", err)
			}
		}()
	}

	<-runCtx.Done()
	t.engine.Wait()
	t.wg.Wait()
	return nil
}

// Stop cancels every running goroutine. Safe to call multiple times.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Fini releases the IP stack and closes the TUN device, the pool, and the
// underlying upstream connections pool tasks may still hold. Call after Run
// has returned.
func (t *Tunnel) Fini() error {
	if t.stack != nil {
		t.stack.Close()
	}
	if t.pool != nil {
		t.pool.Close()
	}
	if closer, ok := t.dev.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

// Stats returns a point-in-time snapshot of counters and session counts.
func (t *Tunnel) Stats() Stats {
	var s Stats
	if t.cnt != nil {
		s.Snapshot = t.cnt.Snapshot()
	}
	if t.tcpIndex != nil {
		s.TCPSessions = t.tcpIndex.Len()
	}
	if t.udpIndex != nil {
		s.UDPSessions = t.udpIndex.Len()
	}
	if t.dns != nil {
		s.MapDNSCached = t.dns.Len()
	}
	return s
}
