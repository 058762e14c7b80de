package ipstack

import (
	"context"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/stack"

	"github.com/iprodev/socks5tun/internal/queue"
)

// TestNewWiresNICWithoutError exercises Stack construction, which is the
// part of this package that can be checked without a live TUN device or a
// peer IP stack to talk to.
func TestNewWiresNICWithoutError(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if s.inner == nil || s.ep == nil {
		t.Fatal("expected stack and endpoint to be initialized")
	}
}

func TestSetHandlersAcceptsBothCallbacks(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	s.SetHandlers(
		func(conn *gonet.TCPConn, id stack.TransportEndpointID) {},
		func(conn *gonet.UDPConn, id stack.TransportEndpointID) {},
	)

	s.mu.Lock()
	haveTCP := s.onTCP.TCP != nil
	haveUDP := s.onTCP.UDP != nil
	s.mu.Unlock()
	if !haveTCP || !haveUDP {
		t.Fatal("expected both handlers to be registered")
	}
}

func TestTickRunsMaintenanceEveryFourthTick(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	var calls int
	s.SetMaintenance(func() { calls++ })

	for i := 0; i < 8; i++ {
		s.Tick()
	}
	if calls != 2 {
		t.Fatalf("expected maintenance called twice in 8 ticks, got %d", calls)
	}
}

func TestPumpOutboundStopsOnContextCancel(t *testing.T) {
	s, err := New(1500)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	out := queue.New()

	done := make(chan struct{})
	go func() {
		s.PumpOutbound(ctx, out)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("PumpOutbound did not stop after cancel")
	}
}
