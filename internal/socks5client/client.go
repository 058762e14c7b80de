// Package socks5client dials the upstream SOCKS5 proxy spec §3 forwards
// every session through. TCP CONNECT reuses golang.org/x/net/proxy, which
// the pack already leans on for plain SOCKS5 dialing (see the other
// examples' forwarder code); UDP ASSOCIATE has no stdlib or x/net support,
// so client.go implements RFC 1928 framing directly, mirroring — from the
// client's side — the request/reply codec the teacher's socks5.go parses as
// a server.
package socks5client

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"golang.org/x/net/proxy"
)

// Client dials TCP and UDP flows through one upstream SOCKS5 proxy.
type Client struct {
	addr     string
	username string
	password string
	dialer   proxy.Dialer
}

// New builds a Client for the proxy at addr ("host:port"). username/password
// may be empty for no-auth.
func New(addr, username, password string) (*Client, error) {
	var auth *proxy.Auth
	if username != "" || password != "" {
		auth = &proxy.Auth{User: username, Password: password}
	}
	d, err := proxy.SOCKS5("tcp", addr, auth, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("socks5 dialer: %w", err)
	}
	return &Client{addr: addr, username: username, password: password, dialer: d}, nil
}

// DialTCP opens a CONNECT session to dst ("host:port") through the proxy.
// It prefers DialContext when the underlying dialer supports it, falling
// back to the plain Dial the x/net/proxy package guarantees, the same
// fallback shape used throughout the example pack's SOCKS5 forwarders.
func (c *Client) DialTCP(ctx context.Context, dst string) (net.Conn, error) {
	if cd, ok := c.dialer.(proxy.ContextDialer); ok {
		return cd.DialContext(ctx, "tcp", dst)
	}
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := c.dialer.Dial("tcp", dst)
		ch <- result{conn, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.conn, r.err
	}
}

// handshake performs the SOCKS5 method negotiation and authentication
// exchange on an already-dialed control connection, the client-side mirror
// of the teacher's socks5Handshake.
func (c *Client) handshake(conn net.Conn) error {
	methods := []byte{0x00} // no-auth
	if c.username != "" {
		methods = []byte{0x02}
	}
	greeting := append([]byte{0x05, byte(len(methods))}, methods...)
	if _, err := conn.Write(greeting); err != nil {
		return err
	}

	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[0] != 0x05 {
		return errors.New("socks5client: bad server version")
	}

	switch resp[1] {
	case 0x00:
		return nil
	case 0x02:
		return c.authenticate(conn)
	default:
		return errors.New("socks5client: no acceptable auth method")
	}
}

func (c *Client) authenticate(conn net.Conn) error {
	req := []byte{0x01, byte(len(c.username))}
	req = append(req, c.username...)
	req = append(req, byte(len(c.password)))
	req = append(req, c.password...)
	if _, err := conn.Write(req); err != nil {
		return err
	}
	resp := make([]byte, 2)
	if _, err := io.ReadFull(conn, resp); err != nil {
		return err
	}
	if resp[1] != 0x00 {
		return errors.New("socks5client: authentication rejected")
	}
	return nil
}

// UDPAssoc is a live UDP ASSOCIATE session: a control connection that must
// stay open for the duration, and a UDP socket to the relay address the
// proxy assigned.
type UDPAssoc struct {
	ctrl  net.Conn
	relay *net.UDPConn
}

// DialUDP negotiates a UDP ASSOCIATE session and returns a socket ready to
// exchange SOCKS5-framed datagrams with the relay address the proxy
// assigned, per RFC 1928 §7.
func (c *Client) DialUDP(ctx context.Context) (*UDPAssoc, error) {
	dialer := &net.Dialer{}
	ctrl, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("socks5client: dial control conn: %w", err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = ctrl.SetDeadline(deadline)
	}

	if err := c.handshake(ctrl); err != nil {
		ctrl.Close()
		return nil, err
	}

	// UDP ASSOCIATE request: client's own UDP endpoint as seen locally; the
	// proxy is free to ignore it (most do) and route back by source
	// address, same as the teacher's reply handling for CONNECT.
	req := []byte{0x05, 0x03, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	if _, err := ctrl.Write(req); err != nil {
		ctrl.Close()
		return nil, err
	}

	relayAddr, err := readReply(ctrl)
	if err != nil {
		ctrl.Close()
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", relayAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: resolve relay addr %q: %w", relayAddr, err)
	}
	relay, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("socks5client: dial relay: %w", err)
	}

	_ = ctrl.SetDeadline(time.Time{})
	return &UDPAssoc{ctrl: ctrl, relay: relay}, nil
}

// readReply parses a SOCKS5 reply (server-to-client direction) and returns
// the bound address as "host:port". This is the client-side mirror of the
// teacher's socks5Reply, which builds the same bytes from the server side.
func readReply(r io.Reader) (string, error) {
	h := make([]byte, 4)
	if _, err := io.ReadFull(r, h); err != nil {
		return "", err
	}
	if h[0] != 0x05 {
		return "", errors.New("socks5client: bad reply version")
	}
	if h[1] != 0x00 {
		return "", fmt.Errorf("socks5client: proxy refused request, reply code 0x%02x", h[1])
	}

	host, port, err := readAddrPort(r, h[3])
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, port), nil
}

func readAddrPort(r io.Reader, atyp byte) (host, port string, err error) {
	switch atyp {
	case 0x01:
		b := make([]byte, 4)
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = net.IP(b).String()
	case 0x03:
		l := make([]byte, 1)
		if _, err = io.ReadFull(r, l); err != nil {
			return
		}
		b := make([]byte, int(l[0]))
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = string(b)
	case 0x04:
		b := make([]byte, 16)
		if _, err = io.ReadFull(r, b); err != nil {
			return
		}
		host = net.IP(b).String()
	default:
		err = errors.New("socks5client: bad address type in reply")
		return
	}
	pb := make([]byte, 2)
	if _, err = io.ReadFull(r, pb); err != nil {
		return
	}
	port = fmt.Sprintf("%d", binary.BigEndian.Uint16(pb))
	return
}

// encodeUDPHeader builds the SOCKS5 UDP request header (RFC 1928 §7) that
// must prefix every datagram sent to the relay address.
func encodeUDPHeader(dst string) ([]byte, error) {
	host, portStr, err := net.SplitHostPort(dst)
	if err != nil {
		return nil, fmt.Errorf("socks5client: bad destination %q: %w", dst, err)
	}
	port, err := net.LookupPort("udp", portStr)
	if err != nil {
		return nil, fmt.Errorf("socks5client: bad port %q: %w", portStr, err)
	}

	var atyp byte
	var addr []byte
	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			atyp, addr = 0x01, ip4
		} else {
			atyp, addr = 0x04, ip.To16()
		}
	} else {
		atyp = 0x03
		addr = append([]byte{byte(len(host))}, host...)
	}

	hdr := []byte{0x00, 0x00, 0x00, atyp}
	hdr = append(hdr, addr...)
	pb := make([]byte, 2)
	binary.BigEndian.PutUint16(pb, uint16(port))
	return append(hdr, pb...), nil
}

// SendTo frames payload per RFC 1928 §7 and sends it to dst via the relay.
func (u *UDPAssoc) SendTo(payload []byte, dst string) error {
	hdr, err := encodeUDPHeader(dst)
	if err != nil {
		return err
	}
	_, err = u.relay.Write(append(hdr, payload...))
	return err
}

// RecvFrom reads one datagram from the relay, strips the SOCKS5 UDP header,
// and returns the payload along with the sender address it carried.
func (u *UDPAssoc) RecvFrom(buf []byte) (n int, from string, err error) {
	raw := make([]byte, 65535)
	rn, err := u.relay.Read(raw)
	if err != nil {
		return 0, "", err
	}
	if rn < 4 {
		return 0, "", errors.New("socks5client: short UDP datagram")
	}
	atyp := raw[3]
	host, port, err := readAddrPort(&boundReader{raw[4:rn]}, atyp)
	if err != nil {
		return 0, "", err
	}
	hdrLen := 4 + addrLen(atyp, host) + 2
	if hdrLen > rn {
		return 0, "", errors.New("socks5client: truncated UDP datagram")
	}
	payload := raw[hdrLen:rn]
	n = copy(buf, payload)
	return n, net.JoinHostPort(host, port), nil
}

// addrLen returns the on-wire length of the address component for atyp,
// used to locate the payload offset after readAddrPort has already
// consumed it from a throwaway reader.
func addrLen(atyp byte, host string) int {
	switch atyp {
	case 0x01:
		return 4
	case 0x04:
		return 16
	default:
		return 1 + len(host)
	}
}

// boundReader adapts a byte slice to io.Reader for the shared
// readAddrPort helper without pulling in bytes.Reader's seek semantics.
type boundReader struct{ b []byte }

func (r *boundReader) Read(p []byte) (int, error) {
	if len(r.b) == 0 {
		return 0, io.EOF
	}
	n := copy(p, r.b)
	r.b = r.b[n:]
	return n, nil
}

// Close tears down both the UDP relay socket and the control connection
// that keeps the association alive.
func (u *UDPAssoc) Close() error {
	err1 := u.relay.Close()
	err2 := u.ctrl.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
