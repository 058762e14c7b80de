// Package mapdns implements the Mapped DNS sub-service (spec §3, §4.5): it
// answers A queries from the tunnel's virtual subnet with synthetic
// addresses (AAAA queries get an empty answer), remembers the mapping, and resolves a mapped address back to
// the original query name so session dialing can pass a host name upstream
// instead of a bare IP. Query parsing and response construction are
// grounded on github.com/miekg/dns, the library the example pack's own DNS
// server code (mosdns-lts) is built on.
package mapdns

import (
	"container/list"
	"errors"
	"net"
	"sync"

	"github.com/miekg/dns"
)

// ErrSubnetExhausted is returned by Map when the virtual subnet has no more
// free addresses and none can be reclaimed from the LRU.
var ErrSubnetExhausted = errors.New("mapdns: virtual subnet exhausted")

type record struct {
	name string
	ip   net.IP
	elem *list.Element
}

// Table is the bidirectional name<->address map with bounded size and
// oldest-first eviction, matching spec §4.5's fixed-size cache requirement.
type Table struct {
	mu     sync.Mutex
	subnet *net.IPNet
	next   uint32 // next candidate host offset within subnet, linear probe
	cap    int
	byName map[string]*record
	byAddr map[string]*record
	order  *list.List // oldest-first
}

// NewTable builds a Table that synthesizes addresses from subnet, caching
// at most capacity entries.
func NewTable(subnet *net.IPNet, capacity int) *Table {
	return &Table{
		subnet: subnet,
		cap:    capacity,
		byName: make(map[string]*record),
		byAddr: make(map[string]*record),
		order:  list.New(),
	}
}

// Map returns the existing mapped address for name if present, else
// allocates a new one via linear probing over the subnet, evicting the
// least-recently-used entry if the table is full or every usable address
// in the subnet is taken.
func (t *Table) Map(name string) (net.IP, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.byName[name]; ok {
		t.order.MoveToBack(r.elem)
		return r.ip, nil
	}

	if len(t.byName) >= t.cap {
		t.evictOldestLocked()
	}

	ip, err := t.allocateLocked()
	if err == ErrSubnetExhausted && t.order.Len() > 0 {
		// Every usable address is taken: reclaim the least-recently-used one.
		t.evictOldestLocked()
		ip, err = t.allocateLocked()
	}
	if err != nil {
		return nil, err
	}

	r := &record{name: name, ip: ip}
	r.elem = t.order.PushBack(r)
	t.byName[name] = r
	t.byAddr[ip.String()] = r
	return ip, nil
}

// Resolve returns the original name mapped to addr, if any.
func (t *Table) Resolve(addr net.IP) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.byAddr[addr.String()]
	if !ok {
		return "", false
	}
	t.order.MoveToBack(r.elem)
	return r.name, true
}

// Len reports the number of live mappings, exposed as a metrics gauge.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byName)
}

func (t *Table) evictOldestLocked() {
	front := t.order.Front()
	if front == nil {
		return
	}
	r := front.Value.(*record)
	t.order.Remove(front)
	delete(t.byName, r.name)
	delete(t.byAddr, r.ip.String())
}

func (t *Table) allocateLocked() (net.IP, error) {
	ones, bits := t.subnet.Mask.Size()
	hostBits := bits - ones
	if hostBits <= 0 || hostBits > 24 {
		return nil, errors.New("mapdns: subnet too large or too small for address synthesis")
	}
	total := uint32(1) << uint(hostBits)
	// Reserve offsets 0 (network) and total-1 (broadcast), matching the
	// conventional IPv4 allocation the teacher's own config defaulting
	// follows for reserved ranges.
	usable := total - 2
	if usable == 0 {
		return nil, ErrSubnetExhausted
	}

	base := ipToUint32(t.subnet.IP)
	for i := uint32(0); i < usable; i++ {
		offset := (t.next + i) % usable
		candidate := base + 1 + offset
		ip := uint32ToIP(candidate)
		if _, taken := t.byAddr[ip.String()]; !taken {
			t.next = offset + 1
			return ip, nil
		}
	}
	return nil, ErrSubnetExhausted
}

func ipToUint32(ip net.IP) uint32 {
	ip4 := ip.To4()
	return uint32(ip4[0])<<24 | uint32(ip4[1])<<16 | uint32(ip4[2])<<8 | uint32(ip4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// Answer builds a DNS response for an A query, mapping the question name to
// a synthetic address from the table. An AAAA query gets a reply with no
// records, any other query type gets NOTIMP, a message without exactly one
// question gets FORMERR, and a failed mapping gets SERVFAIL. An unparseable
// message returns the unpack error and no response.
func (t *Table) Answer(query []byte) ([]byte, error) {
	req := new(dns.Msg)
	if err := req.Unpack(query); err != nil {
		return nil, err
	}

	resp := new(dns.Msg)
	resp.SetReply(req)

	if len(req.Question) != 1 {
		resp.Rcode = dns.RcodeFormatError
		return resp.Pack()
	}
	q := req.Question[0]

	if q.Qtype != dns.TypeA && q.Qtype != dns.TypeAAAA {
		resp.Rcode = dns.RcodeNotImplemented
		return resp.Pack()
	}
	if q.Qtype == dns.TypeAAAA {
		// The virtual subnet is IPv4-only (spec §4.5); answer with no
		// records rather than refusing outright, so resolvers fall back to A.
		return resp.Pack()
	}

	name := q.Name
	ip, err := t.Map(name)
	if err != nil {
		resp.Rcode = dns.RcodeServerFailure
		return resp.Pack()
	}

	rr := &dns.A{
		Hdr: dns.RR_Header{Name: name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   ip,
	}
	resp.Answer = append(resp.Answer, rr)
	return resp.Pack()
}
