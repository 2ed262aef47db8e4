// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package discovery advertises the receiver's listeners on the local
// network with multicast DNS service discovery, so senders can find the
// receiver without typing an address.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/zap"
)

const (
	mdnsPort = 5353

	// Record lifetimes. Host bound records use the short TTL.
	hostTTL    = 120
	serviceTTL = 4500

	servicesEnumeration = "_services._dns-sd._udp.local."

	// Top bit of the class: cache-flush on answers, unicast-response
	// requested on questions.
	classTopBit = 1 << 15
)

var mdnsGroup = &net.UDPAddr{IP: net.IPv4(224, 0, 0, 251), Port: mdnsPort}

// Well known FCast service types.
const (
	ServiceTCP       = "_fcast._tcp"
	ServiceWebSocket = "_fcast-ws._tcp"
)

// Service is one advertised listener.
type Service struct {
	Type string // e.g. "_fcast._tcp"
	Port int
}

func (s Service) domain() string { return dns.Fqdn(s.Type + ".local") }

// Options configures an Advertiser.
type Options struct {
	// Instance is the human readable receiver name. Empty means
	// FCast-<hostname>.
	Instance string
	// Host is the bare host label the SRV records point at. Empty means
	// the system hostname.
	Host     string
	Services []Service
	// Addrs lists the addresses to advertise. Nil means every non-loopback
	// address of the interfaces that are up.
	Addrs func() []net.IP
}

// Advertiser answers mDNS queries for the configured services.
type Advertiser struct {
	instance string
	host     string
	services []Service
	addrs    func() []net.IP
	logger   *zap.Logger

	conn     *net.UDPConn
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewAdvertiser creates an advertiser. It does not touch the network until
// Start.
func NewAdvertiser(opts Options, logger *zap.Logger) *Advertiser {
	host := opts.Host
	if host == "" {
		host = systemHostname()
	}
	instance := opts.Instance
	if instance == "" {
		instance = "FCast-" + host
	}
	addrs := opts.Addrs
	if addrs == nil {
		addrs = interfaceIPs
	}
	return &Advertiser{
		instance: instance,
		host:     dns.Fqdn(host + ".local"),
		services: opts.Services,
		addrs:    addrs,
		logger:   logger.With(zap.String("instance", instance)),
		done:     make(chan struct{}),
	}
}

// Instance returns the advertised receiver name.
func (a *Advertiser) Instance() string { return a.instance }

// Start joins the mDNS group, announces the services and answers queries
// until Stop or ctx is done.
func (a *Advertiser) Start(ctx context.Context) error {
	if len(a.services) == 0 {
		return errors.New("discovery: no services to advertise")
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, mdnsGroup)
	if err != nil {
		return fmt.Errorf("join mdns group: %w", err)
	}
	a.conn = conn

	a.wg.Add(2)
	go a.serve()
	go a.announce(ctx)

	types := make([]string, 0, len(a.services))
	for _, s := range a.services {
		types = append(types, fmt.Sprintf("%s:%d", s.Type, s.Port))
	}
	a.logger.Info("advertising receiver", zap.Strings("services", types), zap.String("host", a.host))
	return nil
}

// Stop sends a goodbye for every record and leaves the group.
func (a *Advertiser) Stop() error {
	var err error
	a.stopOnce.Do(func() {
		close(a.done)
		if a.conn == nil {
			return
		}
		if gerr := a.send(a.records(true), mdnsGroup); gerr != nil {
			a.logger.Debug("goodbye not sent", zap.Error(gerr))
		}
		err = a.conn.Close()
		a.wg.Wait()
	})
	return err
}

// announce repeats the unsolicited response once a second later so a
// lost first packet does not hide the receiver.
func (a *Advertiser) announce(ctx context.Context) {
	defer a.wg.Done()
	for i := 0; i < 2; i++ {
		if err := a.send(a.records(false), mdnsGroup); err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Warn("announcement failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case <-time.After(time.Second):
		}
	}
}

func (a *Advertiser) serve() {
	defer a.wg.Done()
	buf := make([]byte, 9000)
	for {
		n, src, err := a.conn.ReadFromUDP(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				a.logger.Warn("mdns read failed", zap.Error(err))
			}
			return
		}
		resp, dst := a.handle(buf[:n], src)
		if resp == nil {
			continue
		}
		if err := a.send(resp, dst); err != nil {
			a.logger.Debug("mdns reply failed", zap.Stringer("to", dst), zap.Error(err))
		}
	}
}

// handle parses one datagram and returns the reply and where to send it,
// or nil when there is nothing to say.
func (a *Advertiser) handle(b []byte, src *net.UDPAddr) (*dns.Msg, *net.UDPAddr) {
	var q dns.Msg
	if err := q.Unpack(b); err != nil || q.Response || q.Opcode != dns.OpcodeQuery {
		return nil, nil
	}
	resp := a.respond(&q)
	if resp == nil {
		return nil, nil
	}

	// Queries from a port other than 5353 come from plain resolvers, which
	// expect a conventional unicast reply.
	if src.Port != mdnsPort {
		resp.Id = q.Id
		resp.Question = q.Question
		return resp, src
	}
	for _, question := range q.Question {
		if question.Qclass&classTopBit != 0 {
			return resp, src
		}
	}
	return resp, mdnsGroup
}

// respond builds the answer to q, nil when none of its questions are ours.
func (a *Advertiser) respond(q *dns.Msg) *dns.Msg {
	resp := new(dns.Msg)
	resp.Response = true
	resp.Authoritative = true
	for _, question := range q.Question {
		a.answer(resp, question)
	}
	if len(resp.Answer) == 0 {
		return nil
	}
	return resp
}

func (a *Advertiser) answer(resp *dns.Msg, q dns.Question) {
	name := strings.ToLower(q.Name)
	wants := func(t uint16) bool { return q.Qtype == t || q.Qtype == dns.TypeANY }

	if name == servicesEnumeration && wants(dns.TypePTR) {
		for _, s := range a.services {
			resp.Answer = append(resp.Answer, ptr(servicesEnumeration, s.domain(), serviceTTL))
		}
		return
	}

	for _, s := range a.services {
		instance := a.instanceName(s)
		switch name {
		case strings.ToLower(s.domain()):
			if wants(dns.TypePTR) {
				resp.Answer = append(resp.Answer, ptr(s.domain(), instance, serviceTTL))
				resp.Extra = append(resp.Extra, a.srv(s, hostTTL), txt(instance, serviceTTL))
				resp.Extra = append(resp.Extra, a.addressRecords(hostTTL, dns.TypeANY)...)
			}
		case strings.ToLower(instance):
			if wants(dns.TypeSRV) {
				resp.Answer = append(resp.Answer, a.srv(s, hostTTL))
				resp.Extra = append(resp.Extra, a.addressRecords(hostTTL, dns.TypeANY)...)
			}
			if wants(dns.TypeTXT) {
				resp.Answer = append(resp.Answer, txt(instance, serviceTTL))
			}
		}
	}

	if name == strings.ToLower(a.host) && (wants(dns.TypeA) || wants(dns.TypeAAAA)) {
		resp.Answer = append(resp.Answer, a.addressRecords(hostTTL, q.Qtype)...)
	}
}

// records is the full record set used for announcements. A goodbye sends
// the same set with zero lifetimes.
func (a *Advertiser) records(goodbye bool) *dns.Msg {
	var ttl, shortTTL uint32 = serviceTTL, hostTTL
	if goodbye {
		ttl, shortTTL = 0, 0
	}
	m := new(dns.Msg)
	m.Response = true
	m.Authoritative = true
	for _, s := range a.services {
		instance := a.instanceName(s)
		m.Answer = append(m.Answer,
			ptr(servicesEnumeration, s.domain(), ttl),
			ptr(s.domain(), instance, ttl),
			a.srv(s, shortTTL),
			txt(instance, ttl),
		)
	}
	m.Answer = append(m.Answer, a.addressRecords(shortTTL, dns.TypeANY)...)
	return m
}

func (a *Advertiser) send(m *dns.Msg, dst *net.UDPAddr) error {
	b, err := m.Pack()
	if err != nil {
		return fmt.Errorf("pack mdns message: %w", err)
	}
	_, err = a.conn.WriteToUDP(b, dst)
	return err
}

func (a *Advertiser) instanceName(s Service) string {
	return escapeLabel(a.instance) + "." + s.domain()
}

func (a *Advertiser) srv(s Service, ttl uint32) dns.RR {
	return &dns.SRV{
		Hdr:    header(a.instanceName(s), dns.TypeSRV, ttl, true),
		Port:   uint16(s.Port),
		Target: a.host,
	}
}

func (a *Advertiser) addressRecords(ttl uint32, qtype uint16) []dns.RR {
	var rrs []dns.RR
	for _, ip := range a.addrs() {
		if v4 := ip.To4(); v4 != nil {
			if qtype == dns.TypeA || qtype == dns.TypeANY {
				rrs = append(rrs, &dns.A{Hdr: header(a.host, dns.TypeA, ttl, true), A: v4})
			}
			continue
		}
		if qtype == dns.TypeAAAA || qtype == dns.TypeANY {
			rrs = append(rrs, &dns.AAAA{Hdr: header(a.host, dns.TypeAAAA, ttl, true), AAAA: ip})
		}
	}
	return rrs
}

func ptr(name, target string, ttl uint32) dns.RR {
	return &dns.PTR{Hdr: header(name, dns.TypePTR, ttl, false), Ptr: target}
}

// txt carries no keys; DNS-SD still requires the record to exist.
func txt(name string, ttl uint32) dns.RR {
	return &dns.TXT{Hdr: header(name, dns.TypeTXT, ttl, true), Txt: []string{""}}
}

func header(name string, rrtype uint16, ttl uint32, unique bool) dns.RR_Header {
	class := uint16(dns.ClassINET)
	if unique {
		class |= classTopBit
	}
	return dns.RR_Header{Name: name, Rrtype: rrtype, Class: class, Ttl: ttl}
}

// escapeLabel renders s as one label of a presentation format name, the
// same way unpacked query names are rendered.
func escapeLabel(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case strings.IndexByte(`.()"; @\`, c) >= 0:
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < ' ' || c > '~':
			fmt.Fprintf(&b, "\\%03d", c)
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func systemHostname() string {
	h, err := os.Hostname()
	if err != nil || h == "" {
		return "fcastd"
	}
	if i := strings.IndexByte(h, '.'); i > 0 {
		h = h[:i]
	}
	return h
}

func interfaceIPs() []net.IP {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var ips []net.IP
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.IsLoopback() || ipnet.IP.IsLinkLocalUnicast() {
				continue
			}
			ips = append(ips, ipnet.IP)
		}
	}
	return ips
}
