// Package resolver provides asynchronous name resolution: GetIPAddress
// resolves a domain to a transport endpoint and GetPort a service name to
// its well-known port, each delivering its outcome through a callback.
// DNS wire traffic goes through github.com/miekg/dns.
package resolver

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/flowmesh/netcore/endpoint"
	"github.com/flowmesh/netcore/ioerr"
	"github.com/miekg/dns"
)

// Options configures one lookup.
type Options struct {
	Timeout    time.Duration
	PreferIPv6 bool
	// Servers overrides the default resolver's nameserver list; empty means
	// read /etc/resolv.conf (via dns.ClientConfigFromFile) once and cache
	// it.
	Servers []string
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 5 * time.Second
}

// Resolver is the asynchronous name-resolution interface.
type Resolver interface {
	// GetIPAddress resolves domain to a transport endpoint at port,
	// invoking callback exactly once with the result.
	GetIPAddress(ctx context.Context, domain string, port uint16, opts Options, callback func(endpoint.Endpoint, error))
	// GetPort resolves a service name (e.g. "http", "https") to its
	// well-known port.
	GetPort(ctx context.Context, service string, opts Options, callback func(uint16, error))
}

// DNSResolver implements Resolver over github.com/miekg/dns, falling back
// to /etc/services-style well-known names for GetPort.
type DNSResolver struct {
	// sem bounds how many lookups are in flight at once; each lookup is a
	// plain goroutine, so the bound caps sockets and upstream load rather
	// than goroutine count.
	sem chan struct{}

	mu      sync.Mutex
	servers []string
}

// maxInflightLookups caps concurrent DNS exchanges so a resolution storm
// cannot exhaust descriptors or hammer the configured nameservers.
const maxInflightLookups = 32

// New creates a DNSResolver. If servers is empty, the system's
// /etc/resolv.conf is consulted lazily on first use.
func New(servers []string) *DNSResolver {
	return &DNSResolver{
		sem:     make(chan struct{}, maxInflightLookups),
		servers: servers,
	}
}

// run executes fn asynchronously under the in-flight bound.
func (r *DNSResolver) run(fn func()) {
	go func() {
		r.sem <- struct{}{}
		defer func() { <-r.sem }()
		fn()
	}()
}

func (r *DNSResolver) resolveServers(opts Options) []string {
	if len(opts.Servers) > 0 {
		return opts.Servers
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.servers) > 0 {
		return r.servers
	}
	cfg, err := dns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || cfg == nil || len(cfg.Servers) == 0 {
		r.servers = []string{"127.0.0.1"}
	} else {
		r.servers = make([]string, len(cfg.Servers))
		for i, s := range cfg.Servers {
			r.servers[i] = net.JoinHostPort(s, cfg.Port)
		}
	}
	return r.servers
}

// GetIPAddress issues an A (or AAAA, if opts.PreferIPv6) query for domain
// and reports the first answer as an Endpoint at port.
func (r *DNSResolver) GetIPAddress(ctx context.Context, domain string, port uint16, opts Options, callback func(endpoint.Endpoint, error)) {
	r.run(func() {
		e, err := r.lookup(ctx, domain, port, opts)
		callback(e, err)
	})
}

func (r *DNSResolver) lookup(ctx context.Context, domain string, port uint16, opts Options) (endpoint.Endpoint, error) {
	if ip := net.ParseIP(domain); ip != nil {
		return endpoint.NewIP(ip, port), nil
	}

	qtype := dns.TypeA
	if opts.PreferIPv6 {
		qtype = dns.TypeAAAA
	}
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), qtype)
	msg.RecursionDesired = true

	servers := r.resolveServers(opts)
	timeout := opts.timeout()
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}

	var lastErr error
	for _, server := range servers {
		client := &dns.Client{Timeout: time.Until(deadline)}
		in, _, err := client.Exchange(msg, server)
		if err != nil {
			lastErr = ioerr.New(ioerr.Timeout, "resolver.get_ip_address", err)
			continue
		}
		for _, rr := range in.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				return endpoint.NewIP(rec.A, port), nil
			case *dns.AAAA:
				return endpoint.NewIP(rec.AAAA, port), nil
			}
		}
		lastErr = ioerr.New(ioerr.Invalid, "resolver.get_ip_address", errNoAnswer)
	}
	if lastErr == nil {
		lastErr = ioerr.New(ioerr.Invalid, "resolver.get_ip_address", errNoAnswer)
	}
	return endpoint.Endpoint{}, lastErr
}

// GetPort resolves service to its well-known port via net.LookupPort
// (/etc/services or the platform equivalent); DNS has no SRV-less concept
// of "the port for http", so this does not use the DNS client.
func (r *DNSResolver) GetPort(ctx context.Context, service string, opts Options, callback func(uint16, error)) {
	r.run(func() {
		if n, err := strconv.ParseUint(service, 10, 16); err == nil {
			callback(uint16(n), nil)
			return
		}
		p, err := net.LookupPort("tcp", service)
		if err != nil {
			callback(0, ioerr.New(ioerr.Invalid, "resolver.get_port", err))
			return
		}
		callback(uint16(p), nil)
	})
}

var errNoAnswer = noAnswerError{}

type noAnswerError struct{}

func (noAnswerError) Error() string { return "resolver: no address record in answer" }
