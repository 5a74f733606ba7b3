package dns

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ResolverConfig configures a DNSResolver.
type ResolverConfig struct {
	// Nameservers to query, as host:port. Empty means the servers from
	// /etc/resolv.conf, or public resolvers when that file is unusable.
	Nameservers []string

	// DNSSEC sets the DO bit and reports the AD flag as Result.Authentic.
	DNSSEC bool

	// Timeout bounds a single exchange with one nameserver. Default 5s.
	Timeout time.Duration

	// Retries is the number of extra passes over the nameserver list.
	// Default 1.
	Retries int
}

// DNSResolver implements Resolver on top of github.com/miekg/dns.
type DNSResolver struct {
	config ResolverConfig
	client *mdns.Client
}

// NewResolver creates a resolver, filling in configuration defaults.
func NewResolver(config ResolverConfig) *DNSResolver {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	if config.Retries <= 0 {
		config.Retries = 1
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = systemNameservers()
	}
	return &DNSResolver{
		config: config,
		client: &mdns.Client{Timeout: config.Timeout},
	}
}

// Config returns the effective configuration.
func (r *DNSResolver) Config() ResolverConfig {
	return r.config
}

func systemNameservers() []string {
	cc, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(cc.Servers) == 0 {
		return []string{"8.8.8.8:53", "1.1.1.1:53"}
	}
	servers := make([]string, 0, len(cc.Servers))
	for _, s := range cc.Servers {
		servers = append(servers, net.JoinHostPort(s, cc.Port))
	}
	return servers
}

// query sends one question, walking the nameserver list up to Retries+1
// times. NXDOMAIN is final; SERVFAIL, REFUSED and transport errors move on
// to the next server.
func (r *DNSResolver) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, bool, error) {
	m := new(mdns.Msg)
	m.SetQuestion(mdns.Fqdn(name), qtype)
	m.RecursionDesired = true
	if r.config.DNSSEC {
		m.SetEdns0(4096, true)
	}

	var lastErr error
	for attempt := 0; attempt <= r.config.Retries; attempt++ {
		for _, server := range r.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, false, contextError(err)
			}

			resp, _, err := r.client.ExchangeContext(ctx, m, server)
			if err != nil {
				lastErr = transportError(err)
				continue
			}

			authentic := r.config.DNSSEC && resp.AuthenticatedData
			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, authentic, nil
			case mdns.RcodeNameError:
				return nil, authentic, ErrDNSNotFound
			case mdns.RcodeServerFailure:
				if r.config.DNSSEC {
					lastErr = ErrDNSBogus
				} else {
					lastErr = ErrDNSServFail
				}
			case mdns.RcodeRefused:
				lastErr = ErrDNSRefused
			default:
				lastErr = fmt.Errorf("dns: unexpected rcode %s", mdns.RcodeToString[resp.Rcode])
			}
		}
	}
	if lastErr == nil {
		lastErr = ErrDNSServFail
	}
	return nil, false, lastErr
}

func contextError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDNSTimeout, err)
	}
	return err
}

func transportError(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrDNSTimeout, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrDNSTimeout, err)
	}
	return fmt.Errorf("dns: exchange failed: %w", err)
}

// answers runs a query and maps every answer record through pick, dropping
// records of other types. An empty answer section is ErrDNSNotFound.
func answers[T any](r *DNSResolver, ctx context.Context, name string, qtype uint16, pick func(mdns.RR) (T, bool)) (Result[T], error) {
	resp, authentic, err := r.query(ctx, name, qtype)
	if err != nil {
		return Result[T]{Authentic: authentic}, err
	}
	var out []T
	for _, rr := range resp.Answer {
		if v, ok := pick(rr); ok {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return Result[T]{Authentic: authentic}, ErrDNSNotFound
	}
	return Result[T]{Records: out, Authentic: authentic}, nil
}

// LookupTXT returns TXT records, joining multi-string records.
func (r *DNSResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	return answers(r, ctx, name, mdns.TypeTXT, func(rr mdns.RR) (string, bool) {
		txt, ok := rr.(*mdns.TXT)
		if !ok {
			return "", false
		}
		return strings.Join(txt.Txt, ""), true
	})
}

// LookupIP returns A and AAAA records. A failure of one family is only
// reported when the other family produced nothing.
func (r *DNSResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	v4, err4 := answers(r, ctx, host, mdns.TypeA, func(rr mdns.RR) (net.IP, bool) {
		a, ok := rr.(*mdns.A)
		if !ok {
			return nil, false
		}
		return a.A, true
	})
	v6, err6 := answers(r, ctx, host, mdns.TypeAAAA, func(rr mdns.RR) (net.IP, bool) {
		aaaa, ok := rr.(*mdns.AAAA)
		if !ok {
			return nil, false
		}
		return aaaa.AAAA, true
	})

	ips := append(v4.Records, v6.Records...)
	if len(ips) == 0 {
		switch {
		case err4 != nil && !IsNotFound(err4):
			return Result[net.IP]{}, err4
		case err6 != nil && !IsNotFound(err6):
			return Result[net.IP]{}, err6
		}
		return Result[net.IP]{}, ErrDNSNotFound
	}
	return Result[net.IP]{Records: ips, Authentic: v4.Authentic && v6.Authentic}, nil
}

// LookupMX returns MX records.
func (r *DNSResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	return answers(r, ctx, name, mdns.TypeMX, func(rr mdns.RR) (*net.MX, bool) {
		mx, ok := rr.(*mdns.MX)
		if !ok {
			return nil, false
		}
		return &net.MX{Host: mx.Mx, Pref: mx.Preference}, true
	})
}

// LookupAddr returns the PTR names of ip without the trailing dot.
func (r *DNSResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	if ip == nil {
		return Result[string]{}, errors.New("dns: nil IP address")
	}
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return Result[string]{}, fmt.Errorf("dns: invalid IP for reverse lookup: %w", err)
	}
	return answers(r, ctx, arpa, mdns.TypePTR, func(rr mdns.RR) (string, bool) {
		ptr, ok := rr.(*mdns.PTR)
		if !ok {
			return "", false
		}
		return strings.TrimSuffix(ptr.Ptr, "."), true
	})
}

// ReverseLabels returns the labels of ip in reverse order, as prepended
// to a DNSBL zone: "4.3.2.1" for 1.2.3.4, and 32 nibbles for IPv6.
func ReverseLabels(ip net.IP) (string, error) {
	arpa, err := mdns.ReverseAddr(ip.String())
	if err != nil {
		return "", err
	}
	for _, suffix := range []string{".in-addr.arpa.", ".ip6.arpa."} {
		if strings.HasSuffix(arpa, suffix) {
			return strings.TrimSuffix(arpa, suffix), nil
		}
	}
	return "", fmt.Errorf("dns: unexpected reverse name %q", arpa)
}
