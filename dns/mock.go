package dns

import (
	"context"
	"net"
	"slices"
	"strings"
	"sync"
	"time"
)

// MockResolver is an in-memory Resolver for tests. Record maps are keyed
// by lower-case names without the trailing dot; PTR is keyed by IP string.
type MockResolver struct {
	PTR  map[string][]string
	A    map[string][]string
	AAAA map[string][]string
	TXT  map[string][]string
	MX   map[string][]*net.MX

	// Fail lists queries answered with SERVFAIL, as "type name", for
	// example "txt example.com" or "ptr 192.0.2.1".
	Fail []string

	// Delay is applied to every query; a context that expires first yields
	// ErrDNSTimeout.
	Delay time.Duration

	// AllAuthentic marks every answer as DNSSEC validated.
	AllAuthentic bool

	mu      sync.Mutex
	queries []string
}

var _ Resolver = (*MockResolver)(nil)

func normalize(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, "."))
}

// Queries returns the queries seen so far, as "type name".
func (r *MockResolver) Queries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.queries)
}

func (r *MockResolver) begin(ctx context.Context, qtype, name string) error {
	key := qtype + " " + name
	r.mu.Lock()
	r.queries = append(r.queries, key)
	r.mu.Unlock()

	if r.Delay > 0 {
		t := time.NewTimer(r.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return contextError(ctx.Err())
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return contextError(err)
	}
	if slices.Contains(r.Fail, key) {
		return ErrDNSServFail
	}
	return nil
}

func (r *MockResolver) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	name = normalize(name)
	if err := r.begin(ctx, "txt", name); err != nil {
		return Result[string]{}, err
	}
	return found(r.TXT[name], r.AllAuthentic)
}

func (r *MockResolver) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	host = normalize(host)
	if err := r.begin(ctx, "a", host); err != nil {
		return Result[net.IP]{}, err
	}
	var ips []net.IP
	for _, s := range append(slices.Clone(r.A[host]), r.AAAA[host]...) {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		}
	}
	return found(ips, r.AllAuthentic)
}

func (r *MockResolver) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	name = normalize(name)
	if err := r.begin(ctx, "mx", name); err != nil {
		return Result[*net.MX]{}, err
	}
	return found(r.MX[name], r.AllAuthentic)
}

func (r *MockResolver) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	key := ip.String()
	if err := r.begin(ctx, "ptr", key); err != nil {
		return Result[string]{}, err
	}
	return found(r.PTR[key], r.AllAuthentic)
}

func found[T any](records []T, authentic bool) (Result[T], error) {
	if len(records) == 0 {
		return Result[T]{Authentic: authentic}, ErrDNSNotFound
	}
	return Result[T]{Records: records, Authentic: authentic}, nil
}
