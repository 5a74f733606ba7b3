package dns

import (
	"context"
	"net"
	"time"
)

// DefaultTimeout bounds each lookup when a Service is created without an
// explicit timeout.
const DefaultTimeout = 5 * time.Second

// Service is the resolver handed to plugins. A connection creates one on
// first use and reuses it for every later lookup; every call is bounded
// by the service timeout on top of the caller's context.
type Service struct {
	resolver Resolver
	timeout  time.Duration
}

// NewService wraps resolver with a per-lookup timeout.
func NewService(resolver Resolver, timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Service{resolver: resolver, timeout: timeout}
}

// Timeout returns the per-lookup timeout.
func (s *Service) Timeout() time.Duration {
	return s.timeout
}

func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.timeout)
}

func (s *Service) LookupTXT(ctx context.Context, name string) (Result[string], error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.resolver.LookupTXT(ctx, name)
	return res, timeoutOr(ctx, err)
}

func (s *Service) LookupIP(ctx context.Context, host string) (Result[net.IP], error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.resolver.LookupIP(ctx, host)
	return res, timeoutOr(ctx, err)
}

func (s *Service) LookupMX(ctx context.Context, name string) (Result[*net.MX], error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.resolver.LookupMX(ctx, name)
	return res, timeoutOr(ctx, err)
}

func (s *Service) LookupAddr(ctx context.Context, ip net.IP) (Result[string], error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	res, err := s.resolver.LookupAddr(ctx, ip)
	return res, timeoutOr(ctx, err)
}

// timeoutOr reports an expired deadline as ErrDNSTimeout whatever error
// the backend produced for it.
func timeoutOr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() == context.DeadlineExceeded && !IsTimeout(err) {
		return ErrDNSTimeout
	}
	return err
}

// ForwardConfirmed performs a forward-confirmed reverse lookup of ip. It
// returns the PTR names whose forward lookup leads back to ip, or to an
// address in the same /24 (IPv4) or /64 (IPv6) network.
func (s *Service) ForwardConfirmed(ctx context.Context, ip net.IP) ([]string, error) {
	ptr, err := s.LookupAddr(ctx, ip)
	if err != nil {
		return nil, err
	}

	var confirmed []string
	var lastErr error
	for _, name := range ptr.Records {
		fwd, err := s.LookupIP(ctx, name)
		if err != nil {
			lastErr = err
			continue
		}
		for _, candidate := range fwd.Records {
			if SameNetwork(ip, candidate) {
				confirmed = append(confirmed, name)
				break
			}
		}
	}
	if len(confirmed) == 0 {
		if lastErr != nil && !IsNotFound(lastErr) {
			return nil, lastErr
		}
		return nil, ErrDNSNotFound
	}
	return confirmed, nil
}

// SameNetwork is the tolerant address match used by ForwardConfirmed.
func SameNetwork(a, b net.IP) bool {
	if a.Equal(b) {
		return true
	}
	if a4, b4 := a.To4(), b.To4(); a4 != nil && b4 != nil {
		mask := net.CIDRMask(24, 32)
		return a4.Mask(mask).Equal(b4.Mask(mask))
	}
	if a.To4() == nil && b.To4() == nil {
		mask := net.CIDRMask(64, 128)
		return a.Mask(mask).Equal(b.Mask(mask))
	}
	return false
}
