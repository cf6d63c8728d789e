// Package ippool hands out source addresses for outgoing connections.
package ippool

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/metrics"
)

// Unspecified addresses returned when no source addresses are configured for
// a family. Transports treat them as "let the kernel choose".
const (
	AnyIPv4 = "0.0.0.0"
	AnyIPv6 = "::"
)

// Pool hands out one source address per call.
type Pool interface {
	IPv4(ctx context.Context) (string, error)
	IPv6(ctx context.Context) (string, error)
}

// Static rotates round-robin through a fixed list of addresses per family.
// It is safe for concurrent use.
type Static struct {
	ipv4 []string
	ipv6 []string

	next4 uint64
	next6 uint64
}

// NewStatic creates a pool over the configured addresses
func NewStatic(cfg *config.SourceAddressesConfig) *Static {
	return &Static{
		ipv4: append([]string(nil), cfg.IPv4...),
		ipv6: append([]string(nil), cfg.IPv6...),
	}
}

func (s *Static) IPv4(ctx context.Context) (string, error) {
	metrics.SourceAddress.WithLabelValues("ipv4", "static").Inc()
	return pick(s.ipv4, &s.next4, AnyIPv4), nil
}

func (s *Static) IPv6(ctx context.Context) (string, error) {
	metrics.SourceAddress.WithLabelValues("ipv6", "static").Inc()
	return pick(s.ipv6, &s.next6, AnyIPv6), nil
}

func pick(addrs []string, ctr *uint64, fallback string) string {
	if len(addrs) == 0 {
		return fallback
	}
	n := atomic.AddUint64(ctr, 1) - 1
	return addrs[n%uint64(len(addrs))]
}

// New returns the pool selected by configuration. A shared pool needs a
// non-nil counter store.
func New(cfg *config.SourceAddressesConfig, counter Counter, prefix string, logger *slog.Logger) Pool {
	static := NewStatic(cfg)
	if !cfg.Shared || counter == nil {
		return static
	}
	return NewShared(static, counter, prefix, logger)
}
