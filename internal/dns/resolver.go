package dns

import (
	"context"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mjl-/adns"

	"github.com/pawciobiel/golubrelay/internal/config"
	"github.com/pawciobiel/golubrelay/internal/metrics"
)

// lookuper is the subset of *adns.Resolver the delivery resolver needs.
type lookuper interface {
	LookupMX(ctx context.Context, name string) ([]*net.MX, adns.Result, error)
	LookupIP(ctx context.Context, network, host string) ([]net.IP, adns.Result, error)
}

// Resolver performs the MX, A and AAAA lookups for outbound delivery.
// Names are always looked up as absolute names so resolv.conf search domains
// never apply.
type Resolver struct {
	lookup  lookuper
	timeout time.Duration
	logger  *slog.Logger

	// Lock-free counters
	lookupCount int64
	failCount   int64
}

// NewResolver creates a resolver backed by adns.DefaultResolver
func NewResolver(cfg *config.DNSConfig, logger *slog.Logger) *Resolver {
	return newResolver(adns.DefaultResolver, cfg.Timeout, logger)
}

func newResolver(l lookuper, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Resolver{lookup: l, timeout: timeout, logger: logger}
}

func absolute(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}

// MX returns the mail exchangers for domain sorted by ascending preference.
// Both an empty answer and a null MX (RFC 7505) are reported as NoRecords.
func (r *Resolver) MX(ctx context.Context, domain string) ([]*net.MX, error) {
	name := absolute(strings.ToLower(domain))
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	atomic.AddInt64(&r.lookupCount, 1)
	records, _, err := r.lookup.LookupMX(ctx, name)
	if err != nil {
		return nil, r.fail("mx", name, start, newResolveError("mx", name, err))
	}
	if len(records) == 0 || (len(records) == 1 && records[0].Host == ".") {
		return nil, r.fail("mx", name, start, &ResolveError{Kind: NoRecords, Type: "mx", Name: name})
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Pref < records[j].Pref
	})

	metrics.DNSLookup.WithLabelValues("mx", "ok").Observe(time.Since(start).Seconds())
	r.logger.Debug("MX lookup successful", "domain", name, "records", len(records))
	return records, nil
}

// A returns the IPv4 addresses of host in resolver order.
func (r *Resolver) A(ctx context.Context, host string) ([]string, error) {
	return r.lookupIP(ctx, "a", "ip4", host)
}

// AAAA returns the IPv6 addresses of host in resolver order.
func (r *Resolver) AAAA(ctx context.Context, host string) ([]string, error) {
	return r.lookupIP(ctx, "aaaa", "ip6", host)
}

// lookupIP reports a host without records of the requested family as a
// NoRecords ResolveError, whether the lookup failed with not-found or returned
// only addresses of the other family.
func (r *Resolver) lookupIP(ctx context.Context, typ, network, host string) ([]string, error) {
	name := absolute(host)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	atomic.AddInt64(&r.lookupCount, 1)
	ips, _, err := r.lookup.LookupIP(ctx, network, name)
	if err != nil {
		return nil, r.fail(typ, name, start, newResolveError(typ, name, err))
	}

	addrs := make([]string, 0, len(ips))
	for _, ip := range ips {
		is4 := ip.To4() != nil
		if (network == "ip4") != is4 {
			continue
		}
		addrs = append(addrs, ip.String())
	}
	if len(addrs) == 0 {
		return nil, r.fail(typ, name, start, &ResolveError{Kind: NoRecords, Type: typ, Name: name})
	}

	metrics.DNSLookup.WithLabelValues(typ, "ok").Observe(time.Since(start).Seconds())
	r.logger.Debug("Address lookup successful", "type", typ, "host", name, "addresses", addrs)
	return addrs, nil
}

func (r *Resolver) fail(typ, name string, start time.Time, err *ResolveError) error {
	atomic.AddInt64(&r.failCount, 1)
	metrics.DNSLookup.WithLabelValues(typ, err.Kind.String()).Observe(time.Since(start).Seconds())
	r.logger.Debug("DNS lookup failed", "type", typ, "name", name, "kind", err.Kind, "error", err.Err)
	return err
}

// GetStats returns lookup statistics
func (r *Resolver) GetStats() (lookups, failures int64) {
	return atomic.LoadInt64(&r.lookupCount), atomic.LoadInt64(&r.failCount)
}
