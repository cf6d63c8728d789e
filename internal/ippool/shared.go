package ippool

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/pawciobiel/golubrelay/internal/metrics"
)

// Counter is an atomic counter shared between relay processes.
type Counter interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
}

// Shared rotates through the same address lists as Static, but keeps the
// position in Redis so every relay process continues the same sequence.
// When Redis is unreachable it falls back to the local rotation.
type Shared struct {
	local   *Static
	counter Counter
	prefix  string
	logger  *slog.Logger
}

// NewShared creates a Redis backed pool
func NewShared(local *Static, counter Counter, prefix string, logger *slog.Logger) *Shared {
	if logger == nil {
		logger = slog.Default()
	}
	return &Shared{local: local, counter: counter, prefix: prefix, logger: logger}
}

func (s *Shared) key(family string) string {
	return fmt.Sprintf("%s:ippool:%s", s.prefix, family)
}

func (s *Shared) IPv4(ctx context.Context) (string, error) {
	return s.pick(ctx, "ipv4", s.local.ipv4, AnyIPv4, s.local.IPv4)
}

func (s *Shared) IPv6(ctx context.Context) (string, error) {
	return s.pick(ctx, "ipv6", s.local.ipv6, AnyIPv6, s.local.IPv6)
}

func (s *Shared) pick(ctx context.Context, family string, addrs []string, unspecified string, local func(context.Context) (string, error)) (string, error) {
	if len(addrs) == 0 {
		return unspecified, nil
	}
	n, err := s.counter.Incr(ctx, s.key(family)).Result()
	if err != nil {
		s.logger.Warn("Shared address rotation unavailable, using local rotation", "family", family, "error", err)
		return local(ctx)
	}
	metrics.SourceAddress.WithLabelValues(family, "shared").Inc()
	return addrs[uint64(n-1)%uint64(len(addrs))], nil
}
