package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/minigames-dev/scoreguard/internal/errors"
)

const (
	// DefaultLimit / DefaultWindow cap submission attempts per client
	// address, sized to blunt signature brute-forcing without bothering a
	// human replaying a browser game.
	DefaultLimit  = 10
	DefaultWindow = time.Minute

	// fallbackBucket is charged when the client address is unknown, so
	// unidentified clients share one global budget instead of bypassing
	// limiting.
	fallbackBucket = "unknown"
)

type Config struct {
	Redis  redis.UniversalClient
	Prefix string
	Limit  int
	Window time.Duration
}

// Limiter counts submission attempts per client address in fixed windows.
// Counters live in redis with the window as TTL, so they reset on their own
// and survive nothing they shouldn't.
type Limiter struct {
	redis  redis.UniversalClient
	prefix string
	limit  int
	window time.Duration
}

func NewLimiter(c Config) *Limiter {
	l := &Limiter{
		redis:  c.Redis,
		prefix: c.Prefix,
		limit:  c.Limit,
		window: c.Window,
	}

	if l.limit <= 0 {
		l.limit = DefaultLimit
	}
	if l.window <= 0 {
		l.window = DefaultWindow
	}

	return l
}

// Allow charges one attempt against addr's window and reports whether the
// attempt is within the limit. The counter is incremented whether or not the
// attempt is allowed, so window consumption is monotonic.
func (l *Limiter) Allow(ctx context.Context, addr string) (bool, error) {
	if addr == "" {
		addr = fallbackBucket
	}
	key := fmt.Sprintf("%s:ratelimit:%s", l.prefix, addr)

	// One atomic round trip. EXPIRE NX starts the window on the first
	// attempt and repairs any counter that lost its TTL, so a key can
	// never sit there rate-limiting an address forever.
	var incr *redis.IntCmd
	_, err := l.redis.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, key)
		p.ExpireNX(ctx, key, l.window)
		return nil
	})
	if err != nil {
		return false, errors.New(errors.CodeUnavailable,
			errors.WithMessagef("rate limit store unavailable"),
			errors.WithCause(err))
	}

	return incr.Val() <= int64(l.limit), nil
}
