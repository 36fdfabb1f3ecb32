package core

import (
	"context"
	"fmt"
	"time"

	"github.com/cyberinferno/telemetry-core/cacher"
	"github.com/cyberinferno/telemetry-core/logger"
)

// dedupWarnLogger wraps a Logger so repeated Warn calls that share the same
// message and connection_id (or peer) field within ttl are collapsed to one;
// a Warn carrying neither field is keyed on its message alone. Per
// SPEC_FULL §7: a misbehaving client retrying "oversized dataframe" or
// "unknown pairing id" in a loop must not flood the operator's logs. Only
// Warn is throttled; every other level and method passes through to the
// wrapped Logger unchanged.
type dedupWarnLogger struct {
	logger.Logger
	cache cacher.Cacher[bool]
	ttl   time.Duration
}

func newDedupWarnLogger(l logger.Logger, ttl time.Duration) *dedupWarnLogger {
	return &dedupWarnLogger{
		Logger: l,
		cache:  cacher.NewMemoryCacher[bool](ttl, 2*ttl),
		ttl:    ttl,
	}
}

// Warn logs msg at most once per ttl for a given (msg, connection_id or peer) pair.
func (l *dedupWarnLogger) Warn(msg string, fields ...logger.Field) {
	key := msg
	for _, f := range fields {
		if f.Key == "connection_id" || f.Key == "peer" {
			key = fmt.Sprintf("%s:%v", msg, f.Value)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, _ = l.cache.GetOrFetch(ctx, key, l.ttl, func(context.Context) (bool, error) {
		l.Logger.Warn(msg, fields...)
		return true, nil
	})
}
