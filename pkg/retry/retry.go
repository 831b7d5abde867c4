// Package retry implements the small retry-policy helper spec.md section 9
// calls for: a list of delays and a labelled operation, replacing exceptions
// as retry control flow. No retry library appears anywhere in the reference
// corpus (grep across the retrieved examples found none), so this is
// implemented directly on the standard library, structured-logging each
// attempt through the caller-supplied logger.
package retry

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Policy is an ordered list of delays to wait between attempts. len(Delays)+1
// is the maximum number of attempts.
type Policy struct {
	Delays []time.Duration
}

// NewExponential builds a policy of n delays starting at base and doubling,
// the shape storage.retries.retryDelays and database.retries.delaysMilliseconds
// take in spec.md section 6.
func NewExponential(base time.Duration, n int) Policy {
	delays := make([]time.Duration, n)
	d := base
	for i := range delays {
		delays[i] = d
		d *= 2
	}
	return Policy{Delays: delays}
}

// MaxAttempts is len(Delays)+1, the cap spec.md section 4.4 uses for the
// inference-request tryCount comparison.
func (p Policy) MaxAttempts() int { return len(p.Delays) + 1 }

// Do runs op, retrying on error per the policy's delays. log, if non-nil,
// gets one structured event per attempt. It gives up early if ctx is done.
func Do(ctx context.Context, log *zerolog.Logger, label string, p Policy, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = op(ctx)
		if err == nil {
			return nil
		}
		if log != nil {
			log.Warn().Err(err).Str("op", label).Int("attempt", attempt).Msg("retry attempt failed")
		}
		if attempt >= len(p.Delays) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.Delays[attempt]):
		}
	}
}
