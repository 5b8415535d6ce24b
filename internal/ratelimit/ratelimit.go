// Package ratelimit enforces tiered hourly quotas. Windows are fixed
// wall-clock hour buckets: a request at minute 59 and one at minute 61
// land in different buckets. That trade-off (over a sliding log) keeps
// the counter a single small map.
package ratelimit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/audrey/textai-server/internal/config"
	"github.com/audrey/textai-server/internal/store"
)

const (
	storeID      = "rate_windows"
	bucketFormat = "2006-01-02T15"
)

// Decision is the outcome of a quota check.
type Decision struct {
	Allowed    bool  `json:"allowed"`
	Limit      int   `json:"limit"`
	Remaining  int   `json:"remaining"`
	ResetEpoch int64 `json:"reset_epoch_seconds"`
	// RetryAfter is seconds until the bucket rolls over; only set when
	// the request was denied.
	RetryAfter int `json:"retry_after_seconds,omitempty"`
}

// Limiter tracks request counts per (identity, hour bucket) in the
// "rate_windows" store.
type Limiter struct {
	store     store.Store
	limits    config.RateLimitsConfig
	retention time.Duration

	// now is the clock; swapped out by tests.
	now func() time.Time
}

// NewLimiter creates a limiter with the configured tier ceilings.
func NewLimiter(s store.Store, limits config.RateLimitsConfig) *Limiter {
	retention := time.Duration(limits.RetentionHours) * time.Hour
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &Limiter{
		store:     s,
		limits:    limits,
		retention: retention,
		now:       time.Now,
	}
}

func bucketKey(identity string, t time.Time) string {
	return identity + "|" + t.UTC().Format(bucketFormat)
}

func bucketEnd(t time.Time) time.Time {
	return t.UTC().Truncate(time.Hour).Add(time.Hour)
}

func decode(snapshot []byte) (map[string]int, error) {
	counters := make(map[string]int)
	if len(snapshot) == 0 {
		return counters, nil
	}
	if err := json.Unmarshal(snapshot, &counters); err != nil {
		return nil, fmt.Errorf("failed to decode rate_windows store: %w", err)
	}
	return counters, nil
}

// CheckAndConsume admits the request if the identity is under its
// tier ceiling for the current bucket, incrementing the counter in the
// same atomic transform. Two racing requests can therefore never both
// squeeze past the ceiling.
func (l *Limiter) CheckAndConsume(ctx context.Context, identity, tier string) (Decision, error) {
	now := l.now()
	limit := l.limits.Limit(tier)
	reset := bucketEnd(now)
	key := bucketKey(identity, now)

	dec := Decision{
		Limit:      limit,
		ResetEpoch: reset.Unix(),
	}

	_, err := l.store.Modify(ctx, storeID, func(current []byte) ([]byte, error) {
		counters, err := decode(current)
		if err != nil {
			return nil, err
		}

		l.prune(counters, now)

		count := counters[key]
		if count >= limit {
			dec.Allowed = false
			dec.Remaining = 0
			dec.RetryAfter = int(math.Ceil(reset.Sub(now).Seconds()))
		} else {
			dec.Allowed = true
			dec.Remaining = limit - count - 1
			counters[key] = count + 1
		}
		return json.Marshal(counters)
	})
	if err != nil {
		return Decision{}, err
	}
	return dec, nil
}

// Remaining reports how many requests the identity has left in the
// current bucket without consuming one.
func (l *Limiter) Remaining(ctx context.Context, identity, tier string) (Decision, error) {
	now := l.now()
	limit := l.limits.Limit(tier)

	snapshot, err := l.store.Read(ctx, storeID)
	if err != nil {
		return Decision{}, err
	}
	counters, err := decode(snapshot)
	if err != nil {
		return Decision{}, err
	}

	remaining := limit - counters[bucketKey(identity, now)]
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:    remaining > 0,
		Limit:      limit,
		Remaining:  remaining,
		ResetEpoch: bucketEnd(now).Unix(),
	}, nil
}

// prune drops buckets past the retention horizon. Runs inside a Modify
// pass, piggybacking on writes that are happening anyway. The current
// bucket is never eligible: its end is in the future.
func (l *Limiter) prune(counters map[string]int, now time.Time) {
	horizon := now.Add(-l.retention)
	for key := range counters {
		sep := strings.LastIndexByte(key, '|')
		if sep < 0 {
			delete(counters, key)
			continue
		}
		start, err := time.Parse(bucketFormat, key[sep+1:])
		if err != nil {
			delete(counters, key)
			continue
		}
		if start.Add(time.Hour).Before(horizon) {
			delete(counters, key)
		}
	}
}
