package strategos

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Backoff configures retry delays for orchestrator calls.
type Backoff struct {
	InitialDelayMS int
	Factor         float64
	MaxDelayMS     int
	Jitter         bool
	MaxAttempts    int
}

func (b Backoff) withDefaults() Backoff {
	if b.InitialDelayMS <= 0 {
		b.InitialDelayMS = 200
	}
	if b.Factor <= 0 {
		b.Factor = 2.0
	}
	if b.MaxDelayMS <= 0 {
		b.MaxDelayMS = 60_000
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 4
	}
	return b
}

// DelayForAttempt computes the delay before retry number attempt
// (1-indexed). Jitter is seeded so identical inputs give identical delays
// and tests stay deterministic.
func DelayForAttempt(attempt int, cfg Backoff, jitterSeed string) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelayMS <= 0 {
		return 0
	}
	baseMS := float64(cfg.InitialDelayMS) * math.Pow(cfg.Factor, float64(attempt-1))
	if cfg.MaxDelayMS > 0 {
		baseMS = math.Min(baseMS, float64(cfg.MaxDelayMS))
	}
	if cfg.Jitter {
		baseMS *= 0.5 + jitterUnit(jitterSeed) // [0.5, 1.5]
	}
	if baseMS < 0 {
		baseMS = 0
	}
	return time.Duration(baseMS * float64(time.Millisecond))
}

func jitterUnit(seed string) float64 {
	sum := sha256.Sum256([]byte(seed))
	u := binary.BigEndian.Uint64(sum[:8])
	return float64(u) / float64(^uint64(0))
}

// retryAfterError carries a server-requested delay alongside the
// classified fault.
type retryAfterError struct {
	err   error
	after time.Duration
}

func (e *retryAfterError) Error() string { return e.err.Error() }
func (e *retryAfterError) Unwrap() error { return e.err }

func withRetryAfter(err error, header string) error {
	d := parseRetryAfter(header)
	if d <= 0 {
		return err
	}
	return &retryAfterError{err: err, after: d}
}

func retryAfterIn(err error) time.Duration {
	var ra *retryAfterError
	if errors.As(err, &ra) {
		return ra.after
	}
	return 0
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
