package retry

import (
	"encoding/binary"
	"hash/fnv"
	"time"

	"github.com/google/uuid"

	"github.com/aura-webinar/recording-sync/internal/models"
)

// tierMultipliers are the stepped backoff tiers relative to the base delay
// (1m, 5m, 15m, 1h, 2h, 4h with a one-minute base).
var tierMultipliers = []int64{1, 5, 15, 60, 120, 240}

const defaultJitter = 0.1

// Policy decides when a failed upload may be attempted again.
type Policy struct {
	Base        time.Duration
	Ceiling     time.Duration
	MaxAttempts int
	Jitter      float64
}

// NewPolicy returns a policy with ±10% jitter.
func NewPolicy(base, ceiling time.Duration, maxAttempts int) *Policy {
	if base <= 0 {
		base = time.Minute
	}
	if ceiling < base {
		ceiling = base
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Policy{
		Base:        base,
		Ceiling:     ceiling,
		MaxAttempts: maxAttempts,
		Jitter:      defaultJitter,
	}
}

func (p *Policy) tier(attempts int) time.Duration {
	idx := attempts
	if idx < 0 {
		idx = 0
	}
	if idx >= len(tierMultipliers) {
		idx = len(tierMultipliers) - 1
	}
	d := p.Base * time.Duration(tierMultipliers[idx])
	if d > p.Ceiling {
		d = p.Ceiling
	}
	return d
}

// bounds returns the jitter window for a tier. Windows never overlap the next
// tier's window, so delays are non-decreasing in attempts whatever the jitter.
func (p *Policy) bounds(attempts int) (lo, hi time.Duration) {
	t := p.tier(attempts)
	next := p.tier(attempts + 1)
	j := p.Jitter
	lo = time.Duration(float64(t) * (1 - j))
	hi = time.Duration(float64(t) * (1 + j))
	if next > t {
		if nextLo := time.Duration(float64(next) * (1 - j)); hi > nextLo {
			hi = nextLo
		}
	} else {
		hi = t
	}
	if hi > p.Ceiling {
		hi = p.Ceiling
	}
	if attempts > 0 && p.tier(attempts-1) == t {
		lo = t
	}
	if lo > hi {
		lo = hi
	}
	return lo, hi
}

// BackoffDelay returns the wait before the next attempt after the given number
// of attempts. The jitter is derived from the row and attempt count, so every
// poll of the same row sees the same deadline.
func (p *Policy) BackoffDelay(id uuid.UUID, attempts int) time.Duration {
	lo, hi := p.bounds(attempts)
	return lo + time.Duration(jitterFraction(id, attempts)*float64(hi-lo))
}

// Floors returns the shortest possible wait per attempt count, indexed by
// attempts. The last entry holds for every higher count.
func (p *Policy) Floors() []time.Duration {
	out := make([]time.Duration, len(tierMultipliers)+1)
	for i := range out {
		out[i], _ = p.bounds(i)
	}
	return out
}

// IsReadyForRetry reports whether a queued row is out of its backoff window.
func (p *Policy) IsReadyForRetry(rec *models.Recording, now time.Time) bool {
	if rec.UploadAttempts == 0 {
		return true
	}
	return now.Sub(rec.UpdatedAt) >= p.BackoffDelay(rec.ID, rec.UploadAttempts)
}

// jitterFraction maps (id, attempts) onto [0, 1).
func jitterFraction(id uuid.UUID, attempts int) float64 {
	h := fnv.New64a()
	_, _ = h.Write(id[:])
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(attempts))
	_, _ = h.Write(n[:])
	return float64(h.Sum64()>>11) / (1 << 53)
}

// ShouldRetry reports whether a failure after the given attempt count gets another try.
func (p *Policy) ShouldRetry(attempts int, err error) bool {
	return attempts < p.MaxAttempts && !IsPermanentError(err)
}
