package subscription

import "time"

// Backoff is a bounded exponential retry delay for failed chunk fetches.
// It is used from the polling goroutine only.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64

	current time.Duration
}

func DefaultBackoff() Backoff {
	return Backoff{Initial: 500 * time.Millisecond, Max: 30 * time.Second, Factor: 2}
}

func (b Backoff) withDefaults() Backoff {
	d := DefaultBackoff()
	if b.Initial <= 0 {
		b.Initial = d.Initial
	}
	if b.Max <= 0 {
		b.Max = d.Max
	}
	if b.Max < b.Initial {
		b.Max = b.Initial
	}
	if b.Factor < 1 {
		b.Factor = d.Factor
	}
	return b
}

// Next returns the delay before the next attempt and grows the following one.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Initial
	}
	d := b.current
	grown := time.Duration(float64(b.current) * b.Factor)
	if grown > b.Max || grown <= 0 {
		grown = b.Max
	}
	b.current = grown
	return d
}

func (b *Backoff) Reset() { b.current = 0 }
