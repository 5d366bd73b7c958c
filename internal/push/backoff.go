package push

import "time"

// Reconnect delay bounds. Fixed by contract: 1s floor, doubling to a 30s
// ceiling, reset to the floor on every successful connect.
const (
	backoffFloor   = 1 * time.Second
	backoffCeiling = 30 * time.Second
)

// backoff computes successive reconnect delays. Not safe for concurrent
// use; owned by the client's single run loop.
type backoff struct {
	next time.Duration
}

func newBackoff() *backoff {
	return &backoff{next: backoffFloor}
}

// Next returns the delay to wait before the upcoming attempt and advances
// the schedule: 1s, 2s, 4s, ... capped at 30s.
func (b *backoff) Next() time.Duration {
	d := b.next
	b.next *= 2
	if b.next > backoffCeiling {
		b.next = backoffCeiling
	}
	return d
}

// Reset returns the schedule to the floor after a successful connect.
func (b *backoff) Reset() {
	b.next = backoffFloor
}
