package ledger

import "time"

// Clock supplies the ledger's notion of now. Readings must be monotonically
// non-decreasing between calls.
type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now().UTC()
}
