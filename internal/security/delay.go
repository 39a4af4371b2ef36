package security

import (
	"context"
	"time"
)

// FailureDelay is the minimum time an authentication failure response is held
// back to resist timing and enumeration probes.
const FailureDelay = 500 * time.Millisecond

// Delay blocks for FailureDelay or until ctx is done, whichever comes first.
// Call it before writing any authentication failure response.
func Delay(ctx context.Context) {
	t := time.NewTimer(FailureDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
