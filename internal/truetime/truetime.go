// Package truetime names the TrueTime collaborator (spec.md section 6):
// `now() -> Timestamp`. Real TrueTime uncertainty bounds are out of scope
// per spec.md section 1; this package only has to produce a monotonically
// sensible Logical component for the high-watermark checks in section 4.2
// and 4.3.
package truetime

import (
	"sync/atomic"
	"time"

	"github.com/shardguard/shardguard/internal/vts"
)

// Clock produces the local replica's notion of the current Timestamp.
type Clock interface {
	Now() vts.Timestamp
}

// SystemClock wraps time.Now into a Timestamp: Logical is milliseconds
// since the Unix epoch, the unit the replica's high watermark adds
// Config.TimeDeltaMS in; ClientID breaks ties between equal readings.
type SystemClock struct {
	clientID uint64
}

// NewSystemClock returns a Clock that stamps every Timestamp with
// clientID, the calling replica's own process id.
func NewSystemClock(clientID uint64) SystemClock {
	return SystemClock{clientID: clientID}
}

func (c SystemClock) Now() vts.Timestamp {
	return vts.Timestamp{Logical: uint64(time.Now().UnixMilli()), ClientID: c.clientID}
}

// FixedClock is a test double that returns a caller-controlled Timestamp,
// advanced explicitly via Advance. Grounded on the pack's habit of using a
// manually-stepped clock double in deterministic protocol tests (the same
// role talent-plan-tinykv's mock PD client plays for its scheduler tests).
type FixedClock struct {
	logical *uint64
	client  uint64
}

// NewFixedClock returns a FixedClock starting at logical for client.
func NewFixedClock(logical, client uint64) *FixedClock {
	l := logical
	return &FixedClock{logical: &l, client: client}
}

func (c *FixedClock) Now() vts.Timestamp {
	return vts.Timestamp{Logical: atomic.LoadUint64(c.logical), ClientID: c.client}
}

// Advance moves the clock's logical component forward by delta and
// returns the new Timestamp.
func (c *FixedClock) Advance(delta uint64) vts.Timestamp {
	v := atomic.AddUint64(c.logical, delta)
	return vts.Timestamp{Logical: v, ClientID: c.client}
}
