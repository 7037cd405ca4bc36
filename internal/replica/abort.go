package replica

import (
	"github.com/shardguard/shardguard/internal/message"
)

// handleAbort implements spec.md section 4.8: releasing the RTS intent a
// client's read-set installed, nothing more. Unsigned aborts are honored
// unconditionally (the client is trusted to abort its own work); a
// signed abort must carry a signer matching the client id of the abort's
// Timestamp, or it's dropped.
func (r *Replica) handleAbort(a message.Abort) Outcome {
	if a.SignerID != nil && uint64(*a.SignerID) != a.Timestamp.ClientID {
		return Invalid("abort: signer does not match client id")
	}
	for _, entry := range a.ReadSet {
		r.store.RemoveRTS(entry.Key, a.Timestamp)
	}
	return Dropped()
}
