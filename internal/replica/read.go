package replica

import (
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// handleRead implements spec.md section 4.2: MVCC read with prepared
// piggyback.
func (r *Replica) handleRead(from message.Address, req message.Read) Outcome {
	if req.Ts.Compare(r.highWatermark()) > 0 {
		return Dropped()
	}

	reply := message.ReadReply{ReqID: req.ReqID, Key: req.Key, Ts: req.Ts}

	if ts, value, ok := r.store.Get(req.Key, req.Ts); ok {
		reply.Found = true
		reply.Value = value
		reply.Ts = ts
		if entry, ok := r.committedEntryFor(req.Key, ts); ok {
			reply.Proof = entry.proof
		}
	}

	r.store.RecordRead(req.Key, req.Ts)

	if prepared, ok := r.latestPreparedWrite(req.Key); ok {
		reply.Prepared = prepared
	}

	if r.cfg.SignedMessages && (reply.Found || reply.Prepared != nil) {
		if sig, err := r.km.Sign(r.self, readSignatureData(reply)); err == nil {
			reply.Sig = &txn.Signature{ProcessID: uint64(r.self), Bytes: sig}
		}
	}

	r.trans.Send(from, message.Envelope{Kind: message.KindReadReply, Payload: reply})
	return Decision(txn.CCCommit)
}

// committedEntryFor finds the committed transaction record whose write to
// key produced version ts, scanning r.committed. This is a minority-path
// lookup (only needed to attach a CommittedProof) so a linear scan over
// committed entries touching key is acceptable; callers needing it on
// every read should keep a key->digest index if this becomes hot.
func (r *Replica) committedEntryFor(key string, ts vts.Timestamp) (committedEntry, bool) {
	for _, entry := range r.committed {
		for _, w := range entry.txn.WriteSet {
			if w.Key == key && entry.txn.Timestamp.Compare(ts) == 0 {
				return entry, true
			}
		}
	}
	return committedEntry{}, false
}

// latestPreparedWrite returns the piggyback for the prepared write with
// the greatest timestamp on key, honoring MaxDepDepth (spec.md section
// 4.2 step 4; config.DisableDepDepth turns this off entirely).
func (r *Replica) latestPreparedWrite(key string) (*message.PreparedPiggyback, bool) {
	if r.cfg.MaxDepDepth == -2 {
		return nil, false
	}
	digests := r.preparedWrites[key]
	var best *txn.Transaction
	var bestDigest vts.Digest
	for _, d := range digests {
		t, ok := r.ongoing[d]
		if !ok {
			continue
		}
		if best == nil || t.Timestamp.Compare(best.Timestamp) > 0 {
			best, bestDigest = t, d
		}
	}
	if best == nil {
		return nil, false
	}
	if r.cfg.MaxDepDepth >= 0 && r.dependencyDepth(bestDigest) > r.cfg.MaxDepDepth {
		return nil, false
	}
	var value []byte
	for _, w := range best.WriteSet {
		if w.Key == key {
			value = w.Value
			break
		}
	}
	return &message.PreparedPiggyback{Value: value, Ts: best.Timestamp, TxnDigest: bestDigest}, true
}

// dependencyDepth is the longest chain of prepared (not yet committed)
// dependencies rooted at digest, used to cap piggyback depth.
func (r *Replica) dependencyDepth(digest vts.Digest) int {
	t, ok := r.ongoing[digest]
	if !ok {
		return 0
	}
	max := 0
	for _, dep := range t.Deps {
		if _, committed := r.committed[dep.PreparedWrite.TxnDigest]; committed {
			continue
		}
		if d := 1 + r.dependencyDepth(dep.PreparedWrite.TxnDigest); d > max {
			max = d
		}
	}
	return max
}

func readSignatureData(reply message.ReadReply) []byte {
	return []byte("<READ-REPLY," + reply.Key + "," + reply.Ts.String() + ">")
}
