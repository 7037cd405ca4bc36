// Package message defines the wire-level protocol messages (spec.md
// section 6's "message family") and the tagged-sum Envelope that carries
// them through a Replica's single dispatch switch (spec.md section 9's
// "Polymorphic message dispatch" note). This generalizes the teacher's
// one-RPC-method-per-message-type shape (HandlePrePrepare, HandlePrepare,
// ...) and talent-plan-tinykv's message.Msg{Type, Data} into a single Kind
// + any payload, matched once in internal/replica.Replica.handle.
package message

import (
	"github.com/google/uuid"

	"github.com/shardguard/shardguard/internal/crypto"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// Kind tags the payload carried by an Envelope.
type Kind int

const (
	KindRead Kind = iota
	KindReadReply
	KindPhase1
	KindPhase1Reply
	KindRelayP1
	KindPhase2
	KindPhase2Reply
	KindWriteback
	KindAbort
	KindPhase1FB
	KindPhase1FBReply
	KindPhase2FB
	KindPhase2FBReply
	KindInvokeFB
	KindElectFB
	KindDecisionFB
)

func (k Kind) String() string {
	names := [...]string{
		"Read", "ReadReply", "Phase1", "Phase1Reply", "RelayP1",
		"Phase2", "Phase2Reply", "Writeback", "Abort",
		"Phase1FB", "Phase1FBReply", "Phase2FB", "Phase2FBReply",
		"InvokeFB", "ElectFB", "DecisionFB",
	}
	if int(k) < 0 || int(k) >= len(names) {
		return "Unknown"
	}
	return names[k]
}

// Address identifies a message's originator or destination: an opaque
// string the configured transport.Transport resolves, plus the group and
// replica index it names (spec.md section 6's `clone(addr)` requirement
// is satisfied by Address's value semantics — copying one is cloning it).
type Address struct {
	Net     string
	Group   txn.GroupID
	Replica uint64
}

// NewReqID mints a fresh request id, the way every client-facing message
// in spec.md section 4 carries one (grounded on final_lab3's existing
// github.com/google/uuid dependency).
func NewReqID() string {
	return uuid.NewString()
}

// Envelope is the single value every Transport delivers to a Replica: a
// Kind discriminator plus the concrete payload, matched in one switch at
// the dispatch boundary instead of one virtual method per message type.
type Envelope struct {
	Kind    Kind
	From    Address
	Payload any
}

// Read is the Phase-4.2 read request.
type Read struct {
	ReqID string
	Key   string
	Ts    vts.Timestamp
}

// PreparedPiggyback is the optional prepared-write hint a ReadReply
// attaches (spec.md section 4.2 step 4).
type PreparedPiggyback struct {
	Value     []byte
	Ts        vts.Timestamp
	TxnDigest vts.Digest
}

// ReadReply answers a Read: the greatest committed version <= ts (if any),
// its CommittedProof, and an optional prepared-write piggyback.
type ReadReply struct {
	ReqID    string
	Key      string
	Found    bool
	Value    []byte
	Ts       vts.Timestamp
	Proof    *txn.CommittedProof
	Prepared *PreparedPiggyback
	Sig      *txn.Signature // signer + signature bytes, when signedMessages is on
}

// Phase1 is the Phase-1/OCC request (spec.md section 4.3).
type Phase1 struct {
	ReqID string
	Txn   txn.Transaction
}

// Phase1Reply is the OCC outcome for one digest from one replica.
type Phase1Reply struct {
	ReqID   string
	Digest  vts.Digest
	Result  txn.CCResult
	Conflict *txn.CommittedProof // only set on CCAbort
	Sig     txn.Signature
}

// RelayP1 is emitted when a dependency is unknown locally, so the
// requester can orchestrate a fallback (spec.md section 4.3 step 4): the
// blocking transaction's prepared-write witness, the same shape a
// Dependency carries.
type RelayP1 struct {
	Digest   vts.Digest
	Blocking txn.PreparedWrite
}

// GroupedP1Sigs is one group's signature set over a proposed Phase-2
// decision, the form Phase2 and Writeback both carry.
type GroupedP1Sigs struct {
	Group txn.GroupID
	Sigs  []txn.Signature
}

// Phase2 is the cross-shard decision request (spec.md section 4.5).
type Phase2 struct {
	ReqID       string
	Digest      vts.Digest
	Txn         *txn.Transaction // nil when the replica already has it in ongoing
	Decision    txn.Decision
	GroupedSigs []GroupedP1Sigs
}

// Phase2Reply answers a Phase2 request.
type Phase2Reply struct {
	ReqID    string
	Digest   vts.Digest
	Decision txn.Decision
	View     uint64
	Sig      txn.Signature
}

// Writeback finalizes a transaction at every owned replica (spec.md
// section 4.6).
type Writeback struct {
	Digest   vts.Digest
	Decision txn.Decision
	View     uint64
	P1Sigs   []GroupedP1Sigs  // fast commit
	P2Sigs   []txn.Signature  // slow commit or abort via P2
	Conflict *txn.Transaction // fast abort
}

// Abort is the unauthenticated client-initiated abort (spec.md section
// 4.8). Timestamp is the aborting transaction's own timestamp — the
// value read.go's RecordRead installed into rts[key] for every key in
// ReadSet, and so the value that must be removed to release it.
type Abort struct {
	Digest    vts.Digest
	Timestamp vts.Timestamp
	ReadSet   []txn.ReadEntry
	SignerID  *crypto.ProcessID // must equal Timestamp.ClientID when present
	ClientID  uint64
}

// AttachedView is the signed view witness every Phase1FB/Phase2FB reply
// carries.
type AttachedView struct {
	CurrentView uint64
	ReplicaID   uint64
	Digest      vts.Digest
	Sig         txn.Signature
}

// Phase1FB asks a logging-shard replica for its current progress on a
// stuck digest (spec.md section 4.7).
type Phase1FB struct {
	ReqID string
	Digest vts.Digest
	Txn    txn.Transaction
}

// Phase1FBReply carries whichever of the four Phase1FB cases applied.
type Phase1FBReply struct {
	ReqID       string
	Digest      vts.Digest
	Writeback   *Writeback
	P1Result    *txn.CCResult
	P1Conflict  *txn.CommittedProof
	P2Decision  *txn.Decision
	View        AttachedView
}

// Phase2FB establishes a Phase-2 decision where the replica has none yet.
type Phase2FB struct {
	ReqID       string
	Digest      vts.Digest
	P2Replies   []Phase2Reply   // >= f+1 signed, agreeing replies
	GroupedSigs []GroupedP1Sigs // a valid P1 quorum, same shape as Phase2
}

// Phase2FBReply answers a Phase2FB request.
type Phase2FBReply struct {
	ReqID    string
	Digest   vts.Digest
	Decision txn.Decision
	View     AttachedView
	Sig      txn.Signature
}

// CurrentViewCert is one signed witness that a replica is at view >= some
// threshold for digest, used by InvokeFB's view-signature verification
// step.
type CurrentViewCert struct {
	ReplicaID uint64
	View      uint64
	Digest    vts.Digest
	Sig       txn.Signature
}

// InvokeFB proposes a new fallback view for digest. P2Replies/GroupedSigs
// optionally carry whatever evidence the invoker already collected, so
// InvokeFB's step 5 ("install a P2 decision via the inlined Phase2FB, if
// none exists locally") has something to validate against without a
// second round trip.
type InvokeFB struct {
	Digest      vts.Digest
	NewView     uint64
	Catchup     bool // true selects the f+1 threshold, false the 3f+1 threshold
	ViewCerts   []CurrentViewCert
	P2Replies   []Phase2Reply
	GroupedSigs []GroupedP1Sigs
}

// ElectMessage is the signed per-replica vote InvokeFB sends to the new
// view's coordinator.
type ElectMessage struct {
	ReqID    string
	Digest   vts.Digest
	Decision txn.Decision
	View     uint64
	Sig      txn.Signature
}

// ElectFB is the envelope payload carrying one ElectMessage to the
// coordinator.
type ElectFB struct {
	Elect ElectMessage
}

// DecisionFB broadcasts the coordinator's formed decision with the
// collected elect-quorum signatures as its witness.
type DecisionFB struct {
	Digest   vts.Digest
	Decision txn.Decision
	View     uint64
	Elects   []ElectMessage
}
