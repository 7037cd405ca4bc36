// Package replica implements the core BFT replica engine of spec.md: MVTSO
// optimistic concurrency control, two-phase agreement with a fast path,
// and a view-change fallback. The package depends only on the named
// collaborator interfaces (crypto.Signer/Verifier/KeyManager,
// transport.Transport, partition.Partitioner, truetime.Clock) — never on
// a concrete binding — the same one-way dependency the teacher's Server
// has on *rsa.PrivateKey and net/rpc, generalized to interfaces so every
// collaborator is swappable without touching this package.
package replica

import (
	"time"

	"go.uber.org/zap"

	"github.com/shardguard/shardguard/internal/config"
	"github.com/shardguard/shardguard/internal/crypto"
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/partition"
	"github.com/shardguard/shardguard/internal/quorum"
	"github.com/shardguard/shardguard/internal/store"
	"github.com/shardguard/shardguard/internal/transport"
	"github.com/shardguard/shardguard/internal/truetime"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// waitState is one transaction's outstanding dependency-wait bookkeeping:
// the deps still unresolved, and what's needed to emit the delayed
// Phase1Reply once they all clear (spec.md section 4.4).
type waitState struct {
	deps      map[vts.Digest]struct{}
	requester message.Address
	reqID     string
}

// committedEntry is the arena-indexed record of a committed transaction:
// the transaction itself (Writeback's fast-abort conflict validation
// needs to read a committed txn's read/write sets) plus the proof that
// justified it.
type committedEntry struct {
	txn   txn.Transaction
	proof *txn.CommittedProof
}

// Replica holds every index spec.md section 3 and section 9 names, owned
// exclusively by the single goroutine draining its envelope channel
// (spec.md section 5 and section 9's "single owning struct passed by
// exclusive reference to all handlers" — here, never passed at all,
// since every handler is a method on *Replica called from the one loop
// goroutine).
type Replica struct {
	cfg   config.Config
	part  partition.Partitioner
	trans transport.Transport
	km    crypto.KeyManager
	clock truetime.Clock
	log   *zap.SugaredLogger

	self  crypto.ProcessID
	group txn.GroupID
	sizes quorum.Sizes

	store *store.VersionedStore

	// ongoing is the arena: every transaction this replica has taken
	// ownership of and not yet cleaned up after commit/abort. Every other
	// index below stores a Digest into this map, never a *Transaction,
	// per spec.md section 9's arena-index guidance.
	ongoing map[vts.Digest]*txn.Transaction

	p1Decisions map[vts.Digest]txn.CCResult
	p1Conflicts map[vts.Digest]*txn.CommittedProof

	// preparedWrites/preparedReads are forward indices from key to the
	// digests of transactions with a prepared write/read on that key,
	// resolved through ongoing on demand.
	preparedWrites map[string][]vts.Digest
	preparedReads  map[string][]vts.Digest

	p2Decisions map[vts.Digest]txn.Decision

	committed map[vts.Digest]committedEntry
	aborted   map[vts.Digest]struct{}

	// dependents[D] is the set of digests blocked on D; waitingDependencies[T]
	// is T's own remaining-deps bookkeeping. Two independent forward-indexed
	// maps, no pointer chase between them (spec.md section 9).
	dependents          map[vts.Digest]map[vts.Digest]struct{}
	waitingDependencies map[vts.Digest]*waitState

	currentViews      map[vts.Digest]uint64
	decisionViews     map[vts.Digest]uint64
	writebackMessages map[vts.Digest]*message.Writeback
	interestedClients map[vts.Digest]map[string]message.Address
	clientStartTime   map[vts.Digest]time.Time
	fbTimeoutsStart   map[vts.Digest]time.Time
	expTimeouts       map[vts.Digest]time.Duration
	electQuorum       map[vts.Digest][]message.ElectMessage
	electQuorumView   map[vts.Digest]uint64

	inbox chan message.Envelope
	done  chan struct{}
}

// New builds a Replica for the group/replica identity in cfg, wired to
// its collaborators. Call Run to start the event loop.
func New(cfg config.Config, part partition.Partitioner, trans transport.Transport, km crypto.KeyManager, clock truetime.Clock, log *zap.SugaredLogger) *Replica {
	self := crypto.ProcessID(cfg.GroupIndex*uint64(cfg.GroupSize) + cfg.ReplicaIndex)
	r := &Replica{
		cfg:   cfg,
		part:  part,
		trans: trans,
		km:    km,
		clock: clock,
		log:   log,
		self:  self,
		group: txn.GroupID(cfg.GroupIndex),
		sizes: quorum.Sizes{N: cfg.GroupSize, F: cfg.FaultTolerance},

		store: store.New(),

		ongoing:     make(map[vts.Digest]*txn.Transaction),
		p1Decisions: make(map[vts.Digest]txn.CCResult),
		p1Conflicts: make(map[vts.Digest]*txn.CommittedProof),

		preparedWrites: make(map[string][]vts.Digest),
		preparedReads:  make(map[string][]vts.Digest),

		p2Decisions: make(map[vts.Digest]txn.Decision),

		committed: make(map[vts.Digest]committedEntry),
		aborted:   make(map[vts.Digest]struct{}),

		dependents:          make(map[vts.Digest]map[vts.Digest]struct{}),
		waitingDependencies: make(map[vts.Digest]*waitState),

		currentViews:      make(map[vts.Digest]uint64),
		decisionViews:     make(map[vts.Digest]uint64),
		writebackMessages: make(map[vts.Digest]*message.Writeback),
		interestedClients: make(map[vts.Digest]map[string]message.Address),
		clientStartTime:   make(map[vts.Digest]time.Time),
		fbTimeoutsStart:   make(map[vts.Digest]time.Time),
		expTimeouts:       make(map[vts.Digest]time.Duration),
		electQuorum:       make(map[vts.Digest][]message.ElectMessage),
		electQuorumView:   make(map[vts.Digest]uint64),

		inbox: make(chan message.Envelope, 4096),
		done:  make(chan struct{}),
	}
	trans.Register(r)
	return r
}

// Deliver implements transport.Receiver: it only enqueues, never touches
// replica state, so it's safe to call from any goroutine (spec.md
// section 5).
func (r *Replica) Deliver(env message.Envelope) {
	select {
	case r.inbox <- env:
	case <-r.done:
	}
}

// Run drains the inbox on the calling goroutine until Stop is called.
// This is the single cooperative event loop owning every field on
// Replica; no other goroutine ever reads or writes them.
func (r *Replica) Run() {
	for {
		select {
		case env := <-r.inbox:
			r.handle(env)
		case <-r.done:
			return
		}
	}
}

// Stop terminates the event loop.
func (r *Replica) Stop() {
	close(r.done)
}

// handle is the single dispatch switch spec.md section 9 calls for
// ("tagged sum of message variants with a single match"), generalizing
// the teacher's one-RPC-method-per-type (HandlePrePrepare, HandlePrepare,
// ...) and mirroring talent-plan-tinykv's switch msg.Type dispatch in
// peer_msg_handler.go.
func (r *Replica) handle(env message.Envelope) {
	switch p := env.Payload.(type) {
	case message.Read:
		r.handleRead(env.From, p)
	case message.Phase1:
		r.handlePhase1(env.From, p)
	case message.Phase2:
		r.handlePhase2(env.From, p)
	case message.Writeback:
		r.handleWriteback(p)
	case message.Abort:
		r.handleAbort(p)
	case message.Phase1FB:
		r.handlePhase1FB(env.From, p)
	case message.Phase2FB:
		r.handlePhase2FB(env.From, p)
	case message.InvokeFB:
		r.handleInvokeFB(p)
	case message.ElectFB:
		r.handleElectFB(p)
	case message.DecisionFB:
		r.handleDecisionFB(p)
	default:
		r.log.Debugw("replica: dropping envelope with unknown payload", "kind", env.Kind.String())
	}
}

// digestOf computes t's digest under the configured truncation.
func (r *Replica) digestOf(t *txn.Transaction) vts.Digest {
	return t.Digest(r.cfg.HashDigest)
}

// highWatermark is the local clock plus the configured slack (spec.md
// section 4.2 step 1, section 4.3's high-watermark abstain check).
func (r *Replica) highWatermark() vts.Timestamp {
	now := r.clock.Now()
	return vts.Timestamp{Logical: now.Logical + uint64(r.cfg.TimeDelta().Milliseconds()), ClientID: now.ClientID}
}

// addInterestedClient records addr as interested in digest's eventual
// decision, deduplicated by the cloned address's Net dial string
// (addressKey) (DESIGN.md's resolution of the "duplicate interestedClients
// insert" Open Question: a map keyed by the cloned address sidesteps the
// ambiguity entirely — re-adding an address with the same Net is a no-op,
// not a second distinct interest).
func (r *Replica) addInterestedClient(digest vts.Digest, addr message.Address) {
	cloned := r.trans.Clone(addr)
	set, ok := r.interestedClients[digest]
	if !ok {
		set = make(map[string]message.Address)
		r.interestedClients[digest] = set
	}
	set[addressKey(cloned)] = cloned
}

func addressKey(addr message.Address) string {
	return addr.Net
}

func (r *Replica) interestedAddrs(digest vts.Digest) []message.Address {
	set := r.interestedClients[digest]
	out := make([]message.Address, 0, len(set))
	for _, a := range set {
		out = append(out, a)
	}
	return out
}

// startClientTimer records client_starttime[digest] if not already set
// (spec.md section 4.3: "If not WAIT, start client_starttime[digest] if
// missing").
func (r *Replica) startClientTimer(digest vts.Digest) {
	if _, ok := r.clientStartTime[digest]; !ok {
		r.clientStartTime[digest] = time.Now()
	}
}

// clean removes every prepared/ongoing trace of digest after it commits
// or aborts (spec.md section 4.6), leaving only the committed/aborted
// record behind.
func (r *Replica) clean(digest vts.Digest) {
	t, ok := r.ongoing[digest]
	if ok {
		for _, k := range t.WriteKeys() {
			r.removeFromIndex(r.preparedWrites, k, digest)
		}
		for _, k := range t.ReadKeys() {
			r.removeFromIndex(r.preparedReads, k, digest)
		}
	}
	delete(r.ongoing, digest)
	delete(r.p1Decisions, digest)
	delete(r.p1Conflicts, digest)
	delete(r.waitingDependencies, digest)
	delete(r.dependents, digest)
}

func (r *Replica) removeFromIndex(index map[string][]vts.Digest, key string, digest vts.Digest) {
	digests := index[key]
	for i, d := range digests {
		if d == digest {
			index[key] = append(digests[:i], digests[i+1:]...)
			break
		}
	}
	if len(index[key]) == 0 {
		delete(index, key)
	}
}
