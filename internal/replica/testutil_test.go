package replica

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shardguard/shardguard/internal/config"
	"github.com/shardguard/shardguard/internal/crypto"
	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/partition"
	"github.com/shardguard/shardguard/internal/transport"
	"github.com/shardguard/shardguard/internal/truetime"
	"github.com/shardguard/shardguard/internal/txn"
	"github.com/shardguard/shardguard/internal/vts"
)

// sentEnvelope records one fakeTransport.Send/SendReplica/SendGroup call.
type sentEnvelope struct {
	to  message.Address
	env message.Envelope
}

// fakeTransport is an in-memory transport.Transport double: it records
// every outbound envelope instead of dialing anywhere, the way talent-
// plan-tinykv's test harness swaps a real RaftClient for a channel-backed
// one.
type fakeTransport struct {
	sent   []sentEnvelope
	recv   transport.Receiver
	timers []func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (f *fakeTransport) Send(addr message.Address, env message.Envelope) error {
	f.sent = append(f.sent, sentEnvelope{to: addr, env: env})
	return nil
}

func (f *fakeTransport) SendReplica(group txn.GroupID, replica uint64, env message.Envelope) error {
	f.sent = append(f.sent, sentEnvelope{to: message.Address{Group: group, Replica: replica}, env: env})
	return nil
}

func (f *fakeTransport) SendGroup(group txn.GroupID, env message.Envelope) error {
	f.sent = append(f.sent, sentEnvelope{to: message.Address{Group: group}, env: env})
	return nil
}

func (f *fakeTransport) Register(r transport.Receiver) { f.recv = r }

func (f *fakeTransport) Timer(delay time.Duration, fn func()) transport.Timer {
	f.timers = append(f.timers, fn)
	return noopTimer{}
}

func (f *fakeTransport) Clone(addr message.Address) message.Address { return addr }

type noopTimer struct{}

func (noopTimer) Stop() bool { return true }

var _ transport.Transport = (*fakeTransport)(nil)

// kindsSent returns the Kind of every envelope sent so far, in order.
func (f *fakeTransport) kindsSent() []message.Kind {
	out := make([]message.Kind, len(f.sent))
	for i, s := range f.sent {
		out[i] = s.env.Kind
	}
	return out
}

func (f *fakeTransport) last() sentEnvelope {
	return f.sent[len(f.sent)-1]
}

// testConfig returns a Config for a single-group, n-replica, f-tolerant
// deployment with signatures off, handy for protocol-logic tests that
// don't care about signature plumbing.
func testConfig(n, f int) config.Config {
	return config.Config{
		OCCType:        config.OCCTypeMVTSO,
		SignedMessages: false,
		ValidateProofs: true,
		VerifyDeps:     false,
		HashDigest:     0,
		ReadDepSize:    1,
		MaxDepDepth:    config.NoDepDepthLimit,
		TimeDeltaMS:    60_000,
		ClientTimeout:  0,
		GroupIndex:     0,
		ReplicaIndex:   0,
		GroupSize:      n,
		FaultTolerance: f,
		NumGroups:      1,
	}
}

func newTestReplica(t *testing.T, cfg config.Config) (*Replica, *fakeTransport) {
	t.Helper()
	trans := newFakeTransport()
	part := partition.NewModPartitioner(cfg.NumGroups)
	clock := truetime.NewFixedClock(1000, 0)
	log := zap.NewNop().Sugar()
	r := New(cfg, part, trans, crypto.NullKeyManager{}, clock, log)
	return r, trans
}

func ts(logical, client uint64) vts.Timestamp {
	return vts.Timestamp{Logical: logical, ClientID: client}
}

func addr(net string) message.Address {
	return message.Address{Net: net}
}

// makeTxn builds a minimal transaction touching a single group (0).
func makeTxn(clientID uint64, at vts.Timestamp, reads []txn.ReadEntry, writes []txn.WriteEntry) txn.Transaction {
	return txn.Transaction{
		ClientID:       clientID,
		Timestamp:      at,
		ReadSet:        reads,
		WriteSet:       writes,
		InvolvedGroups: []txn.GroupID{0},
	}
}
