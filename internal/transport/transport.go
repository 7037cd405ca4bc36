// Package transport names the Transport collaborator (spec.md section 6):
// send/send_replica/send_group, register, timer, and clone. The default
// binding, RPCTransport, is grounded on the teacher's net/rpc usage
// (rpc.Dial, rpc.Server, gob.Register per message type), generalized from
// the teacher's fixed localhost:123<n> port scheme to a configured peer
// address table, and from synchronous client.Call to fire-and-forget
// client.Go — spec.md's transport is "datagram-ordered, unauthenticated,
// best-effort," a request/reply pair the sender never blocks on.
package transport

import (
	"encoding/gob"
	"net"
	"net/rpc"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shardguard/shardguard/internal/message"
	"github.com/shardguard/shardguard/internal/txn"
)

func init() {
	for _, v := range []any{
		message.Read{}, message.ReadReply{}, message.Phase1{}, message.Phase1Reply{},
		message.RelayP1{}, message.Phase2{}, message.Phase2Reply{}, message.Writeback{},
		message.Abort{}, message.Phase1FB{}, message.Phase1FBReply{}, message.Phase2FB{},
		message.Phase2FBReply{}, message.InvokeFB{}, message.ElectFB{}, message.DecisionFB{},
	} {
		gob.Register(v)
	}
}

// Receiver is what Transport.Register wires an incoming Envelope to: the
// replica's single dispatch entry point. Implementations must not block —
// they enqueue and return, per spec.md section 5's single-threaded event
// loop.
type Receiver interface {
	Deliver(message.Envelope)
}

// Timer is a cancellable delayed callback, spec.md section 6's
// `timer(delay_ms, closure)`.
type Timer interface {
	Stop() bool
}

// Transport is the collaborator interface internal/replica depends on.
// internal/replica never imports net/rpc directly.
type Transport interface {
	Send(addr message.Address, env message.Envelope) error
	SendReplica(group txn.GroupID, replica uint64, env message.Envelope) error
	SendGroup(group txn.GroupID, env message.Envelope) error
	Register(r Receiver)
	Timer(delay time.Duration, f func()) Timer
	Clone(addr message.Address) message.Address
}

// RPCTransport is the default Transport: one net/rpc server exposing a
// single Deliver method, and a dial-on-demand client per peer address.
type RPCTransport struct {
	self  message.Address
	peers map[txn.GroupID]map[uint64]string // group -> replica -> "host:port"

	log *zap.SugaredLogger

	mu      sync.Mutex
	clients map[string]*rpc.Client

	server *rpc.Server
	recv   Receiver
}

// NewRPCTransport builds an RPCTransport for self, with peers naming every
// other replica's dial address by (group, replica-index).
func NewRPCTransport(self message.Address, peers map[txn.GroupID]map[uint64]string, log *zap.SugaredLogger) *RPCTransport {
	return &RPCTransport{
		self:    self,
		peers:   peers,
		log:     log,
		clients: make(map[string]*rpc.Client),
		server:  rpc.NewServer(),
	}
}

// Register wires r as the handler for RPC-delivered envelopes, the way
// the teacher's server registers itself via rpc.Server.Register(s).
func (t *RPCTransport) Register(r Receiver) {
	t.recv = r
	if err := t.server.RegisterName("Replica", (*rpcService)(t)); err != nil {
		t.log.Fatalw("transport: register rpc service", "error", err)
	}
}

// Serve blocks accepting connections on addr, dispatching each call to
// the registered Receiver. Grounded on the teacher's main()'s
// net.Listen/rpcServer.Accept loop.
func (t *RPCTransport) Serve(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	t.server.Accept(listener)
	return nil
}

// rpcService is the net/rpc-visible surface: one exported method taking
// an Envelope and a discarded reply, matching the teacher's one-RPC-
// method-per-message-type calls collapsed to a single generic one since
// Envelope itself already carries the Kind tag.
type rpcService RPCTransport

// Deliver is the net/rpc entry point. It must return immediately — per
// spec.md section 5, handlers never block the caller's goroutine on
// replica state, so this only enqueues onto the registered Receiver.
func (s *rpcService) Deliver(env message.Envelope, _ *struct{}) error {
	(*RPCTransport)(s).recv.Deliver(env)
	return nil
}

func (t *RPCTransport) dial(addr string) (*rpc.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if c, ok := t.clients[addr]; ok {
		return c, nil
	}
	c, err := rpc.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	t.clients[addr] = c
	return c, nil
}

func (t *RPCTransport) sendAddr(addr string, env message.Envelope) error {
	client, err := t.dial(addr)
	if err != nil {
		return err
	}
	call := client.Go("Replica.Deliver", env, &struct{}{}, nil)
	go func() {
		<-call.Done
		if call.Error != nil {
			t.log.Debugw("transport: delivery failed", "addr", addr, "error", call.Error)
		}
	}()
	return nil
}

// Send delivers env to addr.Net directly (used for client-originated
// replies, where addr names a dial string rather than a group member).
func (t *RPCTransport) Send(addr message.Address, env message.Envelope) error {
	return t.sendAddr(addr.Net, env)
}

// SendReplica delivers env to one named replica within group.
func (t *RPCTransport) SendReplica(group txn.GroupID, replica uint64, env message.Envelope) error {
	addr, ok := t.peers[group][replica]
	if !ok {
		t.log.Warnw("transport: unknown peer", "group", group, "replica", replica)
		return nil
	}
	return t.sendAddr(addr, env)
}

// SendGroup delivers env to every replica in group.
func (t *RPCTransport) SendGroup(group txn.GroupID, env message.Envelope) error {
	var firstErr error
	for replica := range t.peers[group] {
		if err := t.SendReplica(group, replica, env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type timeTimer struct{ t *time.Timer }

func (tt timeTimer) Stop() bool { return tt.t.Stop() }

// Timer schedules f to run after delay on its own goroutine, mirroring
// time.AfterFunc — the Go-native rendering of spec.md's closure-based
// `timer(delay_ms, closure)`.
func (t *RPCTransport) Timer(delay time.Duration, f func()) Timer {
	return timeTimer{t: time.AfterFunc(delay, f)}
}

// Clone returns a copy of addr; message.Address's value semantics already
// make every copy independent, satisfying spec.md section 6's
// `clone(addr)` requirement for persisting interested-client addresses.
func (t *RPCTransport) Clone(addr message.Address) message.Address {
	return addr
}

var _ Transport = (*RPCTransport)(nil)
