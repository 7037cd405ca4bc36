package replica

import (
	"github.com/shardguard/shardguard/internal/txn"
)

// outcomeKind discriminates Outcome's three shapes: the Go rendering of
// spec.md section 9's Result type ({Dropped, Invalid, InternalBug}) with
// protocol decisions (COMMIT/ABSTAIN/ABORT/WAIT) kept as their own,
// non-error variant rather than conflated with failure.
type outcomeKind int

const (
	outcomeDropped outcomeKind = iota
	outcomeInvalid
	outcomeDecision
)

// Outcome is what every handler in this package returns instead of
// error: a silently-dropped message, an invalid one (still dropped, with
// its reason available via Reason), or a protocol decision. There is no "success with no
// decision" case — Decision always carries one of CCCommit/CCAbstain/
// CCAbort/CCWait.
type Outcome struct {
	kind   outcomeKind
	reason string
	result txn.CCResult
}

// Dropped is the silent-ignore path: malformed or unauthenticated input
// spec.md section 7 says must cost no more than O(|msg|).
func Dropped() Outcome { return Outcome{kind: outcomeDropped} }

// Invalid is the silent-ignore path with a reason worth logging at Debug
// — still never surfaced to the sender.
func Invalid(reason string) Outcome { return Outcome{kind: outcomeInvalid, reason: reason} }

// Decision wraps a Phase-1 outcome (COMMIT/ABSTAIN/ABORT/WAIT).
func Decision(result txn.CCResult) Outcome { return Outcome{kind: outcomeDecision, result: result} }

func (o Outcome) IsDropped() bool  { return o.kind == outcomeDropped }
func (o Outcome) IsInvalid() bool  { return o.kind == outcomeInvalid }
func (o Outcome) IsDecision() bool { return o.kind == outcomeDecision }
func (o Outcome) Reason() string   { return o.reason }
func (o Outcome) Result() txn.CCResult {
	return o.result
}

// Fatal reports an internal invariant violation (spec.md section 7's
// third failure kind): Commit of a digest absent from ongoing, or
// dependency resolution yielding ABORT for a dependent. The single-
// threaded event loop means a panic here crashes the replica rather than
// risk producing a corrupt proof — deliberately, not a bug to recover
// from.
func Fatal(msg string) {
	panic("replica: internal invariant violation: " + msg)
}
