package txn

import (
	"fmt"

	"github.com/shardguard/shardguard/internal/crypto"
)

// GroupSignatures is one group's signature set over a Phase1Reply decision
// for some digest, used to build a fast-path CommittedProof across every
// involved group.
type GroupSignatures struct {
	Group      GroupID
	Signatures []Signature
}

// CommittedProof is the cryptographic witness that justifies a commit or
// abort decision to third parties (spec.md section 3): the transaction
// plus exactly one of a Phase-1 fast-commit quorum, a Phase-2 quorum, or
// (for fast aborts) a conflicting committed transaction.
type CommittedProof struct {
	Txn        Transaction
	Phase1Sigs []GroupSignatures // fast-path commit
	Phase2Sigs []Signature       // slow-path commit or any abort via P2
	Conflict   *Transaction      // fast-path abort witness
}

// Kind reports which of the three witness shapes this proof carries.
func (p *CommittedProof) Kind() string {
	switch {
	case len(p.Phase1Sigs) > 0:
		return "phase1"
	case len(p.Phase2Sigs) > 0:
		return "phase2"
	case p.Conflict != nil:
		return "conflict"
	default:
		return "empty"
	}
}

// Phase1VoteSignatureData returns the canonical bytes a signer signs over for one
// group's Phase-1 reply vote on digest, at CCResult result. This is the
// generalization of the teacher's per-message *SignatureData helpers
// (prePrepareSignatureData, prepareSignatureData, ...) to Phase-1 votes.
func Phase1VoteSignatureData(digest fmt.Stringer, result CCResult) []byte {
	return []byte(fmt.Sprintf("<P1-VOTE,%s,%s>", digest.String(), result.String()))
}

// Phase2VoteSignatureData is the canonical bytes a replica signs over for
// its Phase2Reply on digest.
func Phase2VoteSignatureData(digest fmt.Stringer, decision Decision, view uint64) []byte {
	return []byte(fmt.Sprintf("<P2-VOTE,%s,%s,%d>", digest.String(), decision.String(), view))
}

// VerifyGroupSignatures reports whether sigs contains at least minSigners
// distinct, valid signatures over data as verified by v.
func VerifyGroupSignatures(v crypto.Verifier, data []byte, sigs []Signature, minSigners int) bool {
	return CountValidSignatures(v, data, sigs) >= minSigners
}

// CountValidSignatures returns the number of distinct signers in sigs
// whose signature over data verifies under v. DESIGN.md's resolution of
// the Phase2FB VerifyP2FB Open Question applies here too: distinct
// signer ids, not message count.
func CountValidSignatures(v crypto.Verifier, data []byte, sigs []Signature) int {
	seen := make(map[crypto.ProcessID]struct{}, len(sigs))
	for _, s := range sigs {
		if _, dup := seen[crypto.ProcessID(s.ProcessID)]; dup {
			continue
		}
		if v.Verify(crypto.ProcessID(s.ProcessID), data, s.Bytes) {
			seen[crypto.ProcessID(s.ProcessID)] = struct{}{}
		}
	}
	return len(seen)
}
