// Package quorum centralizes the replica-count arithmetic spec.md scatters
// across Phase-2 validation, Writeback validation, Phase2FB, ElectFB, and
// DecisionFB. The teacher inlines this counting at each call site
// (`validCommits >= 2*s.f+1`, `len(validMessages) >= 2*s.f`,
// `validCount >= 2*s.f`); this package gives each threshold a name instead.
package quorum

// Sizes bundles a shard group's replica count n and its fault tolerance f.
// n >= 3f+1 is the safety floor; n >= 5f+1 additionally enables the
// Phase-1 fast path (spec.md section 2).
type Sizes struct {
	N int
	F int
}

// SafetyFloor reports whether n is large enough to tolerate f Byzantine
// replicas at all (n >= 3f+1).
func (s Sizes) SafetyFloor() bool {
	return s.N >= 3*s.F+1
}

// FastPathEnabled reports whether the group is large enough for the
// Phase-1 fast path (n >= 5f+1).
func (s Sizes) FastPathEnabled() bool {
	return s.N >= 5*s.F+1
}

// FastCommitThreshold is the number of matching Phase-1 COMMIT votes a
// group must produce for the fast path to finalize without a Phase-2
// round: all but f replicas.
func (s Sizes) FastCommitThreshold() int {
	return s.N - s.F
}

// SlowQuorumThreshold is the standard BFT write quorum: 2f+1. Used for the
// Phase-2/slow-path commit quorum, and for the ElectFB majority-COMMIT
// rule.
func (s Sizes) SlowQuorumThreshold() int {
	return 2*s.F + 1
}

// ElectQuorumSize is the number of distinct ElectMessages the view's
// coordinator collects before forming a decision: n-f (spec.md section
// 4.7, "|Q| = n−f").
func (s Sizes) ElectQuorumSize() int {
	return s.N - s.F
}

// SmallQuorumThreshold is f+1: enough to guarantee at least one honest
// replica is represented. Used by Phase2FB's p2_replies path and by the
// view-adoption catch-up path in InvokeFB.
func (s Sizes) SmallQuorumThreshold() int {
	return s.F + 1
}

// HasFastCommitQuorum reports whether votes distinct matching COMMIT
// signatures meet the fast-path threshold.
func (s Sizes) HasFastCommitQuorum(votes int) bool {
	return votes >= s.FastCommitThreshold()
}

// HasSlowQuorum reports whether votes distinct matching signatures meet
// the slow-path/Phase-2 threshold.
func (s Sizes) HasSlowQuorum(votes int) bool {
	return votes >= s.SlowQuorumThreshold()
}

// HasSmallQuorum reports whether votes distinct signers meet the f+1
// threshold.
func (s Sizes) HasSmallQuorum(votes int) bool {
	return votes >= s.SmallQuorumThreshold()
}

// HasElectMajority reports whether commitVotes among an ElectQuorumSize
// collection constitute a COMMIT decision (>= 2f+1), per spec.md section
// 4.7's ElectFB rule.
func (s Sizes) HasElectMajority(commitVotes int) bool {
	return commitVotes >= s.SlowQuorumThreshold()
}
