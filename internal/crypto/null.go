package crypto

// NullKeyManager is a KeyManager that signs with an empty signature and
// verifies everything — the binding used when Config.SignedMessages is
// false, and in unit tests that care about protocol logic, not signature
// plumbing. Named analogously to the teacher's commented-out
// verifySignature body (final_lab4/server.go once returned true
// unconditionally for a build that had disabled real verification).
type NullKeyManager struct{}

func (NullKeyManager) Sign(ProcessID, []byte) ([]byte, error) { return nil, nil }
func (NullKeyManager) Verify(ProcessID, []byte, []byte) bool  { return true }

var _ KeyManager = NullKeyManager{}
