// Package crypto names the signature-primitive collaborator spec.md
// section 1 treats as out of the core's scope ("Signature primitives
// (sign / verify / keymgmt)"): an interface the core replica depends on,
// plus a default RSA binding and a no-op double for unsigned
// configurations and tests.
package crypto

// ProcessID identifies a signer: group_index*n + replica_index, per
// spec.md section 6's KeyManager contract. Client signers use a distinct,
// caller-defined numbering space (outside any group's process-id range).
type ProcessID uint64

// Signer produces a signature over an opaque byte string.
type Signer interface {
	Sign(processID ProcessID, data []byte) ([]byte, error)
}

// Verifier checks a signature produced by Signer for the named process.
type Verifier interface {
	Verify(processID ProcessID, data []byte, signature []byte) bool
}

// KeyManager resolves a process's keys, per spec.md section 6. A
// KeyManager implementation is typically also a Signer (for its own
// private key) and a Verifier (for any public key it holds), but the
// three interfaces are kept separate so the core can depend on the
// narrowest one each call site actually needs.
type KeyManager interface {
	Signer
	Verifier
}
