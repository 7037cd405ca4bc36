package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
)

// RSAKeyManager is the default KeyManager: RSA-2048 keys, PKCS1v15
// signatures over a SHA-256 digest of the signed bytes. This is a direct
// generalization of the teacher's signData/verifySignature helpers (which
// took a bare *rsa.PrivateKey / *rsa.PublicKey) into a KeyManager that
// holds one private key (this process's own) and a table of public keys
// (every other process it might need to verify).
type RSAKeyManager struct {
	self ProcessID
	priv *rsa.PrivateKey
	pub  map[ProcessID]*rsa.PublicKey
}

// NewRSAKeyManager builds a KeyManager for a process owning priv, able to
// verify signatures from every process named in pub.
func NewRSAKeyManager(self ProcessID, priv *rsa.PrivateKey, pub map[ProcessID]*rsa.PublicKey) *RSAKeyManager {
	table := make(map[ProcessID]*rsa.PublicKey, len(pub)+1)
	for id, key := range pub {
		table[id] = key
	}
	table[self] = &priv.PublicKey
	return &RSAKeyManager{self: self, priv: priv, pub: table}
}

// Sign implements Signer. processID must be this manager's own process;
// signing on behalf of another process is a programming error.
func (m *RSAKeyManager) Sign(processID ProcessID, data []byte) ([]byte, error) {
	if processID != m.self {
		return nil, errors.Errorf("crypto: RSAKeyManager for process %d cannot sign as process %d", m.self, processID)
	}
	hash := sha256.Sum256(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, m.priv, crypto.SHA256, hash[:])
	if err != nil {
		return nil, errors.Wrap(err, "crypto: rsa sign")
	}
	return sig, nil
}

// Verify implements Verifier.
func (m *RSAKeyManager) Verify(processID ProcessID, data []byte, signature []byte) bool {
	key, ok := m.pub[processID]
	if !ok {
		return false
	}
	hash := sha256.Sum256(data)
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, hash[:], signature) == nil
}

// LoadRSAPrivateKey reads a PKCS1 PEM-encoded RSA private key from disk,
// the same format final_lab2/generate_keys.go writes.
func LoadRSAPrivateKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: read private key %s", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("crypto: no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: parse private key %s", path)
	}
	return key, nil
}

// LoadRSAPublicKey reads a PKCS1 PEM-encoded RSA public key from disk.
func LoadRSAPublicKey(path string) (*rsa.PublicKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: read public key %s", path)
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.Errorf("crypto: no PEM block in %s", path)
	}
	key, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "crypto: parse public key %s", path)
	}
	return key, nil
}

// GenerateAndSaveKeyPair writes a fresh RSA-2048 keypair to privPath and
// pubPath, PEM-encoded. Grounded on final_lab2/generate_keys.go's
// generateKeyPair, generalized to return an error instead of log.Fatalf so
// callers (cmd/replica genkeys) control the failure mode.
func GenerateAndSaveKeyPair(privPath, pubPath string) error {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return errors.Wrap(err, "crypto: generate rsa key")
	}

	privFile, err := os.Create(privPath)
	if err != nil {
		return errors.Wrapf(err, "crypto: create %s", privPath)
	}
	defer privFile.Close()
	privBlock := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(priv)}
	if err := pem.Encode(privFile, privBlock); err != nil {
		return errors.Wrapf(err, "crypto: encode %s", privPath)
	}

	pubFile, err := os.Create(pubPath)
	if err != nil {
		return errors.Wrapf(err, "crypto: create %s", pubPath)
	}
	defer pubFile.Close()
	pubBlock := &pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&priv.PublicKey)}
	if err := pem.Encode(pubFile, pubBlock); err != nil {
		return errors.Wrapf(err, "crypto: encode %s", pubPath)
	}
	return nil
}
