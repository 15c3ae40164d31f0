// Package evidence exports per-session audit artifacts: a structured JSON
// pack, a rendered HTML report and a printable document, each carrying an
// integrity signature that verifies offline.
package evidence

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"

	"github.com/agentgate/backend/internal/core"
)

// SignatureBlock accompanies every exported artifact. Verification needs
// only the payload, this block and the key material; no network access.
type SignatureBlock struct {
	Algorithm string `json:"algorithm"`
	KeySource string `json:"key_source"` // file, env, external
	Signature string `json:"signature"`  // hex
}

// Signer produces and checks integrity signatures for evidence payloads.
type Signer struct {
	algorithm string
	keySource string
	secret    []byte
	public    ed25519.PublicKey
	private   ed25519.PrivateKey
}

// NewHMACSigner builds a symmetric signer.
func NewHMACSigner(secret []byte, keySource string) *Signer {
	return &Signer{algorithm: "hmac-sha256", keySource: keySource, secret: secret}
}

// NewEd25519Signer builds an asymmetric signer. private may be nil for
// verify-only use.
func NewEd25519Signer(public ed25519.PublicKey, private ed25519.PrivateKey, keySource string) *Signer {
	return &Signer{algorithm: "ed25519", keySource: keySource, public: public, private: private}
}

// NewSignerFromKeyFile loads an Ed25519 seed from disk.
func NewSignerFromKeyFile(path string) (*Signer, error) {
	seed, err := os.ReadFile(path)
	if err != nil {
		return nil, core.Wrap(core.KindInternal, "read signing key file", err)
	}
	if len(seed) < ed25519.SeedSize {
		return nil, core.E(core.KindInternal, "signing key file is too short for an ed25519 seed")
	}
	private := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	return NewEd25519Signer(private.Public().(ed25519.PublicKey), private, "file"), nil
}

// Algorithm returns the algorithm identifier written into metadata.
func (s *Signer) Algorithm() string { return s.algorithm }

// KeySource returns where the key material came from.
func (s *Signer) KeySource() string { return s.keySource }

// Sign produces the signature block for a payload.
func (s *Signer) Sign(payload []byte) (*SignatureBlock, error) {
	block := &SignatureBlock{Algorithm: s.algorithm, KeySource: s.keySource}
	switch s.algorithm {
	case "hmac-sha256":
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(payload)
		block.Signature = hex.EncodeToString(mac.Sum(nil))
	case "ed25519":
		if s.private == nil {
			return nil, core.E(core.KindInternal, "signer has no private key")
		}
		block.Signature = hex.EncodeToString(ed25519.Sign(s.private, payload))
	default:
		return nil, core.E(core.KindInternal, "unknown signing algorithm")
	}
	return block, nil
}

// Verify checks a payload against its signature block.
func (s *Signer) Verify(payload []byte, block *SignatureBlock) bool {
	if block == nil || block.Algorithm != s.algorithm {
		return false
	}
	sig, err := hex.DecodeString(block.Signature)
	if err != nil {
		return false
	}
	switch s.algorithm {
	case "hmac-sha256":
		mac := hmac.New(sha256.New, s.secret)
		mac.Write(payload)
		return hmac.Equal(sig, mac.Sum(nil))
	case "ed25519":
		return ed25519.Verify(s.public, payload, sig)
	}
	return false
}
