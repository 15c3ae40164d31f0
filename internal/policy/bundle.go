// Package policy owns decision evaluation for tool calls: a builtin
// allowlist evaluator over signed policy bundles, an optional remote rule
// evaluator reached over HTTP(S) with mutual TLS, and the provenance checks
// that gate which bundles may become active.
package policy

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/agentgate/backend/internal/core"
)

// Document is the rule data carried inside a policy bundle. Tool names are
// matched exactly; there is no pattern language here, complex rules belong
// in the remote evaluator.
type Document struct {
	Version       string   `json:"version"`
	ReadOnlyTools []string `json:"read_only_tools"`
	WriteTools    []string `json:"write_tools"`
	DeniedTools   []string `json:"denied_tools,omitempty"`
}

const bundleSchema = `{
	"type": "object",
	"required": ["version"],
	"properties": {
		"version":         {"type": "string", "minLength": 1},
		"read_only_tools": {"type": "array", "items": {"type": "string"}},
		"write_tools":     {"type": "array", "items": {"type": "string"}},
		"denied_tools":    {"type": "array", "items": {"type": "string"}}
	},
	"additionalProperties": false
}`

var compiledBundleSchema = jsonschema.MustCompileString("bundle.json", bundleSchema)

// ParseDocument validates raw bundle bytes against the bundle schema and
// decodes them. Schema violations are validation errors, not panics.
func ParseDocument(raw json.RawMessage) (*Document, error) {
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, core.Wrap(core.KindValidation, "bundle is not valid JSON", err)
	}
	if err := compiledBundleSchema.Validate(generic); err != nil {
		return nil, core.Wrap(core.KindValidation, "bundle does not match schema", err)
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, core.Wrap(core.KindValidation, "decode bundle", err)
	}
	return &doc, nil
}

// VisibleTools lists the tools the document grants any path for.
func (d *Document) VisibleTools() []string {
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, d.ReadOnlyTools...), d.WriteTools...) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}

// SignatureScheme selects the package provenance algorithm.
type SignatureScheme string

const (
	SchemeHMAC    SignatureScheme = "hmac-sha256"
	SchemeEd25519 SignatureScheme = "ed25519"
)

// Verifier checks policy package provenance. One scheme is selected at
// startup; key material never leaves this struct.
type Verifier struct {
	scheme  SignatureScheme
	secret  []byte
	public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// NewHMACVerifier builds a symmetric verifier from the shared package secret.
func NewHMACVerifier(secret []byte) *Verifier {
	return &Verifier{scheme: SchemeHMAC, secret: secret}
}

// NewEd25519Verifier builds an asymmetric verifier. private may be nil on
// verify-only deployments.
func NewEd25519Verifier(public ed25519.PublicKey, private ed25519.PrivateKey) *Verifier {
	return &Verifier{scheme: SchemeEd25519, public: public, private: private}
}

// Scheme returns the configured algorithm identifier.
func (v *Verifier) Scheme() SignatureScheme { return v.scheme }

// Sign produces the hex signature over bundle bytes. Used by tooling and
// tests; production packages arrive pre-signed.
func (v *Verifier) Sign(bundle []byte) (string, error) {
	switch v.scheme {
	case SchemeHMAC:
		mac := hmac.New(sha256.New, v.secret)
		mac.Write(bundle)
		return hex.EncodeToString(mac.Sum(nil)), nil
	case SchemeEd25519:
		if v.private == nil {
			return "", core.E(core.KindInternal, "no signing key configured")
		}
		return hex.EncodeToString(ed25519.Sign(v.private, bundle)), nil
	}
	return "", core.E(core.KindInternal, "unknown signature scheme")
}

// VerifyPackage checks that the declared bundle hash matches the bundle
// bytes and that the signature verifies. Both failures are signature_invalid
// so callers cannot distinguish tampering modes.
func (v *Verifier) VerifyPackage(pkg *core.PolicyPackage) error {
	if strings.TrimSpace(pkg.Signature) == "" {
		return core.E(core.KindSignatureInvalid, "package is unsigned")
	}
	if pkg.ComputeBundleHash() != pkg.BundleHash {
		return core.E(core.KindSignatureInvalid, "bundle digest does not match declared bundle_hash")
	}
	sig, err := hex.DecodeString(pkg.Signature)
	if err != nil {
		return core.E(core.KindSignatureInvalid, "signature is not valid hex")
	}
	switch v.scheme {
	case SchemeHMAC:
		mac := hmac.New(sha256.New, v.secret)
		mac.Write(pkg.Bundle)
		if !hmac.Equal(sig, mac.Sum(nil)) {
			return core.E(core.KindSignatureInvalid, "signature verification failed")
		}
	case SchemeEd25519:
		if !ed25519.Verify(v.public, pkg.Bundle, sig) {
			return core.E(core.KindSignatureInvalid, "signature verification failed")
		}
	default:
		return core.E(core.KindInternal, "unknown signature scheme")
	}
	return nil
}
