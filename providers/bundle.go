package providers

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	pdp "github.com/authzforce-ce/core"
)

// PolicyBundle is a distributable set of policy documents with per-document
// ed25519 signatures, so a PDP can verify policy integrity before loading
// anything from an untrusted channel.
type PolicyBundle struct {
	Policies   []*pdp.PolicyDef    `json:"policies,omitempty"`
	PolicySets []*pdp.PolicySetDef `json:"policy_sets,omitempty"`
	Signatures map[string]string   `json:"signatures"` // "type:id#version" -> base64(sig)
	Meta       map[string]any      `json:"meta,omitempty"`
}

func bundleKey(kind, id, version string) string {
	return kind + ":" + id + "#" + version
}

// documentChecksum returns a deterministic hash of a policy document.
func documentChecksum(doc any) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func signaturePayload(key, checksum string) []byte {
	data, _ := json.Marshal(struct {
		Key      string
		Checksum string
	}{Key: key, Checksum: checksum})
	return data
}

// SignBundle signs every document with the private key.
func SignBundle(priv ed25519.PrivateKey, policies []*pdp.PolicyDef, policySets []*pdp.PolicySetDef) (*PolicyBundle, error) {
	b := &PolicyBundle{Policies: policies, PolicySets: policySets, Signatures: make(map[string]string)}
	sign := func(kind, id, version string, doc any) error {
		cs, err := documentChecksum(doc)
		if err != nil {
			return fmt.Errorf("checksum %s %s#%s: %w", kind, id, version, err)
		}
		key := bundleKey(kind, id, version)
		sig := ed25519.Sign(priv, signaturePayload(key, cs))
		b.Signatures[key] = base64.StdEncoding.EncodeToString(sig)
		return nil
	}
	for _, p := range policies {
		if err := sign("Policy", p.ID, p.Version, p); err != nil {
			return nil, err
		}
	}
	for _, ps := range policySets {
		if err := sign("PolicySet", ps.ID, ps.Version, ps); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// VerifyBundle verifies every document signature with the public key.
func VerifyBundle(pub ed25519.PublicKey, b *PolicyBundle) error {
	verify := func(kind, id, version string, doc any) error {
		key := bundleKey(kind, id, version)
		sigB64, ok := b.Signatures[key]
		if !ok {
			return fmt.Errorf("missing signature for %s", key)
		}
		sig, err := base64.StdEncoding.DecodeString(sigB64)
		if err != nil {
			return fmt.Errorf("bad signature encoding for %s: %w", key, err)
		}
		cs, err := documentChecksum(doc)
		if err != nil {
			return err
		}
		if !ed25519.Verify(pub, signaturePayload(key, cs), sig) {
			return fmt.Errorf("bad signature for %s", key)
		}
		return nil
	}
	for _, p := range b.Policies {
		if err := verify("Policy", p.ID, p.Version, p); err != nil {
			return err
		}
	}
	for _, ps := range b.PolicySets {
		if err := verify("PolicySet", ps.ID, ps.Version, ps); err != nil {
			return err
		}
	}
	return nil
}

// LoadBundle verifies a bundle and loads its documents into a mutable
// provider. Nothing is loaded when verification fails.
func LoadBundle(pub ed25519.PublicKey, b *PolicyBundle, dst *pdp.MutablePolicyProvider) error {
	if err := VerifyBundle(pub, b); err != nil {
		return err
	}
	for _, p := range b.Policies {
		if err := dst.AddPolicy(p); err != nil {
			return err
		}
	}
	for _, ps := range b.PolicySets {
		if err := dst.AddPolicySet(ps); err != nil {
			return err
		}
	}
	return nil
}
