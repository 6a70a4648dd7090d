package ca

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const (
	privateKeyFile = "root_ca_private.key"
	publicKeyFile  = "root_ca_public.key"
)

// Authority holds the root signing keypair. It is constructed once per
// deployment and injected into the certificate service; signing and
// verification are pure functions of their inputs.
type Authority struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
}

// Generate creates an ephemeral authority. Used for tests and one-off tools;
// the key is not persisted.
func Generate() (*Authority, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ca keypair: %w", err)
	}
	return &Authority{priv: priv, pub: pub}, nil
}

// LoadOrGenerate loads the authority keypair from keysDir, generating and
// saving a new one when no private key file exists. The private key file
// holds the base64-encoded Ed25519 seed with 0600 permissions.
func LoadOrGenerate(keysDir string) (*Authority, error) {
	privPath := filepath.Join(keysDir, privateKeyFile)
	if data, err := os.ReadFile(privPath); err == nil {
		seed, err := base64.StdEncoding.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode ca private key: %w", err)
		}
		if len(seed) != ed25519.SeedSize {
			return nil, fmt.Errorf("ca private key must be %d bytes, got %d", ed25519.SeedSize, len(seed))
		}
		priv := ed25519.NewKeyFromSeed(seed)
		return &Authority{priv: priv, pub: priv.Public().(ed25519.PublicKey)}, nil
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read ca private key: %w", err)
	}

	a, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := a.save(keysDir); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Authority) save(keysDir string) error {
	if err := os.MkdirAll(keysDir, 0o755); err != nil {
		return fmt.Errorf("create keys dir: %w", err)
	}
	seed := base64.StdEncoding.EncodeToString(a.priv.Seed())
	if err := os.WriteFile(filepath.Join(keysDir, privateKeyFile), []byte(seed), 0o600); err != nil {
		return fmt.Errorf("write ca private key: %w", err)
	}
	pub := base64.StdEncoding.EncodeToString(a.pub)
	if err := os.WriteFile(filepath.Join(keysDir, publicKeyFile), []byte(pub), 0o644); err != nil {
		return fmt.Errorf("write ca public key: %w", err)
	}
	return nil
}

// Sign signs payload with the root key and returns the hex-encoded signature.
func (a *Authority) Sign(payload []byte) string {
	return hex.EncodeToString(ed25519.Sign(a.priv, payload))
}

// Verify checks a hex-encoded signature over payload against the root key.
func (a *Authority) Verify(payload []byte, signature string) bool {
	return Verify(payload, signature, a.pub)
}

// PublicKey returns the raw verification key.
func (a *Authority) PublicKey() ed25519.PublicKey {
	return a.pub
}

// PublicKeyHex returns the verification key hex-encoded for third parties.
func (a *Authority) PublicKeyHex() string {
	return hex.EncodeToString(a.pub)
}

// Verify checks a hex-encoded Ed25519 signature under an arbitrary public
// key. Malformed keys or signatures verify as false rather than erroring.
func Verify(payload []byte, signature string, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	sig, err := hex.DecodeString(signature)
	if err != nil || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// ParsePublicKey decodes a hex-encoded Ed25519 public key.
func ParsePublicKey(keyHex string) (ed25519.PublicKey, error) {
	raw, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode public key: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("public key must be %d bytes, got %d", ed25519.PublicKeySize, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
