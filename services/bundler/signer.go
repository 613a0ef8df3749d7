package bundler

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/age"
	"github.com/btcsuite/btcutil/bech32"
)

const (
	envBundleKey    = "RESCUE_BUNDLE_KEY"
	envBundlePubKey = "RESCUE_BUNDLE_PUBKEY"
)

// Signer seals evidence manifests with an Ed25519 key derived from an age
// identity, so an operator's existing age key doubles as the bundle key.
type Signer struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	recipient  string
}

// NewSignerFromEnv reads RESCUE_BUNDLE_KEY (age secret key, needed to export)
// and RESCUE_BUNDLE_PUBKEY (base64 Ed25519 key, enough to verify).
func NewSignerFromEnv() (*Signer, error) {
	return NewSigner(os.Getenv(envBundleKey), os.Getenv(envBundlePubKey))
}

// NewSigner builds a Signer from an age secret key, a base64 public key, or
// both. When both are given they must belong together.
func NewSigner(secret, pub string) (*Signer, error) {
	secret = strings.TrimSpace(secret)
	pub = strings.TrimSpace(pub)
	if secret == "" && pub == "" {
		return nil, fmt.Errorf("%s or %s must be set", envBundleKey, envBundlePubKey)
	}

	s := &Signer{}
	if secret != "" {
		seed, err := decodeAgeSecretKey(secret)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", envBundleKey, err)
		}
		s.privateKey = ed25519.NewKeyFromSeed(seed)
		s.publicKey = s.privateKey.Public().(ed25519.PublicKey)
		if identity, err := age.ParseX25519Identity(secret); err == nil {
			s.recipient = identity.Recipient().String()
		}
	}

	if pub != "" {
		decoded, err := decodePublicKey(pub)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envBundlePubKey, err)
		}
		switch {
		case s.publicKey == nil:
			s.publicKey = decoded
		case !bytes.Equal(s.publicKey, decoded):
			return nil, fmt.Errorf("%s does not match %s", envBundlePubKey, envBundleKey)
		}
	}
	return s, nil
}

// Seal stamps the signer identity onto m and signs it.
func (s *Signer) Seal(m *Manifest) error {
	if s == nil || len(s.privateKey) == 0 {
		return fmt.Errorf("exporting needs %s", envBundleKey)
	}
	m.Signer = s.recipient
	m.SigningPublicKey = s.PublicKeyBase64()
	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for signing: %w", err)
	}
	m.Signature = base64.StdEncoding.EncodeToString(ed25519.Sign(s.privateKey, payload))
	return nil
}

// Open checks that m was sealed by this signer's key.
func (s *Signer) Open(m Manifest) error {
	if s == nil || len(s.publicKey) == 0 {
		return errors.New("no public key available for verification")
	}
	if m.Signature == "" {
		return errors.New("manifest missing signature")
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(m.Signature))
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return fmt.Errorf("invalid signature length %d", len(sig))
	}
	if m.SigningPublicKey != "" {
		embedded, err := decodePublicKey(m.SigningPublicKey)
		if err != nil {
			return fmt.Errorf("manifest public key: %w", err)
		}
		if !bytes.Equal(embedded, s.publicKey) {
			return fmt.Errorf("manifest sealed by key %s, expected %s", fingerprint(embedded), s.Fingerprint())
		}
	}

	payload, err := m.SigningBytes()
	if err != nil {
		return fmt.Errorf("marshal manifest for verification: %w", err)
	}
	if !ed25519.Verify(s.publicKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}

// PublicKeyBase64 returns the Ed25519 public key in base64 form.
func (s *Signer) PublicKeyBase64() string {
	if s == nil || len(s.publicKey) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(s.publicKey)
}

// Fingerprint is a short hex identifier of the public key for log output.
func (s *Signer) Fingerprint() string {
	if s == nil {
		return ""
	}
	return fingerprint(s.publicKey)
}

// Recipient returns the age recipient matching the secret key, if any.
func (s *Signer) Recipient() string {
	if s == nil {
		return ""
	}
	return s.recipient
}

func fingerprint(key ed25519.PublicKey) string {
	if len(key) == 0 {
		return ""
	}
	sum := sha256.Sum256(key)
	return hex.EncodeToString(sum[:8])
}

func decodePublicKey(raw string) (ed25519.PublicKey, error) {
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if l := len(decoded); l != ed25519.PublicKeySize {
		return nil, fmt.Errorf("must decode to %d bytes, got %d", ed25519.PublicKeySize, l)
	}
	return ed25519.PublicKey(decoded), nil
}

// decodeAgeSecretKey extracts the 32 byte seed of an AGE-SECRET-KEY-1 string.
func decodeAgeSecretKey(raw string) ([]byte, error) {
	hrp, data, err := bech32.Decode(raw)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(hrp, "age-secret-key-") {
		return nil, fmt.Errorf("unexpected hrp %q", hrp)
	}
	decoded, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(decoded) != ed25519.SeedSize {
		return nil, fmt.Errorf("unexpected seed length %d", len(decoded))
	}
	return decoded, nil
}
