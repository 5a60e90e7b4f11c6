package outcome

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"

	"github.com/veraison/go-cose"
)

// ContentType is the COSE content type of a signed outcome payload.
const ContentType = "application/protected-auction-outcome+cbor"

// ErrInvalidSignature is returned when a signed outcome does not verify.
var ErrInvalidSignature = errors.New("invalid outcome signature")

// Signer signs outcomes with an ECDSA P-256 key (COSE ES256).
type Signer struct {
	PublicKey *ecdsa.PublicKey
	keyID     []byte
	signer    cose.Signer
}

// GenerateKey creates a fresh P-256 signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return key, nil
}

// NewSigner creates a signer for key.
func NewSigner(key *ecdsa.PrivateKey) (*Signer, error) {
	if key == nil {
		return nil, fmt.Errorf("signing key is nil")
	}
	signer, err := cose.NewSigner(cose.AlgorithmES256, key)
	if err != nil {
		return nil, fmt.Errorf("create signer: %w", err)
	}
	keyID, err := KeyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &Signer{
		PublicKey: &key.PublicKey,
		keyID:     keyID,
		signer:    signer,
	}, nil
}

// KeyID is the SHA-256 digest of the PKIX encoding of pub.
func KeyID(pub *ecdsa.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	sum := sha256.Sum256(der)
	return sum[:], nil
}

// Sign encodes o and returns it as a tagged COSE_Sign1 message.
func (s *Signer) Sign(o *Outcome) ([]byte, error) {
	payload, err := MarshalPayload(o)
	if err != nil {
		return nil, err
	}

	msg := cose.NewSign1Message()
	msg.Headers.Protected.SetAlgorithm(cose.AlgorithmES256)
	msg.Headers.Protected[cose.HeaderLabelContentType] = ContentType
	msg.Headers.Protected[cose.HeaderLabelKeyID] = s.keyID
	msg.Payload = payload

	if err := msg.Sign(rand.Reader, nil, s.signer); err != nil {
		return nil, fmt.Errorf("sign outcome: %w", err)
	}
	signed, err := msg.MarshalCBOR()
	if err != nil {
		return nil, fmt.Errorf("marshal COSE_Sign1: %w", err)
	}
	log.Printf("INFO: Signed outcome %s: %d bytes", o.ID, len(signed))
	return signed, nil
}

// PublicKeyPEM returns the verification key in PEM format.
func (s *Signer) PublicKeyPEM() (string, error) {
	return PublicKeyToPEM(s.PublicKey)
}

// Verify checks the signature of a signed outcome against pub and returns
// the decoded record.
func Verify(signed []byte, pub *ecdsa.PublicKey) (*Outcome, error) {
	msg, err := parseSign1(signed)
	if err != nil {
		return nil, err
	}

	alg, err := msg.Headers.Protected.Algorithm()
	if err != nil {
		return nil, fmt.Errorf("read algorithm: %w", err)
	}
	if alg != cose.AlgorithmES256 {
		return nil, fmt.Errorf("%w: unexpected algorithm %s", ErrInvalidSignature, alg)
	}

	verifier, err := cose.NewVerifier(cose.AlgorithmES256, pub)
	if err != nil {
		return nil, fmt.Errorf("create verifier: %w", err)
	}
	if err := msg.Verify(nil, verifier); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}
	return UnmarshalPayload(msg.Payload)
}

// Inspect decodes a signed outcome without verifying its signature.
func Inspect(signed []byte) (*Outcome, error) {
	msg, err := parseSign1(signed)
	if err != nil {
		return nil, err
	}
	return UnmarshalPayload(msg.Payload)
}

func parseSign1(signed []byte) (*cose.Sign1Message, error) {
	var msg cose.Sign1Message
	if err := msg.UnmarshalCBOR(signed); err != nil {
		return nil, fmt.Errorf("parse COSE_Sign1: %w", err)
	}
	if len(msg.Payload) == 0 {
		return nil, fmt.Errorf("COSE_Sign1 message has no payload")
	}
	return &msg, nil
}

// PublicKeyToPEM converts an ECDSA public key to PEM format.
func PublicKeyToPEM(pub *ecdsa.PublicKey) (string, error) {
	derBytes, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("failed to marshal public key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: derBytes})), nil
}

// ParsePublicKeyPEM parses a PEM encoded ECDSA public key.
func ParsePublicKeyPEM(data []byte) (*ecdsa.PublicKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("no PUBLIC KEY block found")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}
	ecdsaKey, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not ECDSA")
	}
	return ecdsaKey, nil
}

// PrivateKeyToPEM converts an ECDSA private key to PEM format.
func PrivateKeyToPEM(key *ecdsa.PrivateKey) (string, error) {
	derBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return "", fmt.Errorf("failed to marshal private key: %w", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: derBytes})), nil
}

// ParsePrivateKeyPEM parses a PEM encoded ECDSA private key.
func ParsePrivateKeyPEM(data []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("no EC PRIVATE KEY block found")
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}
