package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/ssh"
)

// ErrInvalidPrivateKey is returned when key material cannot be parsed.
var ErrInvalidPrivateKey = errors.New("invalid SSH private key format")

// KeyPair is an access credential for capacity hosts.
// PublicKey is in authorized_keys format; PrivateKeyPEM is an OpenSSH PEM block.
type KeyPair struct {
	Name          string
	PublicKey     string
	PrivateKeyPEM []byte
	Fingerprint   string
}

// GenerateKeyPair creates a new Ed25519 key pair tagged with name.
func GenerateKeyPair(name string) (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, name)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("create public key: %w", err)
	}

	return &KeyPair{
		Name:          name,
		PublicKey:     string(ssh.MarshalAuthorizedKey(sshPub)),
		PrivateKeyPEM: pem.EncodeToMemory(block),
		Fingerprint:   Fingerprint(sshPub),
	}, nil
}

// Fingerprint returns the OpenSSH SHA256 fingerprint of a public key.
func Fingerprint(pub ssh.PublicKey) string {
	sum := sha256.Sum256(pub.Marshal())
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:])
}

// PublicKeyFromPrivate derives the authorized_keys public key from a PEM private key.
func PublicKeyFromPrivate(privateKeyPEM []byte) (string, error) {
	signer, err := ssh.ParsePrivateKey(privateKeyPEM)
	if err != nil {
		return "", ErrInvalidPrivateKey
	}
	return string(ssh.MarshalAuthorizedKey(signer.PublicKey())), nil
}
