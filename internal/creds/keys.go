package creds

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"

	"golang.org/x/crypto/ssh"

	"annoflow/pkg/errors"
)

// KeyPair holds a generated SSH key pair in the formats git expects:
// an OpenSSH PEM private key and an authorized_keys public line.
type KeyPair struct {
	Private string
	Public  string
}

// GenerateSSHKeyPair creates a fresh ed25519 key pair. Used for the
// instance-wide deploy key shown to users during repository setup.
func GenerateSSHKeyPair(comment string) (KeyPair, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.ErrCodeInternal, "Failed to generate SSH key pair")
	}

	block, err := ssh.MarshalPrivateKey(private, comment)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.ErrCodeInternal, "Failed to encode private key")
	}

	sshPublic, err := ssh.NewPublicKey(public)
	if err != nil {
		return KeyPair{}, errors.Wrap(err, errors.ErrCodeInternal, "Failed to encode public key")
	}

	return KeyPair{
		Private: string(pem.EncodeToMemory(block)),
		Public:  string(ssh.MarshalAuthorizedKey(sshPublic)),
	}, nil
}
