package lifecycle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/pomodex/pomodex/common"
)

// GenerateSSHKeyPair creates an Ed25519 keypair for sandbox SSH access.
// The public key is in authorized_keys format, the private key in OpenSSH
// PEM format.
func GenerateSSHKeyPair() (publicKey, privateKey string, err error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", common.BackendErr("ssh key generation failed", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", common.BackendErr("ssh public key encoding failed", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "")
	if err != nil {
		return "", "", common.BackendErr("ssh private key encoding failed", err)
	}

	publicKey = strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub)))
	privateKey = string(pem.EncodeToMemory(block))
	return publicKey, privateKey, nil
}
