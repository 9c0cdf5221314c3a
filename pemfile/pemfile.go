// Package pemfile manages the SSH host key and the authorized operator keys of
// the swarmbot console.
package pemfile

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"

	"github.com/pkg/errors"
	"github.com/zond/swarmbot"

	gossh "golang.org/x/crypto/ssh"
)

const KeyBits = 3072

// Generate writes a new RSA private key to keyPath, and its public half in
// authorized_keys format to pubPath if pubPath is not empty.
func Generate(keyPath string, pubPath string) error {
	privateKey, err := rsa.GenerateKey(rand.Reader, KeyBits)
	if err != nil {
		return swarmbot.WithStack(err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(privateKey),
	}), 0600); err != nil {
		return swarmbot.WithStack(err)
	}
	if pubPath == "" {
		return nil
	}
	pub, err := gossh.NewPublicKey(&privateKey.PublicKey)
	if err != nil {
		return swarmbot.WithStack(err)
	}
	if err := os.WriteFile(pubPath, gossh.MarshalAuthorizedKey(pub), 0600); err != nil {
		return swarmbot.WithStack(err)
	}
	return nil
}

// Ensure loads the host key at keyPath, generating it first if missing. It
// returns the PEM bytes, the parsed signer, and whether the key was generated.
func Ensure(keyPath string, pubPath string) ([]byte, gossh.Signer, bool, error) {
	generated := false
	if _, err := os.Stat(keyPath); os.IsNotExist(err) {
		if err := Generate(keyPath, pubPath); err != nil {
			return nil, nil, false, err
		}
		generated = true
	} else if err != nil {
		return nil, nil, false, swarmbot.WithStack(err)
	}
	pemBytes, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, false, swarmbot.WithStack(err)
	}
	signer, err := gossh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, nil, false, swarmbot.WithStack(err)
	}
	return pemBytes, signer, generated, nil
}

// AuthorizedKeys is a set of public keys allowed to log in.
type AuthorizedKeys struct {
	keys [][]byte
}

// LoadAuthorizedKeys reads an authorized_keys file. It returns false if the
// file does not exist.
func LoadAuthorizedKeys(path string) (*AuthorizedKeys, bool, error) {
	content, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	} else if err != nil {
		return nil, false, swarmbot.WithStack(err)
	}
	result := &AuthorizedKeys{}
	for len(bytes.TrimSpace(content)) > 0 {
		pub, _, _, rest, err := gossh.ParseAuthorizedKey(content)
		if err != nil {
			return nil, false, errors.Wrapf(err, "parsing %q", path)
		}
		result.keys = append(result.keys, pub.Marshal())
		content = rest
	}
	return result, true, nil
}

func (a *AuthorizedKeys) Len() int {
	return len(a.keys)
}

// Allows reports whether key is one of the authorized keys.
func (a *AuthorizedKeys) Allows(key gossh.PublicKey) bool {
	marshalled := key.Marshal()
	for _, k := range a.keys {
		if bytes.Equal(k, marshalled) {
			return true
		}
	}
	return false
}
