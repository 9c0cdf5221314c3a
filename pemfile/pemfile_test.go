package pemfile

import (
	"os"
	"path/filepath"
	"testing"

	gossh "golang.org/x/crypto/ssh"
)

func TestEnsure(t *testing.T) {
	dir := t.TempDir()
	keyPath := filepath.Join(dir, "host.pem")
	pubPath := filepath.Join(dir, "host.pub")

	_, signer, generated, err := Ensure(keyPath, pubPath)
	if err != nil {
		t.Fatal(err)
	}
	if !generated {
		t.Error("key was not generated")
	}
	_, again, generated, err := Ensure(keyPath, pubPath)
	if err != nil {
		t.Fatal(err)
	}
	if generated {
		t.Error("key generated twice")
	}
	if gossh.FingerprintSHA256(signer.PublicKey()) != gossh.FingerprintSHA256(again.PublicKey()) {
		t.Error("reloaded key differs")
	}

	authorized, found, err := LoadAuthorizedKeys(pubPath)
	if err != nil || !found {
		t.Fatalf("got %v, %v", found, err)
	}
	if authorized.Len() != 1 || !authorized.Allows(signer.PublicKey()) {
		t.Error("public key not authorized")
	}
}

func TestLoadAuthorizedKeys(t *testing.T) {
	dir := t.TempDir()
	if _, found, err := LoadAuthorizedKeys(filepath.Join(dir, "missing")); err != nil || found {
		t.Errorf("got %v, %v", found, err)
	}
	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("not a key\n"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := LoadAuthorizedKeys(bad); err == nil {
		t.Error("parsed garbage")
	}

	keyPath := filepath.Join(dir, "other.pem")
	if err := Generate(keyPath, ""); err != nil {
		t.Fatal(err)
	}
	_, other, _, err := Ensure(keyPath, "")
	if err != nil {
		t.Fatal(err)
	}
	empty := &AuthorizedKeys{}
	if empty.Allows(other.PublicKey()) {
		t.Error("empty set allows a key")
	}
}
