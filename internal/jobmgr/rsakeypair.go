package jobmgr

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

// RSAKeyPair is the optional per-job key pair used to let worker containers
// fan out MPI/SSH work between themselves.
type RSAKeyPair struct {
	PrivateKeyPEM   string `json:"private_key_pem"`
	AuthorizedKey   string `json:"authorized_key"`
	PrivateKeyPath  string `json:"private_key_path,omitempty"`
	AuthorizedPath  string `json:"authorized_key_path,omitempty"`
}

const rsaKeyBits = 2048

// GenerateRSAKeyPair generates a fresh RSA key pair and writes both halves
// under dir/<jobID>, returning the in-memory record. The private key is
// mounted into the rank-0 container; the authorized_keys file is mounted
// into every container so rank-0 can SSH into its peers.
func GenerateRSAKeyPair(jobID, dir string) (*RSAKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return nil, fmt.Errorf("jobmgr: generating rsa key for job %s: %w", jobID, err)
	}

	privPEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	pub, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("jobmgr: encoding public key for job %s: %w", jobID, err)
	}
	authorizedKey := string(ssh.MarshalAuthorizedKey(pub))

	jobDir := filepath.Join(dir, jobID)
	if err := os.MkdirAll(jobDir, 0o700); err != nil {
		return nil, fmt.Errorf("jobmgr: creating key directory for job %s: %w", jobID, err)
	}

	privPath := filepath.Join(jobDir, "id_rsa")
	authPath := filepath.Join(jobDir, "authorized_keys")
	if err := os.WriteFile(privPath, privPEM, 0o600); err != nil {
		return nil, fmt.Errorf("jobmgr: writing private key for job %s: %w", jobID, err)
	}
	if err := os.WriteFile(authPath, []byte(authorizedKey), 0o644); err != nil {
		return nil, fmt.Errorf("jobmgr: writing authorized_keys for job %s: %w", jobID, err)
	}

	return &RSAKeyPair{
		PrivateKeyPEM:  string(privPEM),
		AuthorizedKey:  authorizedKey,
		PrivateKeyPath: privPath,
		AuthorizedPath: authPath,
	}, nil
}

// DeleteRSAKeyPairFiles removes the on-disk key material. Called on a Job's
// terminal transitions, once its allocations are released.
func DeleteRSAKeyPairFiles(keys *RSAKeyPair) error {
	if keys == nil {
		return nil
	}
	if keys.PrivateKeyPath != "" {
		if err := os.Remove(keys.PrivateKeyPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("jobmgr: removing private key %s: %w", keys.PrivateKeyPath, err)
		}
	}
	if keys.AuthorizedPath != "" {
		if err := os.Remove(keys.AuthorizedPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("jobmgr: removing authorized_keys %s: %w", keys.AuthorizedPath, err)
		}
		_ = os.Remove(filepath.Dir(keys.AuthorizedPath))
	}
	return nil
}
