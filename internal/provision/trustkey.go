package provision

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
)

const (
	trustKeyFile = "fleet_ed25519.key"
	trustPubFile = "fleet_ed25519.pub"
	trustKeyPEM  = "PRIVATE KEY"
	trustKeyUser = "atlas-fleet"
)

// TrustKey is the fleet's Ed25519 SSH keypair. Its public half is installed
// on every dedicated satellite; the private half authenticates later
// provisioning and maintenance sessions.
type TrustKey struct {
	private ed25519.PrivateKey
	pemData []byte
	pubLine string
}

// LoadOrGenerateTrustKey loads the fleet keypair from dataDir, generating
// and persisting a new one on first use.
func LoadOrGenerateTrustKey(dataDir string) (*TrustKey, error) {
	privPath := filepath.Join(dataDir, trustKeyFile)

	if _, err := os.Stat(privPath); err == nil {
		return loadTrustKey(privPath)
	}
	return generateTrustKey(dataDir, privPath)
}

// PrivateKeyPEM returns the PKCS#8 PEM encoding for SSH authentication.
func (k *TrustKey) PrivateKeyPEM() []byte {
	return k.pemData
}

// AuthorizedKey returns the single-line authorized_keys entry.
func (k *TrustKey) AuthorizedKey() string {
	return k.pubLine
}

func loadTrustKey(privPath string) (*TrustKey, error) {
	data, err := os.ReadFile(privPath)
	if err != nil {
		return nil, fmt.Errorf("read trust key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil || block.Type != trustKeyPEM {
		return nil, errors.New("invalid trust key PEM format")
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parse trust key: %w", err)
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, errors.New("trust key is not ed25519")
	}
	return newTrustKey(priv, data)
}

func generateTrustKey(dataDir, privPath string) (*TrustKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate trust key: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, fmt.Errorf("encode trust key: %w", err)
	}
	pemData := pem.EncodeToMemory(&pem.Block{Type: trustKeyPEM, Bytes: der})

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(privPath, pemData, 0o600); err != nil {
		return nil, fmt.Errorf("write trust key: %w", err)
	}

	k, err := newTrustKey(priv, pemData)
	if err != nil {
		return nil, err
	}

	// Best effort; the private key alone is authoritative.
	pubPath := filepath.Join(dataDir, trustPubFile)
	os.WriteFile(pubPath, []byte(k.pubLine+"\n"), 0o644)

	return k, nil
}

func newTrustKey(priv ed25519.PrivateKey, pemData []byte) (*TrustKey, error) {
	sshPub, err := ssh.NewPublicKey(priv.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, fmt.Errorf("derive ssh public key: %w", err)
	}
	line := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " " + trustKeyUser
	return &TrustKey{private: priv, pemData: pemData, pubLine: line}, nil
}
