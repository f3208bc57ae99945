// Package deploykey manages the per-deployment SSH key pairs used as
// repository credentials. Key material lives at a deterministic location
// derived from the deployment name so that a descriptor reload finds the
// same key again.
package deploykey

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/deploygate/internal/model"
)

type Manager struct {
	dir    string
	logger zerolog.Logger
}

func NewManager(dir string, logger zerolog.Logger) *Manager {
	return &Manager{dir: dir, logger: logger.With().Str("component", "deploykey").Logger()}
}

// Path returns the private key location for a deployment.
func (m *Manager) Path(name string) string {
	return filepath.Join(m.dir, "key-"+name)
}

// PublicPath returns the public key location for a deployment.
func (m *Manager) PublicPath(name string) string {
	return m.Path(name) + ".pub"
}

// Exists reports whether a key pair is present for the deployment.
func (m *Manager) Exists(name string) bool {
	if _, err := os.Stat(m.Path(name)); err != nil {
		return false
	}
	_, err := os.Stat(m.PublicPath(name))
	return err == nil
}

// Ensure applies the descriptor's deploy-key policy: when deploy_key is set
// and a pair exists it is left untouched, otherwise a fresh pair is
// generated. Returns the authorized-keys line of the resulting public key
// for registration with the repository host.
func (m *Manager) Ensure(d model.Deployment) (string, error) {
	if d.DeployKey && m.Exists(d.Name) {
		return m.PublicKey(d.Name)
	}
	return m.Generate(d.Name)
}

// EnsurePresent generates a pair only when none exists yet. The installer
// uses this before fetching: regenerating an already registered key
// mid-install would break the repository credential it is about to use.
func (m *Manager) EnsurePresent(name string) (string, error) {
	if m.Exists(name) {
		return m.PublicKey(name)
	}
	return m.Generate(name)
}

// Generate creates a new ed25519 pair, replacing any previous one.
func (m *Manager) Generate(name string) (string, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", fmt.Errorf("generate deploy key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "deploy key for "+name)
	if err != nil {
		return "", fmt.Errorf("marshal deploy key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("convert deploy key public part: %w", err)
	}
	pubLine := strings.TrimSpace(string(ssh.MarshalAuthorizedKey(sshPub))) + " deploy-" + name + "\n"

	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return "", fmt.Errorf("create key directory: %w", err)
	}

	keyPath := m.Path(name)
	if err := os.Remove(keyPath); err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("remove old deploy key: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(block), 0o600); err != nil {
		return "", fmt.Errorf("write deploy key: %w", err)
	}
	if err := os.WriteFile(m.PublicPath(name), []byte(pubLine), 0o644); err != nil {
		return "", fmt.Errorf("write deploy key public part: %w", err)
	}

	m.logger.Info().Str("deployment", name).Str("path", keyPath).Msg("generated deploy key")
	return pubLine, nil
}

// PublicKey reads the authorized-keys line for an existing pair.
func (m *Manager) PublicKey(name string) (string, error) {
	data, err := os.ReadFile(m.PublicPath(name))
	if err != nil {
		return "", fmt.Errorf("read deploy key public part: %w", err)
	}
	return string(data), nil
}
