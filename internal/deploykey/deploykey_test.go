package deploykey

import (
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/edvin/deploygate/internal/model"
)

func TestGenerate_ProducesUsablePair(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())

	pubLine, err := m.Generate("site")
	require.NoError(t, err)
	assert.True(t, m.Exists("site"))

	// Private part parses as an SSH key.
	data, err := os.ReadFile(m.Path("site"))
	require.NoError(t, err)
	_, err = ssh.ParsePrivateKey(data)
	require.NoError(t, err)

	// Public part is a valid authorized-keys line.
	pubKey, comment, _, _, err := ssh.ParseAuthorizedKey([]byte(pubLine))
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", pubKey.Type())
	assert.Equal(t, "deploy-site", comment)

	// Private key is not group or world readable.
	info, err := os.Stat(m.Path("site"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestEnsure_KeepsExistingKeyWhenRequested(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())
	d := model.Deployment{Name: "site", GitPath: "/srv/site", DeployKey: true}

	first, err := m.Ensure(d)
	require.NoError(t, err)
	second, err := m.Ensure(d)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestEnsure_RegeneratesWithoutKeepFlag(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())
	d := model.Deployment{Name: "site", GitPath: "/srv/site"}

	first, err := m.Ensure(d)
	require.NoError(t, err)
	second, err := m.Ensure(d)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestEnsurePresent_NeverReplaces(t *testing.T) {
	m := NewManager(t.TempDir(), zerolog.Nop())

	first, err := m.EnsurePresent("site")
	require.NoError(t, err)
	second, err := m.EnsurePresent("site")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestPath_IsDeterministic(t *testing.T) {
	m := NewManager("/var/lib/deploygate", zerolog.Nop())
	assert.True(t, strings.HasSuffix(m.Path("site"), "/key-site"))
	assert.Equal(t, m.Path("site")+".pub", m.PublicPath("site"))
}
