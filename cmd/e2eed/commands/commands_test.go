package commands_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/cmd/e2eed/commands"
	"e2eed/internal/api"
	"e2eed/internal/config"
)

const passphrase = "Str0ng&Secure-Pass"

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := commands.NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&bytes.Buffer{})
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

// setup writes a config into a temp dir and returns its path.
func setup(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "e2eed.toml")
	out, err := run(t, "", "-c", cfgPath, "init-config",
		"--database", filepath.Join(dir, "e2eed.db"),
		"--account-dir", filepath.Join(dir, "account"))
	require.NoError(t, err)
	assert.Contains(t, out, cfgPath)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	cfg.Archive.Dir = filepath.Join(dir, "exports")
	f, err := os.Create(cfgPath)
	require.NoError(t, err)
	require.NoError(t, config.Write(f, cfg))
	require.NoError(t, f.Close())
	return cfgPath
}

func TestInitConfigRefusesOverwrite(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "", "-c", cfgPath, "init-config")
	require.Error(t, err)
}

func TestMissingConfig(t *testing.T) {
	_, err := run(t, "", "-c", filepath.Join(t.TempDir(), "absent.toml"), "sweep")
	require.Error(t, err)
}

func TestMigrateStatus(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "", "-c", cfgPath, "migrate", "up")
	require.NoError(t, err)
	assert.Regexp(t, `^schema version (\d+) of (\d+)\n$`, out)

	status, err := run(t, "", "-c", cfgPath, "migrate", "status")
	require.NoError(t, err)
	assert.Equal(t, out, status)

	_, err = run(t, "", "-c", cfgPath, "migrate", "sideways")
	require.Error(t, err)
}

func TestAccountLifecycle(t *testing.T) {
	cfgPath := setup(t)

	out, err := run(t, "", "-c", cfgPath, "-p", passphrase, "init", "--user", "@alice:example.org", "--device", "ALICEDEV")
	require.NoError(t, err)
	assert.Contains(t, out, "Account created for @alice:example.org/ALICEDEV")
	fp := strings.TrimSpace(out[strings.Index(out, "Fingerprint:")+len("Fingerprint:"):])
	require.NotEmpty(t, fp)

	// Passphrase from stdin when no flag or env is set.
	out, err = run(t, passphrase+"\n", "-c", cfgPath, "fingerprint")
	require.NoError(t, err)
	assert.Equal(t, "Fingerprint: "+fp+"\n", out)

	_, err = run(t, "wrong-passphrase\n", "-c", cfgPath, "fingerprint")
	require.Error(t, err)

	out, err = run(t, "", "-c", cfgPath, "-p", passphrase, "publish", "--count", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "Published keys for @alice:example.org/ALICEDEV")
	assert.Contains(t, out, "signed_curve25519: 5")
}

func TestInitRequiresIdentity(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "", "-c", cfgPath, "-p", passphrase, "init")
	require.Error(t, err)
}

func TestPublishRemoteNeedsToken(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "", "-c", cfgPath, "-p", passphrase, "init", "--user", "@bob:example.org", "--device", "BOBDEV")
	require.NoError(t, err)

	_, err = run(t, "", "-c", cfgPath, "-p", passphrase, "publish", "--server", "http://127.0.0.1:1")
	require.ErrorContains(t, err, "--token")
}

func TestExportImportKeys(t *testing.T) {
	cfgPath := setup(t)
	_, err := run(t, "", "-c", cfgPath, "-p", passphrase, "init", "--user", "@carol:example.org", "--device", "CAROLDEV")
	require.NoError(t, err)

	t.Setenv("E2EED_PASSPHRASE", passphrase)
	t.Setenv("E2EED_EXPORT_PASSPHRASE", "export secret")

	out, err := run(t, "", "-c", cfgPath, "export-keys", "backup.age")
	require.NoError(t, err)
	assert.Equal(t, "Exported 0 sessions to backup.age\n", out)

	out, err = run(t, "", "-c", cfgPath, "import-keys", "backup.age")
	require.NoError(t, err)
	assert.Equal(t, "Imported 0 sessions from backup.age\n", out)

	_, err = run(t, "", "-c", cfgPath, "--passphrase", passphrase, "import-keys", "backup.age", "--export-passphrase", "not it")
	require.Error(t, err)

	_, err = run(t, "", "-c", cfgPath, "import-keys", "missing.age")
	require.Error(t, err)
}

func TestSweep(t *testing.T) {
	cfgPath := setup(t)
	out, err := run(t, "", "-c", cfgPath, "sweep")
	require.NoError(t, err)
	assert.Equal(t, "removed 0 fulfilled and 0 expired key requests\n", out)
}

func TestToken(t *testing.T) {
	cfgPath := setup(t)
	out, err := run(t, "", "-c", cfgPath, "token", "@dave:example.org", "DAVEDEV", "--ttl", "1h")
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)
	id, err := api.NewJWTConfig(cfg.Auth.JWTSecret).ValidateToken(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "@dave:example.org", string(id.UserID))
	assert.Equal(t, "DAVEDEV", string(id.DeviceID))

	_, err = run(t, "", "-c", cfgPath, "token", "@dave:example.org")
	require.Error(t, err)
}
