package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"e2eed/internal/config"
)

const sample = `
[server]
addr = "127.0.0.1:9000"
read_timeout = "5s"

[database]
path = "/var/lib/e2eed/e2eed.db"

[crypto]
pickle_key = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

[auth]
jwt_secret = "0123456789abcdef0123456789abcdef"

[key_requests]
retention = "12h"

[archive]
type = "s3"
bucket = "exports"
region = "eu-west-1"

[log]
level = "debug"
format = "json"
`

func TestRead_OverridesDefaults(t *testing.T) {
	cfg, err := config.Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout.Duration)
	assert.Equal(t, 15*time.Second, cfg.Server.WriteTimeout.Duration, "default kept")
	assert.Equal(t, 12*time.Hour, cfg.KeyRequests.Retention.Duration)
	assert.Equal(t, 7*24*time.Hour, cfg.KeyRequests.MaxAge.Duration)
	assert.Equal(t, 604800000*time.Millisecond, cfg.RotationPeriod())
	assert.Equal(t, uint32(100), cfg.Megolm.RotationMessages)
	assert.Equal(t, "s3", cfg.Archive.Type)

	key, err := cfg.PickleKeyBytes()
	require.NoError(t, err)
	assert.Len(t, key, 32)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := config.Default()
	cfg.Archive.Type = "ftp"
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{"pickle_key", "jwt_secret", "archive type", "log level"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestRead_BadDuration(t *testing.T) {
	_, err := config.Read(strings.NewReader("[olm]\nsession_lifetime = \"forever\"\n"))
	assert.Error(t, err)
}

func TestInitAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "e2eed.toml")

	cfg, err := config.Read(strings.NewReader(sample))
	require.NoError(t, err)
	require.NoError(t, config.Init(path, cfg))
	assert.Error(t, config.Init(path, cfg), "existing file is kept")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)

	var buf bytes.Buffer
	require.NoError(t, config.Write(&buf, loaded))
	assert.Contains(t, buf.String(), `retention = "12h0m0s"`)
}
