package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "udstunnel.conf")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMissingMandatoryKeyFails(t *testing.T) {
	path := writeConfig(t, "address = 0.0.0.0\n")
	_, err := Load(path)
	require.ErrorContains(t, err, "ssl_certificate")
}

func TestLoadDerivesSecretHash(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds\nsecret = hunter2\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Secret, 64)
	require.NotEqual(t, "hunter2", cfg.Secret)
}

func TestLoadNormalizesUDSServerTrailingSlash(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds/\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "https://example.org/uds", cfg.UDSServer)
}

func TestLoadRejectsNonHTTPUDSServer(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = ftp://example.org\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadDefaultsWorkersToNumCPUWhenUnset(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Greater(t, cfg.Workers, 0)
}

func TestLoadParsesLogSizeSuffix(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds\nlogsize = 8M\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.EqualValues(t, 8*1024*1024, cfg.LogSize)
}

func TestAllowedDefaultsToLoopback(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Allowed("127.0.0.1"))
	require.False(t, cfg.Allowed("10.0.0.1"))
}

func TestAllowedParsesCommaSeparatedList(t *testing.T) {
	path := writeConfig(t, "ssl_certificate = cert.pem\nuds_server = https://example.org/uds\nallow = 10.0.0.1, 10.0.0.2\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.Allowed("10.0.0.1"))
	require.True(t, cfg.Allowed("10.0.0.2"))
	require.False(t, cfg.Allowed("127.0.0.1"))
}
