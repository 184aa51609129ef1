package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfigMissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "localhost", cfg.Server.Host)
	assert.Equal(t, 8085, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Health.ProbeInterval.Std())
	assert.Equal(t, 3, cfg.Health.FailureThreshold)
	assert.Equal(t, "round_robin", cfg.Dispatch.Balancer)
	assert.Equal(t, TokenStoreMemory, cfg.TokenStore.Backend)
	assert.Equal(t, DefaultMasterKeyEnv, cfg.TokenStore.MasterKeyEnv)
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
server:
  port: 9090
health:
  probeInterval: 30s
  gracePeriod: 10m
dispatch:
  balancer: weighted
oauth:
  providers:
    - id: google
      clientId: cid
      clientSecret: secret
      authUrl: https://accounts.example/auth
      tokenUrl: https://accounts.example/token
      redirectUrl: http://localhost/callback
      allowedScopes: [read:mail]
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "localhost", cfg.Server.Host, "unset fields keep defaults")
	assert.Equal(t, 30*time.Second, cfg.Health.ProbeInterval.Std())
	assert.Equal(t, 10*time.Minute, cfg.Health.GracePeriod.Std())
	assert.Equal(t, 3*time.Second, cfg.Health.ProbeTimeout.Std())
	assert.Equal(t, "weighted", cfg.Dispatch.Balancer)
	require.Len(t, cfg.OAuth.Providers, 1)
	assert.Equal(t, "google", cfg.OAuth.Providers[0].ID)
	assert.Equal(t, []string{"read:mail"}, cfg.OAuth.Providers[0].AllowedScopes)
}

func TestLoadConfigRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "server: [not a mapping")

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadConfigRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
server:
  port: 99999
dispatch:
  balancer: fastest
`)

	_, err := LoadConfig(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "dispatch.balancer")
}

func TestLoadConfigRejectsBadDuration(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", `
health:
  probeInterval: soon
`)

	_, err := LoadConfig(dir)
	assert.Error(t, err)
}

func TestLoadBackendDefinition(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "backends/mail.yaml", `
name: mail-tools
kind: http
url: http://localhost:9000/mcp
capabilities:
  - mail.read
  - mail.send
`)

	def, err := LoadBackendDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "mail-tools", def.Name)
	assert.Equal(t, "http", def.Kind)
	assert.Equal(t, []string{"mail.read", "mail.send"}, def.Capabilities)
}

func TestLoadBackendDefinitionInvalid(t *testing.T) {
	dir := t.TempDir()

	// stdio without a command
	path := writeFile(t, dir, "backends/bad.yaml", `
name: broken
kind: stdio
capabilities: [x]
`)
	_, err := LoadBackendDefinition(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "command")

	// no capabilities
	path = writeFile(t, dir, "backends/empty.yaml", `
name: empty
kind: http
url: http://localhost:9000/mcp
`)
	_, err = LoadBackendDefinition(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "capabilities")
}

func TestBackendsPathResolution(t *testing.T) {
	cfg := GetDefaultConfig()
	assert.Equal(t, filepath.Join("/etc/metamcp", "backends"), cfg.BackendsPath("/etc/metamcp"))

	cfg.Discovery.BackendsDir = "/srv/backends"
	assert.Equal(t, "/srv/backends", cfg.BackendsPath("/etc/metamcp"))
}

func TestValidateTokenStoreFileBackend(t *testing.T) {
	cfg := GetDefaultConfig()
	cfg.TokenStore.Backend = TokenStoreFile
	cfg.TokenStore.MasterKeyEnv = ""

	errs := cfg.Validate()
	require.True(t, errs.HasErrors())
	assert.Contains(t, errs.Error(), "tokenStore.path")
	assert.Contains(t, errs.Error(), "tokenStore.masterKeyEnv")
}
