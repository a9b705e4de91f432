package brother

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(cfg.Name, "/brother-"))
	assert.Equal(t, 2, cfg.Participants)
	assert.Equal(t, -1, cfg.FD)
	assert.Equal(t, 3, cfg.Slot)
	assert.Equal(t, 5*time.Second, cfg.AttachTimeout)
	assert.Equal(t, 30*time.Second, cfg.ReapTimeout)

	other, err := LoadConfig()
	require.NoError(t, err)
	assert.NotEqual(t, cfg.Name, other.Name)
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("BROTHER_SHM_NAME", "/brother-env")
	t.Setenv("BROTHER_PARTICIPANTS", "3")
	t.Setenv("BROTHER_SHM_FD", "3")
	t.Setenv("BROTHER_LOG_LEVEL", "debug")
	t.Setenv("BROTHER_REAP_TIMEOUT", "2s")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "/brother-env", cfg.Name)
	assert.Equal(t, 3, cfg.Participants)
	assert.Equal(t, 3, cfg.FD)
	assert.Equal(t, 2*time.Second, cfg.ReapTimeout)
	assert.Equal(t, "debug", cfg.Logging().Level)
}

func TestLoadConfigInvalid(t *testing.T) {
	t.Setenv("BROTHER_PARTICIPANTS", "zero")
	_, err := LoadConfig()
	assert.Error(t, err)

	t.Setenv("BROTHER_PARTICIPANTS", "0")
	_, err = LoadConfig()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())

	bad := cfg
	bad.Slot = 2
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.Name = "/a/b"
	assert.Error(t, bad.Validate())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "primary", RolePrimary.String())
	assert.Equal(t, "brother", RoleBrother.String())
	assert.Equal(t, "Role(7)", Role(7).String())
}
