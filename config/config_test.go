package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidateRequiresDataDir(t *testing.T) {
	c := &Config{PGPort: 5432, AuthUser: "orez", AuthPassword: "secret"}
	require.Error(t, c.Validate())
}

func TestValidateRequiresPort(t *testing.T) {
	c := &Config{DataDir: "/tmp/orez", PGPort: 0, AuthUser: "orez", AuthPassword: "secret"}
	require.Error(t, c.Validate())
}

func TestValidateRequiresCredentials(t *testing.T) {
	c := &Config{DataDir: "/tmp/orez", PGPort: 5432, AuthUser: "orez"}
	require.Error(t, c.Validate())
}

func TestValidateAccepts(t *testing.T) {
	c := &Config{DataDir: "/tmp/orez", PGPort: 5432, AuthUser: "orez", AuthPassword: "secret"}
	require.NoError(t, c.Validate())
}

func TestPublicationNameSynthesized(t *testing.T) {
	c := &Config{AppID: "myapp"}
	require.Equal(t, "orez_myapp_public", c.PublicationName())
	require.False(t, c.UserSuppliedPublication())
}

func TestPublicationNameDefaultAppID(t *testing.T) {
	c := &Config{}
	require.Equal(t, "orez_zero_public", c.PublicationName())
}

func TestPublicationNameOverride(t *testing.T) {
	c := &Config{Publication: "custom_pub"}
	require.Equal(t, "custom_pub", c.PublicationName())
	require.True(t, c.UserSuppliedPublication())
}

func TestHealthTimeoutDefault(t *testing.T) {
	c := &Config{}
	require.Equal(t, 60, c.HealthTimeout())
}

func TestHealthTimeoutOverride(t *testing.T) {
	c := &Config{HealthTimeoutSeconds: 120}
	require.Equal(t, 120, c.HealthTimeout())
}

func TestHookRunCallback(t *testing.T) {
	called := false
	h := Hook{Point: HookOnDBReady, Callback: func(env map[string]string) error {
		called = env["FOO"] == "bar"
		return nil
	}}
	require.NoError(t, h.Run(map[string]string{"FOO": "bar"}))
	require.True(t, called)
}

func TestHookRunCommand(t *testing.T) {
	h := Hook{Point: HookOnHealthy, Command: "exit 0"}
	require.NoError(t, h.Run(nil))
}

func TestHookRunCommandFailure(t *testing.T) {
	h := Hook{Point: HookOnHealthy, Command: "exit 1"}
	require.Error(t, h.Run(nil))
}
