package cli

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skillgate/skillgate/internal/netpolicy"
)

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func policyFile(t *testing.T) string {
	return filepath.Join(t.TempDir(), "policies.yml")
}

func TestPolicyEditCommands(t *testing.T) {
	path := policyFile(t)

	_, err := runCmd(t, "--policies", path, "policy", "allow", "weather", "api.weather.com", "*.weather.com")
	require.NoError(t, err)
	_, err = runCmd(t, "--policies", path, "policy", "block", "weather", "metadata")
	require.NoError(t, err)
	_, err = runCmd(t, "--policies", path, "policy", "set-mode", "weather", "allowlist")
	require.NoError(t, err)

	store := netpolicy.NewStore()
	require.NoError(t, store.LoadFile(path))
	p, ok := store.Get("weather")
	require.True(t, ok)
	assert.Equal(t, netpolicy.ModeAllowlist, p.Mode)
	assert.Equal(t, []string{"api.weather.com", "*.weather.com"}, p.Allow)
	assert.Equal(t, []string{"metadata"}, p.Block)
}

func TestPolicyEditRejectsBadPattern(t *testing.T) {
	path := policyFile(t)
	_, err := runCmd(t, "--policies", path, "policy", "allow", "weather", "not a pattern")
	require.Error(t, err)

	// Nothing persisted on error.
	store, lerr := loadPolicyStore(path)
	require.NoError(t, lerr)
	assert.Empty(t, store.List())
}

func TestPolicyPresetAndShow(t *testing.T) {
	path := policyFile(t)

	_, err := runCmd(t, "--policies", path, "policy", "preset", "ext", "public-api")
	require.NoError(t, err)

	out, err := runCmd(t, "--policies", path, "policy", "show", "ext")
	require.NoError(t, err)
	assert.Contains(t, out, `"preset": "public-api"`)
	assert.Contains(t, out, `"mode": "allowlist"`)

	_, err = runCmd(t, "--policies", path, "policy", "preset", "ext", "bogus")
	require.ErrorIs(t, err, netpolicy.ErrUnknownPreset)
}

func TestPolicyShowEffective(t *testing.T) {
	path := policyFile(t)

	_, err := runCmd(t, "--policies", path, "policy", "block", "base", "metadata")
	require.NoError(t, err)
	_, err = runCmd(t, "--policies", path, "policy", "set-mode", "base", "blocklist")
	require.NoError(t, err)

	store := netpolicy.NewStore()
	require.NoError(t, store.LoadFile(path))
	require.NoError(t, store.Upsert(&netpolicy.NetworkPolicy{
		ExtensionID: "child",
		Mode:        netpolicy.ModeAllowlist,
		Allow:       []string{"api.example.com"},
		Extends:     "base",
		Enabled:     true,
	}))
	require.NoError(t, store.SaveFile(path))

	out, err := runCmd(t, "--policies", path, "policy", "show", "child", "--effective")
	require.NoError(t, err)
	assert.Contains(t, out, "metadata")
	assert.NotContains(t, out, `"extends"`)
}

func TestPolicyListAndDelete(t *testing.T) {
	path := policyFile(t)

	_, err := runCmd(t, "--policies", path, "policy", "allow", "a-ext", "api.example.com")
	require.NoError(t, err)
	_, err = runCmd(t, "--policies", path, "policy", "preset", "b-ext", "no-network")
	require.NoError(t, err)

	out, err := runCmd(t, "--policies", path, "policy", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "a-ext")
	assert.Contains(t, out, "b-ext")

	_, err = runCmd(t, "--policies", path, "policy", "delete", "b-ext")
	require.NoError(t, err)

	out, err = runCmd(t, "--policies", path, "policy", "list")
	require.NoError(t, err)
	assert.NotContains(t, out, "b-ext")
}

func TestPolicyTestDeniedExitCode(t *testing.T) {
	path := policyFile(t)

	_, err := runCmd(t, "--policies", path, "policy", "preset", "locked", "no-network")
	require.NoError(t, err)

	// An IP-literal target decides without DNS.
	out, err := runCmd(t, "--policies", path, "policy", "test", "locked", "http://192.168.1.5/")
	require.Error(t, err)
	var ee *ExitError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, 1, ee.Code())
	assert.Contains(t, out, `"allowed": false`)
}

func TestPolicyTestNoPolicyAllows(t *testing.T) {
	path := policyFile(t)

	out, err := runCmd(t, "--policies", path, "policy", "test", "ghost", "https://anything.example/")
	require.NoError(t, err)
	assert.Contains(t, out, `"allowed": true`)
	assert.Contains(t, out, "no policy configured")
}

func TestVersionFlag(t *testing.T) {
	out, err := runCmd(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "skillgate test\n", out)
}
