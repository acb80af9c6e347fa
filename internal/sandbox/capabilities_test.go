package sandbox

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHasCapability(t *testing.T) {
	require.True(t, HasCapability([]string{"fs", "network"}, "fs"))
	require.False(t, HasCapability([]string{"fs"}, "network"))
	require.False(t, HasCapability(nil, "fs"))
}

func TestAllowedModulesGrowsWithCapabilities(t *testing.T) {
	base := AllowedModules(nil)
	require.Contains(t, base, "path")
	require.NotContains(t, base, "fs")
	require.NotContains(t, base, "http")

	withFS := AllowedModules([]string{"fs"})
	require.Contains(t, withFS, "fs")
	require.NotContains(t, withFS, "http")

	withBoth := AllowedModules([]string{"fs", "network"})
	require.Contains(t, withBoth, "fs")
	require.Contains(t, withBoth, "http")
}

func TestIsModuleDeniedAlwaysDeniesProcessControl(t *testing.T) {
	require.True(t, IsModuleDenied("child_process"))
	require.True(t, IsModuleDenied("vm"))
	require.False(t, IsModuleDenied("path"))
}
