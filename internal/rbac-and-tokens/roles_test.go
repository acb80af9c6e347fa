package rbacandtokens

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadRolePermissions_DisabledReturnsDefaults(t *testing.T) {
	cfg := AuthzConfig{DynamicRoles: false, RolesFile: "./does-not-matter.yaml"}
	perms, err := loadRolePermissions(cfg)
	require.NoError(t, err)
	require.Equal(t, GetRolePermissions(), perms)
}

func TestLoadRolePermissions_MissingFileReturnsDefaults(t *testing.T) {
	cfg := AuthzConfig{DynamicRoles: true, RolesFile: filepath.Join(t.TempDir(), "roles.yaml")}
	perms, err := loadRolePermissions(cfg)
	require.NoError(t, err)
	require.Equal(t, GetRolePermissions(), perms)
}

func TestLoadRolePermissions_MergesFileOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
roles:
  viewer:
    - repo:read
    - build:read
    - launch:read
    - bundle:read
    - job:read
    - job:write
`), 0o644))

	cfg := AuthzConfig{DynamicRoles: true, RolesFile: path}
	perms, err := loadRolePermissions(cfg)
	require.NoError(t, err)
	require.Contains(t, perms[RoleViewer], PermJobWrite)
	require.Equal(t, GetRolePermissions()[RoleOperator], perms[RoleOperator])
}
