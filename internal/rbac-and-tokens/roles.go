// Copyright 2025 James Ross
package rbacandtokens

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// roleFile is the on-disk shape of AuthzConfig.RolesFile: a role name mapped
// to the list of permission strings it grants. A role listed in the file
// replaces that role's built-in list from GetRolePermissions; roles the
// file does not name keep their defaults.
type roleFile struct {
	Roles map[Role][]Permission `yaml:"roles"`
}

// loadRolePermissions returns the base role/permission table, merged with
// any roles defined in cfg.RolesFile when cfg.DynamicRoles is enabled. A
// missing file is not an error: operators can enable dynamic roles before
// the file exists and fall back to defaults until it's written.
func loadRolePermissions(cfg AuthzConfig) (map[Role][]Permission, error) {
	perms := GetRolePermissions()
	if !cfg.DynamicRoles || cfg.RolesFile == "" {
		return perms, nil
	}

	data, err := os.ReadFile(cfg.RolesFile)
	if err != nil {
		if os.IsNotExist(err) {
			return perms, nil
		}
		return nil, fmt.Errorf("read roles file: %w", err)
	}

	var file roleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	for role, rolePerms := range file.Roles {
		perms[role] = rolePerms
	}
	return perms, nil
}
