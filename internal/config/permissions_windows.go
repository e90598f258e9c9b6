//go:build windows

package config

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

var broadPrincipals = []string{
	"everyone",
	"authenticated users",
	"builtin\\users",
	"users",
}

// exposure reports a broad principal granted access to path by its ACL.
func exposure(path string) (who, fix string) {
	if _, err := os.Stat(path); err != nil {
		return "", ""
	}
	out, err := exec.Command("icacls", path).Output()
	if err != nil {
		return "", ""
	}
	acl := strings.ToLower(string(out))
	for _, p := range broadPrincipals {
		if strings.Contains(acl, p) {
			return p, fmt.Sprintf(`icacls "%s" /inheritance:r /grant:r "%%USERNAME%%:F"`, path)
		}
	}
	return "", ""
}
