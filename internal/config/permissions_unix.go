//go:build unix

package config

import (
	"fmt"
	"os"
)

// exposure describes who besides the owner can read path, or "" when
// nobody can. The file holds store passwords and the Slack webhook.
func exposure(path string) (who, fix string) {
	info, err := os.Stat(path)
	if err != nil {
		return "", ""
	}
	mode := info.Mode().Perm()
	switch {
	case mode&0007 != 0:
		who = "all users"
	case mode&0070 != 0:
		who = "its group"
	default:
		return "", ""
	}
	return fmt.Sprintf("%s (mode %04o)", who, mode), "chmod 600 " + path
}
