// Package pathutil resolves user-supplied filesystem paths.
package pathutil

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
)

// Expand resolves $VAR references and a leading "~" against the user's
// home directory, then cleans the result. Empty input stays empty.
func Expand(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	p = os.ExpandEnv(p)

	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := homeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		if p == "~" {
			p = home
		} else {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Clean(p), nil
}

// homeDir tries os.UserHomeDir, then the passwd entry, then $HOME.
// Candidates that are themselves unresolved "~" placeholders are skipped;
// a HOME of "~" otherwise turns path expansion into a loop.
func homeDir() (string, error) {
	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, home)
	}
	if current, err := user.Current(); err == nil {
		candidates = append(candidates, current.HomeDir)
	}
	candidates = append(candidates, os.Getenv("HOME"))

	for _, candidate := range candidates {
		home := strings.TrimSpace(candidate)
		if home != "" && home != "~" && !strings.HasPrefix(home, "~/") {
			return home, nil
		}
	}
	return "", fmt.Errorf("no usable home directory")
}
