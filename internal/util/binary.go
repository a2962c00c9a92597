// Package util provides shared utility functions.
package util

import (
	"fmt"
	"os"
	"os/exec"
)

// FindBinary locates an executable by name, checking in order: the
// path named by envVar (when set), ./name in the working directory,
// then PATH. Candidates from the first two sources must exist and
// carry an executable bit.
func FindBinary(name string, envVar string) (string, error) {
	if envVar != "" {
		if p := os.Getenv(envVar); p != "" && isExecutable(p) {
			return p, nil
		}
	}

	if local := "./" + name; isExecutable(local) {
		return local, nil
	}

	if p, err := exec.LookPath(name); err == nil {
		return p, nil
	}

	return "", fmt.Errorf("binary %s not found", name)
}

func isExecutable(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	return info.Mode()&0111 != 0
}
