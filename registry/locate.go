package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const maxAscend = 10

// LocateRoot finds a framework checkout. Absolute paths are only checked.
// Relative paths are tried against the working directory, the directory of
// the running executable, and then each of their parents.
func LocateRoot(preferred string) (string, error) {
	var starts []string
	if cwd, err := os.Getwd(); err == nil {
		starts = append(starts, cwd)
	}
	if exePath, err := os.Executable(); err == nil {
		starts = append(starts, filepath.Dir(exePath))
	}
	return locateFrom(preferred, starts)
}

func locateFrom(preferred string, starts []string) (string, error) {
	if filepath.IsAbs(preferred) {
		if dirExists(preferred) {
			return preferred, nil
		}
		return "", fmt.Errorf("%w: framework root %s does not exist", ErrMissingArtifact, preferred)
	}

	var tried []string
	checked := make(map[string]bool)
	for _, start := range starts {
		cur := start
		for i := 0; i < maxAscend; i++ {
			if cur == "" || checked[cur] {
				break
			}
			checked[cur] = true
			p := filepath.Join(cur, preferred)
			tried = append(tried, p)
			if dirExists(p) {
				return p, nil
			}
			parent := filepath.Dir(cur)
			if parent == cur {
				break
			}
			cur = parent
		}
	}

	var diag strings.Builder
	diag.WriteString("tried locations:\n")
	for _, t := range tried {
		diag.WriteString("  - " + t + "\n")
	}
	return "", fmt.Errorf("%w: framework root %q not found; %s", ErrMissingArtifact, preferred, diag.String())
}

func dirExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}
