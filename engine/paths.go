package engine

import (
	"fmt"
	"os"
	"strings"
)

// UniqueDir returns base if it does not exist, otherwise the first free
// base_1, base_2, ... sibling.
func UniqueDir(base string) string {
	if !exists(base) {
		return base
	}
	base = strings.TrimRight(base, `/\`)
	for i := 1; ; i++ {
		p := fmt.Sprintf("%s_%d", base, i)
		if !exists(p) {
			return p
		}
	}
}

// ReadNames reads one class name per line, ignoring blank lines and CRLF endings.
func ReadNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, l := range strings.Split(string(b), "\n") {
		if l = strings.TrimRight(l, "\r"); strings.TrimSpace(l) != "" {
			names = append(names, l)
		}
	}
	return names, nil
}

func exists(p string) bool {
	_, err := os.Stat(p)
	return err == nil
}

func fileExists(p string) bool {
	info, err := os.Stat(p)
	return err == nil && !info.IsDir()
}
