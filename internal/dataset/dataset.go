// Package dataset enumerates the local recordings that can be shipped to an instance.
package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// EvalPrefix marks evaluation recordings, which are never offered for training
const EvalPrefix = "eval_"

// ErrNotFound is returned when a dataset name is not in the catalog
var ErrNotFound = errors.New("dataset not found")

// List returns the training datasets under root: every subdirectory whose
// name does not start with EvalPrefix, sorted by name
func List(root string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, fmt.Errorf("failed to read dataset directory %s: %w", root, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), EvalPrefix) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Resolve checks that name is a listed dataset and returns its path
func Resolve(root, name string) (string, error) {
	names, err := List(root)
	if err != nil {
		return "", err
	}

	for _, n := range names {
		if n == name {
			return filepath.Join(root, name), nil
		}
	}
	return "", fmt.Errorf("%w: %q (available: %s)", ErrNotFound, name, strings.Join(names, ", "))
}

// Root returns the per-user dataset directory
func Root(dataDir, username string) string {
	return filepath.Join(dataDir, username)
}
