package main

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/nugget/mirage/internal/defaults"
)

// runInit lays out a Mirage working directory: mirage.yaml, data/ and a
// services/ directory seeded with example listeners. Existing files are
// never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing Mirage workspace in %s\n", dir)

	for _, sub := range []string{"data", "services"} {
		p := filepath.Join(dir, sub)
		if err := os.MkdirAll(p, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", p, err)
		}
	}

	// The config may hold API keys.
	configPath := filepath.Join(dir, "mirage.yaml")
	if err := writeIfMissing(w, configPath, defaults.ConfigYAML, 0o600); err != nil {
		return err
	}

	err := fs.WalkDir(defaults.Services, "services", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		content, err := defaults.Services.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read embedded %s: %w", p, err)
		}
		return writeIfMissing(w, filepath.Join(dir, "services", path.Base(p)), content, 0o644)
	})
	if err != nil {
		return fmt.Errorf("install services: %w", err)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit mirage.yaml to choose a backend, then run: mirage serve")
	return nil
}

// writeIfMissing writes content to p unless a file is already there,
// and reports which happened.
func writeIfMissing(w io.Writer, p string, content []byte, perm os.FileMode) error {
	if _, err := os.Stat(p); err == nil {
		fmt.Fprintf(w, "  - %s (exists, skipping)\n", p)
		return nil
	}
	if err := os.WriteFile(p, content, perm); err != nil {
		return fmt.Errorf("write %s: %w", p, err)
	}
	fmt.Fprintf(w, "  ✓ %s\n", p)
	return nil
}
