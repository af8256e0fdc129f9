package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/citaflow/wagate/examples"
)

// runInit initializes a wagate working directory: the credential store
// root plus an example config. Existing files are never overwritten.
func runInit(w io.Writer, dir string) error {
	fmt.Fprintf(w, "Initializing wagate workspace in %s\n", dir)

	credsPath := filepath.Join(dir, "creds")
	if err := os.MkdirAll(credsPath, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", credsPath, err)
	}

	configPath := filepath.Join(dir, "wagate.yaml")
	created, err := writeIfMissing(configPath, examples.ConfigYAML, 0o600)
	if err != nil {
		return err
	}
	if created {
		fmt.Fprintf(w, "  ✓ %s\n", configPath)
	} else {
		fmt.Fprintf(w, "  %s exists, skipping\n", configPath)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Edit wagate.yaml: set upstream.url and the tokens, then run 'wagate serve'.")
	return nil
}

// writeIfMissing writes content to path only when the file does not
// already exist, so init never clobbers user customizations. Reports
// whether it wrote the file.
func writeIfMissing(path string, content []byte, mode os.FileMode) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}
