//go:build mage

package main

import (
	"fmt"
	"os"

	"github.com/magefile/mage/mg"
)

type Run mg.Namespace

// Runs the demo with fencepost.toml, or the file named by FENCEPOST_CONFIG.
func (Run) Demo() error {
	mg.Deps(Build.Engine)

	path := os.Getenv("FENCEPOST_CONFIG")
	if path == "" {
		path = "fencepost.toml"
	}
	fmt.Printf("Run demo with %s...\n", path)
	if _, err := executeCmd("go", withArgs("run", "main.go", path), withStream()); err != nil {
		return err
	}
	return nil
}
