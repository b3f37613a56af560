//go:build mage

package main

import (
	"github.com/magefile/mage/mg"
)

type Build mg.Namespace

// Downloads the modules and builds every package.
func (Build) Engine() error {
	if _, err := executeCmd("go", withArgs("mod", "download")); err != nil {
		return err
	}
	if _, err := executeCmd("go", withArgs("build", "./..."), withStream()); err != nil {
		return err
	}
	return nil
}

// Runs go vet over every package.
func (Build) Vet() error {
	_, err := executeCmd("go", withArgs("vet", "./..."), withStream())
	return err
}

type Test mg.Namespace

// Runs the unit tests. The Vulkan tests skip without a device.
func (Test) Unit() error {
	_, err := executeCmd("go", withArgs("test", "./..."), withStream())
	return err
}

// Runs the unit tests with the race detector.
func (Test) Race() error {
	mg.Deps(Build.Vet)
	_, err := executeCmd("go",
		withArgs("test", "-race", "-count=1", "./..."),
		withEnv("CGO_ENABLED=1"),
		withStream())
	return err
}
