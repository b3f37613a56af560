//go:build mage

package main

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/magefile/mage/mg"
)

type cmdOptions struct {
	args   []string
	env    []string
	stream bool
}

type cmdOption func(*cmdOptions)

func withArgs(args ...string) cmdOption {
	return func(o *cmdOptions) { o.args = append(o.args, args...) }
}

// withEnv adds KEY=VALUE pairs on top of the current environment.
func withEnv(kv ...string) cmdOption {
	return func(o *cmdOptions) { o.env = append(o.env, kv...) }
}

func withStream() cmdOption {
	return func(o *cmdOptions) { o.stream = true }
}

func executeCmd(command string, options ...cmdOption) (string, error) {
	var opts cmdOptions
	for _, o := range options {
		o(&opts)
	}

	line := strings.TrimSpace(strings.Join(append(opts.env, append([]string{command}, opts.args...)...), " "))
	fmt.Printf("Executing: %s\n", line)

	cmd := exec.Command(command, opts.args...)
	if len(opts.env) > 0 {
		cmd.Env = append(os.Environ(), opts.env...)
	}

	var out bytes.Buffer
	if mg.Verbose() || opts.stream {
		cmd.Stdout = io.MultiWriter(&out, os.Stdout)
		cmd.Stderr = io.MultiWriter(&out, os.Stderr)
		if err := cmd.Run(); err != nil {
			return "", errors.Wrapf(err, "executing %s", line)
		}
		return out.String(), nil
	}

	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		fmt.Printf("... %s failed:\n%s\n", command, out.String())
		return "", errors.Wrapf(err, "executing %s", line)
	}
	return out.String(), nil
}
