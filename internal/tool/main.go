// Package tool defines very naive scripts for development tasks. They
// replace rote commands with named tasks; just like shell, it is a miracle
// these scripts work at all.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	path "path/filepath"
	"time"
)

var usage = `go run ./internal/tool <COMMAND>

Commands:

- deps  installs development dependencies: stringer, golint
- lint  check style with go vet and golint
`

func main() {
	args := os.Args

	if err := projectWorkingDirectory(); err != nil {
		log.Fatal(err)
	}

	switch {
	case len(args) == 2 && args[1] == "deps":
		if err := installDeps(); err != nil {
			log.Fatal(err)
		}
	case len(args) == 2 && args[1] == "lint":
		if err := lint(); err != nil {
			log.Fatal(err)
		}
	default:
		fmt.Fprint(os.Stderr, usage)
	}
}

// projectWorkingDirectory finds the project directory and changes the
// working directory to it: the working directory or its nearest ancestor
// holding a go.mod file. Refuses a root directory, to prevent inadvertent
// catastrophes.
func projectWorkingDirectory() error {
	dir, err := os.Getwd()
	if err != nil {
		return err
	}

	for {
		file := path.Join(dir, "go.mod")

		if _, err := os.Stat(file); err == nil {
			break
		} else if os.IsNotExist(err) {
			parent := path.Dir(dir)
			if parent == dir {
				return errors.New("project directory is root directory")
			}

			dir = parent
		} else {
			return err
		}
	}

	if dir == path.Dir(dir) {
		return errors.New("project directory is root directory")
	}

	return os.Chdir(dir)
}

func installDeps() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	goCmd, err := exec.LookPath("go")
	if err != nil {
		return fmt.Errorf("go (required): %w", err)
	}

	for _, dep := range []string{
		"golang.org/x/tools/cmd/stringer@latest",
		"golang.org/x/lint/golint@latest",
	} {
		if err := run(ctx, goCmd, "install", "-v", dep); err != nil {
			return fmt.Errorf("go install %s: %w", dep, err)
		}
	}

	return nil
}

func lint() error {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	if err := run(ctx, "go", "vet", "./..."); err != nil {
		return err
	}

	return run(ctx, "golint", "./...")
}

func run(ctx context.Context, command string, args ...string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	fmt.Println(command, args)

	return cmd.Run()
}
