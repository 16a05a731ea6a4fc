// dx boots a simulated instance of the dx microkernel.
package main

import (
	"fmt"
	"os"

	"github.com/dgaur/dx/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
